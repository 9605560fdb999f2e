// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vodforge/vodforge/internal/encoder"
	"github.com/vodforge/vodforge/internal/store"
)

type fakeScanner struct{ paths []string }

func (f *fakeScanner) Scan() []string { return f.paths }

type fakeTracker struct {
	observed [][]string
	err      error
}

func (f *fakeTracker) Observe(ctx context.Context, paths []string) error {
	f.observed = append(f.observed, paths)
	return f.err
}

type fakeStore struct {
	mu sync.Mutex

	recovered     bool
	claimed       []store.PendingFile
	claimErr      error
	rolledBack    []store.FileAssignment
	batches       map[int64]*store.Batch
	nextBatchID   int64
	createCalls   int
	appendCalls   int
	candidates    map[string][]store.Batch
	batchFiles    map[int64][]store.BatchFile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:    make(map[int64]*store.Batch),
		candidates: make(map[string][]store.Batch),
		batchFiles: make(map[int64][]store.BatchFile),
	}
}

func (f *fakeStore) Recover(ctx context.Context) error {
	f.recovered = true
	return nil
}

func (f *fakeStore) ClaimStableFiles(ctx context.Context) ([]store.PendingFile, error) {
	return f.claimed, f.claimErr
}

func (f *fakeStore) RollbackToStable(ctx context.Context, files []store.FileAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBack = append(f.rolledBack, files...)
	return nil
}

func (f *fakeStore) CreateBatchWithFiles(ctx context.Context, streamer, outputDir, tmpDir string, files []store.FileAssignment, pendingIDs map[string]int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.nextBatchID++
	id := f.nextBatchID
	f.batches[id] = &store.Batch{ID: id, Streamer: streamer, OutputDir: outputDir, TmpDir: tmpDir, Status: store.BatchEncoding}
	return id, nil
}

func (f *fakeStore) AddFilesToBatch(ctx context.Context, batchID int64, files []store.FileAssignment, pendingIDs map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	return nil
}

func (f *fakeStore) BatchByID(ctx context.Context, batchID int64) (store.Batch, error) {
	return *f.batches[batchID], nil
}

func (f *fakeStore) ExistingEncodingBatchesForStreamer(ctx context.Context, streamer string) ([]store.Batch, error) {
	return f.candidates[streamer], nil
}

func (f *fakeStore) BatchFilesOfBatch(ctx context.Context, batchID int64) ([]store.BatchFile, error) {
	return f.batchFiles[batchID], nil
}

type fakePool struct {
	mu      sync.Mutex
	tasks   []encoder.Task
	current string
}

func (p *fakePool) SubmitAsync(ctx context.Context, t encoder.Task) <-chan error {
	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (p *fakePool) CurrentFile() string { return p.current }

type fakeFinalizer struct {
	swept int
}

func (f *fakeFinalizer) Sweep(ctx context.Context) error {
	f.swept++
	return nil
}

func TestRunCycleCreatesNewBatchAndSubmitsFiles(t *testing.T) {
	st := newFakeStore()
	st.claimed = []store.PendingFile{
		{ID: 1, DirPath: "/videos/alice", Filename: "[2026-01-06 09-00-00] a.flv", Status: store.StatusProcessing},
	}

	pool := &fakePool{}
	fin := &fakeFinalizer{}
	sch := New(Config{MergeWindow: time.Hour, OutputRoot: "/out", TempDir: "/tmp", MaxRetries: 2},
		&fakeScanner{paths: []string{"/videos/alice/[2026-01-06 09-00-00] a.flv"}},
		&fakeTracker{}, st, pool, fin)

	sch.runCycle(context.Background())

	if st.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", st.createCalls)
	}
	if len(pool.tasks) != 1 {
		t.Fatalf("pool tasks = %d, want 1", len(pool.tasks))
	}
	if pool.tasks[0].Filename != "[2026-01-06 09-00-00] a.flv" {
		t.Errorf("submitted task filename = %q", pool.tasks[0].Filename)
	}
	if fin.swept != 1 {
		t.Errorf("finalizer swept = %d, want 1", fin.swept)
	}
	if sch.CurrentPhase() != "idle" {
		t.Errorf("phase after cycle = %q, want idle", sch.CurrentPhase())
	}
}

func TestRunCycleMergesIntoExistingBatch(t *testing.T) {
	st := newFakeStore()
	st.batches[42] = &store.Batch{ID: 42, Streamer: "alice", OutputDir: "/out/alice", TmpDir: "/tmp/alice"}
	st.candidates["alice"] = []store.Batch{{ID: 42, Streamer: "alice"}}
	st.batchFiles[42] = []store.BatchFile{{Filename: "[2026-01-06 09-00-00] existing.flv"}}
	st.claimed = []store.PendingFile{
		{ID: 1, DirPath: "/videos/alice", Filename: "[2026-01-06 09-30-00] a.flv", Status: store.StatusProcessing},
	}

	pool := &fakePool{}
	sch := New(Config{MergeWindow: time.Hour, OutputRoot: "/out", TempDir: "/tmp"},
		&fakeScanner{}, &fakeTracker{}, st, pool, &fakeFinalizer{})

	sch.runCycle(context.Background())

	if st.appendCalls != 1 || st.createCalls != 0 {
		t.Errorf("appendCalls = %d, createCalls = %d, want 1, 0", st.appendCalls, st.createCalls)
	}
	if len(pool.tasks) != 1 || pool.tasks[0].TmpDir != "/tmp/alice" {
		t.Errorf("pool tasks = %+v, want one task rooted at /tmp/alice", pool.tasks)
	}
}

func TestRunCycleRollsBackUnparseableFiles(t *testing.T) {
	st := newFakeStore()
	st.claimed = []store.PendingFile{
		{ID: 1, DirPath: "/videos/alice", Filename: "no_timestamp.flv", Status: store.StatusProcessing},
	}

	sch := New(Config{MergeWindow: time.Hour}, &fakeScanner{}, &fakeTracker{}, st, &fakePool{}, &fakeFinalizer{})
	sch.runCycle(context.Background())

	if len(st.rolledBack) != 1 || st.rolledBack[0].Filename != "no_timestamp.flv" {
		t.Errorf("rolledBack = %+v, want one unparseable file rolled back", st.rolledBack)
	}
}

func TestRunCycleSkipsWhenAlreadyInFlight(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTracker{}
	fin := &fakeFinalizer{}
	sch := New(Config{MergeWindow: time.Hour}, &fakeScanner{}, tr, st, &fakePool{}, fin)

	sch.running.Store(true)
	sch.runCycle(context.Background())

	if len(tr.observed) != 0 || fin.swept != 0 {
		t.Error("runCycle should have been a no-op while a cycle is already in flight")
	}
}

func TestTriggerRunsOneCycleAsynchronously(t *testing.T) {
	st := newFakeStore()
	fin := &fakeFinalizer{}
	sch := New(Config{MergeWindow: time.Hour}, &fakeScanner{}, &fakeTracker{}, st, &fakePool{}, fin)

	sch.Trigger(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for fin.swept == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fin.swept == 0 {
		t.Error("Trigger() did not run a cycle within the deadline")
	}
}

func TestNewBatchDirsUsesEarliestFileTime(t *testing.T) {
	sch := &Scheduler{cfg: Config{OutputRoot: "/out", TempDir: "/tmp"}}
	outputDir, tmpDir := sch.newBatchDirs("alice", []store.FileAssignment{
		{DirPath: "/videos/alice", Filename: "[2026-01-06 09-30-00] b.flv"},
		{DirPath: "/videos/alice", Filename: "[2026-01-06 09-00-00] a.flv"},
	})
	wantSuffix := "alice_20260106-090000"
	if filepathBase(outputDir) != wantSuffix {
		t.Errorf("outputDir = %q, want suffix %q", outputDir, wantSuffix)
	}
	if filepathBase(tmpDir) != wantSuffix {
		t.Errorf("tmpDir = %q, want suffix %q", tmpDir, wantSuffix)
	}
}

func filepathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
