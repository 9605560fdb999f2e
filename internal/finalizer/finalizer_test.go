// SPDX-License-Identifier: MIT

package finalizer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/vodforge/vodforge/internal/rules"
	"github.com/vodforge/vodforge/internal/store"
)

// findFFmpegOrSkip locates the ffmpeg binary in PATH, skipping the calling
// test when it isn't available rather than failing the suite.
func findFFmpegOrSkip(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not found in PATH, skipping")
	}
	return path
}

// generateTestClip renders a short synthetic video fragment with ffmpeg's
// lavfi source, so tests don't depend on a fixture file on disk.
func generateTestClip(t *testing.T, ffmpegPath, name string, seconds int) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), name)
	cmd := exec.Command(ffmpegPath, "-y", "-f", "lavfi",
		"-i", "testsrc=duration="+strconv.Itoa(seconds)+":size=160x120:rate=10",
		"-c:v", "libx264", "-t", strconv.Itoa(seconds), out)
	if err := cmd.Run(); err != nil {
		t.Skipf("could not generate test clip with ffmpeg: %v", err)
	}
	return out
}

type fakeStore struct {
	batches       map[int64]*store.Batch
	encodedFiles  map[int64][]store.BatchFile
	ownedPending  map[int64][]store.PendingFile
	completed     map[string]bool
	statusHistory map[int64][]store.BatchStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:       make(map[int64]*store.Batch),
		encodedFiles:  make(map[int64][]store.BatchFile),
		ownedPending:  make(map[int64][]store.PendingFile),
		completed:     make(map[string]bool),
		statusHistory: make(map[int64][]store.BatchStatus),
	}
}

func (s *fakeStore) FindCompleteBatchIDs(ctx context.Context, minAge time.Duration) ([]int64, error) {
	var ids []int64
	for id := range s.batches {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) BatchByID(ctx context.Context, batchID int64) (store.Batch, error) {
	return *s.batches[batchID], nil
}

func (s *fakeStore) SetBatchStatus(ctx context.Context, batchID int64, status store.BatchStatus) error {
	s.batches[batchID].Status = status
	s.statusHistory[batchID] = append(s.statusHistory[batchID], status)
	return nil
}

func (s *fakeStore) SetBatchFinalPaths(ctx context.Context, batchID int64, mp4Path, mp3Path string) error {
	s.batches[batchID].FinalMP4Path = mp4Path
	s.batches[batchID].FinalMP3Path = mp3Path
	s.batches[batchID].Status = store.BatchCompleted
	return nil
}

func (s *fakeStore) EncodedBatchFiles(ctx context.Context, batchID int64) ([]store.BatchFile, error) {
	return s.encodedFiles[batchID], nil
}

func (s *fakeStore) BatchFilesOwnedByStatus(ctx context.Context, batchID int64, statuses []store.PendingFileStatus) ([]store.PendingFile, error) {
	return s.ownedPending[batchID], nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, dirPath, filename, startTime, endTime string) error {
	s.completed[dirPath+"/"+filename] = true
	return nil
}

func TestFinalizeBatchSingleFragmentCopiesDirectly(t *testing.T) {
	outputDir := t.TempDir()
	tmpDir := t.TempDir()

	fragmentPath := filepath.Join(tmpDir, "alice", "clip.mp4")
	if err := os.MkdirAll(filepath.Dir(fragmentPath), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(fragmentPath, []byte("fake mp4 data"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	st := newFakeStore()
	st.batches[1] = &store.Batch{ID: 1, Streamer: "alice", Status: store.BatchEncoding, OutputDir: outputDir, TmpDir: tmpDir}
	st.encodedFiles[1] = []store.BatchFile{{BatchID: 1, Filename: "clip.flv", EncodedPath: fragmentPath}}
	st.ownedPending[1] = []store.PendingFile{
		{DirPath: "/videos/alice", Filename: "[2026-01-06 09-00-00] clip.flv", Status: store.StatusStaged},
	}

	f, err := New(Config{KeepOriginal: true}, st)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := f.finalizeBatch(context.Background(), 1); err != nil {
		t.Fatalf("finalizeBatch() error = %v", err)
	}

	if st.batches[1].Status != store.BatchCompleted {
		t.Errorf("batch status = %v, want completed", st.batches[1].Status)
	}
	if _, err := os.Stat(st.batches[1].FinalMP4Path); err != nil {
		t.Errorf("merged mp4 not found at %s: %v", st.batches[1].FinalMP4Path, err)
	}
	if !st.completed["/videos/alice/[2026-01-06 09-00-00] clip.flv"] {
		t.Error("expected owned PendingFile to be marked completed")
	}
}

func TestFinalizeBatchNoEncodedFilesFails(t *testing.T) {
	st := newFakeStore()
	st.batches[1] = &store.Batch{ID: 1, Streamer: "alice", Status: store.BatchEncoding, OutputDir: t.TempDir(), TmpDir: t.TempDir()}

	f, err := New(Config{KeepOriginal: true}, st)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := f.finalizeBatch(context.Background(), 1); err == nil {
		t.Error("finalizeBatch() expected error when there are no encoded files")
	}
}

func TestMaybeDeleteOriginalRespectsKeepOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.flv")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	st := newFakeStore()
	f, err := New(Config{KeepOriginal: true}, st)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.maybeDeleteOriginal(store.PendingFile{DirPath: dir, Filename: "clip.flv"})
	if _, statErr := os.Stat(path); statErr != nil {
		t.Error("keep_original=true should have preserved the file")
	}
}

func TestMaybeDeleteOriginalDeletesWhenNoKeepAndNoRootConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.flv")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	st := newFakeStore()
	f, err := New(Config{KeepOriginal: false}, st)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.maybeDeleteOriginal(store.PendingFile{DirPath: dir, Filename: "clip.flv"})
	if _, statErr := os.Stat(path); statErr == nil {
		t.Error("expected file to be deleted when keep_original=false and no per-root config exists")
	}
}

func TestMaybeDeleteOriginalUsesPerRootRules(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alice")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	path := filepath.Join(dir, "clip.flv")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	st := newFakeStore()
	f, err := New(Config{
		KeepOriginal: false, // irrelevant once a per-root config exists
		DeleteRoots: []DeleteRootConfig{
			{Root: root, EnableDelete: true, DeleteFilter: rules.Filter{Mode: rules.Blacklist}},
		},
	}, st)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.maybeDeleteOriginal(store.PendingFile{DirPath: dir, Filename: "clip.flv"})
	if _, statErr := os.Stat(path); statErr == nil {
		t.Error("expected per-root enable_delete with blacklist-allows-all to delete the file")
	}
}

func TestFinalizeBatchConcatenatesAndExtractsMP3(t *testing.T) {
	ffmpegPath := findFFmpegOrSkip(t)
	outputDir := t.TempDir()
	tmpDir := t.TempDir()

	clipA := generateTestClip(t, ffmpegPath, "a.mp4", 1)
	clipB := generateTestClip(t, ffmpegPath, "b.mp4", 1)

	st := newFakeStore()
	st.batches[1] = &store.Batch{ID: 1, Streamer: "alice", Status: store.BatchEncoding, OutputDir: outputDir, TmpDir: tmpDir}
	st.encodedFiles[1] = []store.BatchFile{
		{BatchID: 1, Filename: "a.flv", EncodedPath: clipA},
		{BatchID: 1, Filename: "b.flv", EncodedPath: clipB},
	}
	st.ownedPending[1] = []store.PendingFile{
		{DirPath: "/videos/alice", Filename: "[2026-01-06 09-00-00] a.flv", Status: store.StatusStaged},
		{DirPath: "/videos/alice", Filename: "[2026-01-06 09-05-00] b.flv", Status: store.StatusStaged},
	}

	f, err := New(Config{KeepOriginal: true, FFmpegPath: ffmpegPath}, st)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.finalizeBatch(ctx, 1); err != nil {
		t.Fatalf("finalizeBatch() error = %v", err)
	}

	if _, err := os.Stat(st.batches[1].FinalMP4Path); err != nil {
		t.Errorf("merged mp4 not found: %v", err)
	}
	if _, err := os.Stat(st.batches[1].FinalMP3Path); err != nil {
		t.Errorf("extracted mp3 not found: %v", err)
	}
	if len(st.completed) != 2 {
		t.Errorf("completed files = %d, want 2", len(st.completed))
	}
}
