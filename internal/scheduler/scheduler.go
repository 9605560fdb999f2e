// SPDX-License-Identifier: MIT

// Package scheduler drives the single-flight pipeline cycle: scan, observe
// stability, claim stable files, batch, submit encodes, finalize.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/vodforge/vodforge/internal/batch"
	"github.com/vodforge/vodforge/internal/encoder"
	"github.com/vodforge/vodforge/internal/store"
	"github.com/vodforge/vodforge/internal/util"
)

// Scanner lists the files currently present on disk across all video roots.
type Scanner interface {
	Scan() []string
}

// Tracker records fingerprint observations and promotes stable files.
type Tracker interface {
	Observe(ctx context.Context, paths []string) error
}

// Store is the subset of internal/store.Store a Scheduler needs to run one
// cycle. It embeds batch.ExistingBatchLookup since Batcher.Assign consults
// the Store directly for merge candidates.
type Store interface {
	batch.ExistingBatchLookup

	Recover(ctx context.Context) error
	ClaimStableFiles(ctx context.Context) ([]store.PendingFile, error)
	RollbackToStable(ctx context.Context, files []store.FileAssignment) error
	CreateBatchWithFiles(ctx context.Context, streamer, outputDir, tmpDir string, files []store.FileAssignment, pendingIDs map[string]int64) (int64, error)
	AddFilesToBatch(ctx context.Context, batchID int64, files []store.FileAssignment, pendingIDs map[string]int64) error
	BatchByID(ctx context.Context, batchID int64) (store.Batch, error)
}

// Pool submits files for encoding. Satisfied by internal/encoder.Pool.
type Pool interface {
	SubmitAsync(ctx context.Context, t encoder.Task) <-chan error
	CurrentFile() string
}

// Finalizer sweeps batches ready for merge/extract. Satisfied by
// internal/finalizer.Finalizer.
type Finalizer interface {
	Sweep(ctx context.Context) error
}

// Config configures a Scheduler.
type Config struct {
	ScanInterval time.Duration
	MergeWindow  time.Duration
	OutputRoot   string
	TempDir      string
	MaxRetries   int
	Logger       *slog.Logger
}

// Scheduler is the single event-loop orchestrator for one pipeline cycle,
// per spec.md §4.7. It implements internal/supervisor.Service.
type Scheduler struct {
	cfg       Config
	scanner   Scanner
	tracker   Tracker
	store     Store
	pool      Pool
	finalizer Finalizer
	logger    *slog.Logger

	running atomic.Bool
	phase   atomic.Value // string
}

// New creates a Scheduler.
func New(cfg Config, scanner Scanner, tracker Tracker, st Store, pool Pool, fin Finalizer) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{cfg: cfg, scanner: scanner, tracker: tracker, store: st, pool: pool, finalizer: fin, logger: logger}
	s.phase.Store("idle")
	return s
}

// Name identifies this service to the supervisor.
func (s *Scheduler) Name() string { return "scheduler" }

// Run blocks until ctx is cancelled, running recovery once up front and
// then one cycle per tick (and on manual Trigger calls).
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.store.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	interval := s.cfg.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// Trigger runs one cycle immediately in the background, skipping if a
// cycle is already in flight. It never blocks the caller.
func (s *Scheduler) Trigger(ctx context.Context) {
	util.SafeGo("scheduler-trigger", os.Stderr, func() { s.runCycle(ctx) }, nil)
}

// IsRunning reports whether a cycle is currently in flight.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// CurrentFile returns the path most recently started by any encoder
// worker. Purely advisory.
func (s *Scheduler) CurrentFile() string { return s.pool.CurrentFile() }

// CurrentPhase returns the name of the cycle step currently executing, or
// "idle" when no cycle is in flight.
func (s *Scheduler) CurrentPhase() string { return s.phase.Load().(string) }

func (s *Scheduler) setPhase(phase string) { s.phase.Store(phase) }

// runCycle runs one scan→observe→claim→batch→submit→finalize pass.
// Single-flight: if a cycle is already running, this call is a no-op.
// Per spec.md §4.7, a failure in any sub-step is logged and the cycle
// moves on rather than aborting the daemon.
func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		s.setPhase("idle")
		s.running.Store(false)
	}()

	s.setPhase("scanning")
	paths := s.scanner.Scan()

	s.setPhase("observing")
	if err := s.tracker.Observe(ctx, paths); err != nil {
		s.logger.Error("observe failed", "error", err)
	}

	s.setPhase("claiming")
	claimed, err := s.store.ClaimStableFiles(ctx)
	if err != nil {
		s.logger.Error("claim stable files failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		s.sweepFinalizer(ctx)
		return
	}

	s.setPhase("batching")
	targets, skipped, err := batch.Assign(ctx, claimed, s.cfg.MergeWindow, s.store)
	if err != nil {
		s.logger.Error("batch assign failed", "error", err)
		s.rollbackAll(ctx, claimed)
		return
	}
	s.rollbackSkipped(ctx, skipped)

	pendingIDs := make(map[string]int64, len(claimed))
	for _, pf := range claimed {
		pendingIDs[pf.DirPath+"/"+pf.Filename] = pf.ID
	}

	s.setPhase("submitting")
	for _, tgt := range targets {
		if err := s.realizeTarget(ctx, tgt, pendingIDs); err != nil {
			s.logger.Error("realize batch target failed", "streamer", tgt.Streamer, "error", err)
		}
	}

	s.sweepFinalizer(ctx)
}

func (s *Scheduler) sweepFinalizer(ctx context.Context) {
	s.setPhase("finalizing")
	if err := s.finalizer.Sweep(ctx); err != nil {
		s.logger.Error("finalizer sweep failed", "error", err)
	}
}

func (s *Scheduler) rollbackSkipped(ctx context.Context, skipped batch.Skipped) {
	all := make([]store.FileAssignment, 0, len(skipped.NoTime)+len(skipped.NoStreamer))
	for _, pf := range skipped.NoTime {
		all = append(all, store.FileAssignment{DirPath: pf.DirPath, Filename: pf.Filename, Fingerprint: pf.Fingerprint})
	}
	for _, pf := range skipped.NoStreamer {
		all = append(all, store.FileAssignment{DirPath: pf.DirPath, Filename: pf.Filename, Fingerprint: pf.Fingerprint})
	}
	if len(all) == 0 {
		return
	}
	if err := s.store.RollbackToStable(ctx, all); err != nil {
		s.logger.Error("rollback skipped files failed", "error", err)
	}
}

func (s *Scheduler) rollbackAll(ctx context.Context, claimed []store.PendingFile) {
	all := make([]store.FileAssignment, 0, len(claimed))
	for _, pf := range claimed {
		all = append(all, store.FileAssignment{DirPath: pf.DirPath, Filename: pf.Filename, Fingerprint: pf.Fingerprint})
	}
	if err := s.store.RollbackToStable(ctx, all); err != nil {
		s.logger.Error("rollback claimed files failed", "error", err)
	}
}

// realizeTarget creates or appends to a Batch row for tgt, then submits
// every one of its files to the encoder pool.
func (s *Scheduler) realizeTarget(ctx context.Context, tgt batch.Target, pendingIDs map[string]int64) error {
	var (
		batchID           int64
		outputDir, tmpDir string
		err               error
	)

	switch tgt.Kind {
	case batch.TargetExistingBatch:
		batchID = tgt.BatchID
		if err := s.store.AddFilesToBatch(ctx, batchID, tgt.Files, pendingIDs); err != nil {
			return fmt.Errorf("add files to batch %d: %w", batchID, err)
		}
		b, err := s.store.BatchByID(ctx, batchID)
		if err != nil {
			return fmt.Errorf("load batch %d: %w", batchID, err)
		}
		outputDir, tmpDir = b.OutputDir, b.TmpDir

	default: // batch.TargetNewBatch
		outputDir, tmpDir = s.newBatchDirs(tgt.Streamer, tgt.Files)
		batchID, err = s.store.CreateBatchWithFiles(ctx, tgt.Streamer, outputDir, tmpDir, tgt.Files, pendingIDs)
		if err != nil {
			return fmt.Errorf("create batch for %s: %w", tgt.Streamer, err)
		}
	}

	for _, f := range tgt.Files {
		task := encoder.Task{
			BatchID:    batchID,
			DirPath:    f.DirPath,
			Filename:   f.Filename,
			InputPath:  filepath.Join(f.DirPath, f.Filename),
			TmpDir:     tmpDir,
			MaxRetries: s.cfg.MaxRetries,
		}
		resultCh := s.pool.SubmitAsync(ctx, task)
		util.SafeGo("scheduler-await-encode", os.Stderr, func() {
			if err := <-resultCh; err != nil {
				s.logger.Warn("encode task finished with error", "batch_id", batchID, "file", task.Filename, "error", err)
			}
		}, nil)
	}
	return nil
}

// newBatchDirs derives a new batch's output/tmp directories from its
// streamer and the earliest recording time among its files, so a fresh
// batch gets a stable, human-readable path before its row (and id) exist.
func (s *Scheduler) newBatchDirs(streamer string, files []store.FileAssignment) (outputDir, tmpDir string) {
	var earliest time.Time
	found := false
	for _, f := range files {
		t, ok := batch.ParseFilenameTime(f.Filename)
		if !ok {
			continue
		}
		if !found || t.Before(earliest) {
			earliest = t
			found = true
		}
	}
	key := streamer
	if found {
		key = fmt.Sprintf("%s_%s", streamer, earliest.Format("20060102-150405"))
	}
	return filepath.Join(s.cfg.OutputRoot, streamer, key), filepath.Join(s.cfg.TempDir, streamer, key)
}
