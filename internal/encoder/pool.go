// SPDX-License-Identifier: MIT

package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vodforge/vodforge/internal/util"
)

// Outcome is the terminal result of one Pool.Submit call.
type Outcome int

const (
	Encoded Outcome = iota
	Skipped
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Encoded:
		return "encoded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Fingerprinter computes a content digest for a file. Satisfied by
// internal/fingerprint.MD5.
type Fingerprinter interface {
	Fingerprint(path string) (string, error)
}

// Store is the subset of internal/store.Store the Pool needs to drive the
// per-file encode contract (spec.md §4.5).
type Store interface {
	IsCompletedWithFingerprint(ctx context.Context, dirPath, filename, fingerprint string) (bool, error)
	MarkBatchFileEncoding(ctx context.Context, batchID int64, dirPath, filename string) error
	MarkFileEncoded(ctx context.Context, batchID int64, dirPath, filename, encodedPath, fingerprint string) error
	MarkStaged(ctx context.Context, dirPath, filename, tempMP4Path string) error
	DeleteBatchFileAndIncrFailed(ctx context.Context, batchID int64, dirPath, filename string) error
	MarkPendingFileDeprecated(ctx context.Context, dirPath, filename string) error
}

// Task is one unit of work submitted to the Pool: encode a single file that
// belongs to batchID into the batch's tmp_dir.
type Task struct {
	BatchID    int64
	DirPath    string
	Filename   string
	InputPath  string
	TmpDir     string
	MaxRetries int
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	MaxParallel int
	FFmpegPath  string
	LogDir      string
	Encode      EncodeParams
	Backoff     func() *Backoff // factory: one fresh Backoff per task's retry sequence
	Monitor     *ResourceMonitor
	Logger      *slog.Logger
}

// Pool executes encode tasks with bounded concurrency, retrying each task a
// bounded number of times before giving up per spec.md §4.5.
type Pool struct {
	cfg   PoolConfig
	sem   chan struct{}
	store Store
	fp    Fingerprinter

	progress sync.Map // task key -> Progress

	mu        sync.RWMutex
	current   string // most-recent input path any worker is encoding; advisory
	lastAlert ResourceAlert
	alertAt   time.Time
	hasAlert  bool
}

// NewPool creates a Pool bounded to cfg.MaxParallel concurrent ffmpeg jobs.
func NewPool(cfg PoolConfig, store Store, fp Fingerprinter) *Pool {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func() *Backoff { return NewBackoff(2*time.Second, 30*time.Second, 5) }
	}
	return &Pool{
		cfg:   cfg,
		sem:   make(chan struct{}, cfg.MaxParallel),
		store: store,
		fp:    fp,
	}
}

// CurrentFile returns the input path most recently started by any worker.
// Purely advisory, per spec.md §4.7's last-writer-wins semantics.
func (p *Pool) CurrentFile() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Pool) setCurrent(path string) {
	p.mu.Lock()
	p.current = path
	p.mu.Unlock()
}

// LastAlert returns the most recent resource alert raised by any worker's
// ResourceMonitor, if cfg.Monitor is configured and any alert has fired yet.
func (p *Pool) LastAlert() (alert ResourceAlert, at time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastAlert, p.alertAt, p.hasAlert
}

func (p *Pool) recordAlert(alerts []ResourceAlert) {
	if len(alerts) == 0 {
		return
	}
	p.mu.Lock()
	p.lastAlert = alerts[len(alerts)-1]
	p.alertAt = time.Now()
	p.hasAlert = true
	p.mu.Unlock()
}

// Progress returns the last parsed progress for a task, if any.
func (p *Pool) Progress(taskKey string) (Progress, bool) {
	v, ok := p.progress.Load(taskKey)
	if !ok {
		return Progress{}, false
	}
	return v.(Progress), true
}

func taskKey(t Task) string {
	return fmt.Sprintf("%d:%s/%s", t.BatchID, t.DirPath, t.Filename)
}

// Submit acquires a worker permit, runs the per-file encode contract to
// completion (including retries), and returns its terminal Outcome. It
// blocks until a permit is available or ctx is cancelled.
//
// The semaphore permit is released via defer so it is returned even if a
// downstream step panics (spec.md §4.5 "Ordering").
func (p *Pool) Submit(ctx context.Context, t Task) (Outcome, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Cancelled, ctx.Err()
	}
	defer func() { <-p.sem }()

	return p.runTask(ctx, t)
}

// SubmitAsync runs Submit in a panic-safe goroutine and reports the result
// on the returned channel.
func (p *Pool) SubmitAsync(ctx context.Context, t Task) <-chan error {
	resultCh := make(chan error, 1)
	util.SafeGo("encoder-pool-worker", os.Stderr, func() {
		_, err := p.Submit(ctx, t)
		resultCh <- err
	}, nil)
	return resultCh
}

func (p *Pool) runTask(ctx context.Context, t Task) (Outcome, error) {
	key := taskKey(t)

	fingerprint, err := p.fp.Fingerprint(t.InputPath)
	if err != nil {
		return Failed, fmt.Errorf("fingerprint %s: %w", t.InputPath, err)
	}

	if done, err := p.store.IsCompletedWithFingerprint(ctx, t.DirPath, t.Filename, fingerprint); err == nil && done {
		return Skipped, nil
	}

	if err := p.store.MarkBatchFileEncoding(ctx, t.BatchID, t.DirPath, t.Filename); err != nil {
		return Failed, fmt.Errorf("mark encoding: %w", err)
	}

	outputPath := filepath.Join(t.TmpDir, filepath.Base(filepath.Dir(t.InputPath)), trimExt(t.Filename)+".mp4")

	backoff := p.cfg.Backoff()
	maxRetries := t.MaxRetries
	retries := 0

	for {
		p.setCurrent(t.InputPath)

		job := NewJob(JobConfig{
			ID:     key,
			LogDir: p.cfg.LogDir,
			Spec: CommandSpec{
				Kind:       KindTranscode,
				FFmpegPath: p.cfg.FFmpegPath,
				Input:      t.InputPath,
				Output:     outputPath,
				Encode:     p.cfg.Encode,
			},
			OnProgress: func(id string, pr Progress) {
				p.progress.Store(id, pr)
			},
			Monitor: p.cfg.Monitor,
			OnAlert: func(id string, alerts []ResourceAlert) {
				p.recordAlert(alerts)
				if p.cfg.Logger == nil {
					return
				}
				for _, a := range alerts {
					p.cfg.Logger.Warn("encode job resource alert",
						"job_id", id, "level", a.Level.String(), "resource", a.Resource, "message", a.Message)
				}
			},
		})

		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			return Failed, fmt.Errorf("create output dir: %w", err)
		}

		runErr := job.Run(ctx)

		if runErr == context.Canceled {
			os.Remove(outputPath)
			return Cancelled, nil
		}

		if runErr == nil {
			if _, statErr := os.Stat(outputPath); statErr == nil {
				if err := p.store.MarkFileEncoded(ctx, t.BatchID, t.DirPath, t.Filename, outputPath, fingerprint); err != nil {
					return Failed, fmt.Errorf("mark encoded: %w", err)
				}
				if err := p.store.MarkStaged(ctx, t.DirPath, t.Filename, outputPath); err != nil {
					return Failed, fmt.Errorf("mark staged: %w", err)
				}
				return Encoded, nil
			}
			runErr = fmt.Errorf("ffmpeg exited cleanly but output %s is missing", outputPath)
		}

		os.Remove(outputPath)

		// retries counts every failed attempt, the first included; give up
		// once it exceeds maxRetries (1 initial attempt + maxRetries
		// retries), so maxRetries=0 gives up after the first failure and
		// maxRetries=2 after the third.
		retries++
		if retries > maxRetries {
			if err := p.store.DeleteBatchFileAndIncrFailed(ctx, t.BatchID, t.DirPath, t.Filename); err != nil {
				return Failed, fmt.Errorf("delete batchfile after give-up: %w", err)
			}
			if err := p.store.MarkPendingFileDeprecated(ctx, t.DirPath, t.Filename); err != nil {
				return Failed, fmt.Errorf("mark deprecated after give-up: %w", err)
			}
			return Failed, runErr
		}

		backoff.RecordFailure()
		if waitErr := backoff.WaitContext(ctx); waitErr != nil {
			return Cancelled, waitErr
		}
	}
}

func trimExt(filename string) string {
	ext := filepath.Ext(filename)
	return filename[:len(filename)-len(ext)]
}
