// SPDX-License-Identifier: MIT

// Package finalizer concatenates a batch's encoded fragments into a single
// output, extracts its audio track, and retires the contributing
// PendingFile rows, per spec.md §4.6.
package finalizer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vodforge/vodforge/internal/batch"
	"github.com/vodforge/vodforge/internal/encoder"
	"github.com/vodforge/vodforge/internal/rules"
	"github.com/vodforge/vodforge/internal/store"
)

// Store is the subset of internal/store.Store the finalizer needs.
type Store interface {
	FindCompleteBatchIDs(ctx context.Context, minAge time.Duration) ([]int64, error)
	BatchByID(ctx context.Context, batchID int64) (store.Batch, error)
	SetBatchStatus(ctx context.Context, batchID int64, status store.BatchStatus) error
	SetBatchFinalPaths(ctx context.Context, batchID int64, mp4Path, mp3Path string) error
	EncodedBatchFiles(ctx context.Context, batchID int64) ([]store.BatchFile, error)
	BatchFilesOwnedByStatus(ctx context.Context, batchID int64, statuses []store.PendingFileStatus) ([]store.PendingFile, error)
	MarkCompleted(ctx context.Context, dirPath, filename, startTime, endTime string) error
}

// DeleteRootConfig is one configured video root's optional-deletion policy.
type DeleteRootConfig struct {
	Root         string
	EnableDelete bool
	DeleteFilter rules.Filter
}

// Config configures a Finalizer.
type Config struct {
	QuiescenceSeconds int
	FFmpegPath        string
	KeepOriginal      bool // global fallback when no per-root deletion is configured anywhere
	DeleteRoots       []DeleteRootConfig
	Logger            *slog.Logger
}

// Finalizer merges and finalizes complete batches.
type Finalizer struct {
	cfg                 Config
	store               Store
	logger              *slog.Logger
	deleteRules         []compiledDeleteRoot
	anyDeleteConfigured bool
}

type compiledDeleteRoot struct {
	root   string
	enable bool
	filter *rules.Compiled
}

// New creates a Finalizer. Invalid delete-rule filters are reported
// immediately rather than failing silently at sweep time.
func New(cfg Config, st Store) (*Finalizer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Finalizer{cfg: cfg, store: st, logger: logger}
	for _, root := range cfg.DeleteRoots {
		compiled, err := rules.Compile(root.DeleteFilter)
		if err != nil {
			return nil, fmt.Errorf("compile delete filter for root %s: %w", root.Root, err)
		}
		f.deleteRules = append(f.deleteRules, compiledDeleteRoot{root: root.Root, enable: root.EnableDelete, filter: compiled})
		if root.EnableDelete {
			f.anyDeleteConfigured = true
		}
	}
	return f, nil
}

// Sweep finds every batch ready for finalization and processes each in
// turn. A per-batch failure transitions that batch to failed and continues
// with the rest.
func (f *Finalizer) Sweep(ctx context.Context) error {
	ids, err := f.store.FindCompleteBatchIDs(ctx, time.Duration(f.cfg.QuiescenceSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("find complete batch ids: %w", err)
	}
	for _, id := range ids {
		if err := f.finalizeBatch(ctx, id); err != nil {
			f.logger.Error("finalize batch failed", "batch_id", id, "error", err)
			if setErr := f.store.SetBatchStatus(ctx, id, store.BatchFailed); setErr != nil {
				f.logger.Error("failed to mark batch failed", "batch_id", id, "error", setErr)
			}
		}
	}
	return nil
}

func (f *Finalizer) finalizeBatch(ctx context.Context, batchID int64) error {
	b, err := f.store.BatchByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	if err := f.store.SetBatchStatus(ctx, batchID, store.BatchMerging); err != nil {
		return fmt.Errorf("set status merging: %w", err)
	}

	encodedFiles, err := f.store.EncodedBatchFiles(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list encoded files: %w", err)
	}
	if len(encodedFiles) == 0 {
		return fmt.Errorf("batch %d has no encoded files to finalize", batchID)
	}

	mergedPath := filepath.Join(b.OutputDir, "merged_"+trimExt(encodedFiles[0].Filename)+".mp4")
	if err := os.MkdirAll(b.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if len(encodedFiles) == 1 {
		if err := copyFile(encodedFiles[0].EncodedPath, mergedPath); err != nil {
			return fmt.Errorf("copy single fragment: %w", err)
		}
	} else {
		manifestPath := filepath.Join(b.TmpDir, fmt.Sprintf("concat_%d.txt", batchID))
		inputs := make([]string, 0, len(encodedFiles))
		for _, ef := range encodedFiles {
			inputs = append(inputs, ef.EncodedPath)
		}
		if err := encoder.WriteConcatManifest(manifestPath, inputs); err != nil {
			return fmt.Errorf("write concat manifest: %w", err)
		}
		if err := f.runJob(ctx, fmt.Sprintf("finalize-concat-%d", batchID), encoder.CommandSpec{
			Kind:         encoder.KindConcat,
			FFmpegPath:   f.cfg.FFmpegPath,
			ManifestPath: manifestPath,
			Output:       mergedPath,
		}); err != nil {
			return fmt.Errorf("concat fragments: %w", err)
		}
	}

	if err := f.store.SetBatchStatus(ctx, batchID, store.BatchExtractingMP3); err != nil {
		return fmt.Errorf("set status extracting_mp3: %w", err)
	}

	mp3Path := filepath.Join(b.OutputDir, trimExt(filepath.Base(mergedPath))+".mp3")
	if err := f.runJob(ctx, fmt.Sprintf("finalize-mp3-%d", batchID), encoder.CommandSpec{
		Kind:       encoder.KindExtractMP3,
		FFmpegPath: f.cfg.FFmpegPath,
		Input:      mergedPath,
		Output:     mp3Path,
	}); err != nil {
		return fmt.Errorf("extract mp3: %w", err)
	}

	if err := f.store.SetBatchFinalPaths(ctx, batchID, mergedPath, mp3Path); err != nil {
		return fmt.Errorf("set final paths: %w", err)
	}

	return f.completeOwnedFiles(ctx, batchID)
}

func (f *Finalizer) runJob(ctx context.Context, id string, spec encoder.CommandSpec) error {
	job := encoder.NewJob(encoder.JobConfig{ID: id, Spec: spec})
	return job.Run(ctx)
}

func (f *Finalizer) completeOwnedFiles(ctx context.Context, batchID int64) error {
	owned, err := f.store.BatchFilesOwnedByStatus(ctx, batchID, []store.PendingFileStatus{store.StatusStaged, store.StatusProcessing})
	if err != nil {
		return fmt.Errorf("list owned pending files: %w", err)
	}

	startTime, endTime := earliestLatest(owned)

	for _, pf := range owned {
		if err := f.store.MarkCompleted(ctx, pf.DirPath, pf.Filename, startTime, endTime); err != nil {
			f.logger.Error("mark completed failed", "dir", pf.DirPath, "file", pf.Filename, "error", err)
			continue
		}
		f.maybeDeleteOriginal(pf)
	}
	return nil
}

func earliestLatest(files []store.PendingFile) (startTime, endTime string) {
	var earliest, latest time.Time
	found := false
	for _, pf := range files {
		t, ok := batch.ParseFilenameTime(pf.Filename)
		if !ok {
			continue
		}
		if !found {
			earliest, latest = t, t
			found = true
			continue
		}
		if t.Before(earliest) {
			earliest = t
		}
		if t.After(latest) {
			latest = t
		}
	}
	if !found {
		return "", ""
	}
	return earliest.Format(time.RFC3339), latest.Format(time.RFC3339)
}

// maybeDeleteOriginal deletes pf's source file iff its owning root's delete
// rules say to, or (no root anywhere has deletion configured AND the global
// keep_original flag is false).
func (f *Finalizer) maybeDeleteOriginal(pf store.PendingFile) {
	path := filepath.Join(pf.DirPath, pf.Filename)

	for _, root := range f.deleteRules {
		if !isUnder(root.root, pf.DirPath) {
			continue
		}
		if !root.enable {
			return
		}
		firstComponent := firstPathComponentUnder(root.root, pf.DirPath)
		if root.filter.Allow(firstComponent) {
			f.removeOriginal(path)
		}
		return
	}

	if !f.anyDeleteConfigured && !f.cfg.KeepOriginal {
		f.removeOriginal(path)
	}
}

func (f *Finalizer) removeOriginal(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("failed to delete original file", "path", path, "error", err)
	}
}

func isUnder(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func firstPathComponentUnder(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return ""
	}
	for i := 0; i < len(rel); i++ {
		if rel[i] == filepath.Separator {
			return rel[:i]
		}
	}
	return rel
}

func trimExt(filename string) string {
	ext := filepath.Ext(filename)
	return filename[:len(filename)-len(ext)]
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
