// SPDX-License-Identifier: MIT

// Package stability decides when a discovered file has stopped being
// written to and is safe to hand off to the batcher.
package stability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vodforge/vodforge/internal/store"
)

// Fingerprinter computes a content digest for a file.
type Fingerprinter interface {
	Fingerprint(path string) (string, error)
}

// Store is the subset of internal/store.Store the tracker needs.
type Store interface {
	UpsertObservation(ctx context.Context, dirPath, filename, fingerprint string) (store.ObservationResult, error)
	FindStableWithMinCount(ctx context.Context, minCount int) ([]store.PendingFile, error)
	MarkStable(ctx context.Context, dirPath, filename string) error
	MarkDeprecated(ctx context.Context, dirPath, filename string) error
}

// Tracker observes scanned paths and promotes ones whose fingerprint has
// stayed unchanged across MinStableCount observations.
type Tracker struct {
	store          Store
	fp             Fingerprinter
	minStableCount int
	logger         *slog.Logger
}

// Config configures a Tracker.
type Config struct {
	MinStableCount int // K in spec terms; default 3
	Logger         *slog.Logger
}

// New creates a Tracker.
func New(cfg Config, st Store, fp Fingerprinter) *Tracker {
	if cfg.MinStableCount <= 0 {
		cfg.MinStableCount = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, fp: fp, minStableCount: cfg.MinStableCount, logger: logger}
}

// Observe records one fingerprint observation for every scanned path, then
// promotes any row that has reached the stability threshold and resolves
// duplicate-extension conflicts among the newly promoted files.
func (t *Tracker) Observe(ctx context.Context, paths []string) error {
	for _, path := range paths {
		fp, err := t.fp.Fingerprint(path)
		if err != nil {
			t.logger.Warn("fingerprint failed, skipping observation", "path", path, "error", err)
			continue
		}
		dirPath, filename := filepath.Split(path)
		dirPath = filepath.Clean(dirPath)

		res, err := t.store.UpsertObservation(ctx, dirPath, filename, fp)
		if err != nil {
			return fmt.Errorf("upsert observation for %s: %w", path, err)
		}
		t.logger.Debug("observed file", "path", path, "result", res.String())
	}

	stable, err := t.store.FindStableWithMinCount(ctx, t.minStableCount)
	if err != nil {
		return fmt.Errorf("find stable files: %w", err)
	}

	promoted := make([]store.PendingFile, 0, len(stable))
	for _, pf := range stable {
		if err := t.store.MarkStable(ctx, pf.DirPath, pf.Filename); err != nil {
			t.logger.Error("mark stable failed", "dir", pf.DirPath, "file", pf.Filename, "error", err)
			continue
		}
		promoted = append(promoted, pf)
	}

	return t.resolveDuplicateExtensions(ctx, promoted)
}

// resolveDuplicateExtensions deprecates the smaller file when two
// newly-promoted files in the same directory share a filename stem but
// differ in extension (e.g. stream.flv alongside stream.mp4).
func (t *Tracker) resolveDuplicateExtensions(ctx context.Context, promoted []store.PendingFile) error {
	type stemKey struct {
		dir  string
		stem string
	}
	byStem := make(map[stemKey][]store.PendingFile)
	for _, pf := range promoted {
		stem := strings.TrimSuffix(pf.Filename, filepath.Ext(pf.Filename))
		key := stemKey{dir: pf.DirPath, stem: stem}
		byStem[key] = append(byStem[key], pf)
	}

	for _, group := range byStem {
		if len(group) < 2 {
			continue
		}
		smallest, smallestSize := group[0], fileSize(filepath.Join(group[0].DirPath, group[0].Filename))
		for _, pf := range group[1:] {
			size := fileSize(filepath.Join(pf.DirPath, pf.Filename))
			if size < smallestSize {
				smallest, smallestSize = pf, size
			}
		}
		if err := t.store.MarkDeprecated(ctx, smallest.DirPath, smallest.Filename); err != nil {
			return fmt.Errorf("deprecate duplicate-extension file %s/%s: %w", smallest.DirPath, smallest.Filename, err)
		}
		t.logger.Info("deprecated duplicate-extension file", "dir", smallest.DirPath, "file", smallest.Filename)
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
