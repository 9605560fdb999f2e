// SPDX-License-Identifier: MIT

// Package batch groups claimed stable files into new or existing batches by
// streamer and recording-time proximity.
package batch

import (
	"context"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/vodforge/vodforge/internal/store"
	"github.com/vodforge/vodforge/internal/streamerid"
)

var (
	bracketTimeRe = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}-\d{2}-\d{2})\]`)
	compactTimeRe = regexp.MustCompile(`(\d{8})-(\d{6})`)
)

// ParseFilenameTime extracts a recording timestamp from a filename, trying
// the bracketed form first and the compact YYYYMMDD-HHMMSS form second. It
// reports ok=false if neither pattern matches.
func ParseFilenameTime(filename string) (t time.Time, ok bool) {
	if m := bracketTimeRe.FindStringSubmatch(filename); m != nil {
		if parsed, err := time.ParseInLocation("2006-01-02 15-04-05", m[1], time.Local); err == nil {
			return parsed, true
		}
	}
	if m := compactTimeRe.FindStringSubmatch(filename); m != nil {
		if parsed, err := time.ParseInLocation("20060102150405", m[1]+m[2], time.Local); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// ParseStreamer extracts the streamer identifier owning a claimed file: the
// immediate parent directory name of dirPath, sanitized via streamerid.
// Files sitting directly in a video root (no streamer subdirectory) have no
// parseable identifier.
func ParseStreamer(dirPath string) (string, bool) {
	base := filepath.Base(dirPath)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "", false
	}
	return streamerid.Sanitize(base), true
}

// TargetKind tags a Target's destination.
type TargetKind int

const (
	TargetNewBatch TargetKind = iota
	TargetExistingBatch
)

// Target is a new-vs-merge decision for one group of files.
type Target struct {
	Kind     TargetKind
	BatchID  int64 // valid iff Kind == TargetExistingBatch
	Streamer string
	Files    []store.FileAssignment
}

// timedFile pairs a claimed PendingFile with its parsed recording time.
type timedFile struct {
	pf store.PendingFile
	t  time.Time
}

// Skipped collects claimed files excluded from batching because their time
// or streamer could not be parsed; the caller rolls these back to stable.
type Skipped struct {
	NoTime     []store.PendingFile
	NoStreamer []store.PendingFile
}

// ExistingBatchLookup returns the candidate existing batches (status=encoding)
// for a streamer, and every BatchFile belonging to a given batch (used to
// compute its earliest file time).
type ExistingBatchLookup interface {
	ExistingEncodingBatchesForStreamer(ctx context.Context, streamer string) ([]store.Batch, error)
	BatchFilesOfBatch(ctx context.Context, batchID int64) ([]store.BatchFile, error)
}

// Group partitions claimed files into per-streamer time-sorted groups,
// parsing out any that lack a recoverable time or streamer.
func Group(claimed []store.PendingFile) (groups map[string][]timedFile, skipped Skipped) {
	groups = make(map[string][]timedFile)
	for _, pf := range claimed {
		t, ok := ParseFilenameTime(pf.Filename)
		if !ok {
			skipped.NoTime = append(skipped.NoTime, pf)
			continue
		}
		streamer, ok := ParseStreamer(pf.DirPath)
		if !ok {
			skipped.NoStreamer = append(skipped.NoStreamer, pf)
			continue
		}
		groups[streamer] = append(groups[streamer], timedFile{pf: pf, t: t})
	}
	for streamer := range groups {
		g := groups[streamer]
		sort.Slice(g, func(i, j int) bool { return g[i].t.After(g[j].t) })
		groups[streamer] = g
	}
	return groups, skipped
}

// newBatches greedily partitions a descending-time-sorted group into batches
// where consecutive files are within mergeWindow of each other.
func newBatches(sorted []timedFile, mergeWindow time.Duration) [][]timedFile {
	if len(sorted) == 0 {
		return nil
	}
	var batches [][]timedFile
	current := []timedFile{sorted[0]}
	for i := 1; i < len(sorted); i++ {
		gap := current[len(current)-1].t.Sub(sorted[i].t)
		if gap < 0 {
			gap = -gap
		}
		if gap <= mergeWindow {
			current = append(current, sorted[i])
		} else {
			batches = append(batches, current)
			current = []timedFile{sorted[i]}
		}
	}
	batches = append(batches, current)
	return batches
}

func toAssignments(files []timedFile) []store.FileAssignment {
	out := make([]store.FileAssignment, 0, len(files))
	for _, f := range files {
		out = append(out, store.FileAssignment{DirPath: f.pf.DirPath, Filename: f.pf.Filename, Fingerprint: f.pf.Fingerprint})
	}
	return out
}

// Assign runs the full batching algorithm (spec.md §4.4 steps 1-6) over a
// set of claimed files, producing Targets for the caller to realize via
// Store.CreateBatchWithFiles / Store.AddFilesToBatch.
func Assign(ctx context.Context, claimed []store.PendingFile, mergeWindow time.Duration, lookup ExistingBatchLookup) ([]Target, Skipped, error) {
	groups, skipped := Group(claimed)

	var targets []Target
	for streamer, sorted := range groups {
		candidates, err := lookup.ExistingEncodingBatchesForStreamer(ctx, streamer)
		if err != nil {
			return nil, skipped, err
		}

		for _, nb := range newBatches(sorted, mergeWindow) {
			if len(candidates) == 0 {
				targets = append(targets, Target{Kind: TargetNewBatch, Streamer: streamer, Files: toAssignments(nb)})
				continue
			}

			existing := candidates[0]
			earliest, hasEarliest, err := earliestFileTime(ctx, lookup, existing.ID)
			if err != nil {
				return nil, skipped, err
			}
			if !hasEarliest {
				targets = append(targets, Target{Kind: TargetNewBatch, Streamer: streamer, Files: toAssignments(nb)})
				continue
			}

			var mergeable, nonMergeable []timedFile
			for _, f := range nb {
				gap := f.t.Sub(earliest)
				if gap < 0 {
					gap = -gap
				}
				if gap <= mergeWindow {
					mergeable = append(mergeable, f)
				} else {
					nonMergeable = append(nonMergeable, f)
				}
			}

			if len(mergeable) > 0 {
				targets = append(targets, Target{Kind: TargetExistingBatch, BatchID: existing.ID, Streamer: streamer, Files: toAssignments(mergeable)})
			}
			if len(nonMergeable) > 0 {
				targets = append(targets, Target{Kind: TargetNewBatch, Streamer: streamer, Files: toAssignments(nonMergeable)})
			}
		}
	}

	return targets, skipped, nil
}

func earliestFileTime(ctx context.Context, lookup ExistingBatchLookup, batchID int64) (time.Time, bool, error) {
	files, err := lookup.BatchFilesOfBatch(ctx, batchID)
	if err != nil {
		return time.Time{}, false, err
	}
	var earliest time.Time
	found := false
	for _, f := range files {
		t, ok := ParseFilenameTime(f.Filename)
		if !ok {
			continue
		}
		if !found || t.Before(earliest) {
			earliest = t
			found = true
		}
	}
	return earliest, found, nil
}
