// SPDX-License-Identifier: MIT

// Package store is the sole owner of the daemon's persistent state: the
// pending_files, task_batches, and task_batch_files tables that journal the
// pipeline's discovery -> stability -> batching -> encoding -> merging ->
// extraction lifecycle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store serializes every mutating operation through a single mutex. SQLite's
// own single-writer semantics already prevent corruption; the mutex keeps
// retry/backoff decisions in Go instead of parsing SQLITE_BUSY errors out of
// driver-specific error values.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path and runs
// Migrate. The database runs in WAL mode; the pool holds a single
// connection and every Store method takes s.mu, so reads (including the
// control plane's) wait for any write in progress.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // one connection, shared by reads and writes

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_files (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	dir_path      TEXT NOT NULL,
	filename      TEXT NOT NULL,
	fingerprint   TEXT NOT NULL DEFAULT '',
	stable_count  INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	temp_mp4_path TEXT NOT NULL DEFAULT '',
	temp_mp3_path TEXT NOT NULL DEFAULT '',
	start_time    TEXT NOT NULL DEFAULT '',
	end_time      TEXT NOT NULL DEFAULT '',
	updated_at    TEXT NOT NULL DEFAULT (datetime('now', 'localtime')),
	UNIQUE(dir_path, filename)
);

CREATE INDEX IF NOT EXISTS idx_pending_files_status ON pending_files(status);

CREATE TABLE IF NOT EXISTS task_batches (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	streamer        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'encoding',
	output_dir      TEXT NOT NULL,
	tmp_dir         TEXT NOT NULL,
	final_mp4_path  TEXT NOT NULL DEFAULT '',
	final_mp3_path  TEXT NOT NULL DEFAULT '',
	total_files     INTEGER NOT NULL DEFAULT 0,
	encoded_count   INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL DEFAULT (datetime('now', 'localtime'))
);

CREATE TABLE IF NOT EXISTS task_batch_files (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id        INTEGER NOT NULL REFERENCES task_batches(id),
	dir_path        TEXT NOT NULL,
	filename        TEXT NOT NULL,
	fingerprint     TEXT NOT NULL DEFAULT '',
	pending_file_id INTEGER NOT NULL REFERENCES pending_files(id),
	status          TEXT NOT NULL DEFAULT 'pending',
	encoded_path    TEXT NOT NULL DEFAULT '',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL DEFAULT (datetime('now', 'localtime'))
);

CREATE INDEX IF NOT EXISTS idx_task_batch_files_batch_status ON task_batch_files(batch_id, status);
`

// Migrate runs idempotent CREATE TABLE/INDEX statements. It is run once at
// Open, before any recovery rollback or pipeline work.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func now() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// UpsertObservation records a single scan observation for a path (spec.md
// §4.1). It is the Store's sole entry point for StabilityTracker writes.
func (s *Store) UpsertObservation(ctx context.Context, dirPath, filename, fingerprint string) (ObservationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	var existingFingerprint, status string
	err = tx.QueryRowContext(ctx,
		`SELECT id, fingerprint, status FROM pending_files WHERE dir_path = ? AND filename = ?`,
		dirPath, filename).Scan(&id, &existingFingerprint, &status)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pending_files (dir_path, filename, fingerprint, stable_count, status, updated_at)
			 VALUES (?, ?, ?, 1, ?, ?)`,
			dirPath, filename, fingerprint, StatusPending, now())
		if err != nil {
			return 0, err
		}
		return ObservationCreated, tx.Commit()

	case err != nil:
		return 0, err

	case existingFingerprint == fingerprint && status == string(StatusPending):
		_, err = tx.ExecContext(ctx,
			`UPDATE pending_files SET stable_count = stable_count + 1, updated_at = ? WHERE id = ?`,
			now(), id)
		if err != nil {
			return 0, err
		}
		return ObservationIncremented, tx.Commit()

	case existingFingerprint != fingerprint:
		_, err = tx.ExecContext(ctx,
			`UPDATE pending_files SET fingerprint = ?, stable_count = 1, status = ?, updated_at = ? WHERE id = ?`,
			fingerprint, StatusPending, now(), id)
		if err != nil {
			return 0, err
		}
		return ObservationFingerprintReset, tx.Commit()

	default:
		return ObservationIgnored, tx.Commit()
	}
}

// FindStableWithMinCount returns pending rows whose stable_count has reached
// the threshold, candidates for promotion to stable.
func (s *Store) FindStableWithMinCount(ctx context.Context, minCount int) ([]PendingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dir_path, filename, fingerprint, stable_count, status, temp_mp4_path, temp_mp3_path, start_time, end_time, updated_at
		 FROM pending_files WHERE status = ? AND stable_count >= ?`,
		StatusPending, minCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingFiles(rows)
}

func scanPendingFiles(rows *sql.Rows) ([]PendingFile, error) {
	var out []PendingFile
	for rows.Next() {
		var pf PendingFile
		var updatedAt string
		if err := rows.Scan(&pf.ID, &pf.DirPath, &pf.Filename, &pf.Fingerprint, &pf.StableCount,
			&pf.Status, &pf.TempMP4Path, &pf.TempMP3Path, &pf.StartTime, &pf.EndTime, &updatedAt); err != nil {
			return nil, err
		}
		pf.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
		out = append(out, pf)
	}
	return out, rows.Err()
}

func (s *Store) setPendingStatus(ctx context.Context, dirPath, filename string, status PendingFileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_files SET status = ?, updated_at = ? WHERE dir_path = ? AND filename = ?`,
		status, now(), dirPath, filename)
	return err
}

// MarkStable transitions a PendingFile pending -> stable.
func (s *Store) MarkStable(ctx context.Context, dirPath, filename string) error {
	return s.setPendingStatus(ctx, dirPath, filename, StatusStable)
}

// MarkDeprecated transitions a PendingFile to its deprecated terminal state.
func (s *Store) MarkDeprecated(ctx context.Context, dirPath, filename string) error {
	return s.setPendingStatus(ctx, dirPath, filename, StatusDeprecated)
}

// MarkPendingFileDeprecated is an alias satisfying internal/encoder.Store's
// naming for the encode-pool give-up path.
func (s *Store) MarkPendingFileDeprecated(ctx context.Context, dirPath, filename string) error {
	return s.MarkDeprecated(ctx, dirPath, filename)
}

// MarkCompleted transitions a PendingFile staged -> completed, recording the
// display times derived from contributing filenames.
func (s *Store) MarkCompleted(ctx context.Context, dirPath, filename, startTime, endTime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_files SET status = ?, start_time = ?, end_time = ?, updated_at = ? WHERE dir_path = ? AND filename = ?`,
		StatusCompleted, startTime, endTime, now(), dirPath, filename)
	return err
}

// MarkStaged transitions a PendingFile processing -> staged, recording the
// temp path produced by a successful encode.
func (s *Store) MarkStaged(ctx context.Context, dirPath, filename, tempMP4Path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_files SET status = ?, temp_mp4_path = ?, updated_at = ? WHERE dir_path = ? AND filename = ?`,
		StatusStaged, tempMP4Path, now(), dirPath, filename)
	return err
}

// ClaimStableFiles atomically selects all stable rows and flips them to
// processing in one transaction, returning the pre-claim snapshot. If the
// write lock cannot be acquired, it returns an empty slice so the caller
// retries on the next tick rather than blocking the cycle.
func (s *Store) ClaimStableFiles(ctx context.Context) ([]PendingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil // treat as "retry next tick", per contract
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, dir_path, filename, fingerprint, stable_count, status, temp_mp4_path, temp_mp3_path, start_time, end_time, updated_at
		 FROM pending_files WHERE status = ?`, StatusStable)
	if err != nil {
		return nil, err
	}
	claimed, err := scanPendingFiles(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_files SET status = ?, updated_at = ? WHERE status = ?`,
		StatusProcessing, now(), StatusStable); err != nil {
		return nil, err
	}

	return claimed, tx.Commit()
}

// RollbackToStable reverts processing -> stable for the given paths. Used
// when a claimed file cannot be parsed into a batch (no parseable time or
// streamer). Startup recovery uses RecoverStuckPendingFiles instead, since it
// must also distinguish files whose encode already finished before the crash.
func (s *Store) RollbackToStable(ctx context.Context, files []FileAssignment) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_files SET status = ?, updated_at = ? WHERE dir_path = ? AND filename = ? AND status = ?`,
			StatusStable, now(), f.DirPath, f.Filename, StatusProcessing); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateBatchWithFiles inserts a new Batch row plus one BatchFile per input,
// in a single transaction, and returns the new batch id.
func (s *Store) CreateBatchWithFiles(ctx context.Context, streamer, outputDir, tmpDir string, files []FileAssignment, pendingIDs map[string]int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO task_batches (streamer, status, output_dir, tmp_dir, total_files, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		streamer, BatchEncoding, outputDir, tmpDir, len(files), now())
	if err != nil {
		return 0, err
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := insertBatchFiles(ctx, tx, batchID, files, pendingIDs); err != nil {
		return 0, err
	}
	return batchID, tx.Commit()
}

// AddFilesToBatch appends files to an existing in-flight batch and
// increments its total_files counter.
func (s *Store) AddFilesToBatch(ctx context.Context, batchID int64, files []FileAssignment, pendingIDs map[string]int64) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertBatchFiles(ctx, tx, batchID, files, pendingIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE task_batches SET total_files = total_files + ?, updated_at = ? WHERE id = ?`,
		len(files), now(), batchID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertBatchFiles(ctx context.Context, tx *sql.Tx, batchID int64, files []FileAssignment, pendingIDs map[string]int64) error {
	for _, f := range files {
		key := f.DirPath + "/" + f.Filename
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_batch_files (batch_id, dir_path, filename, fingerprint, pending_file_id, status, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			batchID, f.DirPath, f.Filename, f.Fingerprint, pendingIDs[key], BatchFilePending, now()); err != nil {
			return err
		}
	}
	return nil
}

// MarkBatchFileEncoding transitions a BatchFile pending -> encoding.
func (s *Store) MarkBatchFileEncoding(ctx context.Context, batchID int64, dirPath, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_batch_files SET status = ?, updated_at = ? WHERE batch_id = ? AND dir_path = ? AND filename = ?`,
		BatchFileEncoding, now(), batchID, dirPath, filename)
	return err
}

// MarkFileEncoded transitions a BatchFile to encoded and increments the
// batch's encoded_count.
func (s *Store) MarkFileEncoded(ctx context.Context, batchID int64, dirPath, filename, encodedPath, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE task_batch_files SET status = ?, encoded_path = ?, fingerprint = ?, updated_at = ?
		 WHERE batch_id = ? AND dir_path = ? AND filename = ?`,
		BatchFileEncoded, encodedPath, fingerprint, now(), batchID, dirPath, filename); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE task_batches SET encoded_count = encoded_count + 1, updated_at = ? WHERE id = ?`,
		now(), batchID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteBatchFileAndIncrFailed removes the BatchFile association row and
// increments the batch's failed_count. The underlying PendingFile is marked
// deprecated separately by the caller.
func (s *Store) DeleteBatchFileAndIncrFailed(ctx context.Context, batchID int64, dirPath, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_batch_files WHERE batch_id = ? AND dir_path = ? AND filename = ?`,
		batchID, dirPath, filename); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE task_batches SET failed_count = failed_count + 1, updated_at = ? WHERE id = ?`,
		now(), batchID); err != nil {
		return err
	}
	return tx.Commit()
}

// IsCompletedWithFingerprint reports whether the given path's PendingFile
// row is already status=completed with the given fingerprint, the
// idempotence check at the top of the encode contract.
func (s *Store) IsCompletedWithFingerprint(ctx context.Context, dirPath, filename, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status, fp string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, fingerprint FROM pending_files WHERE dir_path = ? AND filename = ?`,
		dirPath, filename).Scan(&status, &fp)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == string(StatusCompleted) && fp == fingerprint, nil
}

// FindCompleteBatchIDs returns ids of batches in status=encoding with no
// BatchFile left in {pending, encoding} and whose most recent BatchFile
// update is at least minAge old (quiescence).
func (s *Store) FindCompleteBatchIDs(ctx context.Context, minAge time.Duration) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id FROM task_batches b
		WHERE b.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM task_batch_files f
			WHERE f.batch_id = b.id AND f.status IN (?, ?)
		  )
		  AND (
			SELECT MAX(f2.updated_at) FROM task_batch_files f2 WHERE f2.batch_id = b.id
		  ) <= ?
	`, BatchEncoding, BatchFilePending, BatchFileEncoding, time.Now().Add(-minAge).Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetBatchStatus transitions a Batch to a new status.
func (s *Store) SetBatchStatus(ctx context.Context, batchID int64, status BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_batches SET status = ?, updated_at = ? WHERE id = ?`,
		status, now(), batchID)
	return err
}

// SetBatchFinalPaths records the finalizer's merged MP4/MP3 outputs and
// transitions the batch to completed.
func (s *Store) SetBatchFinalPaths(ctx context.Context, batchID int64, mp4Path, mp3Path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_batches SET final_mp4_path = ?, final_mp3_path = ?, status = ?, updated_at = ? WHERE id = ?`,
		mp4Path, mp3Path, BatchCompleted, now(), batchID)
	return err
}

// EncodedBatchFiles returns the encoded BatchFile rows of a batch ordered by
// insertion id, the order the finalizer concatenates fragments in.
func (s *Store) EncodedBatchFiles(ctx context.Context, batchID int64) ([]BatchFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, dir_path, filename, fingerprint, pending_file_id, status, encoded_path, retry_count, updated_at
		 FROM task_batch_files WHERE batch_id = ? AND status = ? ORDER BY id ASC`,
		batchID, BatchFileEncoded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatchFiles(rows)
}

// BatchFilesOwnedByStatus returns the PendingFile rows contributing to a
// batch that are currently in one of the given statuses, used by the
// finalizer to find files to complete.
func (s *Store) BatchFilesOwnedByStatus(ctx context.Context, batchID int64, statuses []PendingFileStatus) ([]PendingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]interface{}, 0, len(statuses)+1)
	placeholders = append(placeholders, batchID)
	query := `
		SELECT p.id, p.dir_path, p.filename, p.fingerprint, p.stable_count, p.status,
		       p.temp_mp4_path, p.temp_mp3_path, p.start_time, p.end_time, p.updated_at
		FROM pending_files p
		JOIN task_batch_files f ON f.pending_file_id = p.id
		WHERE f.batch_id = ? AND p.status IN (`
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		placeholders = append(placeholders, string(st))
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingFiles(rows)
}

func scanBatchFiles(rows *sql.Rows) ([]BatchFile, error) {
	var out []BatchFile
	for rows.Next() {
		var bf BatchFile
		var updatedAt string
		if err := rows.Scan(&bf.ID, &bf.BatchID, &bf.DirPath, &bf.Filename, &bf.Fingerprint,
			&bf.PendingFileID, &bf.Status, &bf.EncodedPath, &bf.RetryCount, &updatedAt); err != nil {
			return nil, err
		}
		bf.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
		out = append(out, bf)
	}
	return out, rows.Err()
}

// RollbackEncodingFiles sets every BatchFile.status=encoding back to pending.
// Run once at startup, before any other work, per spec.md §4.1 recovery.
func (s *Store) RollbackEncodingFiles(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_batch_files SET status = ?, updated_at = ? WHERE status = ?`,
		BatchFilePending, now(), BatchFileEncoding)
	return err
}

// RollbackBatchStatus sets every Batch.status in {merging, extracting_mp3}
// back to encoding. Run once at startup, alongside RollbackEncodingFiles.
func (s *Store) RollbackBatchStatus(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_batches SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		BatchEncoding, now(), BatchMerging, BatchExtractingMP3)
	return err
}

// RecoverStuckPendingFiles reconciles PendingFile rows left at status=processing
// by a crash mid-cycle, so the next scheduler tick can drive them to a
// terminal state rather than stranding them forever. A processing row whose
// BatchFile already reached encoded had its ffmpeg work finish before the
// crash; it is completed into staged instead of being redone. Every other
// processing row is reverted to stable so ClaimStableFiles picks it back up.
// Run after RollbackEncodingFiles, which is what makes "still has a pending
// or encoding BatchFile" the correct signal for "redo the encode."
func (s *Store) RecoverStuckPendingFiles(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_files
		SET status = ?, temp_mp4_path = (
			SELECT f.encoded_path FROM task_batch_files f
			WHERE f.dir_path = pending_files.dir_path AND f.filename = pending_files.filename
			  AND f.status = ?
			LIMIT 1
		), updated_at = ?
		WHERE status = ?
		  AND EXISTS (
			SELECT 1 FROM task_batch_files f
			WHERE f.dir_path = pending_files.dir_path AND f.filename = pending_files.filename
			  AND f.status = ?
		  )
	`, StatusStaged, BatchFileEncoded, now(), StatusProcessing, BatchFileEncoded); err != nil {
		return fmt.Errorf("finish staging encoded files: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_files SET status = ?, updated_at = ? WHERE status = ?`,
		StatusStable, now(), StatusProcessing); err != nil {
		return fmt.Errorf("revert stuck processing files to stable: %w", err)
	}

	return tx.Commit()
}

// Recover runs the startup rollback rules in the order spec.md §4.1
// requires: batch status first (it only depends on BatchFile terminal
// states, which RollbackEncodingFiles is about to perturb), then BatchFile
// status, then the PendingFile rows that BatchFile rollback leaves behind.
// Without the last step a file claimed (stable->processing) right before a
// crash is never re-submitted: ClaimStableFiles only selects status=stable,
// and UpsertObservation ignores rescans of a non-pending row, so the batch
// would otherwise never reach quiescence.
func (s *Store) Recover(ctx context.Context) error {
	if err := s.RollbackBatchStatus(ctx); err != nil {
		return fmt.Errorf("rollback batch status: %w", err)
	}
	if err := s.RollbackEncodingFiles(ctx); err != nil {
		return fmt.Errorf("rollback encoding files: %w", err)
	}
	if err := s.RecoverStuckPendingFiles(ctx); err != nil {
		return fmt.Errorf("recover stuck pending files: %w", err)
	}
	return nil
}

// ExistingEncodingBatchesForStreamer returns candidate-merge Batch rows
// (status=encoding) for a streamer, used by the Batcher.
func (s *Store) ExistingEncodingBatchesForStreamer(ctx context.Context, streamer string) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, streamer, status, output_dir, tmp_dir, final_mp4_path, final_mp3_path, total_files, encoded_count, failed_count, updated_at
		 FROM task_batches WHERE streamer = ? AND status = ?`,
		streamer, BatchEncoding)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		var updatedAt string
		if err := rows.Scan(&b.ID, &b.Streamer, &b.Status, &b.OutputDir, &b.TmpDir,
			&b.FinalMP4Path, &b.FinalMP3Path, &b.TotalFiles, &b.EncodedCount, &b.FailedCount, &updatedAt); err != nil {
			return nil, err
		}
		b.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// BatchFilesOfBatch returns every BatchFile row for a batch, regardless of
// status, used by the Batcher's earliest-time computation when evaluating a
// merge candidate.
func (s *Store) BatchFilesOfBatch(ctx context.Context, batchID int64) ([]BatchFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, dir_path, filename, fingerprint, pending_file_id, status, encoded_path, retry_count, updated_at
		 FROM task_batch_files WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatchFiles(rows)
}

// ListPendingByStatus is a control-plane read query: all PendingFile rows in
// a given status, most recently updated first.
func (s *Store) ListPendingByStatus(ctx context.Context, status PendingFileStatus) ([]PendingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dir_path, filename, fingerprint, stable_count, status, temp_mp4_path, temp_mp3_path, start_time, end_time, updated_at
		 FROM pending_files WHERE status = ? ORDER BY updated_at DESC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingFiles(rows)
}

// ListAllPendingFiles is a control-plane read query: every PendingFile row,
// most recently updated first.
func (s *Store) ListAllPendingFiles(ctx context.Context) ([]PendingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dir_path, filename, fingerprint, stable_count, status, temp_mp4_path, temp_mp3_path, start_time, end_time, updated_at
		 FROM pending_files ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingFiles(rows)
}

// ListBatches is a control-plane read query: every Batch row, most recently
// updated first, for the /api/history endpoint.
func (s *Store) ListBatches(ctx context.Context) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, streamer, status, output_dir, tmp_dir, final_mp4_path, final_mp3_path, total_files, encoded_count, failed_count, updated_at
		 FROM task_batches ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var updatedAt string
		if err := rows.Scan(&b.ID, &b.Streamer, &b.Status, &b.OutputDir, &b.TmpDir,
			&b.FinalMP4Path, &b.FinalMP3Path, &b.TotalFiles, &b.EncodedCount, &b.FailedCount, &updatedAt); err != nil {
			return nil, err
		}
		b.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// DeleteBatch performs the admin-delete operation on a batch's history
// entry: unconditional removal of the task_batches row and its
// task_batch_files children.
func (s *Store) DeleteBatch(ctx context.Context, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_batch_files WHERE batch_id = ?`, batchID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_batches WHERE id = ?`, batchID); err != nil {
		return err
	}
	return tx.Commit()
}

// BatchByID is a control-plane read query returning per-batch detail.
func (s *Store) BatchByID(ctx context.Context, batchID int64) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b Batch
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, streamer, status, output_dir, tmp_dir, final_mp4_path, final_mp3_path, total_files, encoded_count, failed_count, updated_at
		 FROM task_batches WHERE id = ?`, batchID).
		Scan(&b.ID, &b.Streamer, &b.Status, &b.OutputDir, &b.TmpDir,
			&b.FinalMP4Path, &b.FinalMP3Path, &b.TotalFiles, &b.EncodedCount, &b.FailedCount, &updatedAt)
	if err != nil {
		return Batch{}, err
	}
	b.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
	return b, nil
}

// PipelineCounts is the aggregate pending/batch summary the health endpoint
// and dashboard stats expose.
type PipelineCounts struct {
	PendingByStatus map[PendingFileStatus]int
	ActiveBatches   int
	CompletedBatches int
}

// Counts computes the PipelineCounts snapshot in one pass.
func (s *Store) Counts(ctx context.Context) (PipelineCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := PipelineCounts{PendingByStatus: make(map[PendingFileStatus]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_files GROUP BY status`)
	if err != nil {
		return counts, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return counts, err
		}
		counts.PendingByStatus[PendingFileStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return counts, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_batches WHERE status != ?`, BatchCompleted).Scan(&counts.ActiveBatches); err != nil {
		return counts, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_batches WHERE status = ?`, BatchCompleted).Scan(&counts.CompletedBatches); err != nil {
		return counts, err
	}
	return counts, nil
}

// DeletePendingFile performs the admin-delete operation: unconditional
// removal of a PendingFile row.
func (s *Store) DeletePendingFile(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_files WHERE id = ?`, id)
	return err
}
