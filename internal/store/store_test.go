// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "vodforge.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertObservationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertObservation(ctx, "/videos/alice", "clip.flv", "fp1")
	if err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if res != ObservationCreated {
		t.Errorf("first observation = %v, want ObservationCreated", res)
	}

	res, err = s.UpsertObservation(ctx, "/videos/alice", "clip.flv", "fp1")
	if err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if res != ObservationIncremented {
		t.Errorf("second observation = %v, want ObservationIncremented", res)
	}

	res, err = s.UpsertObservation(ctx, "/videos/alice", "clip.flv", "fp2")
	if err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if res != ObservationFingerprintReset {
		t.Errorf("changed-fingerprint observation = %v, want ObservationFingerprintReset", res)
	}

	files, err := s.FindStableWithMinCount(ctx, 1)
	if err != nil {
		t.Fatalf("FindStableWithMinCount() error = %v", err)
	}
	if len(files) != 1 || files[0].StableCount != 1 {
		t.Fatalf("FindStableWithMinCount() = %+v, want one row with stable_count=1", files)
	}

	if err := s.MarkStable(ctx, "/videos/alice", "clip.flv"); err != nil {
		t.Fatalf("MarkStable() error = %v", err)
	}

	res, err = s.UpsertObservation(ctx, "/videos/alice", "clip.flv", "fp2")
	if err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if res != ObservationIgnored {
		t.Errorf("observation on stable file = %v, want ObservationIgnored", res)
	}
}

func TestClaimStableFilesAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertObservation(ctx, "/videos/alice", "a.flv", "fp-a"); err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if _, err := s.UpsertObservation(ctx, "/videos/alice", "b.flv", "fp-b"); err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if err := s.MarkStable(ctx, "/videos/alice", "a.flv"); err != nil {
		t.Fatalf("MarkStable() error = %v", err)
	}
	if err := s.MarkStable(ctx, "/videos/alice", "b.flv"); err != nil {
		t.Fatalf("MarkStable() error = %v", err)
	}

	claimed, err := s.ClaimStableFiles(ctx)
	if err != nil {
		t.Fatalf("ClaimStableFiles() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("ClaimStableFiles() = %d rows, want 2", len(claimed))
	}

	stillStable, err := s.ListPendingByStatus(ctx, StatusStable)
	if err != nil {
		t.Fatalf("ListPendingByStatus() error = %v", err)
	}
	if len(stillStable) != 0 {
		t.Errorf("after claim, ListPendingByStatus(stable) should be empty, got %d", len(stillStable))
	}

	if err := s.RollbackToStable(ctx, []FileAssignment{
		{DirPath: "/videos/alice", Filename: "a.flv"},
	}); err != nil {
		t.Fatalf("RollbackToStable() error = %v", err)
	}

	rolledBack, err := s.ListPendingByStatus(ctx, StatusStable)
	if err != nil {
		t.Fatalf("ListPendingByStatus() error = %v", err)
	}
	if len(rolledBack) != 1 || rolledBack[0].Filename != "a.flv" {
		t.Fatalf("RollbackToStable() did not restore a.flv to stable: %+v", rolledBack)
	}
}

func TestBatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"a.flv", "b.flv"} {
		if _, err := s.UpsertObservation(ctx, "/videos/alice", name, "fp-"+name); err != nil {
			t.Fatalf("UpsertObservation(%s) error = %v", name, err)
		}
	}

	pendingIDs := map[string]int64{
		"/videos/alice/a.flv": 1,
		"/videos/alice/b.flv": 2,
	}
	files := []FileAssignment{
		{DirPath: "/videos/alice", Filename: "a.flv", Fingerprint: "fp-a.flv"},
		{DirPath: "/videos/alice", Filename: "b.flv", Fingerprint: "fp-b.flv"},
	}

	batchID, err := s.CreateBatchWithFiles(ctx, "alice", "/out/alice", "/tmp/alice", files, pendingIDs)
	if err != nil {
		t.Fatalf("CreateBatchWithFiles() error = %v", err)
	}

	batch, err := s.BatchByID(ctx, batchID)
	if err != nil {
		t.Fatalf("BatchByID() error = %v", err)
	}
	if batch.TotalFiles != 2 || batch.Status != BatchEncoding {
		t.Fatalf("BatchByID() = %+v, want TotalFiles=2 Status=encoding", batch)
	}

	if err := s.MarkBatchFileEncoding(ctx, batchID, "/videos/alice", "a.flv"); err != nil {
		t.Fatalf("MarkBatchFileEncoding() error = %v", err)
	}
	if err := s.MarkFileEncoded(ctx, batchID, "/videos/alice", "a.flv", "/tmp/alice/a.mp4", "fp-a.flv"); err != nil {
		t.Fatalf("MarkFileEncoded() error = %v", err)
	}

	done, err := s.IsCompletedWithFingerprint(ctx, "/videos/alice", "a.flv", "fp-a.flv")
	if err != nil {
		t.Fatalf("IsCompletedWithFingerprint() error = %v", err)
	}
	if done {
		t.Error("IsCompletedWithFingerprint() should only report true once status=completed, not encoded")
	}

	if err := s.DeleteBatchFileAndIncrFailed(ctx, batchID, "/videos/alice", "b.flv"); err != nil {
		t.Fatalf("DeleteBatchFileAndIncrFailed() error = %v", err)
	}

	batch, err = s.BatchByID(ctx, batchID)
	if err != nil {
		t.Fatalf("BatchByID() error = %v", err)
	}
	if batch.EncodedCount != 1 || batch.FailedCount != 1 {
		t.Fatalf("BatchByID() = %+v, want EncodedCount=1 FailedCount=1", batch)
	}

	encodedFiles, err := s.EncodedBatchFiles(ctx, batchID)
	if err != nil {
		t.Fatalf("EncodedBatchFiles() error = %v", err)
	}
	if len(encodedFiles) != 1 || encodedFiles[0].Filename != "a.flv" {
		t.Fatalf("EncodedBatchFiles() = %+v, want one row for a.flv", encodedFiles)
	}
}

func TestFindCompleteBatchIDsRequiresQuiescence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertObservation(ctx, "/videos/alice", "a.flv", "fp-a"); err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	pendingIDs := map[string]int64{"/videos/alice/a.flv": 1}
	files := []FileAssignment{{DirPath: "/videos/alice", Filename: "a.flv", Fingerprint: "fp-a"}}
	batchID, err := s.CreateBatchWithFiles(ctx, "alice", "/out/alice", "/tmp/alice", files, pendingIDs)
	if err != nil {
		t.Fatalf("CreateBatchWithFiles() error = %v", err)
	}

	ids, err := s.FindCompleteBatchIDs(ctx, time.Hour)
	if err != nil {
		t.Fatalf("FindCompleteBatchIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("FindCompleteBatchIDs() = %v, want none while a file is still pending", ids)
	}

	if err := s.MarkFileEncoded(ctx, batchID, "/videos/alice", "a.flv", "/tmp/alice/a.mp4", "fp-a"); err != nil {
		t.Fatalf("MarkFileEncoded() error = %v", err)
	}

	ids, err = s.FindCompleteBatchIDs(ctx, time.Hour)
	if err != nil {
		t.Fatalf("FindCompleteBatchIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("FindCompleteBatchIDs() = %v, want none before minAge has elapsed", ids)
	}

	ids, err = s.FindCompleteBatchIDs(ctx, 0)
	if err != nil {
		t.Fatalf("FindCompleteBatchIDs() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != batchID {
		t.Fatalf("FindCompleteBatchIDs() = %v, want [%d]", ids, batchID)
	}
}

// claimOneStableFile drives a single file from observation through
// ClaimStableFiles, returning its real PendingFile row (with id) so callers
// can wire it into a batch the way the scheduler does.
func claimOneStableFile(t *testing.T, s *Store, ctx context.Context, dirPath, filename, fingerprint string) PendingFile {
	t.Helper()
	if _, err := s.UpsertObservation(ctx, dirPath, filename, fingerprint); err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if err := s.MarkStable(ctx, dirPath, filename); err != nil {
		t.Fatalf("MarkStable() error = %v", err)
	}
	claimed, err := s.ClaimStableFiles(ctx)
	if err != nil {
		t.Fatalf("ClaimStableFiles() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("ClaimStableFiles() = %d rows, want 1", len(claimed))
	}
	return claimed[0]
}

func TestRecoverRollsBackInFlightState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pf := claimOneStableFile(t, s, ctx, "/videos/alice", "a.flv", "fp-a")
	pendingIDs := map[string]int64{"/videos/alice/a.flv": pf.ID}
	files := []FileAssignment{{DirPath: "/videos/alice", Filename: "a.flv", Fingerprint: "fp-a"}}
	batchID, err := s.CreateBatchWithFiles(ctx, "alice", "/out/alice", "/tmp/alice", files, pendingIDs)
	if err != nil {
		t.Fatalf("CreateBatchWithFiles() error = %v", err)
	}
	if err := s.MarkBatchFileEncoding(ctx, batchID, "/videos/alice", "a.flv"); err != nil {
		t.Fatalf("MarkBatchFileEncoding() error = %v", err)
	}
	if err := s.SetBatchStatus(ctx, batchID, BatchMerging); err != nil {
		t.Fatalf("SetBatchStatus() error = %v", err)
	}

	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	batch, err := s.BatchByID(ctx, batchID)
	if err != nil {
		t.Fatalf("BatchByID() error = %v", err)
	}
	if batch.Status != BatchEncoding {
		t.Errorf("Recover() left batch status = %v, want encoding", batch.Status)
	}

	bfs, err := s.BatchFilesOfBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("BatchFilesOfBatch() error = %v", err)
	}
	if len(bfs) != 1 || bfs[0].Status != BatchFilePending {
		t.Fatalf("Recover() left batch file status = %+v, want pending", bfs)
	}

	// The convergence invariant: a file claimed (stable->processing) right
	// before the crash must be re-drivable, not stranded. Recover() reverts
	// it to stable so the next cycle's ClaimStableFiles picks it back up.
	stable, err := s.ListPendingByStatus(ctx, StatusStable)
	if err != nil {
		t.Fatalf("ListPendingByStatus() error = %v", err)
	}
	if len(stable) != 1 || stable[0].Filename != "a.flv" {
		t.Fatalf("Recover() left pending_files = %+v, want a.flv back at stable", stable)
	}
}

// TestRecoverFinishesStagingAlreadyEncodedFiles covers the narrower crash
// window between MarkFileEncoded and MarkStaged: the BatchFile already
// reached encoded, so Recover must not discard that work by reverting the
// PendingFile to stable for a redo -- it must finish the staged transition.
func TestRecoverFinishesStagingAlreadyEncodedFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pf := claimOneStableFile(t, s, ctx, "/videos/alice", "a.flv", "fp-a")
	pendingIDs := map[string]int64{"/videos/alice/a.flv": pf.ID}
	files := []FileAssignment{{DirPath: "/videos/alice", Filename: "a.flv", Fingerprint: "fp-a"}}
	batchID, err := s.CreateBatchWithFiles(ctx, "alice", "/out/alice", "/tmp/alice", files, pendingIDs)
	if err != nil {
		t.Fatalf("CreateBatchWithFiles() error = %v", err)
	}
	if err := s.MarkBatchFileEncoding(ctx, batchID, "/videos/alice", "a.flv"); err != nil {
		t.Fatalf("MarkBatchFileEncoding() error = %v", err)
	}
	if err := s.MarkFileEncoded(ctx, batchID, "/videos/alice", "a.flv", "/tmp/alice/a.mp4", "fp-a"); err != nil {
		t.Fatalf("MarkFileEncoded() error = %v", err)
	}
	// Simulate a crash before the pool's follow-up MarkStaged call runs.

	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	all, err := s.ListAllPendingFiles(ctx)
	if err != nil {
		t.Fatalf("ListAllPendingFiles() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListAllPendingFiles() = %d rows, want 1", len(all))
	}
	if all[0].Status != StatusStaged {
		t.Errorf("Recover() left status = %v, want staged (encode already completed)", all[0].Status)
	}
	if all[0].TempMP4Path != "/tmp/alice/a.mp4" {
		t.Errorf("Recover() left temp_mp4_path = %q, want the already-encoded path", all[0].TempMP4Path)
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertObservation(ctx, "/videos/alice", "a.flv", "fp-a"); err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if _, err := s.UpsertObservation(ctx, "/videos/alice", "b.flv", "fp-b"); err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if err := s.MarkStable(ctx, "/videos/alice", "b.flv"); err != nil {
		t.Fatalf("MarkStable() error = %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.PendingByStatus[StatusPending] != 1 {
		t.Errorf("Counts() pending = %d, want 1", counts.PendingByStatus[StatusPending])
	}
	if counts.PendingByStatus[StatusStable] != 1 {
		t.Errorf("Counts() stable = %d, want 1", counts.PendingByStatus[StatusStable])
	}
}

func TestListAllPendingFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertObservation(ctx, "/videos/alice", "a.flv", "fp-a"); err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}
	if _, err := s.UpsertObservation(ctx, "/videos/alice", "b.flv", "fp-b"); err != nil {
		t.Fatalf("UpsertObservation() error = %v", err)
	}

	files, err := s.ListAllPendingFiles(ctx)
	if err != nil {
		t.Fatalf("ListAllPendingFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ListAllPendingFiles() = %d files, want 2", len(files))
	}
}

func TestListBatchesAndDeleteBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"a.flv", "b.flv"} {
		if _, err := s.UpsertObservation(ctx, "/videos/alice", name, "fp-"+name); err != nil {
			t.Fatalf("UpsertObservation(%s) error = %v", name, err)
		}
	}
	pendingIDs := map[string]int64{"/videos/alice/a.flv": 1, "/videos/alice/b.flv": 2}
	files := []FileAssignment{
		{DirPath: "/videos/alice", Filename: "a.flv", Fingerprint: "fp-a.flv"},
		{DirPath: "/videos/alice", Filename: "b.flv", Fingerprint: "fp-b.flv"},
	}

	batchID, err := s.CreateBatchWithFiles(ctx, "alice", "/out/alice", "/tmp/alice", files, pendingIDs)
	if err != nil {
		t.Fatalf("CreateBatchWithFiles() error = %v", err)
	}

	batches, err := s.ListBatches(ctx)
	if err != nil {
		t.Fatalf("ListBatches() error = %v", err)
	}
	if len(batches) != 1 || batches[0].ID != batchID {
		t.Fatalf("ListBatches() = %+v, want one batch with ID %d", batches, batchID)
	}

	if err := s.DeleteBatch(ctx, batchID); err != nil {
		t.Fatalf("DeleteBatch() error = %v", err)
	}

	batches, err = s.ListBatches(ctx)
	if err != nil {
		t.Fatalf("ListBatches() error = %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("ListBatches() after delete = %+v, want none", batches)
	}

	if _, err := s.BatchFilesOfBatch(ctx, batchID); err != nil {
		t.Fatalf("BatchFilesOfBatch() after delete error = %v", err)
	}
	bf, err := s.BatchFilesOfBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("BatchFilesOfBatch() error = %v", err)
	}
	if len(bf) != 0 {
		t.Fatalf("BatchFilesOfBatch() after DeleteBatch = %+v, want none (cascade delete)", bf)
	}
}
