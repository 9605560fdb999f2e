// SPDX-License-Identifier: MIT

package stability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vodforge/vodforge/internal/store"
)

type fakeFingerprinter map[string]string

func (f fakeFingerprinter) Fingerprint(path string) (string, error) {
	return f[path], nil
}

type fakeStore struct {
	rows       map[string]*store.PendingFile // key: dir/filename
	deprecated []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*store.PendingFile)}
}

func key(dir, name string) string { return dir + "/" + name }

func (s *fakeStore) UpsertObservation(ctx context.Context, dirPath, filename, fingerprint string) (store.ObservationResult, error) {
	k := key(dirPath, filename)
	row, ok := s.rows[k]
	if !ok {
		s.rows[k] = &store.PendingFile{DirPath: dirPath, Filename: filename, Fingerprint: fingerprint, StableCount: 1, Status: store.StatusPending}
		return store.ObservationCreated, nil
	}
	if row.Fingerprint != fingerprint {
		row.Fingerprint = fingerprint
		row.StableCount = 1
		row.Status = store.StatusPending
		return store.ObservationFingerprintReset, nil
	}
	if row.Status != store.StatusPending {
		return store.ObservationIgnored, nil
	}
	row.StableCount++
	return store.ObservationIncremented, nil
}

func (s *fakeStore) FindStableWithMinCount(ctx context.Context, minCount int) ([]store.PendingFile, error) {
	var out []store.PendingFile
	for _, row := range s.rows {
		if row.Status == store.StatusPending && row.StableCount >= minCount {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkStable(ctx context.Context, dirPath, filename string) error {
	s.rows[key(dirPath, filename)].Status = store.StatusStable
	return nil
}

func (s *fakeStore) MarkDeprecated(ctx context.Context, dirPath, filename string) error {
	s.rows[key(dirPath, filename)].Status = store.StatusDeprecated
	s.deprecated = append(s.deprecated, key(dirPath, filename))
	return nil
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

func TestObservePromotesAfterThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.flv")
	writeFile(t, path, 100)

	st := newFakeStore()
	fp := fakeFingerprinter{path: "fp-constant"}
	tr := New(Config{MinStableCount: 3}, st, fp)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := tr.Observe(ctx, []string{path}); err != nil {
			t.Fatalf("Observe() error = %v", err)
		}
	}
	row := st.rows[key(dir, "clip.flv")]
	if row.Status != store.StatusPending {
		t.Fatalf("status after 2 observations = %v, want pending (not yet stable)", row.Status)
	}

	if err := tr.Observe(ctx, []string{path}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if row.Status != store.StatusStable {
		t.Fatalf("status after 3 observations = %v, want stable", row.Status)
	}
}

func TestObserveResetsOnFingerprintChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.flv")
	writeFile(t, path, 100)

	st := newFakeStore()
	fp := fakeFingerprinter{path: "fp-a"}
	tr := New(Config{MinStableCount: 2}, st, fp)
	ctx := context.Background()

	if err := tr.Observe(ctx, []string{path}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if err := tr.Observe(ctx, []string{path}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	row := st.rows[key(dir, "clip.flv")]
	if row.Status != store.StatusStable {
		t.Fatalf("expected stable before fingerprint change, got %v", row.Status)
	}

	// A new fingerprint resets the row to pending with a count of 1, even
	// after promotion, as Store.UpsertObservation does; one observation is
	// then below MinStableCount, so the row is not promoted again.
	fp[path] = "fp-b"
	if err := tr.Observe(ctx, []string{path}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if row.Status != store.StatusPending {
		t.Fatalf("fingerprint change should reset the row to pending, got status %v", row.Status)
	}
}

func TestDuplicateExtensionResolutionDeprecatesSmaller(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "stream.flv")
	large := filepath.Join(dir, "stream.mp4")
	writeFile(t, small, 10)
	writeFile(t, large, 1000)

	st := newFakeStore()
	fp := fakeFingerprinter{small: "fp-small", large: "fp-large"}
	tr := New(Config{MinStableCount: 1}, st, fp)
	ctx := context.Background()

	if err := tr.Observe(ctx, []string{small, large}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	if st.rows[key(dir, "stream.flv")].Status != store.StatusDeprecated {
		t.Errorf("expected smaller file (stream.flv) deprecated, status = %v", st.rows[key(dir, "stream.flv")].Status)
	}
	if st.rows[key(dir, "stream.mp4")].Status != store.StatusStable {
		t.Errorf("expected larger file (stream.mp4) to remain stable, status = %v", st.rows[key(dir, "stream.mp4")].Status)
	}
}
