// SPDX-License-Identifier: MIT

package fsscan

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/vodforge/vodforge/internal/rules"
)

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("MkdirAll(%s) error = %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

func TestScanFiltersByExtension(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "clip.flv"))
	mustWriteFile(t, filepath.Join(root, "notes.txt"))

	s, err := New(Config{
		VideoRoots: []VideoRoot{{Path: root, DirFilter: rules.Filter{Mode: rules.Blacklist}}},
		Extensions: []string{".flv"},
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := s.Scan()
	if len(got) != 1 || filepath.Base(got[0]) != "clip.flv" {
		t.Fatalf("Scan() = %v, want only clip.flv", got)
	}
}

func TestScanSkipsDeniedDirectories(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "archive"))
	mustMkdirAll(t, filepath.Join(root, "live"))
	mustWriteFile(t, filepath.Join(root, "archive", "old.flv"))
	mustWriteFile(t, filepath.Join(root, "live", "new.flv"))

	s, err := New(Config{
		VideoRoots: []VideoRoot{{
			Path:      root,
			DirFilter: rules.Filter{Mode: rules.Blacklist, Rules: []rules.Rule{{Type: rules.Exact, Pattern: "archive"}}},
		}},
		Extensions: []string{".flv"},
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := s.Scan()
	if len(got) != 1 || filepath.Base(got[0]) != "new.flv" {
		t.Fatalf("Scan() = %v, want only live/new.flv", got)
	}
}

func TestScanWhitelistDirFilterDeniesUnlistedDirs(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "keep"))
	mustMkdirAll(t, filepath.Join(root, "drop"))
	mustWriteFile(t, filepath.Join(root, "keep", "a.flv"))
	mustWriteFile(t, filepath.Join(root, "drop", "b.flv"))

	s, err := New(Config{
		VideoRoots: []VideoRoot{{
			Path:      root,
			DirFilter: rules.Filter{Mode: rules.Whitelist, Rules: []rules.Rule{{Type: rules.Exact, Pattern: "keep"}}},
		}},
		Extensions: []string{".flv"},
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := s.Scan()
	if len(got) != 1 || filepath.Base(got[0]) != "a.flv" {
		t.Fatalf("Scan() = %v, want only keep/a.flv", got)
	}
}

func TestScanAllowAndDenyLists(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "stream_live.flv"))
	mustWriteFile(t, filepath.Join(root, "stream_test.flv"))
	mustWriteFile(t, filepath.Join(root, "other.flv"))

	s, err := New(Config{
		VideoRoots:      []VideoRoot{{Path: root, DirFilter: rules.Filter{Mode: rules.Blacklist}}},
		Extensions:      []string{".flv"},
		SimpleAllowList: []string{"stream_"},
		SimpleDenyList:  []string{"_test"},
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := s.Scan()
	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	sort.Strings(names)
	want := []string{"stream_live.flv"}
	if len(names) != len(want) || names[0] != want[0] {
		t.Fatalf("Scan() = %v, want %v", names, want)
	}
}

func TestScanMissingRootDoesNotPanic(t *testing.T) {
	s, err := New(Config{
		VideoRoots: []VideoRoot{{Path: filepath.Join(t.TempDir(), "does-not-exist"), DirFilter: rules.Filter{Mode: rules.Blacklist}}},
		Extensions: []string{".flv"},
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := s.Scan(); len(got) != 0 {
		t.Errorf("Scan() = %v, want empty for missing root", got)
	}
}
