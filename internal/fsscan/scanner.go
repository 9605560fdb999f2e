// SPDX-License-Identifier: MIT

// Package fsscan walks configured video roots and returns candidate file
// paths subject to per-root directory filters and global file allow/deny
// lists.
package fsscan

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vodforge/vodforge/internal/rules"
)

// VideoRoot is one configured scan root with its own directory filter and
// (optional) delete-rule filter for the finalizer.
type VideoRoot struct {
	Path         string
	DirFilter    rules.Filter
	EnableDelete bool
	DeleteFilter rules.Filter
}

// Config is the scanner's full filter configuration, mirroring
// AppConfig.scanner.
type Config struct {
	VideoRoots      []VideoRoot
	Extensions      []string
	AllowList       []string // regex, unanchored search
	DenyList        []string // regex, unanchored search
	SimpleAllowList []string // substring
	SimpleDenyList  []string // substring
}

// Scanner enumerates files under Config.VideoRoots.
type Scanner struct {
	cfg    Config
	logger *slog.Logger

	extensions map[string]bool
	dirFilters []*rules.Compiled // parallel to cfg.VideoRoots
	allowRe    []*regexp.Regexp
	denyRe     []*regexp.Regexp
}

// New compiles cfg's filters once, so Scan can be called repeatedly without
// recompiling a regex per tick.
func New(cfg Config, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{cfg: cfg, logger: logger, extensions: make(map[string]bool)}

	for _, ext := range cfg.Extensions {
		s.extensions[strings.ToLower(ext)] = true
	}

	for _, root := range cfg.VideoRoots {
		compiled, err := rules.Compile(root.DirFilter)
		if err != nil {
			return nil, err
		}
		s.dirFilters = append(s.dirFilters, compiled)
	}

	for _, pattern := range cfg.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			s.logger.Warn("ignoring invalid allow_list regex", "pattern", pattern, "error", err)
			continue
		}
		s.allowRe = append(s.allowRe, re)
	}
	for _, pattern := range cfg.DenyList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			s.logger.Warn("ignoring invalid deny_list regex", "pattern", pattern, "error", err)
			continue
		}
		s.denyRe = append(s.denyRe, re)
	}

	return s, nil
}

// Scan walks every configured root and returns the accepted file paths.
// A root that does not exist, or a directory entry denied by permissions,
// is logged and skipped rather than aborting the whole scan.
func (s *Scanner) Scan() []string {
	var out []string
	for i, root := range s.cfg.VideoRoots {
		if _, err := os.Stat(root.Path); err != nil {
			s.logger.Warn("video root does not exist", "root", root.Path, "error", err)
			continue
		}
		dirFilter := s.dirFilters[i]

		err := filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrPermission) {
					s.logger.Warn("permission denied, skipping", "path", path)
					return nil
				}
				return nil
			}
			if d.IsDir() {
				if path == root.Path {
					return nil
				}
				if !dirFilter.Allow(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if s.shouldInclude(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("error scanning root", "root", root.Path, "error", err)
		}
	}
	return out
}

// shouldInclude applies the extension set, then the allow lists (if any are
// configured, at least one must match), then the deny lists (any match
// rejects).
func (s *Scanner) shouldInclude(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !s.extensions[ext] {
		return false
	}

	hasAllowList := len(s.allowRe) > 0 || len(s.cfg.SimpleAllowList) > 0
	if hasAllowList {
		allowed := false
		for _, re := range s.allowRe {
			if re.MatchString(path) {
				allowed = true
				break
			}
		}
		if !allowed {
			for _, pattern := range s.cfg.SimpleAllowList {
				if pattern != "" && strings.Contains(path, pattern) {
					allowed = true
					break
				}
			}
		}
		if !allowed {
			return false
		}
	}

	for _, re := range s.denyRe {
		if re.MatchString(path) {
			return false
		}
	}
	for _, pattern := range s.cfg.SimpleDenyList {
		if pattern != "" && strings.Contains(path, pattern) {
			return false
		}
	}

	return true
}
