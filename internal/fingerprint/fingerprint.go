// SPDX-License-Identifier: MIT

// Package fingerprint computes the content digest the stability tracker and
// encoder pool use to detect whether a file has changed since it was last
// observed.
package fingerprint

import (
	"crypto/md5" //nolint:gosec // content-change detection, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// MD5 hashes a file's full content and returns its hex digest. It satisfies
// internal/encoder.Fingerprinter.
type MD5 struct{}

// Fingerprint returns the hex-encoded MD5 digest of path's content.
func (MD5) Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
