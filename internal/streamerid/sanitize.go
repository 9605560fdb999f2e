// SPDX-License-Identifier: MIT

// Package streamerid sanitizes a streamer identifier parsed out of a
// recording filename before it is used as an output/tmp directory path
// component.
package streamerid

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxLength is the length the identifier is cut to before sanitizing. The
	// "id_" prefix added afterwards (rule 5 below) can make the result up to
	// 3 bytes longer.
	MaxLength = 64

	// MaxRawInputLength is the maximum raw input length processed. Inputs
	// longer than this are rejected outright rather than truncated, to keep
	// pathological filenames from burning CPU in the regex passes below.
	MaxRawInputLength = 1024
)

// Sanitize turns a raw streamer identifier (as parsed from a filename) into
// a string safe to use as a directory name: alphanumeric-and-underscore
// only, no path separators, bounded length.
//
// Input validation:
//   - Empty input returns a timestamped fallback.
//   - Input longer than MaxRawInputLength returns a timestamped fallback.
//   - Control characters (0x00-0x1F other than tab, LF and CR, plus 0x7F)
//     trigger a timestamped fallback; tab, LF and CR are replaced with
//     underscores like any other non-alphanumeric byte.
//   - Path traversal (`..`), path separators, `$`, or a leading `-` trigger a
//     timestamped fallback.
//
// Sanitization rules:
//  1. Truncate to MaxLength characters.
//  2. Replace non-alphanumeric characters with underscore.
//  3. Collapse consecutive underscores.
//  4. Strip leading and trailing underscores.
//  5. Prefix "id_" if the result starts with a digit.
//  6. Return a timestamped fallback if empty after sanitization.
func Sanitize(name string) string {
	if name == "" {
		return timestampFallback()
	}
	if len(name) > MaxRawInputLength {
		return timestampFallback()
	}
	if containsControlChars(name) {
		return timestampFallback()
	}
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/$") ||
		strings.HasPrefix(name, "-") {
		return timestampFallback()
	}

	if len(name) > MaxLength {
		name = name[:MaxLength]
	}

	sanitized := replaceNonAlphanumeric(name)
	sanitized = collapseUnderscores(sanitized)
	sanitized = strings.Trim(sanitized, "_")

	if len(sanitized) > 0 && isDigit(sanitized[0]) {
		sanitized = "id_" + sanitized
	}

	if sanitized == "" {
		return timestampFallback()
	}
	return sanitized
}

func replaceNonAlphanumeric(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanumeric(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

var underscoreRun = regexp.MustCompile(`_+`)

func collapseUnderscores(s string) string {
	return underscoreRun.ReplaceAllString(s, "_")
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func timestampFallback() string {
	return fmt.Sprintf("unknown_streamer_%d", time.Now().Unix())
}

func containsControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return true
		}
		if c == 0x7F {
			return true
		}
	}
	return false
}
