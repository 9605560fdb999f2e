// SPDX-License-Identifier: MIT

package streamerid

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     string
		wantLike string // prefix to check instead of exact match
	}{
		{name: "simple", input: "alice", want: "alice"},
		{name: "spaces", input: "alice smith", want: "alice_smith"},
		{name: "dashes", input: "alice-stream-live", want: "alice_stream_live"},
		{name: "collapses underscores", input: "alice___smith", want: "alice_smith"},
		{name: "strips leading/trailing", input: "_alice_", want: "alice"},
		{name: "leading digit prefixed", input: "123alice", want: "id_123alice"},
		{name: "empty", input: "", wantLike: "unknown_streamer_"},
		{name: "path traversal rejected", input: "../../etc/passwd", wantLike: "unknown_streamer_"},
		{name: "path separator rejected", input: "alice/bob", wantLike: "unknown_streamer_"},
		{name: "leading dash rejected", input: "-rf", wantLike: "unknown_streamer_"},
		{name: "dollar sign rejected", input: "alice$(whoami)", wantLike: "unknown_streamer_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.input)
			if tt.wantLike != "" {
				if !strings.HasPrefix(got, tt.wantLike) {
					t.Errorf("Sanitize(%q) = %q, want prefix %q", tt.input, got, tt.wantLike)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeControlCharsRejected(t *testing.T) {
	got := Sanitize("alice\x00bob")
	if !strings.HasPrefix(got, "unknown_streamer_") {
		t.Errorf("Sanitize() with control char = %q, want unknown_streamer_ fallback", got)
	}
}

func TestSanitizeMaxLength(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := Sanitize(long)
	if len(got) > MaxLength {
		t.Errorf("Sanitize() len = %d, want <= %d", len(got), MaxLength)
	}
}

func TestSanitizeExcessiveInputRejected(t *testing.T) {
	huge := strings.Repeat("a", MaxRawInputLength+1)
	got := Sanitize(huge)
	if !strings.HasPrefix(got, "unknown_streamer_") {
		t.Errorf("Sanitize() with excessive input = %q, want unknown_streamer_ fallback", got)
	}
}

func TestSanitizeNoPathSeparatorInOutput(t *testing.T) {
	inputs := []string{"alice/bob", "alice\\bob", "../alice", "alice/../bob"}
	for _, in := range inputs {
		got := Sanitize(in)
		if strings.ContainsAny(got, "/\\") {
			t.Errorf("Sanitize(%q) = %q, contains a path separator", in, got)
		}
	}
}

func TestSanitizeDeterministic(t *testing.T) {
	for _, in := range []string{"alice", "Bob_Stream", "xX_streamer_Xx"} {
		a := Sanitize(in)
		b := Sanitize(in)
		if a != b {
			t.Errorf("Sanitize(%q) not deterministic: %q != %q", in, a, b)
		}
	}
}
