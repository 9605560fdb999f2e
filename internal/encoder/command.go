// SPDX-License-Identifier: MIT

package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which ffmpeg invocation shape a Job builds.
type Kind int

const (
	// KindTranscode encodes a single input to AV1 video + AAC audio.
	KindTranscode Kind = iota
	// KindExtractMP3 extracts an MP3 audio track from an input.
	KindExtractMP3
	// KindConcat stream-copies a manifest of inputs into one output.
	KindConcat
)

func (k Kind) String() string {
	switch k {
	case KindTranscode:
		return "transcode"
	case KindExtractMP3:
		return "extract_mp3"
	case KindConcat:
		return "concat"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// EncodeParams controls the quality knobs of a transcode job.
type EncodeParams struct {
	CRF    int // libsvtav1 constant rate factor (default 30)
	Preset int // libsvtav1 preset (default 6)
}

// DefaultEncodeParams returns the spec's default CRF/preset pair.
func DefaultEncodeParams() EncodeParams {
	return EncodeParams{CRF: 30, Preset: 6}
}

// CommandSpec describes a single ffmpeg invocation to build.
type CommandSpec struct {
	Kind         Kind
	FFmpegPath   string // path to the ffmpeg binary, default "ffmpeg"
	Input        string // source path (Transcode, ExtractMP3)
	ManifestPath string // concat demuxer list file (Concat only)
	Output       string
	Encode       EncodeParams
}

// BuildCommand constructs the *exec.Cmd for a CommandSpec.
//
// Argument shapes:
//
//	Transcode:   -y -i IN -c:v libsvtav1 -crf N -preset M -c:a aac -b:a 128k OUT.mp4
//	ExtractMP3:  -y -i IN -vn -acodec libmp3lame -q:a 2 OUT.mp3
//	Concat:      -f concat -safe 0 -i LIST.txt -c copy -y OUT.mp4
func BuildCommand(ctx context.Context, spec CommandSpec) (*exec.Cmd, error) {
	ffmpegPath := spec.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	var args []string
	switch spec.Kind {
	case KindTranscode:
		if spec.Input == "" || spec.Output == "" {
			return nil, fmt.Errorf("transcode job requires input and output paths")
		}
		crf := spec.Encode.CRF
		preset := spec.Encode.Preset
		if crf == 0 && preset == 0 {
			d := DefaultEncodeParams()
			crf, preset = d.CRF, d.Preset
		}
		args = []string{
			"-y", "-i", spec.Input,
			"-c:v", "libsvtav1", "-crf", strconv.Itoa(crf), "-preset", strconv.Itoa(preset),
			"-c:a", "aac", "-b:a", "128k",
			spec.Output,
		}
	case KindExtractMP3:
		if spec.Input == "" || spec.Output == "" {
			return nil, fmt.Errorf("mp3 extract job requires input and output paths")
		}
		args = []string{
			"-y", "-i", spec.Input,
			"-vn", "-acodec", "libmp3lame", "-q:a", "2",
			spec.Output,
		}
	case KindConcat:
		if spec.ManifestPath == "" || spec.Output == "" {
			return nil, fmt.Errorf("concat job requires a manifest path and output path")
		}
		args = []string{
			"-f", "concat", "-safe", "0", "-i", spec.ManifestPath,
			"-c", "copy", "-y",
			spec.Output,
		}
	default:
		return nil, fmt.Errorf("unknown job kind %v", spec.Kind)
	}

	// #nosec G204 -- args are assembled from validated paths and fixed flags, not raw user input
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	return cmd, nil
}

// WriteConcatManifest writes an ffmpeg concat-demuxer list file containing
// one `file 'PATH'` line per input, in the given order.
func WriteConcatManifest(manifestPath string, inputs []string) error {
	var b strings.Builder
	for _, p := range inputs {
		escaped := strings.ReplaceAll(p, "'", `'\''`)
		b.WriteString("file '")
		b.WriteString(escaped)
		b.WriteString("'\n")
	}
	// #nosec G306 -- manifest lives under the batch's own tmp_dir, not world-readable data
	return os.WriteFile(manifestPath, []byte(b.String()), 0644)
}

// Progress holds the most recently parsed values from an ffmpeg progress line.
type Progress struct {
	Frame     int
	FPS       float64
	Time      time.Duration
	Bitrate   string
	Size      string
	UpdatedAt time.Time
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	timeRe    = regexp.MustCompile(`time=\s*(\d{2}):(\d{2}):(\d{2})\.(\d{2})`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*(\S+)`)
	sizeRe    = regexp.MustCompile(`size=\s*(\S+)`)
)

// ParseProgressLine extracts frame/fps/time/bitrate/size tokens from one line
// of ffmpeg stderr output. ok is false when the line carries no `time=` token,
// the canonical signal that a line is a progress update rather than banner or
// warning text.
func ParseProgressLine(line string) (p Progress, ok bool) {
	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}

	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss, _ := strconv.Atoi(m[3])
	cc, _ := strconv.Atoi(m[4])
	p.Time = time.Duration(hh)*time.Hour +
		time.Duration(mm)*time.Minute +
		time.Duration(ss)*time.Second +
		time.Duration(cc)*10*time.Millisecond

	if fm := frameRe.FindStringSubmatch(line); fm != nil {
		p.Frame, _ = strconv.Atoi(fm[1])
	}
	if fm := fpsRe.FindStringSubmatch(line); fm != nil {
		p.FPS, _ = strconv.ParseFloat(fm[1], 64)
	}
	if bm := bitrateRe.FindStringSubmatch(line); bm != nil {
		p.Bitrate = bm[1]
	}
	if sm := sizeRe.FindStringSubmatch(line); sm != nil {
		p.Size = sm[1]
	}
	p.UpdatedAt = time.Now()
	return p, true
}
