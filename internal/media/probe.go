// Package media wraps the external tooling used to inspect uploaded audio.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrProbeFailed indicates the audio duration could not be determined. With
// no duration there is no progress tracking, so the job fails up front.
var ErrProbeFailed = errors.New("could not determine audio duration")

// DurationProber reports total audio duration in seconds via ffprobe.
type DurationProber struct {
	ffprobePath string
	run         func(ctx context.Context, name string, args ...string) (string, error)
}

func NewDurationProber() *DurationProber {
	return &DurationProber{
		ffprobePath: "ffprobe",
		run:         runCommand,
	}
}

// Duration probes the file at path. Any tool failure, empty output, or
// non-positive value maps to ErrProbeFailed.
func (p *DurationProber) Duration(ctx context.Context, path string) (float64, error) {
	out, err := p.run(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe: %v", ErrProbeFailed, err)
	}

	raw := strings.TrimSpace(out)
	if raw == "" {
		return 0, fmt.Errorf("%w: ffprobe produced no output", ErrProbeFailed)
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unparseable duration %q", ErrProbeFailed, raw)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("%w: non-positive duration %v", ErrProbeFailed, seconds)
	}
	return seconds, nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
