// Package progress converts transcription timestamps into a monotonic
// 0-100 percentage for job status reporting.
package progress

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultReportInterval throttles timestamp-derived updates so a chatty
// worker does not turn every decoded segment into a record write.
const DefaultReportInterval = 500 * time.Millisecond

// ParseClockTime parses MM:SS.mmm or HH:MM:SS.mmm into seconds.
func ParseClockTime(raw string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	switch len(parts) {
	case 3:
		hours, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("parse hours %q: %w", parts[0], err)
		}
		minutes, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("parse minutes %q: %w", parts[1], err)
		}
		seconds, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return 0, fmt.Errorf("parse seconds %q: %w", parts[2], err)
		}
		return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
	case 2:
		minutes, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("parse minutes %q: %w", parts[0], err)
		}
		seconds, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return 0, fmt.Errorf("parse seconds %q: %w", parts[1], err)
		}
		return float64(minutes)*60 + seconds, nil
	default:
		return 0, fmt.Errorf("unrecognized timestamp format: %q", raw)
	}
}

// Estimator tracks one job's progress percentage. It is owned by the single
// goroutine driving that job and is not safe for concurrent use.
type Estimator struct {
	current    float64
	lastReport time.Time
	interval   time.Duration
	now        func() time.Time
}

func NewEstimator() *Estimator {
	return &Estimator{
		interval: DefaultReportInterval,
		now:      time.Now,
	}
}

// Current returns the last accepted percentage.
func (e *Estimator) Current() float64 { return e.current }

// FromTimestamp derives a percentage from the latest transcribed timestamp.
// Updates are dropped when the total duration is unknown, when the value
// would regress, or when the previous accepted update is too recent.
func (e *Estimator) FromTimestamp(currentSeconds, totalSeconds float64) (float64, bool) {
	if totalSeconds <= 0 {
		return e.current, false
	}
	pct := round2(math.Min(currentSeconds/totalSeconds*100, 100))
	if pct <= e.current {
		return e.current, false
	}
	now := e.now()
	if now.Sub(e.lastReport) < e.interval {
		return e.current, false
	}
	e.current = pct
	e.lastReport = now
	return e.current, true
}

// SetExplicit applies a progress value reported directly by the worker.
// Explicit reports are authoritative and bypass the rate limit, but still
// never regress.
func (e *Estimator) SetExplicit(pct float64) (float64, bool) {
	pct = round2(math.Min(pct, 100))
	if pct <= e.current {
		return e.current, false
	}
	e.current = pct
	e.lastReport = e.now()
	return e.current, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
