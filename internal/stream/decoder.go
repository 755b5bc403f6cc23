// Package stream decodes the line-oriented status protocol emitted by
// transcription workers: JSON status records interleaved with whisper's
// verbose `[start --> end] text` segment lines and arbitrary noise.
package stream

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/example/whisperd/internal/progress"
)

// Kind classifies decoded status events.
type Kind string

const (
	KindDuration  Kind = "duration"  // total audio duration in seconds
	KindInfo      Kind = "info"      // device/acceleration and other notices
	KindPhase     Kind = "phase"     // model loading / downloading / started
	KindProgress  Kind = "progress"  // explicit percentage from the worker
	KindTimestamp Kind = "timestamp" // implicit progress from a segment end time
	KindError     Kind = "error"
	KindCanceled  Kind = "canceled"
)

// Phase names the execution sub-stages a worker reports.
type Phase string

const (
	PhaseLoading         Phase = "loading"
	PhaseDownloading     Phase = "downloading"
	PhaseLoadingComplete Phase = "loading_complete"
	PhaseStarted         Phase = "started"
)

// Event is one decoded status record.
type Event struct {
	Kind    Kind
	Phase   Phase
	Seconds float64 // KindDuration: total duration; KindTimestamp: segment end
	Percent float64 // KindProgress only
	Code    string
	Message string
}

// segmentLine matches whisper verbose output like
// "[00:00.000 --> 00:06.250] text" with optional hour components.
var segmentLine = regexp.MustCompile(`^\[(\d{1,2}:(?:\d{1,2}:)?\d{2}\.\d{3})\s*-->\s*(\d{1,2}:(?:\d{1,2}:)?\d{2}\.\d{3})\]`)

// firstNumber pulls a duration out of messages like "Audio duration: 2785.08s".
var firstNumber = regexp.MustCompile(`(\d+(\.\d+)?)`)

// Decoder incrementally splits raw worker output into events. Reads need not
// align with line boundaries; a trailing partial line (including one split in
// the middle of a multi-byte character) is buffered until the rest arrives.
// The protocol is best-effort: lines matching neither form are dropped.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one chunk of raw bytes and returns the events completed by it.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)

	var events []Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return events
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		if event, ok := decodeLine(line); ok {
			events = append(events, event)
		}
	}
}

// Flush decodes any buffered trailing line. Call once at stream EOF.
func (d *Decoder) Flush() []Event {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	if event, ok := decodeLine(line); ok {
		return []Event{event}
	}
	return nil
}

// statusRecord is the flat JSON shape workers print, one object per line.
type statusRecord struct {
	Status   string   `json:"status"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Progress *float64 `json:"progress"`
	Duration *float64 `json:"duration"`
}

func decodeLine(raw string) (Event, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return Event{}, false
	}

	var rec statusRecord
	if err := json.Unmarshal([]byte(line), &rec); err == nil && rec.Status != "" {
		return decodeRecord(rec)
	}

	if m := segmentLine.FindStringSubmatch(line); m != nil {
		end, err := progress.ParseClockTime(m[2])
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: KindTimestamp, Seconds: end}, true
	}

	return Event{}, false
}

func decodeRecord(rec statusRecord) (Event, bool) {
	switch rec.Status {
	case "info":
		if rec.Duration != nil {
			return Event{Kind: KindDuration, Seconds: *rec.Duration, Message: rec.Message}, true
		}
		if rec.Code == "audio_duration" {
			if seconds, ok := parseDurationMessage(rec.Message); ok {
				return Event{Kind: KindDuration, Seconds: seconds, Message: rec.Message}, true
			}
			return Event{}, false
		}
		return Event{Kind: KindInfo, Code: rec.Code, Message: rec.Message}, true
	case "loading":
		return Event{Kind: KindPhase, Phase: PhaseLoading, Message: rec.Message}, true
	case "downloading":
		return Event{Kind: KindPhase, Phase: PhaseDownloading, Message: rec.Message}, true
	case "loading_complete":
		return Event{Kind: KindPhase, Phase: PhaseLoadingComplete, Message: rec.Message}, true
	case "started", "transcribing":
		return Event{Kind: KindPhase, Phase: PhaseStarted, Message: rec.Message}, true
	case "progress":
		if rec.Progress == nil {
			return Event{}, false
		}
		return Event{Kind: KindProgress, Percent: *rec.Progress}, true
	case "error":
		return Event{Kind: KindError, Code: rec.Code, Message: rec.Message}, true
	case "canceled":
		return Event{Kind: KindCanceled, Message: rec.Message}, true
	case "completed":
		return Event{Kind: KindInfo, Code: "completed", Message: rec.Message}, true
	default:
		// Unknown discriminators are part of the best-effort contract.
		return Event{}, false
	}
}

func parseDurationMessage(message string) (float64, bool) {
	m := firstNumber.FindString(message)
	if m == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return seconds, true
}
