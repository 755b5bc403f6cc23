package model

import (
	"errors"
	"time"
)

type JobStatus string

const (
	JobQueued           JobStatus = "queued"
	JobModelLoading     JobStatus = "model_loading"
	JobModelDownloading JobStatus = "model_downloading"
	JobTranscribing     JobStatus = "transcribing"
	JobCanceling        JobStatus = "canceling"
	JobCompleted        JobStatus = "completed"
	JobFailed           JobStatus = "failed"
	JobCanceled         JobStatus = "canceled"
)

// Terminal reports whether no further transitions can occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

var ErrNotFound = errors.New("not found")

// Segment is one timed span of transcribed speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the transcription output for a completed job.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// Job tracks one transcription request from submission to terminal state.
//
// The record is mutated only by the goroutine driving that job; status
// queries receive deep copies via Clone.
type Job struct {
	ID        string     `json:"id"`
	Model     string     `json:"model"`
	Status    JobStatus  `json:"status"`
	Progress  float64    `json:"progress"`
	Duration  *float64   `json:"duration,omitempty"`
	Result    *Result    `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Message   string     `json:"message,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (j Job) Clone() Job {
	out := j
	if j.Duration != nil {
		d := *j.Duration
		out.Duration = &d
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	if j.Result != nil {
		res := *j.Result
		res.Segments = append([]Segment(nil), j.Result.Segments...)
		out.Result = &res
	}
	return out
}

// ModelStatus is a read-only snapshot of the model slot.
type ModelStatus struct {
	Loaded             bool     `json:"loaded"`
	ModelName          string   `json:"modelName,omitempty"`
	Device             string   `json:"device"`
	MemoryUsedMB       *float64 `json:"memoryUsedMb,omitempty"`
	LastUsedAt         *int64   `json:"lastUsedAt,omitempty"`
	IdleTimeoutSeconds int      `json:"idleTimeoutSeconds"`
}

// ArchivedTranscript is a completed transcription kept past job retention.
type ArchivedTranscript struct {
	ID              string    `json:"id"`
	Model           string    `json:"model"`
	Language        string    `json:"language"`
	DurationSeconds float64   `json:"durationSeconds"`
	Text            string    `json:"text"`
	SegmentsJSON    string    `json:"segmentsJson"`
	CreatedAt       time.Time `json:"createdAt"`
}
