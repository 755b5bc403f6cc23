// Package worker abstracts where transcription actually runs: a supervised
// child process speaking the status-line protocol, or an in-process call
// into an embedded inference capability. The orchestrator is agnostic to
// which variant backs a given job.
package worker

import (
	"context"
	"errors"

	"github.com/example/whisperd/internal/model"
	"github.com/example/whisperd/internal/stream"
)

// ErrExecution covers abnormal exits and failed inference calls.
var ErrExecution = errors.New("transcription execution failed")

// ErrMissingArtifact is the "successful process, missing output" case: the
// worker exited cleanly but the result artifact is absent.
var ErrMissingArtifact = errors.New("process completed but result artifact was not found")

// ErrBadArtifact is the clean-exit sibling of ErrMissingArtifact: the
// artifact exists but does not parse.
var ErrBadArtifact = errors.New("result artifact is corrupt")

// Request describes one unit of transcription work.
type Request struct {
	JobID      string
	AudioPath  string
	OutputPath string
	Model      string
}

// EventFunc receives decoded status events while the work runs. It is called
// from the worker's reader goroutines; implementations must be safe for that.
type EventFunc func(stream.Event)

// Worker executes one transcription to completion, relaying status events as
// they happen. On success the parsed result is returned; on cancellation the
// context error is surfaced once the underlying work has actually stopped.
type Worker interface {
	Run(ctx context.Context, req Request, onEvent EventFunc) (*model.Result, error)
}

// Transcriber is the opaque in-process inference capability: it may take
// seconds to hours and is expected to honor ctx if it can.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, modelName string) (*model.Result, error)
}
