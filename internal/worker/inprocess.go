package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/whisperd/internal/model"
	"github.com/example/whisperd/internal/stream"
)

// InProcessWorker runs transcription as a background task inside this
// process, backed by an injected Transcriber. Cancellation is cooperative:
// the transcriber sees the job context and is expected to stop when it fires.
type InProcessWorker struct {
	Transcriber Transcriber
	Log         *slog.Logger
}

func NewInProcessWorker(t Transcriber, logger *slog.Logger) *InProcessWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessWorker{
		Transcriber: t,
		Log:         logger.With("component", "worker"),
	}
}

func (w *InProcessWorker) Run(ctx context.Context, req Request, onEvent EventFunc) (*model.Result, error) {
	if onEvent != nil {
		onEvent(stream.Event{Kind: stream.KindPhase, Phase: stream.PhaseStarted, Message: "Transcription started"})
	}

	result, err := w.Transcriber.Transcribe(ctx, req.AudioPath, req.Model)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: transcriber returned no result", ErrMissingArtifact)
	}
	return result, nil
}
