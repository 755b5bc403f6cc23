// Package orchestrator drives each transcription job from submission to a
// terminal state: admission, model acquisition, execution, event relay, and
// guaranteed resource release.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/whisperd/internal/gate"
	"github.com/example/whisperd/internal/jobs"
	"github.com/example/whisperd/internal/model"
	"github.com/example/whisperd/internal/modelmgr"
	"github.com/example/whisperd/internal/progress"
	"github.com/example/whisperd/internal/stream"
	"github.com/example/whisperd/internal/worker"
)

// DurationProber reports total audio duration in seconds for a file. Its
// failure is a hard precondition failure: without a duration there is no
// progress tracking.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Archiver persists completed transcripts beyond job retention.
type Archiver interface {
	SaveTranscript(ctx context.Context, t model.ArchivedTranscript) error
}

type Orchestrator struct {
	registry *jobs.Registry
	canceler *jobs.Canceler
	gate     *gate.Gate
	models   *modelmgr.Manager
	worker   worker.Worker
	prober   DurationProber
	archive  Archiver // optional
	outDir   string
	log      *slog.Logger
}

func New(
	registry *jobs.Registry,
	canceler *jobs.Canceler,
	g *gate.Gate,
	models *modelmgr.Manager,
	w worker.Worker,
	prober DurationProber,
	archive Archiver,
	outDir string,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		canceler: canceler,
		gate:     g,
		models:   models,
		worker:   w,
		prober:   prober,
		archive:  archive,
		outDir:   outDir,
		log:      logger.With("component", "orchestrator"),
	}
}

// Submit registers a queued job for the staged audio file and starts its
// driving goroutine. Returns immediately with the job snapshot.
func (o *Orchestrator) Submit(inputPath, modelName string) model.Job {
	id := uuid.NewString()
	job := o.registry.Create(id, modelName)
	ctx := o.canceler.Track(context.Background(), id)

	o.log.Info("job queued", "job_id", id, "model", modelName, "input", inputPath)
	go o.run(ctx, id, inputPath, modelName)

	return job
}

// Status returns a snapshot of the job record.
func (o *Orchestrator) Status(id string) (model.Job, bool) {
	return o.registry.Get(id)
}

// RequestCancel flips the job's cancel flag and marks it canceling. The
// record only reaches canceled once the underlying work has stopped. On
// already-terminal jobs it reports the terminal status and does nothing.
func (o *Orchestrator) RequestCancel(id string) (model.JobStatus, bool, error) {
	job, ok := o.registry.Get(id)
	if !ok {
		return "", false, model.ErrNotFound
	}
	if job.Status.Terminal() {
		return job.Status, false, nil
	}

	o.registry.Update(id, func(j *model.Job) {
		if j.Status.Terminal() {
			return
		}
		j.Status = model.JobCanceling
		j.Message = "Cancellation requested"
	})
	o.canceler.Request(id)
	o.log.Info("cancellation requested", "job_id", id)
	return model.JobCanceling, true, nil
}

// run is the single writer for the job record. Every exit path lands in
// exactly one terminal transition, and the deferred stack releases whatever
// was actually acquired.
func (o *Orchestrator) run(ctx context.Context, id, inputPath, modelName string) {
	outputPath := filepath.Join(o.outDir, id+".json")

	defer o.cleanupFiles(id, inputPath, outputPath)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("unexpected panic while orchestrating", "job_id", id, "panic", r)
			o.terminal(id, func(j *model.Job) {
				j.Status = model.JobFailed
				j.Error = "unexpected internal error"
				j.Message = "Transcription failed: unexpected internal error"
			})
		}
	}()

	if err := o.gate.Admit(ctx); err != nil {
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobCanceled
			j.Message = "Canceled while queued"
		})
		return
	}
	defer o.gate.Release()

	if o.canceler.Requested(id) {
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobCanceled
			j.Message = "Canceled before model load"
		})
		return
	}

	startedAt := time.Now().UTC()
	o.registry.Update(id, func(j *model.Job) {
		if j.Status.Terminal() || j.Status == model.JobCanceling {
			return
		}
		j.Status = model.JobModelLoading
		j.Message = fmt.Sprintf("Loading model '%s'...", modelName)
		j.StartedAt = &startedAt
	})

	duration, err := o.prober.Duration(ctx, inputPath)
	if err != nil {
		o.log.Error("duration probe failed", "job_id", id, "error", err)
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobFailed
			j.Error = err.Error()
			j.Message = "Transcription failed: could not determine audio duration"
		})
		return
	}
	o.registry.Update(id, func(j *model.Job) { j.Duration = &duration })

	handle, err := o.models.Acquire(ctx, modelName)
	if err != nil {
		if ctx.Err() != nil {
			o.terminal(id, func(j *model.Job) {
				j.Status = model.JobCanceled
				j.Message = "Canceled before model load"
			})
			return
		}
		o.log.Error("model acquisition failed", "job_id", id, "model", modelName, "error", err)
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobFailed
			j.Error = err.Error()
			j.Message = fmt.Sprintf("Transcription failed: %v", err)
		})
		return
	}
	defer handle.Release()

	if o.canceler.Requested(id) {
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobCanceled
			j.Message = "Canceled after model load"
		})
		return
	}

	o.registry.Update(id, func(j *model.Job) {
		if j.Status.Terminal() || j.Status == model.JobCanceling {
			return
		}
		j.Status = model.JobTranscribing
		j.Message = "Transcribing audio..."
	})

	relay := newEventRelay(o, id, duration)
	result, err := o.worker.Run(ctx, worker.Request{
		JobID:      id,
		AudioPath:  inputPath,
		OutputPath: outputPath,
		Model:      modelName,
	}, relay.handle)

	switch {
	case o.canceler.Requested(id) || errors.Is(err, context.Canceled):
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobCanceled
			j.Message = "Transcription canceled"
		})

	case err != nil:
		o.log.Error("transcription failed", "job_id", id, "error", err)
		message := relay.errorMessage()
		if message == "" {
			message = err.Error()
		}
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobFailed
			j.Error = message
			j.Message = fmt.Sprintf("Transcription failed: %s", message)
		})

	case relay.errorMessage() != "":
		// The worker exited cleanly but reported an error record; believe
		// the record.
		message := relay.errorMessage()
		o.log.Error("worker reported error despite clean exit", "job_id", id, "error", message)
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobFailed
			j.Error = message
			j.Message = fmt.Sprintf("Transcription failed: %s", message)
		})

	default:
		o.terminal(id, func(j *model.Job) {
			j.Status = model.JobCompleted
			j.Progress = 100.0
			j.Result = result
			j.Message = "Transcription completed"
		})
		o.archiveResult(id, modelName, duration, result)
		o.log.Info("job completed", "job_id", id, "model", modelName)
	}
}

// terminal applies exactly one terminal transition: a record already in a
// terminal state is never overwritten by a second outcome.
func (o *Orchestrator) terminal(id string, mutate func(*model.Job)) {
	o.registry.Update(id, func(j *model.Job) {
		if j.Status.Terminal() {
			return
		}
		mutate(j)
		endedAt := time.Now().UTC()
		j.EndedAt = &endedAt
	})
	o.canceler.Drop(id)
}

func (o *Orchestrator) archiveResult(id, modelName string, duration float64, result *model.Result) {
	if o.archive == nil || result == nil {
		return
	}
	segments, err := segmentsJSON(result.Segments)
	if err != nil {
		o.log.Error("encode segments for archive", "job_id", id, "error", err)
		return
	}
	record := model.ArchivedTranscript{
		ID:              id,
		Model:           modelName,
		Language:        result.Language,
		DurationSeconds: duration,
		Text:            result.Text,
		SegmentsJSON:    segments,
		CreatedAt:       time.Now().UTC(),
	}
	if err := o.archive.SaveTranscript(context.Background(), record); err != nil {
		o.log.Error("archive transcript", "job_id", id, "error", err)
	}
}

func segmentsJSON(segments []model.Segment) (string, error) {
	if segments == nil {
		segments = []model.Segment{}
	}
	raw, err := json.Marshal(segments)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (o *Orchestrator) cleanupFiles(id, inputPath, outputPath string) {
	for _, path := range []string{inputPath, outputPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.log.Warn("temp file cleanup failed", "job_id", id, "path", path, "error", err)
		}
	}
}

// eventRelay translates decoded status events into record updates. Worker
// implementations may call it from reader goroutines, so it carries its own
// lock; updates stay ordered per job via the registry lock.
type eventRelay struct {
	o     *Orchestrator
	jobID string

	mu       sync.Mutex
	total    float64
	est      *progress.Estimator
	errorMsg string
}

func newEventRelay(o *Orchestrator, jobID string, totalSeconds float64) *eventRelay {
	return &eventRelay{
		o:     o,
		jobID: jobID,
		total: totalSeconds,
		est:   progress.NewEstimator(),
	}
}

func (r *eventRelay) errorMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorMsg
}

func (r *eventRelay) handle(event stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Kind {
	case stream.KindDuration:
		if r.total <= 0 && event.Seconds > 0 {
			r.total = event.Seconds
			seconds := event.Seconds
			r.o.registry.Update(r.jobID, func(j *model.Job) {
				if j.Duration == nil {
					j.Duration = &seconds
				}
			})
		}

	case stream.KindPhase:
		r.applyPhase(event)

	case stream.KindProgress:
		if pct, ok := r.est.SetExplicit(event.Percent); ok {
			r.setProgress(pct)
		}

	case stream.KindTimestamp:
		if pct, ok := r.est.FromTimestamp(event.Seconds, r.total); ok {
			r.setProgress(pct)
		}

	case stream.KindError:
		if r.errorMsg == "" {
			r.errorMsg = event.Message
			if event.Code != "" {
				r.errorMsg = fmt.Sprintf("%s: %s", event.Code, event.Message)
			}
		}

	case stream.KindCanceled:
		r.o.log.Info("worker acknowledged cancellation", "job_id", r.jobID, "message", event.Message)

	case stream.KindInfo:
		r.o.log.Debug("worker info", "job_id", r.jobID, "code", event.Code, "message", event.Message)
	}
}

func (r *eventRelay) applyPhase(event stream.Event) {
	var status model.JobStatus
	switch event.Phase {
	case stream.PhaseDownloading:
		status = model.JobModelDownloading
	case stream.PhaseLoading:
		status = model.JobModelLoading
	case stream.PhaseLoadingComplete, stream.PhaseStarted:
		status = model.JobTranscribing
	default:
		return
	}
	r.o.registry.Update(r.jobID, func(j *model.Job) {
		if j.Status.Terminal() || j.Status == model.JobCanceling {
			return
		}
		j.Status = status
		if event.Message != "" {
			j.Message = event.Message
		}
	})
}

func (r *eventRelay) setProgress(pct float64) {
	r.o.registry.Update(r.jobID, func(j *model.Job) {
		if j.Status.Terminal() {
			return
		}
		if pct > j.Progress {
			j.Progress = pct
		}
	})
}
