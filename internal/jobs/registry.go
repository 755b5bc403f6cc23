// Package jobs owns in-memory job records and per-job cancellation state.
// Nothing here is persisted: an interrupted process loses its queue by design.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/whisperd/internal/model"
)

// Registry maps job ids to their records. Each record has a single writer
// (the goroutine driving that job); readers always receive deep copies, so a
// status query can never observe a torn update.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	log  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		jobs: make(map[string]*model.Job),
		log:  logger.With("component", "registry"),
	}
}

// Create registers a new queued job and returns its snapshot.
func (r *Registry) Create(id, modelName string) model.Job {
	job := &model.Job{
		ID:        id,
		Model:     modelName,
		Status:    model.JobQueued,
		Message:   "Job queued",
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()

	return job.Clone()
}

// Get returns a snapshot of the job, or false if unknown.
func (r *Registry) Get(id string) (model.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return job.Clone(), true
}

// Update applies fn to the job record under the registry lock. Returns false
// if the job no longer exists.
func (r *Registry) Update(id string, fn func(*model.Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	fn(job)
	return true
}

// SweepOnce deletes terminal jobs that ended before now minus retention and
// returns how many were removed.
func (r *Registry) SweepOnce(now time.Time, retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.jobs {
		if !job.Status.Terminal() || job.EndedAt == nil {
			continue
		}
		if now.Sub(*job.EndedAt) > retention {
			delete(r.jobs, id)
			removed++
			r.log.Info("swept expired job", "job_id", id, "status", string(job.Status))
		}
	}
	return removed
}

// RunSweeper periodically applies SweepOnce until ctx is done. The cadence is
// derived from the retention window so short test retentions sweep promptly.
func (r *Registry) RunSweeper(ctx context.Context, retention time.Duration) {
	interval := retention / 4
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.SweepOnce(now, retention)
		}
	}
}
