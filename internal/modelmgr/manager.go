// Package modelmgr owns the single loaded-model slot shared by all jobs:
// acquisition with reference counting, refusal of model switches while in
// use, and idle-timeout eviction to free accelerator memory.
package modelmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/whisperd/internal/model"
)

// ErrBusy is returned when an acquire asks for a different model while the
// loaded one still has active users. Switches never queue or preempt.
var ErrBusy = errors.New("cannot switch models while jobs are active")

// ErrLoadFailed wraps loader errors; the slot is left empty.
var ErrLoadFailed = errors.New("model load failed")

// Instance is a loaded model occupying accelerator memory. Close frees that
// memory synchronously.
type Instance interface {
	Close() error
	MemoryUsedMB() float64
}

// Loader materializes a named model. Load may take a long time and should
// honor ctx cancellation.
type Loader interface {
	Load(ctx context.Context, name string) (Instance, error)
	Device() string
}

// Sibling is an external service competing for the same accelerator memory.
// It is asked, best-effort, to release its resources before a fresh load.
type Sibling interface {
	NotifyRelease(ctx context.Context) error
}

// Manager arbitrates the model slot. All slot state is guarded by one mutex;
// acquire, release, unload, and idle eviction are totally ordered by it.
type Manager struct {
	loader      Loader
	sibling     Sibling
	idleTimeout time.Duration
	log         *slog.Logger

	mu         sync.Mutex
	instance   Instance
	modelName  string
	activeRefs int
	lastUsed   time.Time
	idleTimer  *time.Timer
}

func New(loader Loader, sibling Sibling, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		loader:      loader,
		sibling:     sibling,
		idleTimeout: idleTimeout,
		log:         logger.With("component", "modelmgr"),
	}
}

// Handle is proof of a successful acquire. Release is idempotent.
type Handle struct {
	m    *Manager
	name string
	once sync.Once
}

// ModelName reports which model this handle pins.
func (h *Handle) ModelName() string { return h.name }

// Release returns the slot reference and (re)arms the idle eviction timer.
func (h *Handle) Release() {
	h.once.Do(func() { h.m.release() })
}

// Acquire returns a handle for the named model, loading it first if the slot
// is empty. A stale model with no active users is evicted synchronously; a
// stale model with active users fails with ErrBusy.
func (m *Manager) Acquire(ctx context.Context, name string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instance != nil && m.modelName != name {
		if m.activeRefs > 0 {
			return nil, fmt.Errorf("%w: %d active on %q, requested %q", ErrBusy, m.activeRefs, m.modelName, name)
		}
		m.log.Info("switching models", "from", m.modelName, "to", name)
		m.evictLocked()
	}

	if m.instance == nil {
		m.notifySibling(ctx)

		m.log.Info("loading model", "model", name)
		start := time.Now()
		instance, err := m.loader.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrLoadFailed, name, err)
		}
		m.instance = instance
		m.modelName = name
		m.log.Info("model loaded", "model", name, "elapsed", time.Since(start))
	}

	m.stopIdleTimerLocked()
	m.activeRefs++
	m.lastUsed = time.Now()

	return &Handle{m: m, name: name}, nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeRefs <= 0 {
		m.log.Error("release without matching acquire")
		return
	}
	m.activeRefs--
	m.lastUsed = time.Now()
	m.armIdleTimerLocked()
}

// Unload forcibly evicts the model if no jobs are active. Reports whether an
// eviction actually occurred.
func (m *Manager) Unload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeRefs > 0 || m.instance == nil {
		return false
	}
	m.evictLocked()
	return true
}

// Status returns a read-only snapshot of the slot.
func (m *Manager) Status() model.ModelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := model.ModelStatus{
		Loaded:             m.instance != nil,
		ModelName:          m.modelName,
		Device:             m.loader.Device(),
		IdleTimeoutSeconds: int(m.idleTimeout / time.Second),
	}
	if m.instance != nil {
		mb := m.instance.MemoryUsedMB()
		status.MemoryUsedMB = &mb
	}
	if !m.lastUsed.IsZero() {
		ts := m.lastUsed.Unix()
		status.LastUsedAt = &ts
	}
	return status
}

// ActiveRefs reports the current reference count.
func (m *Manager) ActiveRefs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRefs
}

func (m *Manager) evictLocked() {
	name := m.modelName
	if err := m.instance.Close(); err != nil {
		m.log.Error("model close failed", "model", name, "error", err)
	}
	m.instance = nil
	m.modelName = ""
	m.stopIdleTimerLocked()
	m.log.Info("model unloaded", "model", name)
}

func (m *Manager) notifySibling(ctx context.Context) {
	if m.sibling == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.sibling.NotifyRelease(notifyCtx); err != nil {
		m.log.Warn("sibling release notification failed", "error", err)
	}
}

// armIdleTimerLocked schedules a single-shot eviction check. Any acquire
// before it fires stops it; a later release re-arms it.
func (m *Manager) armIdleTimerLocked() {
	m.stopIdleTimerLocked()
	if m.idleTimeout <= 0 {
		return
	}

	armedAt := m.lastUsed
	m.idleTimer = time.AfterFunc(m.idleTimeout, func() {
		m.idleEvict(armedAt)
	})
}

func (m *Manager) idleEvict(armedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The slot must have stayed untouched for the whole idle window.
	if m.activeRefs != 0 || m.instance == nil || !m.lastUsed.Equal(armedAt) {
		return
	}
	m.log.Info("idle timeout reached", "model", m.modelName, "idle_timeout", m.idleTimeout)
	m.evictLocked()
}

func (m *Manager) stopIdleTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}
