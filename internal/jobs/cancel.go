package jobs

import (
	"context"
	"sync"
)

// Canceler tracks one cancel flag per live job. The flag is set at most once
// and removed when the job reaches a terminal state; setting it also cancels
// the job's context so blocked admission and acquisition waits wake up.
type Canceler struct {
	mu      sync.Mutex
	entries map[string]*cancelEntry
}

type cancelEntry struct {
	requested bool
	cancel    context.CancelFunc
}

func NewCanceler() *Canceler {
	return &Canceler{entries: make(map[string]*cancelEntry)}
}

// Track registers a job and returns a context the driving goroutine should
// run under.
func (c *Canceler) Track(parent context.Context, id string) context.Context {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.entries[id] = &cancelEntry{cancel: cancel}
	c.mu.Unlock()

	return ctx
}

// Request sets the job's cancel flag and fires its context. Returns false if
// the job is not tracked (already terminal or unknown).
func (c *Canceler) Request(id string) bool {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if ok {
		entry.requested = true
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// Requested reports whether cancellation has been requested for the job.
func (c *Canceler) Requested(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	return ok && entry.requested
}

// Drop clears the job's cancellation state. Called on every terminal
// transition; releases the context resources as a side effect.
func (c *Canceler) Drop(id string) {
	c.mu.Lock()
	entry, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()

	if ok {
		entry.cancel()
	}
}
