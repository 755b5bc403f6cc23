// Package gate bounds how many transcriptions run at once, independent of
// how many jobs are queued.
package gate

import "context"

// Gate is a counting semaphore. Admission order follows the order in which
// waiters block on the channel; no stronger fairness is guaranteed.
type Gate struct {
	slots chan struct{}
}

// New creates a gate admitting at most capacity concurrent holders.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Admit blocks until a slot is free or ctx is done.
func (g *Gate) Admit(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees one slot. Must pair with a successful Admit.
func (g *Gate) Release() {
	<-g.slots
}

// Active returns the number of currently admitted holders.
func (g *Gate) Active() int {
	return len(g.slots)
}
