package gate

import (
	"context"
	"testing"
	"time"
)

func TestAdmitBlocksAtCapacity(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	if err := g.Admit(ctx); err != nil {
		t.Fatalf("first admit: %v", err)
	}

	admitted := make(chan struct{})
	go func() {
		if err := g.Admit(ctx); err != nil {
			t.Errorf("second admit: %v", err)
		}
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("second admit proceeded while slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second admit never proceeded after release")
	}
	g.Release()

	if g.Active() != 0 {
		t.Fatalf("active = %d, want 0", g.Active())
	}
}

func TestAdmitHonorsContext(t *testing.T) {
	g := New(1)
	if err := g.Admit(context.Background()); err != nil {
		t.Fatalf("admit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Admit(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("admit succeeded after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("admit did not return after cancel")
	}
}

func TestCapacityFloor(t *testing.T) {
	g := New(0)
	if err := g.Admit(context.Background()); err != nil {
		t.Fatalf("admit on zero-capacity gate: %v", err)
	}
}
