package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupRespectsConcurrencyCap(t *testing.T) {
	g := NewGroup(context.Background(), 3)
	defer g.Close()

	var running, peak atomic.Int32
	for i := 0; i < 20; i++ {
		g.Go("probe", func(ctx context.Context, _ *Task) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	g.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3), "semaphore must cap parallelism")
	assert.Equal(t, 0, g.Active(), "no task may survive Wait")
}

func TestGroupCollectsTaskStates(t *testing.T) {
	g := NewGroup(context.Background(), 4)
	defer g.Close()

	ok := g.Go("ok", func(ctx context.Context, _ *Task) error { return nil })
	bad := g.Go("bad", func(ctx context.Context, _ *Task) error {
		return errors.New("boom")
	})
	g.Wait()

	assert.Equal(t, StateDone, ok.State())
	require.Equal(t, StateFailed, bad.State())
	assert.EqualError(t, bad.Err(), "boom")
	assert.NotEmpty(t, ok.ID)
	assert.NotEqual(t, ok.ID, bad.ID)
}

func TestGroupFailureDoesNotCancelSiblings(t *testing.T) {
	g := NewGroup(context.Background(), 4)
	defer g.Close()

	g.Go("fails-first", func(ctx context.Context, _ *Task) error {
		return errors.New("early failure")
	})
	slow := g.Go("survives", func(ctx context.Context, _ *Task) error {
		select {
		case <-time.After(20 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	g.Wait()

	assert.Equal(t, StateDone, slow.State(), "sibling failure must not cancel the scope")
}

func TestGroupCloseCancelsChildren(t *testing.T) {
	g := NewGroup(context.Background(), 2)

	started := make(chan struct{})
	blocked := g.Go("blocked", func(ctx context.Context, _ *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	done := make(chan struct{})
	go func() {
		g.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock children")
	}
	assert.Equal(t, StateCancelled, blocked.State())
	assert.Equal(t, 0, g.Active())
}

func TestGroupPendingTasksCancelWithoutRunning(t *testing.T) {
	g := NewGroup(context.Background(), 1)

	started := make(chan struct{})
	first := g.Go("holder", func(ctx context.Context, _ *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	// The holder owns the only slot before the second task is dispatched.
	<-started

	var ran atomic.Bool
	queued := g.Go("queued", func(ctx context.Context, _ *Task) error {
		ran.Store(true)
		return nil
	})

	// Let the queued dispatch park on the full semaphore, then tear down.
	time.Sleep(10 * time.Millisecond)
	g.Close()

	assert.Equal(t, StateCancelled, first.State())
	assert.Equal(t, StateCancelled, queued.State())
	assert.False(t, ran.Load(), "queued task must not run after cancellation")
}

func TestGroupRetryingTransitions(t *testing.T) {
	g := NewGroup(context.Background(), 1)
	defer g.Close()

	seen := make(chan State, 1)
	tk := g.Go("retry", func(ctx context.Context, t *Task) error {
		t.Retrying()
		seen <- t.State()
		t.Resume()
		return nil
	})
	g.Wait()

	assert.Equal(t, StateRetrying, <-seen)
	assert.Equal(t, StateDone, tk.State())
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StatePending:   "pending",
		StateRunning:   "running",
		StateRetrying:  "retrying",
		StateDone:      "done",
		StateFailed:    "failed",
		StateCancelled: "cancelled",
		State(42):      "unknown",
	}
	for s, want := range cases {
		assert.Equal(t, want, s.String())
	}
}
