package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jcvsite/solarmon/internal/eventbus"
	"github.com/jcvsite/solarmon/internal/state"
)

// TestWatchdogEscalatesAfterMaxReloadAttempts encodes scenario S6
// (spec.md §8): once consecutive_failures reaches max_reload_attempts,
// the watchdog escalates to process restart instead of reinitializing.
func TestWatchdogEscalatesAfterMaxReloadAttempts(t *testing.T) {
	store := state.New()
	store.EnsureInstance("inv1")
	store.MarkCycleSuccess("inv1", time.Now().Add(-200*time.Second))
	for i := 0; i < 3; i++ {
		store.IncrementFailures("inv1")
	}

	bus := eventbus.New(4)
	sub := bus.Subscribe(eventbus.TopicProcessRestartPending)

	reexecCalled := false
	sup := New(store, bus, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, []InstanceConfig{{InstanceID: "inv1"}}, 90*time.Second, 0, 3)
	sup.reexec = func() { reexecCalled = true }

	restarted := sup.sweep(context.Background())
	if !restarted {
		t.Fatalf("want sweep to report a process restart")
	}
	if !reexecCalled {
		t.Fatalf("want reexec to be invoked once max reload attempts are reached")
	}
	select {
	case <-sub:
	default:
		t.Fatalf("want a TopicProcessRestartPending event")
	}
}
