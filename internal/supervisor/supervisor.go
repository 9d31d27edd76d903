// Package supervisor implements the watchdog and health-monitor tasks
// that detect stalled or missing pollers and restart them, escalating
// to a process re-exec once an instance exhausts its reload budget.
// Grounded on the Python original's attempt_plugin_reinitialization /
// thread_health_monitor / monitor_plugins_thread, expressed with
// context-scoped goroutines in the teacher's shutdown idiom.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jcvsite/solarmon/internal/eventbus"
	"github.com/jcvsite/solarmon/internal/plugin"
	"github.com/jcvsite/solarmon/internal/state"
)

// Spawner starts a fresh Poller goroutine for instanceID bound to
// device and returns the cancel function that stops it.
type Spawner func(ctx context.Context, instanceID string, device plugin.Device) (cancel context.CancelFunc, done <-chan struct{})

// InstanceConfig is an alias of plugin.InstanceConfig; the supervisor
// keeps one per instance to rebuild a Device on reinitialize.
type InstanceConfig = plugin.InstanceConfig

// Supervisor coordinates the watchdog and health-monitor loops.
type Supervisor struct {
	store   *state.Store
	bus     *eventbus.EventBus
	log     *slog.Logger
	spawn   Spawner

	instances   []InstanceConfig
	watchdogTimeout time.Duration
	gracePeriod     time.Duration
	maxReloadAttempts int

	reloadMu sync.Mutex
	liveMu   sync.Mutex
	live     map[string]liveTask

	reexec func() // overridable in tests
}

type liveTask struct {
	cancel context.CancelFunc
	done   <-chan struct{}
	device plugin.Device
}

// New builds a Supervisor.
func New(store *state.Store, bus *eventbus.EventBus, log *slog.Logger, spawn Spawner, instances []InstanceConfig, watchdogTimeout, gracePeriod time.Duration, maxReloadAttempts int) *Supervisor {
	return &Supervisor{
		store: store, bus: bus, log: log, spawn: spawn,
		instances: instances, watchdogTimeout: watchdogTimeout, gracePeriod: gracePeriod,
		maxReloadAttempts: maxReloadAttempts,
		live:              map[string]liveTask{},
		reexec:            reexecSelf,
	}
}

// Track registers the initial live task for an instance so the
// watchdog and health monitor can observe and replace it.
func (s *Supervisor) Track(id string, cancel context.CancelFunc, done <-chan struct{}, device plugin.Device) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.live[id] = liveTask{cancel: cancel, done: done, device: device}
}

// RunWatchdog implements spec.md §4.6's supervisor loop.
func (s *Supervisor) RunWatchdog(ctx context.Context) {
	if !sleepCtx(ctx, s.gracePeriod) {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sweep(ctx) {
				return // process restart triggered
			}
		}
	}
}

// sweep inspects every instance once; returns true if a process
// restart was triggered (caller should stop).
func (s *Supervisor) sweep(ctx context.Context) bool {
	for _, inst := range s.instances {
		live, ok := s.store.Liveness(inst.InstanceID)
		if !ok {
			continue
		}
		stalled := false
		if live.LastSuccessfulCycle.IsZero() {
			if time.Since(live.PollerStartedAt) > s.gracePeriod+s.watchdogTimeout {
				stalled = true
			}
		} else if time.Since(live.LastSuccessfulCycle) > s.watchdogTimeout {
			stalled = true
		}
		if !stalled {
			continue
		}
		if s.store.RestartInProgress(inst.InstanceID) {
			continue
		}
		s.bus.Publish(eventbus.TopicPollerStalled, eventbus.PollerStalledPayload{InstanceID: inst.InstanceID, ConsecutiveFailures: live.ConsecutiveFailures})
		if live.ConsecutiveFailures < s.maxReloadAttempts {
			s.reinitialize(ctx, inst, "watchdog_timeout")
			continue
		}
		s.log.Error("max reload attempts exhausted, escalating to process restart", "instance", inst.InstanceID)
		s.bus.Publish(eventbus.TopicProcessRestartPending, nil)
		s.reexec()
		return true
	}
	return false
}

// RunHealthMonitor implements spec.md §4.6's health monitor: every 60s,
// any configured instance lacking a live task is respawned.
func (s *Supervisor) RunHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, inst := range s.instances {
				if s.isLive(inst.InstanceID) {
					continue
				}
				if !s.store.TryBeginRestart(inst.InstanceID) {
					continue
				}
				s.respawn(ctx, inst)
				s.store.EndRestart(inst.InstanceID)
			}
		}
	}
}

func (s *Supervisor) isLive(id string) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	t, ok := s.live[id]
	if !ok {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// reinitialize implements spec.md §4.6's Reinitialize: stop the old
// poller (bounded 5s join), disconnect and drop the old plugin, build
// a fresh one from config, and spawn a fresh poller.
func (s *Supervisor) reinitialize(ctx context.Context, inst InstanceConfig, reason string) {
	if !s.store.TryBeginRestart(inst.InstanceID) {
		return
	}
	defer s.store.EndRestart(inst.InstanceID)

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.stopAndJoin(inst.InstanceID, 5*time.Second)
	s.respawn(ctx, inst)

	s.store.ResetForReinit(inst.InstanceID)
	s.bus.Publish(eventbus.TopicPluginReinitialized, eventbus.PluginReinitializedPayload{InstanceID: inst.InstanceID, Reason: reason})
}

func (s *Supervisor) stopAndJoin(id string, timeout time.Duration) {
	s.liveMu.Lock()
	t, ok := s.live[id]
	s.liveMu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	t.device.Disconnect()
	select {
	case <-t.done:
	case <-time.After(timeout):
	}
}

func (s *Supervisor) respawn(ctx context.Context, inst InstanceConfig) {
	device, err := plugin.New(inst)
	if err != nil {
		s.log.Error("respawn: failed to build device", "instance", inst.InstanceID, "err", err)
		return
	}
	cancel, done := s.spawn(ctx, inst.InstanceID, device)
	s.liveMu.Lock()
	s.live[inst.InstanceID] = liveTask{cancel: cancel, done: done, device: device}
	s.liveMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// reexecSelf replaces the current process image, preserving argv and
// environment, as the last-resort recovery action (spec.md §9).
func reexecSelf() {
	exe, err := os.Executable()
	if err != nil {
		os.Exit(1)
	}
	_ = syscall.Exec(exe, os.Args, os.Environ())
}
