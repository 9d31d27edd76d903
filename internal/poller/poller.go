// Package poller drives a single plugin instance through its
// connect/read-static/read-dynamic cycle: one goroutine per configured
// instance, reconnect backoff, stagnation detection, and liveness
// reporting. Concurrency idioms (a context-cancelled goroutine per
// instance, consecutive-failure counting) are grounded on the teacher's
// internal/poller/scheduler.go; the cycle mechanics themselves follow
// the Python original's poll_single_plugin_instance_thread.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jcvsite/solarmon/internal/datakeys"
	"github.com/jcvsite/solarmon/internal/eventbus"
	"github.com/jcvsite/solarmon/internal/plugin"
	"github.com/jcvsite/solarmon/internal/processor"
	"github.com/jcvsite/solarmon/internal/state"
)

// Config carries per-instance poll tuning, independent of the
// instance's own connection parameters (those live in plugin.InstanceConfig).
type Config struct {
	InstanceID          string
	PollIntervalSeconds float64
	MaxReconnectAttempts int // R, default 3
	StagnationThreshold int // ⌈300/P⌉ cycles, precomputed by the caller
}

// Poller drives one Device through its cycle for as long as Run is
// active. A fresh Poller is created by Reinitialize or the health
// monitor each time a device is (re)spawned.
type Poller struct {
	cfg    Config
	device plugin.Device
	store  *state.Store
	report chan<- processor.Report
	bus    *eventbus.EventBus
	log    *slog.Logger

	staticCache map[string]any
	deviceCategory string

	lastTriplet      [3]float64
	haveTriplet      bool
	stagnationCount  int
}

// New constructs a Poller for an already-built Device. bus may be nil,
// in which case recovery notifications are simply not published.
func New(cfg Config, device plugin.Device, store *state.Store, report chan<- processor.Report, bus *eventbus.EventBus, log *slog.Logger) *Poller {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	return &Poller{cfg: cfg, device: device, store: store, report: report, bus: bus, log: log}
}

// Run executes cycles until ctx is cancelled, then disconnects and
// returns (spec.md §4.2's "on stop signal received" clause).
func (p *Poller) Run(ctx context.Context) {
	p.store.EnsureInstance(p.cfg.InstanceID)
	for {
		if ctx.Err() != nil {
			p.setConnStatus(datakeys.ConnStatusDisconnectedUI)
			p.device.Disconnect()
			return
		}
		if !p.device.IsConnected() {
			if !p.reconnectLoop(ctx) {
				continue // exhausted burst; outer loop re-enters reconnect after the cooldown sleep below
			}
			if err := p.readStatic(ctx); err != nil {
				p.log.Warn("static read failed", "instance", p.cfg.InstanceID, "err", err)
			}
		}

		live, _ := p.store.Liveness(p.cfg.InstanceID)
		start := time.Now()
		success := p.runCycle(ctx)
		cycleDuration := time.Since(start)

		if success {
			p.store.MarkCycleSuccess(p.cfg.InstanceID, time.Now())
			if live.ConsecutiveFailures > 0 && p.bus != nil {
				p.bus.Publish(eventbus.TopicPollerRecovered, eventbus.PollerRecoveredPayload{InstanceID: p.cfg.InstanceID})
			}
		} else {
			p.store.IncrementFailures(p.cfg.InstanceID)
		}

		sleep := time.Duration(p.cfg.PollIntervalSeconds*float64(time.Second)) - cycleDuration
		if sleep < 100*time.Millisecond {
			sleep = 100 * time.Millisecond
		}
		if !sleepCancellable(ctx, sleep) {
			p.setConnStatus(datakeys.ConnStatusDisconnectedUI)
			p.device.Disconnect()
			return
		}
	}
}

// reconnectLoop performs up to MaxReconnectAttempts with exponential
// backoff capped at 15s, via sethvargo/go-retry. Returns true on success.
func (p *Poller) reconnectLoop(ctx context.Context) bool {
	backoff, err := retry.NewExponential(1 * time.Second)
	if err != nil {
		return false
	}
	backoff = retry.WithCappedDuration(15*time.Second, backoff)
	// WithMaxRetries counts retries after the first call, so R attempts
	// means R-1 retries.
	backoff = retry.WithMaxRetries(uint64(p.cfg.MaxReconnectAttempts-1), backoff)

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		p.reportStatus(ctx, datakeys.ConnStatusConnecting, attempt)
		if cerr := p.device.Connect(ctx); cerr != nil {
			return retry.RetryableError(cerr)
		}
		return nil
	})
	if err == nil {
		return true
	}
	p.store.IncrementFailures(p.cfg.InstanceID)
	p.setConnStatus(datakeys.ConnStatusConnectFailed)
	sleepCancellable(ctx, time.Duration(p.cfg.PollIntervalSeconds*float64(time.Second)))
	return false
}

// statusKey is this instance's per-plugin connection-status cache key.
func (p *Poller) statusKey() string {
	return p.cfg.InstanceID + "_" + datakeys.CorePluginConnectionStatus
}

// reportStatus writes a transient connection-status string (e.g.
// "Connecting... (2)") straight into central state rather than
// through the report channel: the processor only folds a report into
// the cache when it is "meaningful" (spec.md §4.4 step 2), and a
// bare status string with no power fields never clears that bar.
func (p *Poller) reportStatus(ctx context.Context, status string, attempt int) {
	full := status
	if attempt > 0 {
		full = fmt.Sprintf("%s (%d)", status, attempt)
	}
	p.setConnStatus(full)
}

// setConnStatus is reportStatus without an attempt suffix, used for
// the terminal connection-status transitions (error, connect failed,
// stalled, disconnected) that spec.md §7 requires be immediately
// visible via central state, same as "Connecting... (n)".
func (p *Poller) setConnStatus(status string) {
	p.store.SetConnectionStatus(p.cfg.InstanceID, p.statusKey(), status)
}

func (p *Poller) readStatic(ctx context.Context) error {
	static, err := p.device.ReadStaticData(ctx)
	if err != nil {
		return err
	}
	p.staticCache = static
	if cat, ok := static[datakeys.StaticDeviceCategory].(string); ok {
		p.deviceCategory = cat
	}
	p.store.UpdateStatic(p.cfg.InstanceID, static)
	return nil
}

// runCycle performs one dynamic-read cycle and reports its outcome.
// Returns true iff the cycle counts as a watchdog success.
func (p *Poller) runCycle(ctx context.Context) bool {
	data, err := p.device.ReadDynamicData(ctx)
	if err != nil || data == nil {
		p.setConnStatus(datakeys.ConnStatusError)
		p.report <- processor.Report{InstanceID: p.cfg.InstanceID, Data: nil}
		return false
	}
	p.store.MarkReadSuccess(p.cfg.InstanceID, time.Now())

	packet := map[string]any{}
	for k, v := range p.staticCache {
		packet[k] = v
	}
	for k, v := range data {
		packet[k] = v
	}
	packet[p.statusKey()] = datakeys.ConnStatusConnected

	status, _ := data[datakeys.OperationalInverterStatusText].(string)

	if datakeys.IsWaitingStatus(status) {
		p.haveTriplet = false
		p.stagnationCount = 0
		p.report <- processor.Report{InstanceID: p.cfg.InstanceID, Data: packet}
		return true
	}

	if p.deviceCategory == datakeys.CategoryInverter && datakeys.IsFullyOperationalStatus(status) {
		if p.checkStagnation(data) {
			packet[p.statusKey()] = datakeys.ConnStatusStalled
			p.setConnStatus(datakeys.ConnStatusStalled)
			p.report <- processor.Report{InstanceID: p.cfg.InstanceID, Data: packet}
			return false
		}
	}

	p.report <- processor.Report{InstanceID: p.cfg.InstanceID, Data: packet}
	return true
}

// checkStagnation implements spec.md §4.2 step 4: identical power
// triplet for >= StagnationThreshold cycles declares stagnation.
func (p *Poller) checkStagnation(data map[string]any) bool {
	triplet := [3]float64{
		toFloatOr0(data[datakeys.ACPowerWatts]),
		toFloatOr0(data[datakeys.PVTotalDCPowerWatts]),
		toFloatOr0(data[datakeys.BatteryPowerWatts]),
	}
	if p.haveTriplet && triplet == p.lastTriplet {
		p.stagnationCount++
	} else {
		p.stagnationCount = 0
		p.store.MarkStateChange(p.cfg.InstanceID, time.Now())
	}
	p.lastTriplet = triplet
	p.haveTriplet = true
	return p.stagnationCount >= p.cfg.StagnationThreshold
}

func toFloatOr0(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

// sleepCancellable sleeps for d or returns false early if ctx is
// cancelled, matching spec.md §5's cancellation discipline.
func sleepCancellable(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StagnationThresholdFor computes ⌈300/P⌉ for a poll interval P
// seconds (Open Question #3 support, SPEC_FULL.md §9).
func StagnationThresholdFor(pollIntervalSeconds float64) int {
	if pollIntervalSeconds <= 0 {
		return 1
	}
	return int(math.Ceil(300 / pollIntervalSeconds))
}
