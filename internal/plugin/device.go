// Package plugin defines the device-driver abstraction every inverter
// and BMS implementation satisfies, plus a compile-time registry that
// resolves a configured plugin-type string to a constructor. There is
// no reflection and no dynamic loading: every driver registers itself
// from an init() in its own package, and main wires the registry by
// blank-importing the driver packages it wants compiled in.
package plugin

import (
	"context"
	"fmt"
	"sync"
)

// InstanceConfig carries the per-instance configuration a constructor
// needs: connection parameters plus the shared physical-limit values
// the filter package later consults.
type InstanceConfig struct {
	InstanceID string
	PluginType string
	// Connection parameters. Exactly which fields a driver reads is
	// driver-specific; unused fields are ignored.
	Host     string
	Port     int
	SerialDevice string
	BaudRate int
	UnitID   byte
	Timeout  int // seconds

	// Shared physical limits, used by drivers that clamp or sanity
	// check their own readings before returning them.
	RatedACPowerWatts   float64
	BatteryCapacityKWH  float64
	MaxChargePowerWatts float64
}

// Device is the uniform capability set every plugin implements.
// Exactly one Device exists per configured instance; the Poller owns
// its lifetime.
type Device interface {
	// Name is a stable short identifier, e.g. "sunsynk-modbus".
	Name() string
	// PrettyName is a human label for logs and the dashboard.
	PrettyName() string

	// Connect attempts to establish a transport session. On success it
	// must leave IsConnected true.
	Connect(ctx context.Context) error
	// Disconnect releases transport resources. Safe to call when not
	// connected.
	Disconnect()
	IsConnected() bool

	// ReadStaticData performs a one-shot identity read. The returned
	// map must include datakeys.StaticDeviceCategory.
	ReadStaticData(ctx context.Context) (map[string]any, error)

	// ReadDynamicData performs one telemetry read cycle. A nil map
	// with a non-nil error signals "read failed this cycle" — the
	// poller reports nil data and the processor keeps the last cache
	// entry. Callable repeatedly without
	// re-calling Connect while the connection is healthy.
	ReadDynamicData(ctx context.Context) (map[string]any, error)

	// LastErrorMessage returns a human-readable description of the
	// most recent failing operation, for diagnostics only.
	LastErrorMessage() string
}

// YesterdaySummaryReader is an optional capability: plugins that can
// backfill yesterday's cumulative energy totals implement this.
type YesterdaySummaryReader interface {
	ReadYesterdayEnergySummary(ctx context.Context) (map[string]any, error)
}

// Constructor builds a Device for one configured instance.
type Constructor func(cfg InstanceConfig) (Device, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register associates a plugin-type string with a constructor. Driver
// packages call this from init(). A duplicate registration overwrites
// the previous entry; callers should treat that as a build-time bug.
func Register(pluginType string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[pluginType] = ctor
}

// New resolves pluginType to its constructor and builds a Device for cfg.
func New(cfg InstanceConfig) (Device, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.PluginType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: unknown plugin type %q", cfg.PluginType)
	}
	return ctor(cfg)
}

// Registered lists every currently registered plugin-type string, for
// config validation and diagnostics.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}
