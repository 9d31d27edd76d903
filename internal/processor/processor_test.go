package processor

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jcvsite/solarmon/internal/datakeys"
	"github.com/jcvsite/solarmon/internal/state"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(instances ...InstanceInfo) Config {
	return Config{
		Instances:                 instances,
		PollIntervalSeconds:       5,
		MeaningfulPowerThresholdW: 1.0,
		TimeZone:                  time.UTC,
		PVCapacityWatts:           5000,
		RatedACPowerWatts:         5000,
		MaxChargePowerWatts:       3000,
		MaxDischargePowerWatts:    3000,
		BatteryUsableKWH:          10,
	}
}

// TestHappyPathSingleInverter covers scenario S1: a single inverter
// reporting a meaningful packet ends up merged, filtered and enriched
// into the published snapshot with a connected status and a time
// remaining estimate.
func TestHappyPathSingleInverter(t *testing.T) {
	store := state.New()
	store.EnsureInstance("inv1")
	reports := make(chan Report, 10)
	p := New(testConfig(InstanceInfo{ID: "inv1", IsBMS: false}), store, reports, discardLogger())

	reports <- Report{InstanceID: "inv1", Data: map[string]any{
		datakeys.StaticDeviceCategory:      datakeys.CategoryInverter,
		datakeys.OperationalInverterStatusText: "Generating",
		datakeys.ACPowerWatts:              1500.0,
		datakeys.PVTotalDCPowerWatts:       1600.0,
		datakeys.BatterySOCPercent:         60.0,
		datakeys.BatteryPowerWatts:         -500.0,
		"inv1_" + datakeys.CorePluginConnectionStatus: datakeys.ConnStatusConnected,
	}}
	p.handleReport(nil, <-reports)

	snap := store.Snapshot()
	status, ok := snap[datakeys.CorePluginConnectionStatus].(map[string]any)
	if !ok || status["value"] != datakeys.ConnStatusConnected {
		t.Fatalf("expected global connection status connected, got %v", snap[datakeys.CorePluginConnectionStatus])
	}
	remaining, ok := snap[datakeys.BatteryTimeRemainingText].(map[string]any)
	if !ok || remaining["value"] == "" || remaining["value"] == "N/A" {
		t.Fatalf("expected a time-remaining estimate, got %v", snap[datakeys.BatteryTimeRemainingText])
	}
	ac, ok := snap[datakeys.ACPowerWatts].(map[string]any)
	if !ok || ac["value"] != 1500.0 {
		t.Fatalf("expected ac power passed through filter, got %v", snap[datakeys.ACPowerWatts])
	}
}

// TestNonMeaningfulReportPreservesCache covers the "stale cache
// preserved" edge case: a report with only near-zero power and a
// waiting status must not overwrite the last meaningful dynamic entry.
func TestNonMeaningfulReportPreservesCache(t *testing.T) {
	store := state.New()
	store.EnsureInstance("inv1")
	store.UpdateDynamic("inv1", map[string]any{datakeys.ACPowerWatts: 2000.0})
	reports := make(chan Report, 10)
	p := New(testConfig(InstanceInfo{ID: "inv1"}), store, reports, discardLogger())

	reports <- Report{InstanceID: "inv1", Data: map[string]any{
		datakeys.OperationalInverterStatusText: "waiting",
		datakeys.ACPowerWatts:                  0.0,
	}}
	p.handleReport(nil, <-reports)

	cache := store.CacheSnapshot()
	entry := cache["inv1"]
	if entry.Dynamic[datakeys.ACPowerWatts] != 2000.0 {
		t.Fatalf("expected stale cache entry preserved, got %v", entry.Dynamic[datakeys.ACPowerWatts])
	}
}

// TestDispatchLatestWins covers testable property 4: sendDispatch never
// blocks and the channel never holds more than the most recent package.
func TestDispatchLatestWins(t *testing.T) {
	store := state.New()
	reports := make(chan Report, 10)
	p := New(testConfig(), store, reports, discardLogger())

	p.sendDispatch(Dispatch{MergedData: map[string]any{"n": 1}})
	p.sendDispatch(Dispatch{MergedData: map[string]any{"n": 2}})
	p.sendDispatch(Dispatch{MergedData: map[string]any{"n": 3}})

	select {
	case d := <-p.Dispatch():
		if d.MergedData["n"] != 3 {
			t.Fatalf("expected latest dispatch (3), got %v", d.MergedData["n"])
		}
	default:
		t.Fatal("expected a pending dispatch")
	}
	select {
	case <-p.Dispatch():
		t.Fatal("expected only one pending dispatch")
	default:
	}
}

// TestBMSOverlayPrecedence covers BMS-over-inverter merge precedence
// (Open Question #2): a BMS-reported battery SOC must win over an
// inverter-reported one regardless of configured instance order, and
// the inverter's static_device_category must not be overwritten by a
// later non-inverter pass.
func TestBMSOverlayPrecedence(t *testing.T) {
	store := state.New()
	store.EnsureInstance("inv1")
	store.EnsureInstance("bms1")
	store.UpdateStatic("inv1", map[string]any{datakeys.StaticDeviceCategory: datakeys.CategoryInverter})
	store.UpdateDynamic("inv1", map[string]any{datakeys.BatterySOCPercent: 55.0})
	store.UpdateStatic("bms1", map[string]any{datakeys.StaticDeviceCategory: datakeys.CategoryBMS})
	store.UpdateDynamic("bms1", map[string]any{datakeys.BatterySOCPercent: 61.0})

	reports := make(chan Report, 1)
	p := New(testConfig(
		InstanceInfo{ID: "inv1", IsBMS: false},
		InstanceInfo{ID: "bms1", IsBMS: true},
	), store, reports, discardLogger())

	merged := p.mergeAll()
	if merged[datakeys.BatterySOCPercent] != 61.0 {
		t.Fatalf("expected BMS SOC to win, got %v", merged[datakeys.BatterySOCPercent])
	}
	if merged[datakeys.StaticDeviceCategory] != datakeys.CategoryInverter {
		t.Fatalf("expected inverter category protected, got %v", merged[datakeys.StaticDeviceCategory])
	}
}

// TestUnionAlertsDropsOKWhenRealAlertPresent covers the alert-union
// special case in deepMergeInto.
func TestUnionAlertsDropsOKWhenRealAlertPresent(t *testing.T) {
	a := map[string][]string{datakeys.AlertCategoryGrid: {datakeys.AlertOK}}
	b := map[string][]string{datakeys.AlertCategoryGrid: {"Grid Overvoltage"}}
	out := unionAlerts(a, b)
	alerts := out[datakeys.AlertCategoryGrid]
	if len(alerts) != 1 || alerts[0] != "Grid Overvoltage" {
		t.Fatalf("expected OK dropped in favor of real alert, got %v", alerts)
	}
}
