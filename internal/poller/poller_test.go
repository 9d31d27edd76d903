package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jcvsite/solarmon/internal/datakeys"
	"github.com/jcvsite/solarmon/internal/processor"
	"github.com/jcvsite/solarmon/internal/state"
)

type fakeDevice struct {
	connected  bool
	dynamic    map[string]any
	dynamicErr error
}

func (f *fakeDevice) Name() string       { return "fake" }
func (f *fakeDevice) PrettyName() string { return "Fake Device" }
func (f *fakeDevice) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}
func (f *fakeDevice) Disconnect()        { f.connected = false }
func (f *fakeDevice) IsConnected() bool  { return f.connected }
func (f *fakeDevice) LastErrorMessage() string { return "" }
func (f *fakeDevice) ReadStaticData(ctx context.Context) (map[string]any, error) {
	return map[string]any{datakeys.StaticDeviceCategory: datakeys.CategoryInverter}, nil
}
func (f *fakeDevice) ReadDynamicData(ctx context.Context) (map[string]any, error) {
	return f.dynamic, f.dynamicErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPoller(device *fakeDevice, threshold int) (*Poller, chan processor.Report, *state.Store) {
	store := state.New()
	reports := make(chan processor.Report, 10)
	p := New(Config{InstanceID: "inv1", PollIntervalSeconds: 5, StagnationThreshold: threshold}, device, store, reports, nil, discardLogger())
	p.deviceCategory = datakeys.CategoryInverter
	return p, reports, store
}

// TestRunCycleReportsNilOnReadError covers the "read failed this cycle"
// contract: runCycle must report a nil Data and return false, leaving
// cache preservation to the processor.
func TestRunCycleReportsNilOnReadError(t *testing.T) {
	device := &fakeDevice{connected: true, dynamicErr: errors.New("modbus timeout")}
	p, reports, _ := newTestPoller(device, 3)

	ok := p.runCycle(context.Background())
	if ok {
		t.Fatal("expected runCycle to report failure")
	}
	rep := <-reports
	if rep.Data != nil {
		t.Fatalf("expected nil Data on read error, got %v", rep.Data)
	}
}

// TestCheckStagnationDetectsRepeatedTriplet covers spec.md §4.2's
// stagnation rule: an unchanged power triplet for >= threshold
// consecutive cycles is flagged.
func TestCheckStagnationDetectsRepeatedTriplet(t *testing.T) {
	device := &fakeDevice{connected: true}
	p, _, store := newTestPoller(device, 3)

	data := map[string]any{
		datakeys.ACPowerWatts:        1000.0,
		datakeys.PVTotalDCPowerWatts: 1100.0,
		datakeys.BatteryPowerWatts:   -100.0,
	}
	if p.checkStagnation(data) {
		t.Fatal("expected no stagnation on first observation")
	}
	if p.checkStagnation(data) {
		t.Fatal("expected no stagnation on first repeat (count=1 < threshold=3)")
	}
	if p.checkStagnation(data) {
		t.Fatal("expected no stagnation on second repeat (count=2 < threshold=3)")
	}
	if !p.checkStagnation(data) {
		t.Fatal("expected stagnation once repeat count reaches threshold")
	}

	if _, ok := store.Liveness("inv1"); !ok {
		t.Fatal("expected liveness record created via MarkStateChange")
	}
}

// TestCheckStagnationResetsOnChange covers the triplet-change reset.
func TestCheckStagnationResetsOnChange(t *testing.T) {
	device := &fakeDevice{connected: true}
	p, _, _ := newTestPoller(device, 2)

	same := map[string]any{datakeys.ACPowerWatts: 1000.0, datakeys.PVTotalDCPowerWatts: 1000.0, datakeys.BatteryPowerWatts: 0.0}
	p.checkStagnation(same)
	p.checkStagnation(same)
	changed := map[string]any{datakeys.ACPowerWatts: 1050.0, datakeys.PVTotalDCPowerWatts: 1000.0, datakeys.BatteryPowerWatts: 0.0}
	if p.checkStagnation(changed) {
		t.Fatal("expected stagnation counter reset after a triplet change")
	}
}

// TestRunCycleResetsStagnationOnWaitingStatus covers the "waiting"
// status special case: it counts as a successful cycle and clears the
// stagnation triplet rather than evaluating it.
func TestRunCycleResetsStagnationOnWaitingStatus(t *testing.T) {
	device := &fakeDevice{connected: true, dynamic: map[string]any{
		datakeys.OperationalInverterStatusText: "waiting",
		datakeys.ACPowerWatts:                  0.0,
	}}
	p, reports, _ := newTestPoller(device, 1)
	p.haveTriplet = true
	p.stagnationCount = 5

	ok := p.runCycle(context.Background())
	if !ok {
		t.Fatal("expected waiting status to count as a successful cycle")
	}
	if p.haveTriplet || p.stagnationCount != 0 {
		t.Fatal("expected stagnation triplet cleared on waiting status")
	}
	<-reports
}

// TestStagnationThresholdFor covers the ceil(300/P) computation
// (Open Question #3 support).
func TestStagnationThresholdFor(t *testing.T) {
	cases := []struct {
		interval float64
		want     int
	}{
		{interval: 5, want: 60},
		{interval: 30, want: 10},
		{interval: 7, want: 43},
	}
	for _, c := range cases {
		if got := StagnationThresholdFor(c.interval); got != c.want {
			t.Errorf("StagnationThresholdFor(%v) = %d, want %d", c.interval, got, c.want)
		}
	}
}
