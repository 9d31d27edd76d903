package filter

import (
	"testing"
	"time"
)

// TestPowerFilterRejectsSpike encodes testable property 7 and
// scenario S2 (spec.md §8): given |x| > 1.5 * max_W, output equals
// last known.
func TestPowerFilterRejectsSpike(t *testing.T) {
	f := PowerFilter{MaxWatts: 6000}
	got, rejected := f.Apply(15000, true, 4000, true)
	if !rejected || got != 4000 {
		t.Fatalf("want reject with 4000, got %v rejected=%v", got, rejected)
	}
}

// TestSOCFilterHoldsOnJump encodes testable property 8 and scenario
// S3: a jump beyond the computed per-interval bound is rejected.
func TestSOCFilterHoldsOnJump(t *testing.T) {
	f := SOCFilter{MaxChargePowerWatts: 5000, CapacityKWH: 10, PollIntervalSeconds: 15}
	got, rejected := f.Apply(75, true, 60, true)
	if !rejected || got != 60 {
		t.Fatalf("want reject with 60, got %v rejected=%v", got, rejected)
	}
}

func TestSOCFilterAcceptsWithinBound(t *testing.T) {
	f := SOCFilter{MaxChargePowerWatts: 5000, CapacityKWH: 10, PollIntervalSeconds: 15}
	got, rejected := f.Apply(60.5, true, 60, true)
	if rejected || got != 60.5 {
		t.Fatalf("want accept 60.5, got %v rejected=%v", got, rejected)
	}
}

// TestEnergyFilterDailyReset encodes testable property 11 and scenario
// S4: inside the 23:00-02:00 window, a value < 10% of last with
// last > 5kWh and new < 2kWh is accepted immediately.
func TestEnergyFilterDailyReset(t *testing.T) {
	f := &EnergyFilter{MaxPowerWatts: 6000, AbsoluteDailyCapKWH: 100, PollIntervalSeconds: 15}
	now := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	f.accept(48.3, now.Add(-time.Minute))
	got := f.Apply(now.Add(42*time.Minute), 23, 0.1, true)
	if got != 0.1 {
		t.Fatalf("want daily reset accept 0.1, got %v", got)
	}
	if f.haveCandidate || f.haveDecrease {
		t.Fatalf("want filter state cleared after daily reset")
	}
}

// TestEnergyFilterAdaptiveSpikeConfirmation encodes testable property
// 9 and scenario S5: the same spike candidate arriving 3 cycles in a
// row is confirmed as the new baseline.
func TestEnergyFilterAdaptiveSpikeConfirmation(t *testing.T) {
	f := &EnergyFilter{MaxPowerWatts: 6000, AbsoluteDailyCapKWH: 100, PollIntervalSeconds: 15}
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.accept(12.0, start)

	// The increase bound grows with the time since the last accepted
	// value: ~12.175 at 15s, 12.25 at 30s, 12.325 at 45s. 12.5 stays
	// above it on all three cycles but under the 10x "strict" rejection
	// threshold, so it is only accepted through confirmation.
	t1 := start.Add(15 * time.Second)
	if got := f.Apply(t1, 12, 12.5, true); got != 12.0 {
		t.Fatalf("cycle1: want held at 12.0, got %v", got)
	}
	t2 := t1.Add(15 * time.Second)
	if got := f.Apply(t2, 12, 12.5, true); got != 12.0 {
		t.Fatalf("cycle2: want held at 12.0, got %v", got)
	}
	t3 := t2.Add(15 * time.Second)
	got := f.Apply(t3, 12, 12.5, true)
	if got != 12.5 {
		t.Fatalf("cycle3: want accepted 12.5, got %v", got)
	}
	t4 := t3.Add(15 * time.Second)
	got = f.Apply(t4, 12, 12.53, true)
	if got != 12.53 {
		t.Fatalf("cycle4: want accepted 12.53 as a normal increment, got %v", got)
	}
}
