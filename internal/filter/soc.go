package filter

// SOCFilter rejects an out-of-range or implausibly large state-of-
// charge jump, substituting the last known value (spec.md §4.5).
type SOCFilter struct {
	MaxChargePowerWatts float64
	CapacityKWH         float64
	PollIntervalSeconds float64
}

// maxPlausibleChangePercent computes the maximum SOC change a single
// poll interval could plausibly produce, with a 1.5x buffer plus one
// percentage point of slack.
func (f SOCFilter) maxPlausibleChangePercent() float64 {
	if f.CapacityKWH <= 0 {
		return 100
	}
	perInterval := 100 * (f.MaxChargePowerWatts * f.PollIntervalSeconds / 3600) / (f.CapacityKWH * 1000)
	return perInterval*1.5 + 1
}

// Apply filters a reported SOC percentage.
func (f SOCFilter) Apply(value float64, valid bool, lastKnown float64, haveLastKnown bool) (float64, bool) {
	if !valid || value < 0 || value > 105 {
		if haveLastKnown {
			return lastKnown, true
		}
		return 0, true
	}
	if !haveLastKnown {
		return value, false
	}
	delta := value - lastKnown
	if delta < 0 {
		delta = -delta
	}
	if delta > f.maxPlausibleChangePercent() {
		return lastKnown, true
	}
	return value, false
}
