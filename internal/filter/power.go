// Package filter implements the stateful value-sanity filters the
// processor applies once per cycle: power spike rejection, SOC jump
// limiting, and energy-counter filtering with adaptive spike
// confirmation and delayed-decrease correction. Each filter type is a
// small struct so the processor can hold one instance per key.
package filter

// PowerFilter rejects a value whose magnitude exceeds 1.5x a
// configured maximum, substituting the last known value. Stateless
// beyond the caller-supplied "last known" value (spec.md §4.5).
type PowerFilter struct {
	MaxWatts float64
}

// Apply returns the filtered value and whether the input was rejected.
func (f PowerFilter) Apply(value float64, valid bool, lastKnown float64, haveLastKnown bool) (float64, bool) {
	if !valid {
		if haveLastKnown {
			return lastKnown, true
		}
		return 0, true
	}
	limit := f.MaxWatts * 1.5
	if value < -limit || value > limit {
		if haveLastKnown {
			return lastKnown, true
		}
		return 0, true
	}
	return value, false
}
