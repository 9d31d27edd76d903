// Package processor implements the single long-lived task that owns
// every merge and filter decision: it drains poller reports, updates
// the per-plugin cache, merges all caches with BMS-over-inverter
// precedence, runs the value-sanity filters, enriches the result, and
// publishes both the central snapshot and a latest-wins dispatch
// package. Grounded on the teacher's goroutine+select shape and on the
// merge/enrich algorithm of the Python original's data processor.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcvsite/solarmon/internal/datakeys"
	"github.com/jcvsite/solarmon/internal/filter"
	"github.com/jcvsite/solarmon/internal/state"
)

// Report is what a Poller pushes after each cycle. Data is nil to
// signal "read failed this cycle" (the processor must preserve the
// existing cache entry).
type Report struct {
	InstanceID string
	Data       map[string]any
}

// InstanceInfo is the static, config-derived metadata the processor
// needs per instance: its iteration order and whether it is a BMS
// (for two-pass merge precedence).
type InstanceInfo struct {
	ID    string
	IsBMS bool
}

// Dispatch is the package pushed to every external collaborator.
type Dispatch struct {
	MergedData   map[string]any
	PerPluginData map[string]map[string]any
}

// Config carries the tunables the processor's enrichment and filter
// stages need.
type Config struct {
	Instances                []InstanceInfo
	PollIntervalSeconds       float64
	MeaningfulPowerThresholdW float64 // Open Question #4, default 1.0
	TimeZone                  *time.Location

	PVCapacityWatts     float64
	RatedACPowerWatts   float64
	MaxChargePowerWatts float64
	MaxDischargePowerWatts float64
	BatteryUsableKWH    float64

	DailyCapsKWH map[string]float64 // per energy key
}

// Processor owns the merge/filter/dispatch pipeline.
type Processor struct {
	cfg     Config
	store   *state.Store
	reports <-chan Report
	dispatchCh chan Dispatch
	log     *slog.Logger

	filters       map[string]*filterSet
	lastFlattened map[string]any
	firstCycle    bool
	onFirstPacket func()
	onTemperature func(celsius float64)
}

// filterSet groups the three filter kinds a key might need.
type filterSet struct {
	power  *filter.PowerFilter
	soc    *filter.SOCFilter
	energy *filter.EnergyFilter
}

// New builds a Processor. reports must be the same channel every
// Poller writes its Report onto (capacity 100 per spec.md §5).
func New(cfg Config, store *state.Store, reports <-chan Report, log *slog.Logger) *Processor {
	p := &Processor{
		cfg:           cfg,
		store:         store,
		reports:       reports,
		dispatchCh:    make(chan Dispatch, 1),
		log:           log,
		lastFlattened: map[string]any{},
		firstCycle:    true,
	}
	p.filters = p.buildFilters()
	return p
}

// Dispatch returns the latest-wins dispatch channel external
// collaborators subscribe to.
func (p *Processor) Dispatch() <-chan Dispatch { return p.dispatchCh }

// OnFirstPacket registers a callback invoked once, after the first
// packet is processed (used to trigger the yesterday-energy backfill,
// spec.md §4.4 step 10).
func (p *Processor) OnFirstPacket(fn func()) { p.onFirstPacket = fn }

// OnTemperature registers a callback invoked every cycle with the
// merged inverter temperature, when numeric (drives the Tuya
// controller, spec.md §4.4 step 10).
func (p *Processor) OnTemperature(fn func(celsius float64)) { p.onTemperature = fn }

func (p *Processor) buildFilters() map[string]*filterSet {
	fs := map[string]*filterSet{}
	powerKeys := map[string]float64{
		datakeys.PVTotalDCPowerWatts:      p.cfg.PVCapacityWatts,
		datakeys.ACPowerWatts:             p.cfg.RatedACPowerWatts,
		datakeys.BatteryPowerWatts:        max(p.cfg.MaxChargePowerWatts, p.cfg.MaxDischargePowerWatts),
	}
	for k, maxW := range powerKeys {
		fs[k] = &filterSet{power: &filter.PowerFilter{MaxWatts: maxW}}
	}
	fs[datakeys.BatterySOCPercent] = &filterSet{soc: &filter.SOCFilter{
		MaxChargePowerWatts: p.cfg.MaxChargePowerWatts,
		CapacityKWH:         p.cfg.BatteryUsableKWH,
		PollIntervalSeconds: p.cfg.PollIntervalSeconds,
	}}

	energyMaxPower := map[string]float64{
		datakeys.PVDailyYieldKWH:       p.cfg.PVCapacityWatts,
		datakeys.BatteryDailyChargeKWH:    p.cfg.MaxChargePowerWatts,
		datakeys.BatteryDailyDischargeKWH: p.cfg.MaxDischargePowerWatts,
		datakeys.GridDailyImportKWH:    p.cfg.RatedACPowerWatts,
		datakeys.GridDailyExportKWH:    p.cfg.RatedACPowerWatts,
		datakeys.LoadDailyEnergyKWH:    p.cfg.RatedACPowerWatts * 1.5,
	}
	for k, maxW := range energyMaxPower {
		fs[k] = &filterSet{energy: &filter.EnergyFilter{
			MaxPowerWatts:       maxW,
			AbsoluteDailyCapKWH: p.cfg.DailyCapsKWH[k],
			PollIntervalSeconds: p.cfg.PollIntervalSeconds,
		}}
	}
	return fs
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Run drains reports until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-p.reports:
			if !ok {
				return
			}
			p.handleReport(ctx, rep)
		case <-time.After(time.Second):
			// Wake periodically purely to observe ctx.Done promptly,
			// matching spec.md §4.4 step 1's 1s await timeout.
		}
	}
}

func (p *Processor) handleReport(ctx context.Context, rep Report) {
	now := time.Now()

	if rep.Data != nil && isMeaningful(rep.Data, p.cfg.MeaningfulPowerThresholdW) {
		p.store.UpdateDynamic(rep.InstanceID, rep.Data)
	} else {
		p.log.Debug("preserving stale cache entry", "instance", rep.InstanceID, "has_data", rep.Data != nil)
	}

	merged := p.mergeAll()
	flat := flatten(merged)
	filtered := p.applyFilters(now, flat)
	p.loadPowerCorrection(filtered)
	p.enrich(filtered, now)

	wrapped := wrap(filtered)
	p.store.PublishSnapshot(wrapped)
	p.lastFlattened = filtered

	perPlugin := map[string]map[string]any{}
	for id, entry := range p.store.CacheSnapshot() {
		perPlugin[id] = flatten(mergeInstance(entry))
	}

	if tempAny, ok := filtered[datakeys.OperationalTemperatureC]; ok && p.onTemperature != nil {
		if tf, ok := toFloat(tempAny); ok {
			p.onTemperature(tf)
		}
	}

	p.sendDispatch(Dispatch{MergedData: wrapped, PerPluginData: perPlugin})

	if p.firstCycle {
		p.firstCycle = false
		if p.onFirstPacket != nil {
			p.onFirstPacket()
		}
	}
}

// sendDispatch implements latest-wins semantics: drain any pending
// element before sending, so the channel never holds more than one
// undelivered package (testable property 4).
func (p *Processor) sendDispatch(d Dispatch) {
	select {
	case <-p.dispatchCh:
	default:
	}
	select {
	case p.dispatchCh <- d:
	default:
	}
}

// isMeaningful mirrors the Python original's _is_data_meaningful: a
// report fails the test when the inverter status is a waiting state or
// every tracked power key is absent/near-zero.
func isMeaningful(data map[string]any, threshold float64) bool {
	if status, ok := data[datakeys.OperationalInverterStatusText].(string); ok {
		if datakeys.IsWaitingStatus(status) {
			return false
		}
	}
	for _, k := range datakeys.PowerKeysForMeaningfulTest {
		if v, ok := data[k]; ok {
			if f, ok := toFloat(v); ok {
				if f < 0 {
					f = -f
				}
				if f > threshold {
					return true
				}
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// mergeInstance deep-merges an instance's static and dynamic fields,
// static fields underlying dynamic ones.
func mergeInstance(entry *state.CacheEntry) map[string]any {
	out := map[string]any{}
	if entry == nil {
		return out
	}
	for k, v := range entry.Static {
		out[k] = v
	}
	for k, v := range entry.Dynamic {
		out[k] = v
	}
	return out
}

// mergeAll performs the two-pass deep merge spec.md §4.4 step 4
// requires: non-BMS instances first, then BMS instances overlaid,
// each pass iterating instances in their configured (stable) order.
func (p *Processor) mergeAll() map[string]any {
	cache := p.store.CacheSnapshot()
	merged := map[string]any{}

	// Iterate in configured (insertion) order — the BMS-overlay
	// precedence is normative and depends on a stable instance order
	// (Open Question #2, SPEC_FULL.md §9).
	pass := func(wantBMS bool) {
		for _, inst := range p.cfg.Instances {
			if inst.IsBMS != wantBMS {
				continue
			}
			entry, ok := cache[inst.ID]
			if !ok {
				continue
			}
			deepMergeInto(merged, mergeInstance(entry))
		}
	}
	pass(false)
	pass(true)
	return merged
}

// deepMergeInto merges src into dst applying the key-specific
// special-casing spec.md §4.4 step 4 names.
func deepMergeInto(dst, src map[string]any) {
	for k, v := range src {
		switch k {
		case datakeys.CorePluginConnectionStatus:
			continue // written separately during enrichment
		case datakeys.StaticDeviceCategory:
			if existing, ok := dst[k]; ok && existing == datakeys.CategoryInverter {
				continue
			}
			dst[k] = v
		case datakeys.OperationalCategorizedAlerts:
			dst[k] = unionAlerts(asAlertMap(dst[k]), asAlertMap(v))
		default:
			dst[k] = v
		}
	}
}

func asAlertMap(v any) map[string][]string {
	m, _ := v.(map[string][]string)
	return m
}

// unionAlerts merges two category->alerts maps, deduping and dropping
// "OK" whenever a real alert is present in that category.
func unionAlerts(a, b map[string][]string) map[string][]string {
	out := map[string][]string{}
	merge := func(src map[string][]string) {
		for cat, alerts := range src {
			out[cat] = append(out[cat], alerts...)
		}
	}
	merge(a)
	merge(b)
	for cat, alerts := range out {
		seen := map[string]bool{}
		deduped := make([]string, 0, len(alerts))
		hasReal := false
		for _, al := range alerts {
			if al != datakeys.AlertOK {
				hasReal = true
			}
		}
		for _, al := range alerts {
			if hasReal && al == datakeys.AlertOK {
				continue
			}
			if seen[al] {
				continue
			}
			seen[al] = true
			deduped = append(deduped, al)
		}
		out[cat] = deduped
	}
	return out
}

func flatten(merged map[string]any) map[string]any {
	out := make(map[string]any, len(merged))
	for k, v := range merged {
		out[k] = v
	}
	return out
}

func wrap(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = map[string]any{"value": v}
	}
	return out
}

func (p *Processor) applyFilters(now time.Time, flat map[string]any) map[string]any {
	hour := now.In(p.cfg.TimeZone).Hour()
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
	}
	for key, fs := range p.filters {
		raw, present := flat[key]
		last, haveLast := p.lastFlattened[key]
		switch {
		case fs.power != nil:
			f, valid := toFloat(raw)
			valid = valid && present
			lastF, _ := toFloat(last)
			result, _ := fs.power.Apply(f, valid, lastF, haveLast)
			out[key] = result
		case fs.soc != nil:
			f, valid := toFloat(raw)
			valid = valid && present
			lastF, _ := toFloat(last)
			result, _ := fs.soc.Apply(f, valid, lastF, haveLast)
			out[key] = result
		case fs.energy != nil:
			f, valid := toFloat(raw)
			valid = valid && present
			out[key] = fs.energy.Apply(now, hour, f, valid)
		}
	}
	return out
}

// loadPowerCorrection implements spec.md §4.4 step 7.
func (p *Processor) loadPowerCorrection(flat map[string]any) {
	loadF, loadOK := toFloat(flat[datakeys.LoadTotalPowerWatts])
	acF, acOK := toFloat(flat[datakeys.ACPowerWatts])
	if (!loadOK || loadF == 0) && acOK && acF > 0 {
		flat[datakeys.LoadTotalPowerWatts] = acF
	}
}

// enrich implements spec.md §4.4 step 8.
func (p *Processor) enrich(flat map[string]any, now time.Time) {
	socF, socOK := toFloat(flat[datakeys.BatterySOCPercent])
	powF, powOK := toFloat(flat[datakeys.BatteryPowerWatts])
	flat[datakeys.BatteryTimeRemainingText] = estimateTimeRemaining(socOK, socF, powOK, powF, p.cfg.BatteryUsableKWH)
	flat[datakeys.ServerTimestampMsUTC] = now.UTC().UnixMilli()

	anyConnected := false
	for _, inst := range p.cfg.Instances {
		status, _ := flat[inst.ID+"_"+datakeys.CorePluginConnectionStatus].(string)
		if status == datakeys.ConnStatusConnected {
			anyConnected = true
		}
	}
	if anyConnected {
		flat[datakeys.CorePluginConnectionStatus] = datakeys.ConnStatusConnected
	} else {
		flat[datakeys.CorePluginConnectionStatus] = datakeys.ConnStatusDisconnected
	}
}

// estimateTimeRemaining implements the Python original's
// _calculate_time_remaining.
func estimateTimeRemaining(socOK bool, socPercent float64, powOK bool, powerW float64, usableKWH float64) string {
	if !socOK || !powOK || usableKWH <= 0 {
		return "N/A"
	}
	if powerW > -25 && powerW < 25 {
		return "Idle"
	}
	const targetSOC = 20.0
	if powerW > 0 { // discharging
		if socPercent <= targetSOC {
			return fmt.Sprintf("<20%% (%.0f%%)", socPercent)
		}
		usableRemainingKWH := usableKWH * (socPercent - targetSOC) / 100
		hours := usableRemainingKWH * 1000 / powerW
		return formatHoursMinutes(hours, "to 20%")
	}
	// charging
	if socPercent >= 100 {
		return "Full"
	}
	remainingToFullKWH := usableKWH * (100 - socPercent) / 100
	hours := remainingToFullKWH * 1000 / -powerW
	return formatHoursMinutes(hours, "to 100%")
}

func formatHoursMinutes(hours float64, label string) string {
	if hours > 100 {
		return fmt.Sprintf(">100h (%s)", label)
	}
	h := int(hours)
	m := int((hours - float64(h)) * 60)
	return fmt.Sprintf("~ %dh %dm (%s)", h, m, label)
}
