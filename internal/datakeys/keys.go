// Package datakeys defines the closed set of standard data point
// identifiers shared by every device plugin and by the processor that
// merges their output.
package datakeys

// Key identifies one cross-device data point in the merged snapshot.
type Key = string

// Device identification.
const (
	StaticDeviceCategory     Key = "static_device_category" // inverter | bms | meter | ...
	StaticDeviceManufacturer Key = "static_device_manufacturer"
	StaticDeviceModel        Key = "static_device_model"
	StaticDeviceSerial       Key = "static_device_serial_number"
	StaticDeviceFirmware     Key = "static_device_firmware_version"
	StaticDeviceRatedPowerW  Key = "static_device_rated_power_watts"
	StaticNumberOfMPPTs      Key = "static_number_of_mppts"
	StaticNumberOfPhases     Key = "static_number_of_phases"
)

// Inverter operational.
const (
	OperationalInverterStatusCode Key = "operational_inverter_status_code"
	OperationalInverterStatusText Key = "operational_inverter_status_text"
	OperationalTemperatureC       Key = "operational_inverter_temperature_celsius"
	OperationalFaultCodes         Key = "operational_fault_codes_list"
	// OperationalCategorizedAlerts maps alert category -> []string of active alerts.
	OperationalCategorizedAlerts Key = "operational_categorized_alerts"
)

// Alert categories used inside OperationalCategorizedAlerts.
const (
	AlertCategoryStatus   = "status"
	AlertCategoryGrid     = "grid"
	AlertCategoryEPS      = "eps"
	AlertCategoryBattery  = "battery"
	AlertCategoryInverter = "inverter"
	AlertCategoryBMS      = "bms"
)

// AlertOK is the sentinel alert string meaning "no active alerts" — it
// is dropped whenever any real alert is present in the same category.
const AlertOK = "OK"

// PV input.
const (
	PVTotalDCPowerWatts      Key = "pv_total_dc_power_watts"
	PVDailyYieldKWH          Key = "pv_daily_yield_kwh"
	PVLifetimeYieldKWH       Key = "pv_lifetime_yield_kwh"
	PVMPPT1VoltageVolts      Key = "pv_mppt1_voltage_volts"
	PVMPPT1CurrentAmps       Key = "pv_mppt1_current_amps"
	PVMPPT1PowerWatts        Key = "pv_mppt1_power_watts"
	PVMPPT2VoltageVolts      Key = "pv_mppt2_voltage_volts"
	PVMPPT2CurrentAmps       Key = "pv_mppt2_current_amps"
	PVMPPT2PowerWatts        Key = "pv_mppt2_power_watts"
)

// Battery.
const (
	BatterySOCPercent            Key = "battery_state_of_charge_percent"
	BatterySOHPercent            Key = "battery_state_of_health_percent"
	BatteryVoltageVolts          Key = "battery_voltage_volts"
	BatteryCurrentAmps           Key = "battery_current_amps"
	BatteryPowerWatts            Key = "battery_power_watts" // + discharging, - charging
	BatteryTemperatureC          Key = "battery_temperature_celsius"
	BatteryStatusText            Key = "battery_status_text"
	BatteryCycles                Key = "battery_cycles_count"
	BatteryCapacityAh            Key = "battery_capacity_ah"
	BatteryRemainingCapacityAh   Key = "battery_remaining_capacity_ah"
	BatteryCellVoltagesMillivolt Key = "battery_cell_voltages_millivolt_list"
	BatteryCellTemperaturesC     Key = "battery_cell_temperatures_celsius_list"
	BatteryCellVoltageMinV       Key = "battery_cell_voltage_min_volts"
	BatteryCellVoltageMaxV       Key = "battery_cell_voltage_max_volts"
	BatteryCellVoltageAvgV       Key = "battery_cell_voltage_avg_volts"
	BatteryCellVoltageDeltaV     Key = "battery_cell_voltage_delta_volts"
	BatteryBalancingText         Key = "battery_balancing_text"
	BatteryChargeFETOn           Key = "battery_charge_fet_on"
	BatteryDischargeFETOn        Key = "battery_discharge_fet_on"
	BatteryAlarmsList            Key = "battery_alarms_list"
	BatteryWarningsList          Key = "battery_warnings_list"
	BatteryFaultSummaryText      Key = "battery_fault_summary_text"
	BatteryDailyChargeKWH        Key = "battery_daily_charge_energy_kwh"
	BatteryDailyDischargeKWH     Key = "battery_daily_discharge_energy_kwh"
)

// Grid.
const (
	GridTotalActivePowerWatts Key = "grid_total_active_power_watts"
	GridVoltageVolts          Key = "grid_voltage_volts"
	GridCurrentAmps           Key = "grid_current_amps"
	GridFrequencyHz           Key = "grid_frequency_hz"
	GridDailyImportKWH        Key = "grid_daily_import_energy_kwh"
	GridDailyExportKWH        Key = "grid_daily_export_energy_kwh"
	GridLifetimeImportKWH     Key = "grid_lifetime_import_energy_kwh"
	GridLifetimeExportKWH     Key = "grid_lifetime_export_energy_kwh"
)

// Load.
const (
	LoadTotalPowerWatts Key = "load_total_power_watts"
	LoadDailyEnergyKWH  Key = "load_daily_energy_kwh"
	LoadLifetimeKWH     Key = "load_lifetime_energy_kwh"
)

// EPS / backup output.
const (
	EPSVoltageVolts  Key = "eps_voltage_volts"
	EPSCurrentAmps   Key = "eps_current_amps"
	EPSFrequencyHz   Key = "eps_frequency_hz"
	EPSPowerWatts    Key = "eps_power_watts"
)

// AC output (the inverter's total AC power, used for load-power
// correction and the stagnation triplet).
const ACPowerWatts Key = "ac_power_watts"

// Core / processor-derived.
const (
	CorePluginConnectionStatus Key = "core_plugin_connection_status" // per-plugin: "{instance}_core_plugin_connection_status"; global key uses this bare name
	ServerTimestampMsUTC       Key = "server_timestamp_ms_utc"
	BatteryTimeRemainingText   Key = "battery_time_remaining_estimate_text"
)

// Connection status string values surfaced via CorePluginConnectionStatus.
const (
	ConnStatusConnecting     = "Connecting..."
	ConnStatusConnected      = "connected"
	ConnStatusDisconnected   = "disconnected"
	ConnStatusConnectFailed  = "Connect Failed"
	ConnStatusError          = "error"
	ConnStatusStalled        = "Stalled"
	ConnStatusDisconnectedUI = "Disconnected"
)

// Device category values.
const (
	CategoryInverter = "inverter"
	CategoryBMS      = "bms"
	CategoryMeter    = "meter"
)

// WaitingStatuses are inverter status texts that count as a successful
// watchdog cycle but are not "generating" and reset the stagnation
// triplet.
var WaitingStatuses = []string{"waiting", "standby", "idle", "off", "sleep"}

// FullyOperationalStatuses is the closed set of inverter status texts
// eligible for stagnation detection (Open Question #3, SPEC_FULL.md §9).
var FullyOperationalStatuses = []string{
	"Generating", "Grid Sync", "Discharging", "Charging", "Normal", "No Grid",
}

// PowerKeysForMeaningfulTest are the keys the "meaningful report"
// heuristic inspects; a cycle is not meaningful if every one of these
// is absent or has |value| <= threshold.
var PowerKeysForMeaningfulTest = []Key{
	PVTotalDCPowerWatts, ACPowerWatts, BatteryPowerWatts, GridTotalActivePowerWatts, LoadTotalPowerWatts,
}

// IsWaitingStatus reports whether status is one of WaitingStatuses
// (case-insensitive).
func IsWaitingStatus(status string) bool {
	for _, s := range WaitingStatuses {
		if equalFold(s, status) {
			return true
		}
	}
	return false
}

// IsFullyOperationalStatus reports whether status is stagnation-eligible.
func IsFullyOperationalStatus(status string) bool {
	for _, s := range FullyOperationalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
