// Package sunsynk implements a Modbus TCP driver for Deye/Sunsynk
// hybrid inverters. Serial (Modbus RTU) transport is not implemented:
// the driver always opens a TCP session and New rejects an instance
// without a host. Register map and decode helpers are grounded on
// original_source/plugins/inverter/deye_sunsynk_plugin.py; transport
// is github.com/goburrow/modbus (no Modbus library exists in the
// retrieval pack, see DESIGN.md).
package sunsynk

import (
	"context"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/jcvsite/solarmon/internal/datakeys"
	"github.com/jcvsite/solarmon/internal/plugin"
	"github.com/jcvsite/solarmon/internal/plugin/probe"
)

const PluginType = "sunsynk-modbus"

func init() {
	plugin.Register(PluginType, New)
}

// Holding-register addresses (a representative subset of the Sunsynk
// map the original decodes).
const (
	regRatedPower      = 16
	regDeviceStatus    = 59
	regBatterySOC      = 184
	regBatteryVoltage  = 183
	regBatteryCurrent  = 191
	regBatteryPower    = 190
	regPV1Voltage      = 109
	regPV1Current      = 110
	regPV2Voltage      = 111
	regPV2Current      = 112
	regGridVoltage     = 150
	regGridPower       = 169
	regLoadPower       = 178
	regDailyPVYield    = 108
	regACPower         = 175
)

// statusText maps the inverter's numeric status register to the
// closed status-text vocabulary the poller's stagnation check expects.
var statusText = map[uint16]string{
	0: "Standby",
	1: "Self-check",
	2: "Normal",
	3: "Generating",
	4: "Fault",
	5: "Grid Sync",
}

type Driver struct {
	cfg       plugin.InstanceConfig
	client    modbus.Client
	handler   *modbus.TCPClientHandler
	connected bool
	lastErr   string
}

// New constructs a Sunsynk driver. It is registered under PluginType
// and resolved by internal/plugin's constructor registry.
func New(cfg plugin.InstanceConfig) (plugin.Device, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sunsynk: instance %s missing host", cfg.InstanceID)
	}
	return &Driver{cfg: cfg}, nil
}

func (d *Driver) Name() string       { return PluginType }
func (d *Driver) PrettyName() string { return fmt.Sprintf("Sunsynk (%s)", d.cfg.InstanceID) }
func (d *Driver) IsConnected() bool  { return d.connected }
func (d *Driver) LastErrorMessage() string { return d.lastErr }

func (d *Driver) Connect(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	timeout := time.Duration(d.cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	result := probe.TCP(address, timeout)
	if !result.Reachable {
		d.lastErr = result.Err.Error()
		return result.Err
	}

	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = timeout
	handler.SlaveId = d.cfg.UnitID
	if err := handler.Connect(); err != nil {
		d.lastErr = err.Error()
		return fmt.Errorf("sunsynk: connect %s: %w", address, err)
	}
	d.handler = handler
	d.client = modbus.NewClient(handler)
	d.connected = true
	return nil
}

func (d *Driver) Disconnect() {
	if d.handler != nil {
		_ = d.handler.Close()
	}
	d.connected = false
}

func (d *Driver) ReadStaticData(ctx context.Context) (map[string]any, error) {
	rated, err := d.readRegister(regRatedPower)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		datakeys.StaticDeviceCategory:     datakeys.CategoryInverter,
		datakeys.StaticDeviceManufacturer: "Deye/Sunsynk",
		datakeys.StaticDeviceRatedPowerW:  float64(rated) * 10,
		datakeys.StaticNumberOfMPPTs:      2,
	}, nil
}

func (d *Driver) ReadDynamicData(ctx context.Context) (map[string]any, error) {
	status, err := d.readRegister(regDeviceStatus)
	if err != nil {
		d.forceDisconnectOnSanityFailure()
		return nil, err
	}
	soc, _ := d.readRegister(regBatterySOC)
	battV, _ := d.readRegister(regBatteryVoltage)
	battI, _ := d.readSignedRegister(regBatteryCurrent)
	battP, _ := d.readSignedRegister(regBatteryPower)
	pv1V, _ := d.readRegister(regPV1Voltage)
	pv1I, _ := d.readRegister(regPV1Current)
	pv2V, _ := d.readRegister(regPV2Voltage)
	pv2I, _ := d.readRegister(regPV2Current)
	gridV, _ := d.readRegister(regGridVoltage)
	gridP, _ := d.readSignedRegister(regGridPower)
	loadP, _ := d.readRegister(regLoadPower)
	acP, _ := d.readSignedRegister(regACPower)
	dailyYield, _ := d.readRegister(regDailyPVYield)

	if soc > 100 {
		// Absurd cell/SOC reading: force a disconnect so the next
		// cycle reconnects (spec.md §7 "data sanity failure").
		d.forceDisconnectOnSanityFailure()
		return nil, fmt.Errorf("sunsynk: implausible SOC register value %d", soc)
	}

	pv1P := float64(pv1V) * float64(pv1I) / 10000
	pv2P := float64(pv2V) * float64(pv2I) / 10000

	return map[string]any{
		datakeys.OperationalInverterStatusText: mapStatus(status),
		datakeys.BatterySOCPercent:              float64(soc),
		datakeys.BatteryVoltageVolts:            float64(battV) / 100,
		datakeys.BatteryCurrentAmps:             float64(battI) / 100,
		// Sign convention: positive = discharging. The device already
		// reports in that convention, no inversion needed.
		datakeys.BatteryPowerWatts: float64(battP),
		datakeys.PVMPPT1VoltageVolts: float64(pv1V) / 10,
		datakeys.PVMPPT1CurrentAmps: float64(pv1I) / 100,
		datakeys.PVMPPT1PowerWatts:  pv1P,
		datakeys.PVMPPT2VoltageVolts: float64(pv2V) / 10,
		datakeys.PVMPPT2CurrentAmps: float64(pv2I) / 100,
		datakeys.PVMPPT2PowerWatts:  pv2P,
		datakeys.PVTotalDCPowerWatts: pv1P + pv2P,
		datakeys.GridVoltageVolts:       float64(gridV) / 10,
		datakeys.GridTotalActivePowerWatts: float64(gridP),
		datakeys.LoadTotalPowerWatts:    float64(loadP),
		datakeys.ACPowerWatts:           float64(acP),
		datakeys.PVDailyYieldKWH:        float64(dailyYield) / 10,
	}, nil
}

func mapStatus(code uint16) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "Unknown"
}

func (d *Driver) forceDisconnectOnSanityFailure() {
	d.Disconnect()
}

func (d *Driver) readRegister(addr uint16) (uint16, error) {
	b, err := d.client.ReadHoldingRegisters(addr, 1)
	if err != nil {
		d.lastErr = err.Error()
		return 0, fmt.Errorf("sunsynk: read register %d: %w", addr, err)
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (d *Driver) readSignedRegister(addr uint16) (int16, error) {
	v, err := d.readRegister(addr)
	return int16(v), err
}
