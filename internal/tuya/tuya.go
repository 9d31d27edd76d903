// Package tuya implements the ancillary temperature-driven smart-plug
// controller, grounded on original_source/services/tuya_service.py's
// hysteresis/cool-down logic. The local Tuya protocol's single
// set_dps command needs one AES-128-ECB encrypt call, which the
// standard library's crypto/aes + crypto/cipher cover directly (see
// DESIGN.md for why this stays on stdlib rather than adding a
// dependency).
package tuya

import (
	"bytes"
	"crypto/aes"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Config carries the device's local network parameters and the
// hysteresis thresholds.
type Config struct {
	DeviceID   string
	LocalKey   string // 16-byte local key, as configured in the Tuya app
	Address    string // host:port, local network
	OnAboveC   float64
	OffBelowC  float64
	CoolDown   time.Duration
	DPSIndex   string // data-point index controlling the plug's relay, e.g. "1"
}

// Controller applies hysteresis to inverter temperature readings and
// issues Tuya commands to toggle the plug.
type Controller struct {
	cfg       Config
	on        bool
	lastTrigger time.Time
	dial      func(address string, timeout time.Duration) (net.Conn, error)
}

func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg, dial: func(address string, timeout time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", address, timeout)
	}}
}

// TriggerControlFromTemp implements the processor's per-cycle entry
// point (spec.md §6): hysteresis plus a cool-down timer gate every
// actual relay toggle.
func (c *Controller) TriggerControlFromTemp(tempC float64) {
	now := time.Now()
	if now.Sub(c.lastTrigger) < c.cfg.CoolDown {
		return
	}
	switch {
	case !c.on && tempC >= c.cfg.OnAboveC:
		if err := c.setRelay(true); err == nil {
			c.on = true
			c.lastTrigger = now
		}
	case c.on && tempC <= c.cfg.OffBelowC:
		if err := c.setRelay(false); err == nil {
			c.on = false
			c.lastTrigger = now
		}
	}
}

func (c *Controller) setRelay(on bool) error {
	payload, err := json.Marshal(map[string]any{
		"devId": c.cfg.DeviceID,
		"dps":   map[string]any{c.cfg.DPSIndex: on},
		"t":     time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	encrypted, err := encryptLocalPayload(payload, []byte(c.cfg.LocalKey))
	if err != nil {
		return err
	}
	conn, err := c.dial(c.cfg.Address, 3*time.Second)
	if err != nil {
		return fmt.Errorf("tuya: dial %s: %w", c.cfg.Address, err)
	}
	defer conn.Close()
	_, err = conn.Write(encrypted)
	return err
}

// encryptLocalPayload implements the local Tuya protocol's
// AES-128-ECB PKCS7-padded payload encryption.
func encryptLocalPayload(payload, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tuya: invalid local key: %w", err)
	}
	padded := pkcs7Pad(payload, block.BlockSize())
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], padded[i:i+block.BlockSize()])
	}
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}
