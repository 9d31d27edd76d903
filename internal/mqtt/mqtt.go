// Package mqtt publishes the processor's dispatch stream to an MQTT
// broker with Home Assistant discovery, grounded on
// original_source/services/mqtt_service.py's topic shape and
// availability-from-timestamp logic, built on
// github.com/eclipse/paho.mqtt.golang.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jcvsite/solarmon/internal/processor"
	"github.com/jcvsite/solarmon/internal/state"
)

// Config carries the MQTT broker connection and topic parameters.
type Config struct {
	BrokerURL        string
	ClientID         string
	Username         string
	Password         string
	BaseTopic        string // e.g. "solarmon"
	StaleTimeout     time.Duration
	DiscoveryEnabled bool
	DiscoveryPrefix  string // e.g. "homeassistant"
}

// Publisher pulls dispatch packages and publishes them to MQTT.
type Publisher struct {
	cfg    Config
	client mqtt.Client
	store  *state.Store
	log    *slog.Logger

	discoverySent map[string]bool
}

func NewPublisher(cfg Config, store *state.Store, log *slog.Logger) *Publisher {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true)
	return &Publisher{
		cfg:           cfg,
		client:        mqtt.NewClient(opts),
		store:         store,
		log:           log,
		discoverySent: map[string]bool{},
	}
}

func (p *Publisher) Connect() error {
	token := p.client.Connect()
	token.Wait()
	return token.Error()
}

// Run subscribes to dispatch and publishes each package until ctx is
// cancelled or the channel closes.
func (p *Publisher) Run(ctx context.Context, dispatch <-chan processor.Dispatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-dispatch:
			if !ok {
				return
			}
			p.publish(d)
		}
	}
}

func (p *Publisher) publish(d processor.Dispatch) {
	combined, err := json.Marshal(d.MergedData)
	if err != nil {
		p.log.Warn("mqtt: marshal combined state failed", "err", err)
		return
	}
	p.client.Publish(p.cfg.BaseTopic+"/state", 0, true, combined)

	for instance, data := range d.PerPluginData {
		payload, err := json.Marshal(data)
		if err != nil {
			continue
		}
		p.client.Publish(fmt.Sprintf("%s/%s/state", p.cfg.BaseTopic, instance), 0, true, payload)

		available := p.isAvailable(instance)
		avTopic := fmt.Sprintf("%s/%s/availability", p.cfg.BaseTopic, instance)
		if available {
			p.client.Publish(avTopic, 0, true, []byte("online"))
		} else {
			p.client.Publish(avTopic, 0, true, []byte("offline"))
		}

		if p.cfg.DiscoveryEnabled && !p.discoverySent[instance] {
			p.publishDiscovery(instance)
			p.discoverySent[instance] = true
		}
	}
}

// isAvailable derives per-instance availability from the MQTT
// availability timestamp (Open Question #1, SPEC_FULL.md §9: it
// tracks the data-read timestamp, not the cycle-success timestamp).
func (p *Publisher) isAvailable(instance string) bool {
	live, ok := p.store.Liveness(instance)
	if !ok || live.LastSuccessfulRead.IsZero() {
		return false
	}
	return time.Since(live.LastSuccessfulRead) <= p.cfg.StaleTimeout
}

// publishDiscovery emits a minimal Home Assistant MQTT discovery
// config for the instance's state topic.
func (p *Publisher) publishDiscovery(instance string) {
	topic := fmt.Sprintf("%s/sensor/%s_%s/state/config", p.cfg.DiscoveryPrefix, p.cfg.BaseTopic, instance)
	cfg := map[string]any{
		"name":                instance,
		"state_topic":         fmt.Sprintf("%s/%s/state", p.cfg.BaseTopic, instance),
		"availability_topic":  fmt.Sprintf("%s/%s/availability", p.cfg.BaseTopic, instance),
		"unique_id":           fmt.Sprintf("%s_%s", p.cfg.BaseTopic, instance),
		"value_template":      "{{ value_json.battery_state_of_charge_percent }}",
		"unit_of_measurement": "%",
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	p.client.Publish(topic, 0, true, payload)
}

func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
}
