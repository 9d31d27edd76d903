// Command solarmon wires together the acquisition/processing pipeline
// and its external collaborators: config load, plugin instantiation,
// one poller per device, the processor, the supervisor and health
// monitor, then the MQTT/dashboard/history/TUI/Tuya collaborators,
// followed by signal handling. Entrypoint shape grounded on the
// teacher's cmd/nmslite/main.go; startup sequencing grounded on
// original_source/main.py.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcvsite/solarmon/internal/config"
	"github.com/jcvsite/solarmon/internal/eventbus"
	"github.com/jcvsite/solarmon/internal/history"
	"github.com/jcvsite/solarmon/internal/mqtt"
	"github.com/jcvsite/solarmon/internal/plugin"
	"github.com/jcvsite/solarmon/internal/poller"
	"github.com/jcvsite/solarmon/internal/processor"
	"github.com/jcvsite/solarmon/internal/state"
	"github.com/jcvsite/solarmon/internal/supervisor"
	"github.com/jcvsite/solarmon/internal/tui"
	"github.com/jcvsite/solarmon/internal/tuya"
	"github.com/jcvsite/solarmon/internal/updatecheck"
	"github.com/jcvsite/solarmon/internal/wsserver"

	// Blank-import every driver package so its init() registers a
	// constructor in internal/plugin's compile-time registry.
	_ "github.com/jcvsite/solarmon/internal/plugin/drivers/seplosbms"
	_ "github.com/jcvsite/solarmon/internal/plugin/drivers/sunsynk"
)

// Version is the running build's version string, compared against the
// latest published release tag by the update checker.
const Version = "1.0.0"

func main() {
	configPath := flag.String("config", "solarmon.yaml", "path to the YAML configuration file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	tz, err := time.LoadLocation(cfg.Poller.TimeZone)
	if err != nil {
		log.Error("invalid timezone", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := state.New()
	bus := eventbus.New(32)
	reportCh := make(chan processor.Report, 100)

	instances := make([]processor.InstanceInfo, 0, len(cfg.Plugins))
	supervisorInstances := make([]plugin.InstanceConfig, 0, len(cfg.Plugins))
	devices := make(map[string]plugin.Device, len(cfg.Plugins))

	for _, p := range cfg.Plugins {
		store.EnsureInstance(p.InstanceID)
		instanceCfg := plugin.InstanceConfig{
			InstanceID:          p.InstanceID,
			PluginType:          p.PluginType,
			Host:                p.Host,
			Port:                p.Port,
			SerialDevice:        p.SerialDevice,
			BaudRate:            p.BaudRate,
			UnitID:              byte(p.UnitID),
			Timeout:             p.TimeoutSeconds,
			RatedACPowerWatts:   p.RatedACPowerWatts,
			BatteryCapacityKWH:  cfg.Battery.UsableCapacityKWH,
			MaxChargePowerWatts: cfg.Battery.MaxChargePowerWatts,
		}
		device, err := plugin.New(instanceCfg)
		if err != nil {
			log.Error("failed to build plugin", "instance", p.InstanceID, "err", err)
			os.Exit(1)
		}
		devices[p.InstanceID] = device
		instances = append(instances, processor.InstanceInfo{ID: p.InstanceID, IsBMS: p.IsBMS})
		supervisorInstances = append(supervisorInstances, instanceCfg)
	}

	proc := processor.New(processor.Config{
		Instances:                 instances,
		PollIntervalSeconds:       cfg.Poller.IntervalSeconds,
		MeaningfulPowerThresholdW: cfg.Poller.MeaningfulPowerThresholdW,
		TimeZone:                  tz,
		PVCapacityWatts:           sumPVCapacity(cfg.Plugins),
		RatedACPowerWatts:         sumACCapacity(cfg.Plugins),
		MaxChargePowerWatts:       cfg.Battery.MaxChargePowerWatts,
		MaxDischargePowerWatts:    cfg.Battery.MaxDischargePowerWatts,
		BatteryUsableKWH:          cfg.Battery.UsableCapacityKWH,
		DailyCapsKWH:              cfg.Battery.DailyEnergyCapsKWH,
	}, store, reportCh, log)

	stagnationThreshold := poller.StagnationThresholdFor(cfg.Poller.IntervalSeconds)

	spawnPoller := func(ctx context.Context, instanceID string, device plugin.Device) (context.CancelFunc, <-chan struct{}) {
		pctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		p := poller.New(poller.Config{
			InstanceID:           instanceID,
			PollIntervalSeconds:  cfg.Poller.IntervalSeconds,
			MaxReconnectAttempts: cfg.Poller.MaxReconnectAttempts,
			StagnationThreshold:  stagnationThreshold,
		}, device, store, reportCh, bus, log)
		go func() {
			defer close(done)
			p.Run(pctx)
		}()
		return cancel, done
	}

	sup := supervisor.New(store, bus, log, spawnPoller, supervisorInstances, cfg.WatchdogTimeout(), cfg.WatchdogGrace(), cfg.Watchdog.MaxReloadAttempts)

	for _, inst := range cfg.Plugins {
		cancel, done := spawnPoller(ctx, inst.InstanceID, devices[inst.InstanceID])
		sup.Track(inst.InstanceID, cancel, done, devices[inst.InstanceID])
	}

	go proc.Run(ctx)
	go sup.RunWatchdog(ctx)
	go sup.RunHealthMonitor(ctx)

	if cfg.Tuya.Enabled {
		controller := tuya.NewController(tuya.Config{
			DeviceID:  cfg.Tuya.DeviceID,
			LocalKey:  cfg.Tuya.LocalKey,
			Address:   cfg.Tuya.Address,
			OnAboveC:  cfg.Tuya.OnAboveC,
			OffBelowC: cfg.Tuya.OffBelowC,
			CoolDown:  time.Duration(cfg.Tuya.CoolDownSeconds) * time.Second,
			DPSIndex:  cfg.Tuya.DPSIndex,
		})
		proc.OnTemperature(controller.TriggerControlFromTemp)
	}

	if cfg.UpdateCheck.Enabled {
		checker := &updatecheck.Checker{
			CurrentVersion: Version,
			ReleasesURL:    cfg.UpdateCheck.ReleasesURL,
			Interval:       cfg.UpdateCheckInterval(),
			Log:            log,
			OnUpdateFound: func(latest string) {
				log.Info("update available", "current", Version, "latest", latest)
			},
		}
		go checker.Run(ctx)
	}

	if cfg.History.Enabled {
		db, err := history.Open(cfg.History.SQLitePath)
		if err != nil {
			log.Error("failed to open history database", "err", err)
		} else {
			writer := history.NewWriter(db, store, cfg.HistorySampleInterval(), log)
			go writer.Run(ctx)
			defer history.Close()
		}
	}

	var dispatchConsumers []chan processor.Dispatch
	addConsumer := func() <-chan processor.Dispatch {
		ch := make(chan processor.Dispatch, 1)
		dispatchConsumers = append(dispatchConsumers, ch)
		return ch
	}

	if cfg.Dashboard.Enabled {
		wsDispatch := addConsumer()
		srv := wsserver.New(store, log)
		go srv.Broadcast(wsDispatch)
		go func() {
			if err := srv.ListenAndServe(cfg.Dashboard.Address); err != nil {
				log.Error("dashboard server stopped", "err", err)
			}
		}()
	}

	if cfg.MQTT.Enabled {
		publisher := mqtt.NewPublisher(mqtt.Config{
			BrokerURL:        cfg.MQTT.BrokerURL,
			ClientID:         cfg.MQTT.ClientID,
			Username:         cfg.MQTT.Username,
			Password:         cfg.MQTT.Password,
			BaseTopic:        cfg.MQTT.BaseTopic,
			StaleTimeout:     cfg.MQTTStaleTimeout(),
			DiscoveryEnabled: cfg.MQTT.DiscoveryEnabled,
			DiscoveryPrefix:  cfg.MQTT.DiscoveryPrefix,
		}, store, log)
		if err := publisher.Connect(); err != nil {
			log.Error("failed to connect to MQTT broker", "err", err)
		} else {
			mqttDispatch := addConsumer()
			go publisher.Run(ctx, mqttDispatch)
			defer publisher.Disconnect()
		}
	}

	if cfg.TUI.Enabled {
		tuiDispatch := addConsumer()
		go func() {
			if err := tui.Run(tuiDispatch); err != nil {
				log.Error("tui exited", "err", err)
			}
		}()
	}

	go fanOutDispatch(ctx, proc.Dispatch(), dispatchConsumers)

	log.Info("solarmon started", "version", Version, "instances", len(cfg.Plugins))
	<-ctx.Done()
	log.Info("shutdown signal received, stopping")
}

// fanOutDispatch reads the processor's single dispatch channel once
// and republishes each value to every registered consumer channel,
// keeping each consumer's own latest-wins capacity-1 semantics
// (spec.md §5: "single-producer multi-consumer, effective capacity 1
// per consumer").
func fanOutDispatch(ctx context.Context, in <-chan processor.Dispatch, outs []chan processor.Dispatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-in:
			for _, out := range outs {
				select {
				case <-out:
				default:
				}
				select {
				case out <- d:
				default:
				}
			}
		}
	}
}

func sumPVCapacity(plugins []config.PluginInstance) float64 {
	var total float64
	for _, p := range plugins {
		total += p.InstalledPVWatts
	}
	return total
}

func sumACCapacity(plugins []config.PluginInstance) float64 {
	var total float64
	for _, p := range plugins {
		if p.RatedACPowerWatts > total {
			total = p.RatedACPowerWatts
		}
	}
	return total
}
