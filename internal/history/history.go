// Package history persists a scalar subset of the central snapshot to
// SQLite for later inspection. Grounded on the teacher's
// internal/database/database.go sync.Once singleton + pressly/goose
// migration pattern, with the dialect swapped from Postgres to SQLite
// per spec.md §6's mandate (the history store, not its schema, is the
// part of the spec this collaborator exists to satisfy).
package history

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/jcvsite/solarmon/internal/datakeys"
)

var (
	instance *sql.DB
	once     sync.Once
)

// Open opens (or returns the already-open) SQLite database at path
// and applies any pending goose migrations.
func Open(path string) (*sql.DB, error) {
	var err error
	once.Do(func() {
		instance, err = sql.Open("sqlite3", path)
		if err != nil {
			return
		}
		if err = instance.Ping(); err != nil {
			return
		}
		goose.SetBaseFS(EmbeddedMigrations)
		if err = goose.SetDialect("sqlite3"); err != nil {
			return
		}
		err = goose.Up(instance, "migrations")
	})
	return instance, err
}

func Close() error {
	if instance != nil {
		return instance.Close()
	}
	return nil
}

// SnapshotSource abstracts the central state store so this package
// doesn't import internal/state directly (kept loosely coupled for
// testability).
type SnapshotSource interface {
	Snapshot() map[string]any
}

// Writer periodically samples the snapshot and inserts a history row.
type Writer struct {
	db       *sql.DB
	source   SnapshotSource
	interval time.Duration
	log      *slog.Logger
}

func NewWriter(db *sql.DB, source SnapshotSource, interval time.Duration, log *slog.Logger) *Writer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Writer{db: db, source: source, interval: interval, log: log}
}

// Run samples and writes one row every interval until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.writeOnce(ctx); err != nil {
				w.log.Warn("history write failed", "err", err)
			}
		}
	}
}

func (w *Writer) writeOnce(ctx context.Context) error {
	snap := w.source.Snapshot()
	row := extractScalarRow(snap)
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO history_samples (
			ts, soc_percent, pv_power_watts, battery_power_watts, load_power_watts,
			grid_power_watts, pv_daily_kwh, grid_import_daily_kwh, grid_export_daily_kwh,
			battery_charge_daily_kwh, battery_discharge_daily_kwh, load_daily_kwh
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), row.socPercent, row.pvPower, row.batteryPower, row.loadPower, row.gridPower,
		row.pvDailyKWH, row.gridImportDailyKWH, row.gridExportDailyKWH, row.batteryChargeDailyKWH,
		row.batteryDischargeDailyKWH, row.loadDailyKWH,
	)
	return err
}

type scalarRow struct {
	socPercent, pvPower, batteryPower, loadPower, gridPower float64
	pvDailyKWH, gridImportDailyKWH, gridExportDailyKWH       float64
	batteryChargeDailyKWH, batteryDischargeDailyKWH, loadDailyKWH float64
}

func extractScalarRow(snap map[string]any) scalarRow {
	get := func(key string) float64 {
		wrapped, ok := snap[key].(map[string]any)
		if !ok {
			return 0
		}
		f, _ := wrapped["value"].(float64)
		return f
	}
	return scalarRow{
		socPercent:               get(datakeys.BatterySOCPercent),
		pvPower:                  get(datakeys.PVTotalDCPowerWatts),
		batteryPower:             get(datakeys.BatteryPowerWatts),
		loadPower:                get(datakeys.LoadTotalPowerWatts),
		gridPower:                get(datakeys.GridTotalActivePowerWatts),
		pvDailyKWH:                get(datakeys.PVDailyYieldKWH),
		gridImportDailyKWH:        get(datakeys.GridDailyImportKWH),
		gridExportDailyKWH:        get(datakeys.GridDailyExportKWH),
		batteryChargeDailyKWH:     get(datakeys.BatteryDailyChargeKWH),
		batteryDischargeDailyKWH:  get(datakeys.BatteryDailyDischargeKWH),
		loadDailyKWH:              get(datakeys.LoadDailyEnergyKWH),
	}
}
