// Package pipelinetest builds run contexts over throwaway SQLite databases.
package pipelinetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/notLeoHirano/taxi-emissions-etl/config"
	"github.com/notLeoHirano/taxi-emissions-etl/model"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// ReferenceCSV is a reference file with a 0.5 kg/mile factor for both taxi types.
const ReferenceCSV = "vehicle_type,co2_grams_per_mile\nyellow_taxi,500\ngreen_taxi,500\n"

// Engines lists every supported storage engine, for tests that must agree on both.
var Engines = []string{config.EngineSQLite, config.EngineDuckDB}

// Config returns a SQLite configuration rooted in a temp dir, with the
// reference file written and no politeness pause.
func Config(t *testing.T) *config.Config {
	t.Helper()
	return ConfigFor(t, config.EngineSQLite)
}

// ConfigFor is Config on the given storage engine.
func ConfigFor(t *testing.T, engine string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Engine: engine, Path: filepath.Join(dir, "emissions."+engine)}
	cfg.Reference.Path = WriteFile(t, dir, "vehicle_emissions.csv", ReferenceCSV)
	cfg.Ingest.StartYear, cfg.Ingest.EndYear = 2023, 2023
	cfg.Fetch.Pause = 0
	cfg.Fetch.RetryInterval = time.Millisecond
	cfg.Fetch.Timeout = 5 * time.Second
	cfg.Chart.Path = filepath.Join(dir, "chart.png")
	return cfg
}

// NewContext opens a run context for cfg and captures its logs.
func NewContext(t *testing.T, cfg *config.Config) (*pipeline.Context, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	pc, err := pipeline.NewContext(context.Background(), cfg, zap.New(core))
	if err != nil {
		t.Fatalf("Failed to create run context: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc, logs
}

// Setup opens a context and runs schema setup on it.
func Setup(t *testing.T, cfg *config.Config) (*pipeline.Context, *observer.ObservedLogs) {
	t.Helper()
	pc, logs := NewContext(t, cfg)
	if err := pc.Store.Setup(context.Background(), cfg.Reference); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return pc, logs
}

// Insert appends rows to the raw table of taxi in one transaction.
func Insert(t *testing.T, store *tripstore.Store, taxi model.TaxiType, rows ...model.RawTrip) {
	t.Helper()
	ctx := context.Background()
	app, err := store.BeginAppend(ctx, taxi)
	if err != nil {
		t.Fatalf("BeginAppend failed: %v", err)
	}
	defer app.Rollback()
	if err := app.Append(ctx, rows); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := app.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

// Trip builds a raw row starting at pickup and lasting d.
func Trip(pickup time.Time, d time.Duration, passengers *int64, distance float64) model.RawTrip {
	return model.RawTrip{
		PickupDatetime:  pickup,
		DropoffDatetime: pickup.Add(d),
		PassengerCount:  passengers,
		TripDistance:    distance,
	}
}

// Passengers returns a pointer for RawTrip.PassengerCount.
func Passengers(n int64) *int64 { return &n }

func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}
