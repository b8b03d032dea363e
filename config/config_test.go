package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Engine != EngineDuckDB {
		t.Errorf("Expected engine %s, got %s", EngineDuckDB, cfg.Storage.Engine)
	}
	if cfg.Fetch.Pause != 30*time.Second {
		t.Errorf("Expected 30s pause, got %v", cfg.Fetch.Pause)
	}
	if cfg.Ingest.StartYear != 2015 || cfg.Ingest.EndYear != 2024 {
		t.Errorf("Expected 2015-2024, got %d-%d", cfg.Ingest.StartYear, cfg.Ingest.EndYear)
	}
	if cfg.Transform.OnMissingFactor != PolicyFail {
		t.Errorf("Expected fail policy, got %s", cfg.Transform.OnMissingFactor)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  engine: sqlite
  path: /tmp/trips.db
ingest:
  sources: [green]
  start_year: 2020
  end_year: 2021
fetch:
  pause: 250ms
  concurrency: 4
transform:
  on_missing_factor: skip
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Engine != EngineSQLite || cfg.Storage.Path != "/tmp/trips.db" {
		t.Errorf("Unexpected storage %+v", cfg.Storage)
	}
	if cfg.Fetch.Pause != 250*time.Millisecond || cfg.Fetch.Concurrency != 4 {
		t.Errorf("Unexpected fetch %+v", cfg.Fetch)
	}
	if cfg.Fetch.MaxAttempts != 3 {
		t.Errorf("Expected untouched default max_attempts 3, got %d", cfg.Fetch.MaxAttempts)
	}
	types, err := cfg.TaxiTypes()
	if err != nil || len(types) != 1 || types[0] != model.Green {
		t.Errorf("Expected [green], got %v (%v)", types, err)
	}
	if cfg.Reference.Category(model.Green) != "green_taxi" {
		t.Errorf("Expected default green category, got %s", cfg.Reference.Category(model.Green))
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"engine":         "storage:\n  engine: postgres\n",
		"years":          "ingest:\n  start_year: 2024\n  end_year: 2015\n",
		"source":         "ingest:\n  sources: [blue]\n",
		"no sources":     "ingest:\n  sources: []\n",
		"template":       "fetch:\n  url_template: https://example.com/data.parquet\n",
		"concurrency":    "fetch:\n  concurrency: 0\n",
		"policy":         "transform:\n  on_missing_factor: ignore\n",
		"scale":          "reference:\n  coefficient_scale: 0\n",
		"negative pause": "fetch:\n  pause: -1s\n",
		"yaml":           "storage: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Errorf("Expected error for invalid %s, got nil", name)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected read error, got %v", err)
	}
}

func TestCategoryFallsBackToTaxiName(t *testing.T) {
	ref := ReferenceConfig{Categories: map[string]string{"yellow": "yellow_taxi"}}
	if got := ref.Category(model.Green); got != "green" {
		t.Errorf("Expected fallback category green, got %s", got)
	}
}
