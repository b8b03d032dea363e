package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

// Config holds all configuration for a pipeline run.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Reference ReferenceConfig `yaml:"reference"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Transform TransformConfig `yaml:"transform"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Chart     ChartConfig     `yaml:"chart"`
}

// StorageConfig selects the database engine and file.
type StorageConfig struct {
	Engine string `yaml:"engine"` // duckdb or sqlite
	Path   string `yaml:"path"`
}

// ReferenceConfig describes the emissions reference CSV.
type ReferenceConfig struct {
	Path              string            `yaml:"path"`
	CategoryColumn    string            `yaml:"category_column"`
	CoefficientColumn string            `yaml:"coefficient_column"`
	CoefficientScale  float64           `yaml:"coefficient_scale"`
	Categories        map[string]string `yaml:"categories"` // taxi type -> vehicle_type value
}

// IngestConfig is the partition key space.
type IngestConfig struct {
	Sources   []string `yaml:"sources"`
	StartYear int      `yaml:"start_year"`
	EndYear   int      `yaml:"end_year"`
}

// FetchConfig controls how partitions are pulled from the remote source.
type FetchConfig struct {
	URLTemplate   string        `yaml:"url_template"`
	Timeout       time.Duration `yaml:"timeout"`
	Pause         time.Duration `yaml:"pause"`
	Concurrency   int           `yaml:"concurrency"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// TransformConfig holds the missing-factor policy: "fail" or "skip".
type TransformConfig struct {
	OnMissingFactor string `yaml:"on_missing_factor"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // console or json
	File     string `yaml:"file"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type ChartConfig struct {
	Path      string `yaml:"path"`
	StartYear int    `yaml:"start_year"`
	EndYear   int    `yaml:"end_year"`
}

const (
	EngineDuckDB = "duckdb"
	EngineSQLite = "sqlite"

	PolicyFail = "fail"
	PolicySkip = "skip"

	DefaultURLTemplate = "https://d37ci6vzurychx.cloudfront.net/trip-data/{taxi}_tripdata_{year}-{month}.parquet"
)

// Default returns the configuration used when no file is given. It mirrors the
// 2015-2024 yellow/green load against the public TLC bucket.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Engine: EngineDuckDB, Path: "emissions.duckdb"},
		Reference: ReferenceConfig{
			Path:              "data/vehicle_emissions.csv",
			CategoryColumn:    "vehicle_type",
			CoefficientColumn: "co2_grams_per_mile",
			CoefficientScale:  0.001,
			Categories: map[string]string{
				"yellow": "yellow_taxi",
				"green":  "green_taxi",
			},
		},
		Ingest: IngestConfig{
			Sources:   []string{"yellow", "green"},
			StartYear: 2015,
			EndYear:   2024,
		},
		Fetch: FetchConfig{
			URLTemplate:   DefaultURLTemplate,
			Timeout:       5 * time.Minute,
			Pause:         30 * time.Second,
			Concurrency:   1,
			MaxAttempts:   3,
			RetryInterval: 2 * time.Second,
		},
		Transform: TransformConfig{OnMissingFactor: PolicyFail},
		Log:       LogConfig{Level: "info", Encoding: "console"},
		Chart: ChartConfig{
			Path:      "output/monthly_co2_emissions_2015_2024.png",
			StartYear: 2015,
			EndYear:   2024,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EngineDuckDB, EngineSQLite:
	default:
		return fmt.Errorf("storage.engine must be %q or %q, got %q", EngineDuckDB, EngineSQLite, c.Storage.Engine)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Reference.Path == "" {
		return fmt.Errorf("reference.path is required")
	}
	if c.Reference.CategoryColumn == "" || c.Reference.CoefficientColumn == "" {
		return fmt.Errorf("reference.category_column and reference.coefficient_column are required")
	}
	if c.Reference.CoefficientScale <= 0 {
		return fmt.Errorf("reference.coefficient_scale must be positive, got %v", c.Reference.CoefficientScale)
	}
	if _, err := c.TaxiTypes(); err != nil {
		return err
	}
	if c.Ingest.StartYear > c.Ingest.EndYear {
		return fmt.Errorf("ingest.start_year %d is after ingest.end_year %d", c.Ingest.StartYear, c.Ingest.EndYear)
	}
	if !strings.Contains(c.Fetch.URLTemplate, "{taxi}") ||
		!strings.Contains(c.Fetch.URLTemplate, "{year}") ||
		!strings.Contains(c.Fetch.URLTemplate, "{month}") {
		return fmt.Errorf("fetch.url_template must contain {taxi}, {year} and {month}: %q", c.Fetch.URLTemplate)
	}
	if c.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be at least 1, got %d", c.Fetch.Concurrency)
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be at least 1, got %d", c.Fetch.MaxAttempts)
	}
	if c.Fetch.Pause < 0 {
		return fmt.Errorf("fetch.pause must not be negative")
	}
	if c.Chart.StartYear > c.Chart.EndYear {
		return fmt.Errorf("chart.start_year %d is after chart.end_year %d", c.Chart.StartYear, c.Chart.EndYear)
	}
	switch c.Transform.OnMissingFactor {
	case PolicyFail, PolicySkip:
	default:
		return fmt.Errorf("transform.on_missing_factor must be %q or %q, got %q",
			PolicyFail, PolicySkip, c.Transform.OnMissingFactor)
	}
	return nil
}

// TaxiTypes parses ingest.sources.
func (c *Config) TaxiTypes() ([]model.TaxiType, error) {
	if len(c.Ingest.Sources) == 0 {
		return nil, fmt.Errorf("ingest.sources must not be empty")
	}
	seen := make(map[model.TaxiType]bool)
	var out []model.TaxiType
	for _, s := range c.Ingest.Sources {
		t, err := model.ParseTaxiType(s)
		if err != nil {
			return nil, fmt.Errorf("ingest.sources: %w", err)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// Category returns the vehicle_type value that carries the factor for a taxi
// type. Unmapped taxi types fall back to their own name.
func (c *ReferenceConfig) Category(t model.TaxiType) string {
	if v, ok := c.Categories[t.String()]; ok && v != "" {
		return v
	}
	return t.String()
}
