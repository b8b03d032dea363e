package tripstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline/pipelinetest"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

var pickup = time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC)

func TestSetupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := pipelinetest.Config(t)
	pc, _ := pipelinetest.Setup(t, cfg)

	pipelinetest.Insert(t, pc.Store, model.Yellow, pipelinetest.Trip(pickup, time.Minute, nil, 1))

	require.NoError(t, pc.Store.Setup(ctx, cfg.Reference))

	counts, err := pc.Store.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.TableCount{
		{Table: tripstore.TableYellowTrips, Rows: 0},
		{Table: tripstore.TableGreenTrips, Rows: 0},
		{Table: tripstore.TableVehicleEmissions, Rows: 2},
	}, counts)

	factors, err := pc.Store.Factors(ctx)
	require.NoError(t, err)
	require.Len(t, factors, 2)
	assert.Equal(t, "green_taxi", factors[0].VehicleType)
	assert.InDelta(t, 0.5, factors[0].CO2KgPerMile, 1e-12)
}

func TestSetupFailures(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"missing column", "vehicle_type,kg\nyellow_taxi,1\n"},
		{"duplicate category", "vehicle_type,co2_grams_per_mile\nyellow_taxi,1\nyellow_taxi,2\n"},
		{"non-numeric coefficient", "vehicle_type,co2_grams_per_mile\nyellow_taxi,lots\n"},
		{"empty category", "vehicle_type,co2_grams_per_mile\n,1\n"},
		{"header only", "vehicle_type,co2_grams_per_mile\n"},
		{"empty file", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pipelinetest.Config(t)
			cfg.Reference.Path = pipelinetest.WriteFile(t, t.TempDir(), "ref.csv", tt.csv)
			pc, _ := pipelinetest.NewContext(t, cfg)

			err := pc.Store.Setup(context.Background(), cfg.Reference)
			if !errors.Is(err, tripstore.ErrSetup) {
				t.Errorf("Expected ErrSetup, got %v", err)
			}
		})
	}
}

func TestSetupMissingReferenceFile(t *testing.T) {
	cfg := pipelinetest.Config(t)
	cfg.Reference.Path = filepath.Join(t.TempDir(), "nope.csv")
	pc, _ := pipelinetest.NewContext(t, cfg)

	err := pc.Store.Setup(context.Background(), cfg.Reference)
	assert.ErrorIs(t, err, tripstore.ErrSetup)
}

func TestReferenceTrimsBOMAndWhitespace(t *testing.T) {
	cfg := pipelinetest.Config(t)
	cfg.Reference.Path = pipelinetest.WriteFile(t, t.TempDir(), "ref.csv",
		"\ufeffvehicle_type, co2_grams_per_mile\n yellow_taxi , 250 \n\ngreen_taxi,100\n")

	factors, err := tripstore.LoadReference(cfg.Reference)
	require.NoError(t, err)
	require.Len(t, factors, 2)
	assert.Equal(t, "yellow_taxi", factors[0].VehicleType)
	assert.InDelta(t, 0.25, factors[0].CO2KgPerMile, 1e-12)
	assert.InDelta(t, 0.1, factors[1].CO2KgPerMile, 1e-12)
}

func TestAppendRollbackLeavesNothing(t *testing.T) {
	ctx := context.Background()
	pc, _ := pipelinetest.Setup(t, pipelinetest.Config(t))

	app, err := pc.Store.BeginAppend(ctx, model.Green)
	require.NoError(t, err)
	require.NoError(t, app.Append(ctx, []model.RawTrip{pipelinetest.Trip(pickup, time.Minute, nil, 2)}))
	app.Rollback()

	n, err := pc.Store.Count(ctx, tripstore.TableGreenTrips)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadOnlyStoreRefusesWrites(t *testing.T) {
	for _, name := range pipelinetest.Engines {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cfg := pipelinetest.ConfigFor(t, name)
			pc, _ := pipelinetest.Setup(t, cfg)
			pipelinetest.Insert(t, pc.Store, model.Yellow, pipelinetest.Trip(pickup, time.Minute, pipelinetest.Passengers(1), 1))
			// DuckDB allows one configuration per file and process.
			require.NoError(t, pc.Close())

			engine, err := tripstore.ParseEngine(name)
			require.NoError(t, err)
			ro, err := tripstore.OpenReadOnly(ctx, engine, cfg.Storage.Path)
			require.NoError(t, err)
			defer ro.Close()
			assert.True(t, ro.ReadOnly())

			for _, stmt := range []string{"DELETE FROM yellow_trips", "DROP TABLE yellow_trips"} {
				_, err = ro.DB().ExecContext(ctx, stmt)
				require.Error(t, err, stmt)
				assert.True(t, tripstore.IsReadOnly(err), "expected a read-only error, got %v", err)
				assert.ErrorIs(t, tripstore.WrapReadOnly(err), tripstore.ErrReadOnly)
			}

			_, err = ro.BeginAppend(ctx, model.Yellow)
			assert.ErrorIs(t, err, tripstore.ErrReadOnly)
			assert.ErrorIs(t, ro.Setup(ctx, cfg.Reference), tripstore.ErrReadOnly)

			n, err := ro.Count(ctx, tripstore.TableYellowTrips)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}

func TestIsReadOnlyIgnoresOtherErrors(t *testing.T) {
	assert.False(t, tripstore.IsReadOnly(nil))
	assert.False(t, tripstore.IsReadOnly(errors.New("no such table: yellow_trips")))
	assert.NoError(t, tripstore.WrapReadOnly(nil))
}

func TestCountRejectsUnknownTable(t *testing.T) {
	pc, _ := pipelinetest.Setup(t, pipelinetest.Config(t))
	_, err := pc.Store.Count(context.Background(), "sqlite_master; DROP TABLE yellow_trips")
	assert.Error(t, err)
}

func TestParseEngine(t *testing.T) {
	for _, s := range []string{"duckdb", "DuckDB", "sqlite"} {
		_, err := tripstore.ParseEngine(s)
		assert.NoError(t, err, s)
	}
	_, err := tripstore.ParseEngine("postgres")
	assert.Error(t, err)
}

func TestCalendarAndDuration(t *testing.T) {
	for _, name := range pipelinetest.Engines {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pc, _ := pipelinetest.Setup(t, pipelinetest.ConfigFor(t, name))
			pipelinetest.Insert(t, pc.Store, model.Yellow,
				pipelinetest.Trip(pickup, 86400*time.Second, nil, 1),
				pipelinetest.Trip(pickup.Add(200*time.Millisecond), 86400700*time.Millisecond, nil, 2),
				pipelinetest.Trip(time.Date(2021, 1, 1, 8, 0, 0, 0, time.UTC), 90*time.Second, nil, 3),
			)

			engine := pc.Store.Engine()
			cal := engine.Calendar("pickup_datetime")
			type row struct {
				Hour     int     `db:"hour"`
				Dow      int     `db:"dow"`
				Week     int     `db:"week"`
				Month    int     `db:"month"`
				Year     int     `db:"year"`
				Duration float64 `db:"duration"`
			}
			var rows []row
			err := pc.Store.DB().SelectContext(ctx, &rows, `
				SELECT `+cal.Hour+` AS hour, `+cal.DayOfWeek+` AS dow, `+cal.Week+` AS week,
					`+cal.Month+` AS month, `+cal.Year+` AS year,
					`+engine.DurationSeconds("pickup_datetime", "dropoff_datetime")+` AS duration
				FROM yellow_trips ORDER BY trip_distance`)
			require.NoError(t, err)

			assert.Equal(t, []row{
				{Hour: 14, Dow: 4, Week: 24, Month: 6, Year: 2023, Duration: 86400},
				{Hour: 14, Dow: 4, Week: 24, Month: 6, Year: 2023, Duration: 86400.7},
				{Hour: 8, Dow: 5, Week: 53, Month: 1, Year: 2021, Duration: 90},
			}, rows)
		})
	}
}
