package transformer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notLeoHirano/taxi-emissions-etl/config"
	"github.com/notLeoHirano/taxi-emissions-etl/metrics"
	"github.com/notLeoHirano/taxi-emissions-etl/model"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// ErrMissingFactor means a taxi type has no row in vehicle_emissions.
var ErrMissingFactor = errors.New("missing emission factor")

const transformTripsSchema = `
CREATE TABLE transform_trips (
	pickup_datetime TIMESTAMP,
	dropoff_datetime TIMESTAMP,
	passenger_count INTEGER,
	trip_distance DOUBLE,
	taxi_type VARCHAR NOT NULL,
	trip_co2_kgs DOUBLE NOT NULL,
	trip_hour INTEGER NOT NULL,
	trip_day_of_week INTEGER NOT NULL,
	trip_week_number INTEGER NOT NULL,
	trip_month INTEGER NOT NULL,
	trip_year INTEGER NOT NULL
)`

// SourceRows is the fact row count contributed by one taxi type.
type SourceRows struct {
	Taxi     model.TaxiType
	Category string
	Rows     int64
}

type TransformReport struct {
	Loaded  []SourceRows
	Skipped []SourceRows // excluded under the skip policy; Rows is what was left out
}

// Rows is the size of the rebuilt fact table.
func (r *TransformReport) Rows() int64 {
	var n int64
	for _, s := range r.Loaded {
		n += s.Rows
	}
	return n
}

// Transformer rebuilds transform_trips from the cleaned raw tables.
type Transformer struct {
	store   *tripstore.Store
	ref     config.ReferenceConfig
	policy  string
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(pc *pipeline.Context) *Transformer {
	return &Transformer{
		store:   pc.Store,
		ref:     pc.Config.Reference,
		policy:  pc.Config.Transform.OnMissingFactor,
		log:     pc.Log.Named("transform"),
		metrics: pc.Metrics,
	}
}

// Transform drops and rebuilds transform_trips in one transaction. Factors
// are resolved before anything is written, so under the fail policy a missing
// factor leaves the previous fact table untouched.
func (t *Transformer) Transform(ctx context.Context) (*TransformReport, error) {
	start := time.Now()
	factors, err := t.store.Factors(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(factors))
	for _, f := range factors {
		known[f.VehicleType] = true
	}

	report := &TransformReport{}
	var include []SourceRows
	for _, taxi := range model.TaxiTypes {
		src := SourceRows{Taxi: taxi, Category: t.ref.Category(taxi)}
		if known[src.Category] {
			include = append(include, src)
			continue
		}
		if t.policy != config.PolicySkip {
			return nil, fmt.Errorf("%w: %s taxis map to %q", ErrMissingFactor, taxi, src.Category)
		}
		n, err := t.store.Count(ctx, tripstore.RawTable(taxi))
		if err != nil {
			return nil, err
		}
		src.Rows = n
		report.Skipped = append(report.Skipped, src)
		t.log.Warn("No emission factor, excluding taxi type",
			zap.String("taxi_type", taxi.String()),
			zap.String("vehicle_type", src.Category),
			zap.Int64("rows", n))
	}

	tx, err := t.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tripstore.WrapReadOnly(err))
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DROP TABLE IF EXISTS " + tripstore.TableTransformTrips, transformTripsSchema} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to recreate %s: %w", tripstore.TableTransformTrips, tripstore.WrapReadOnly(err))
		}
	}

	for _, src := range include {
		res, err := tx.ExecContext(ctx, insertFacts(t.store.Engine(), src.Taxi), src.Category)
		if err != nil {
			return nil, fmt.Errorf("failed to transform %s trips: %w", src.Taxi, err)
		}
		if src.Rows, err = res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("failed to read transformed row count: %w", err)
		}
		report.Loaded = append(report.Loaded, src)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, src := range report.Loaded {
		t.metrics.RowsFact.WithLabelValues(src.Taxi.String()).Add(float64(src.Rows))
		t.log.Info("Transformed trips", zap.String("taxi_type", src.Taxi.String()), zap.Int64("rows", src.Rows))
	}
	t.metrics.ObserveStage("transform", start)
	return report, nil
}

// insertFacts joins one raw table with its factor row. Calendar fields come
// from the pickup time. The taxi type literal comes from the closed enum.
func insertFacts(engine tripstore.Engine, taxi model.TaxiType) string {
	cal := engine.Calendar("r.pickup_datetime")
	return `
		INSERT INTO transform_trips
		(pickup_datetime, dropoff_datetime, passenger_count, trip_distance, taxi_type, trip_co2_kgs,
		 trip_hour, trip_day_of_week, trip_week_number, trip_month, trip_year)
		SELECT
			r.pickup_datetime, r.dropoff_datetime, r.passenger_count, r.trip_distance, '` + taxi.String() + `',
			r.trip_distance * e.co2_kg_per_mile,
			` + cal.Hour + `, ` + cal.DayOfWeek + `, ` + cal.Week + `, ` + cal.Month + `, ` + cal.Year + `
		FROM ` + tripstore.RawTable(taxi) + ` AS r
		JOIN vehicle_emissions AS e ON e.vehicle_type = ?
	`
}
