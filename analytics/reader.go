package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// ErrNoTrips means the fact table holds nothing for the requested taxi type.
var ErrNoTrips = errors.New("no trips")

// Bucket is a time dimension of the fact table that averages are grouped by.
type Bucket string

const (
	BucketNone      Bucket = "none"
	BucketHour      Bucket = "hour"
	BucketDayOfWeek Bucket = "day_of_week"
	BucketWeek      Bucket = "week"
	BucketMonth     Bucket = "month"
)

// Buckets lists the grouped dimensions in report order.
var Buckets = []Bucket{BucketHour, BucketDayOfWeek, BucketWeek, BucketMonth}

var bucketColumns = map[Bucket]string{
	BucketHour:      "trip_hour",
	BucketDayOfWeek: "trip_day_of_week",
	BucketWeek:      "trip_week_number",
	BucketMonth:     "trip_month",
}

// BucketAverage is the mean trip CO2 of one bucket value.
type BucketAverage struct {
	Bucket int     `db:"bucket"`
	AvgCO2 float64 `db:"avg_co2"`
	Trips  int64   `db:"trips"`
}

// Extremes are the heaviest and lightest buckets by average trip CO2. For
// BucketNone they hold the single heaviest and lightest trip values.
type Extremes struct {
	Taxi     model.TaxiType
	Bucket   Bucket
	Average  float64
	Heaviest BucketAverage
	Lightest BucketAverage
}

// MonthlyTotal is the summed CO2 of one taxi type in one calendar month.
type MonthlyTotal struct {
	Year     int     `db:"trip_year"`
	Month    int     `db:"trip_month"`
	TaxiType string  `db:"taxi_type"`
	TotalCO2 float64 `db:"total_co2"`
}

// Reader answers questions about transform_trips over a read-only store.
type Reader struct {
	store *tripstore.Store
}

// Open opens path read-only. Any write through the reader is refused by the engine.
func Open(ctx context.Context, engine tripstore.Engine, path string) (*Reader, error) {
	store, err := tripstore.OpenReadOnly(ctx, engine, path)
	if err != nil {
		return nil, err
	}
	return &Reader{store: store}, nil
}

// NewReader wraps an already open store, which must be read-only.
func NewReader(store *tripstore.Store) (*Reader, error) {
	if !store.ReadOnly() {
		return nil, fmt.Errorf("analytics reader needs a read-only store, got read-write %s", store.Path())
	}
	return &Reader{store: store}, nil
}

func (r *Reader) Store() *tripstore.Store { return r.store }

func (r *Reader) Close() error { return r.store.Close() }

// LargestTrip returns the single highest CO2 trip of a taxi type.
func (r *Reader) LargestTrip(ctx context.Context, taxi model.TaxiType) (*model.TripFact, error) {
	var trip model.TripFact
	err := r.store.DB().GetContext(ctx, &trip, `
		SELECT pickup_datetime, dropoff_datetime, passenger_count, trip_distance, taxi_type, trip_co2_kgs,
			trip_hour, trip_day_of_week, trip_week_number, trip_month, trip_year
		FROM transform_trips
		WHERE taxi_type = ?
		ORDER BY trip_co2_kgs DESC, pickup_datetime ASC
		LIMIT 1
	`, taxi.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for %s taxis", ErrNoTrips, taxi)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query largest %s trip: %w", taxi, err)
	}
	return &trip, nil
}

// Extremes finds the buckets with the highest and lowest average trip CO2.
// Ties go to the lowest bucket value.
func (r *Reader) Extremes(ctx context.Context, taxi model.TaxiType, bucket Bucket) (*Extremes, error) {
	if bucket == BucketNone {
		return r.overall(ctx, taxi)
	}
	col, ok := bucketColumns[bucket]
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}

	query := func(order string) string {
		return `
			SELECT ` + col + ` AS bucket, AVG(trip_co2_kgs) AS avg_co2, COUNT(*) AS trips
			FROM transform_trips
			WHERE taxi_type = ?
			GROUP BY ` + col + `
			ORDER BY avg_co2 ` + order + `, bucket ASC
			LIMIT 1`
	}

	ext := &Extremes{Taxi: taxi, Bucket: bucket}
	db := r.store.DB()
	err := db.GetContext(ctx, &ext.Heaviest, query("DESC"), taxi.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for %s taxis", ErrNoTrips, taxi)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query heaviest %s: %w", bucket, err)
	}
	if err := db.GetContext(ctx, &ext.Lightest, query("ASC"), taxi.String()); err != nil {
		return nil, fmt.Errorf("failed to query lightest %s: %w", bucket, err)
	}
	if err := db.GetContext(ctx, &ext.Average,
		"SELECT AVG(trip_co2_kgs) FROM transform_trips WHERE taxi_type = ?", taxi.String()); err != nil {
		return nil, fmt.Errorf("failed to query average: %w", err)
	}
	return ext, nil
}

func (r *Reader) overall(ctx context.Context, taxi model.TaxiType) (*Extremes, error) {
	var row struct {
		Trips int64           `db:"trips"`
		Avg   sql.NullFloat64 `db:"avg_co2"`
		Min   sql.NullFloat64 `db:"min_co2"`
		Max   sql.NullFloat64 `db:"max_co2"`
	}
	err := r.store.DB().GetContext(ctx, &row, `
		SELECT COUNT(*) AS trips, AVG(trip_co2_kgs) AS avg_co2,
			MIN(trip_co2_kgs) AS min_co2, MAX(trip_co2_kgs) AS max_co2
		FROM transform_trips
		WHERE taxi_type = ?
	`, taxi.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s totals: %w", taxi, err)
	}
	if row.Trips == 0 {
		return nil, fmt.Errorf("%w for %s taxis", ErrNoTrips, taxi)
	}
	return &Extremes{
		Taxi:     taxi,
		Bucket:   BucketNone,
		Average:  row.Avg.Float64,
		Heaviest: BucketAverage{AvgCO2: row.Max.Float64, Trips: row.Trips},
		Lightest: BucketAverage{AvgCO2: row.Min.Float64, Trips: row.Trips},
	}, nil
}

// MonthlyTotals sums trip CO2 per (year, month, taxi type) for pickup years
// in [fromYear, toYear]. Months without trips are absent.
func (r *Reader) MonthlyTotals(ctx context.Context, fromYear, toYear int) ([]MonthlyTotal, error) {
	var totals []MonthlyTotal
	err := r.store.DB().SelectContext(ctx, &totals, `
		SELECT trip_year, trip_month, taxi_type, SUM(trip_co2_kgs) AS total_co2
		FROM transform_trips
		WHERE trip_year BETWEEN ? AND ?
		GROUP BY trip_year, trip_month, taxi_type
		ORDER BY trip_year, trip_month, taxi_type
	`, fromYear, toYear)
	if err != nil {
		return nil, fmt.Errorf("failed to query monthly totals: %w", err)
	}
	return totals, nil
}
