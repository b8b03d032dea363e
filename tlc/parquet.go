package tlc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

const (
	ColumnPassengerCount = "passenger_count"
	ColumnTripDistance   = "trip_distance"

	batchSize = 64 * 1024
)

// DecodeStats counts what a decode produced.
type DecodeStats struct {
	Rows    int64 // rows emitted
	Skipped int64 // rows without a pickup, dropoff or distance
}

// DecodeParquet reads a trip partition file and emits its rows in batches,
// renaming the source-specific pickup/dropoff columns of t to the canonical
// RawTrip fields. Only the four needed columns are read.
func DecodeParquet(ctx context.Context, data []byte, t model.TaxiType, emit func([]model.RawTrip) error) (DecodeStats, error) {
	var stats DecodeStats

	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return stats, fmt.Errorf("failed to open parquet: %w", err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: batchSize}, memory.DefaultAllocator)
	if err != nil {
		return stats, fmt.Errorf("failed to create arrow reader: %w", err)
	}
	schema, err := fr.Schema()
	if err != nil {
		return stats, fmt.Errorf("failed to read parquet schema: %w", err)
	}

	names := []string{t.PickupColumn(), t.DropoffColumn(), ColumnPassengerCount, ColumnTripDistance}
	indices := make([]int, 0, len(names))
	for _, name := range names {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return stats, fmt.Errorf("parquet file has no %q column", name)
		}
		indices = append(indices, idx[0])
	}

	rr, err := fr.GetRecordReader(ctx, indices, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to create record reader: %w", err)
	}
	defer rr.Release()

	for rr.Next() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, skipped, err := convertRecord(rr.Record(), names)
		if err != nil {
			return stats, err
		}
		stats.Skipped += skipped
		if len(batch) == 0 {
			continue
		}
		if err := emit(batch); err != nil {
			return stats, err
		}
		stats.Rows += int64(len(batch))
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return stats, fmt.Errorf("failed to read parquet records: %w", err)
	}
	return stats, nil
}

func convertRecord(rec arrow.Record, names []string) ([]model.RawTrip, int64, error) {
	col := func(name string) (arrow.Array, error) {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("record has no %q column", name)
		}
		return rec.Column(idx[0]), nil
	}

	var cols [4]arrow.Array
	for i, name := range names {
		c, err := col(name)
		if err != nil {
			return nil, 0, err
		}
		cols[i] = c
	}

	pickup, err := timestampValues(cols[0])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", names[0], err)
	}
	dropoff, err := timestampValues(cols[1])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", names[1], err)
	}
	passengers, err := intValues(cols[2])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", names[2], err)
	}
	distance, err := floatValues(cols[3])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", names[3], err)
	}

	n := int(rec.NumRows())
	trips := make([]model.RawTrip, 0, n)
	var skipped int64
	for i := 0; i < n; i++ {
		pu, ok1 := pickup(i)
		do, ok2 := dropoff(i)
		d, ok3 := distance(i)
		if !ok1 || !ok2 || !ok3 {
			skipped++
			continue
		}
		trip := model.RawTrip{PickupDatetime: pu, DropoffDatetime: do, TripDistance: d}
		if pc, ok := passengers(i); ok {
			trip.PassengerCount = &pc
		}
		trips = append(trips, trip)
	}
	return trips, skipped, nil
}

// timestampValues reads timestamp columns of any unit as UTC wall time.
func timestampValues(a arrow.Array) (func(int) (time.Time, bool), error) {
	switch arr := a.(type) {
	case *array.Timestamp:
		unit := arr.DataType().(*arrow.TimestampType).Unit
		return func(i int) (time.Time, bool) {
			if arr.IsNull(i) {
				return time.Time{}, false
			}
			return arr.Value(i).ToTime(unit).UTC(), true
		}, nil
	case *array.Date64:
		return func(i int) (time.Time, bool) {
			if arr.IsNull(i) {
				return time.Time{}, false
			}
			return arr.Value(i).ToTime().UTC(), true
		}, nil
	}
	return nil, fmt.Errorf("unsupported timestamp type %s", a.DataType())
}

// intValues accepts the integer and float encodings passenger_count has had
// over the years; floats are rounded.
func intValues(a arrow.Array) (func(int) (int64, bool), error) {
	switch arr := a.(type) {
	case *array.Int64:
		return func(i int) (int64, bool) { return arr.Value(i), arr.IsValid(i) }, nil
	case *array.Int32:
		return func(i int) (int64, bool) { return int64(arr.Value(i)), arr.IsValid(i) }, nil
	case *array.Int16:
		return func(i int) (int64, bool) { return int64(arr.Value(i)), arr.IsValid(i) }, nil
	case *array.Int8:
		return func(i int) (int64, bool) { return int64(arr.Value(i)), arr.IsValid(i) }, nil
	case *array.Float64:
		return func(i int) (int64, bool) {
			v := arr.Value(i)
			return int64(math.Round(v)), arr.IsValid(i) && !math.IsNaN(v)
		}, nil
	case *array.Float32:
		return func(i int) (int64, bool) {
			v := float64(arr.Value(i))
			return int64(math.Round(v)), arr.IsValid(i) && !math.IsNaN(v)
		}, nil
	}
	return nil, fmt.Errorf("unsupported integer type %s", a.DataType())
}

func floatValues(a arrow.Array) (func(int) (float64, bool), error) {
	switch arr := a.(type) {
	case *array.Float64:
		return func(i int) (float64, bool) {
			v := arr.Value(i)
			return v, arr.IsValid(i) && !math.IsNaN(v)
		}, nil
	case *array.Float32:
		return func(i int) (float64, bool) {
			v := float64(arr.Value(i))
			return v, arr.IsValid(i) && !math.IsNaN(v)
		}, nil
	case *array.Int64:
		return func(i int) (float64, bool) { return float64(arr.Value(i)), arr.IsValid(i) }, nil
	case *array.Int32:
		return func(i int) (float64, bool) { return float64(arr.Value(i)), arr.IsValid(i) }, nil
	}
	return nil, fmt.Errorf("unsupported float type %s", a.DataType())
}
