package cleaner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notLeoHirano/taxi-emissions-etl/cleaner"
	"github.com/notLeoHirano/taxi-emissions-etl/model"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline/pipelinetest"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

var (
	pickup = time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC)
	one    = pipelinetest.Passengers(1)
	trip   = pipelinetest.Trip
)

// dirtyTrips has one row per rule plus boundary rows that must survive.
func dirtyTrips() []model.RawTrip {
	return []model.RawTrip{
		trip(pickup, 10*time.Minute, one, 2.5),                                    // keep
		trip(pickup, 10*time.Minute, one, 2.5),                                    // duplicate
		trip(pickup, 10*time.Minute, pipelinetest.Passengers(0), 1),               // zero passengers
		trip(pickup, 10*time.Minute, nil, 1.2),                                    // keep: unknown passengers
		trip(pickup, 10*time.Minute, one, 0),                                      // zero distance
		trip(pickup, 10*time.Minute, one, -3),                                     // negative distance
		trip(pickup, 10*time.Minute, one, 100),                                    // keep: boundary
		trip(pickup, 10*time.Minute, one, 100.01),                                 // too far
		trip(pickup, 86400*time.Second, one, 4),                                   // keep: exactly one day
		trip(pickup.Add(time.Second), 86401*time.Second, one, 4),                  // longer than a day
		trip(pickup.Add(200*time.Millisecond), 86400700*time.Millisecond, one, 5), // longer by a fraction
	}
}

func TestCleanRemovesEachViolation(t *testing.T) {
	for _, engine := range pipelinetest.Engines {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			pc, _ := pipelinetest.Setup(t, pipelinetest.ConfigFor(t, engine))
			pipelinetest.Insert(t, pc.Store, model.Yellow, dirtyTrips()...)

			report, err := cleaner.New(pc).Clean(ctx, []string{tripstore.TableYellowTrips, tripstore.TableGreenTrips})
			require.NoError(t, err)
			require.Len(t, report.Tables, 2)

			yellow := report.Tables[0]
			assert.EqualValues(t, 11, yellow.Before)
			assert.EqualValues(t, 4, yellow.After)
			assert.Equal(t, []cleaner.RuleResult{
				{Rule: cleaner.RuleDuplicates, Rows: 1},
				{Rule: "zero_passengers", Rows: 1},
				{Rule: "non_positive_distance", Rows: 2},
				{Rule: "distance_over_100", Rows: 1},
				{Rule: "duration_over_day", Rows: 2},
			}, yellow.Removed)
			assert.EqualValues(t, 2, report.RemovedBy(tripstore.TableYellowTrips, "non_positive_distance"))

			var rows []model.RawTrip
			require.NoError(t, pc.Store.DB().SelectContext(ctx, &rows,
				"SELECT * FROM yellow_trips ORDER BY trip_distance"))
			distances := make([]float64, len(rows))
			for i, r := range rows {
				distances[i] = r.TripDistance
			}
			assert.Equal(t, []float64{1.2, 2.5, 4, 100}, distances)
			assert.Nil(t, rows[0].PassengerCount, "NULL passenger count must survive as NULL")

			assert.Equal(t, 2.0, testutil.ToFloat64(
				pc.Metrics.RowsRemoved.WithLabelValues(tripstore.TableYellowTrips, "duration_over_day")))
		})
	}
}

func TestVerifyCatchesFractionalOverrun(t *testing.T) {
	for _, engine := range pipelinetest.Engines {
		t.Run(engine, func(t *testing.T) {
			pc, _ := pipelinetest.Setup(t, pipelinetest.ConfigFor(t, engine))
			pipelinetest.Insert(t, pc.Store, model.Yellow,
				trip(pickup.Add(200*time.Millisecond), 86400700*time.Millisecond, one, 5),
				trip(pickup, 86400*time.Second, one, 4),
			)

			err := cleaner.New(pc).Verify(context.Background(), tripstore.TableYellowTrips)
			var verr *cleaner.VerificationError
			require.True(t, errors.As(err, &verr), "expected VerificationError, got %v", err)
			assert.Equal(t, map[string]int64{"duration_over_day": 1}, verr.Violations)
		})
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pc, _ := pipelinetest.Setup(t, pipelinetest.Config(t))
	pipelinetest.Insert(t, pc.Store, model.Green, dirtyTrips()...)
	c := cleaner.New(pc)

	first, err := c.Clean(ctx, []string{tripstore.TableGreenTrips})
	require.NoError(t, err)
	second, err := c.Clean(ctx, []string{tripstore.TableGreenTrips})
	require.NoError(t, err)

	assert.Equal(t, first.Tables[0].After, second.Tables[0].Before)
	assert.Equal(t, second.Tables[0].Before, second.Tables[0].After)
	for _, r := range second.Tables[0].Removed {
		assert.Zero(t, r.Rows, r.Rule)
	}
}

func TestCleanKeepsSubsetOfRows(t *testing.T) {
	ctx := context.Background()
	pc, _ := pipelinetest.Setup(t, pipelinetest.Config(t))
	pipelinetest.Insert(t, pc.Store, model.Yellow, dirtyTrips()...)

	_, err := cleaner.New(pc).Clean(ctx, []string{tripstore.TableYellowTrips})
	require.NoError(t, err)

	var cleaned []model.RawTrip
	require.NoError(t, pc.Store.DB().SelectContext(ctx, &cleaned, "SELECT * FROM yellow_trips"))
	for _, c := range cleaned {
		found := false
		for _, d := range dirtyTrips() {
			if d.PickupDatetime.Equal(c.PickupDatetime) && d.DropoffDatetime.Equal(c.DropoffDatetime) &&
				d.TripDistance == c.TripDistance {
				found = true
				break
			}
		}
		assert.True(t, found, "cleaned row %+v was not in the input", c)
	}
}

func TestVerifyReportsViolations(t *testing.T) {
	ctx := context.Background()
	pc, _ := pipelinetest.Setup(t, pipelinetest.Config(t))
	pipelinetest.Insert(t, pc.Store, model.Yellow,
		trip(pickup, time.Minute, one, 150),
		trip(pickup, time.Minute, one, 1),
		trip(pickup, time.Minute, one, 1),
	)

	err := cleaner.New(pc).Verify(ctx, tripstore.TableYellowTrips)
	var verr *cleaner.VerificationError
	require.True(t, errors.As(err, &verr), "expected VerificationError, got %v", err)
	assert.Equal(t, tripstore.TableYellowTrips, verr.Table)
	assert.Equal(t, map[string]int64{cleaner.RuleDuplicates: 1, "distance_over_100": 1}, verr.Violations)
	assert.Contains(t, verr.Error(), "distance_over_100=1")
}

func TestCleanRejectsOtherTables(t *testing.T) {
	pc, _ := pipelinetest.Setup(t, pipelinetest.Config(t))
	_, err := cleaner.New(pc).Clean(context.Background(), []string{tripstore.TableVehicleEmissions})
	assert.Error(t, err)
}
