package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notLeoHirano/taxi-emissions-etl/config"
	"github.com/notLeoHirano/taxi-emissions-etl/ingest"
	"github.com/notLeoHirano/taxi-emissions-etl/model"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline/pipelinetest"
	"github.com/notLeoHirano/taxi-emissions-etl/tlc"
	"github.com/notLeoHirano/taxi-emissions-etl/tlc/tlctest"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// publishYear puts rowsPerMonth trips for every month of year on the host.
func publishYear(t *testing.T, host *tlctest.Host, taxi model.TaxiType, year, rowsPerMonth int) {
	t.Helper()
	for month := 1; month <= 12; month++ {
		var rows []model.RawTrip
		for i := 0; i < rowsPerMonth; i++ {
			pickup := time.Date(year, time.Month(month), 1+i, 12, 0, 0, 0, time.UTC)
			rows = append(rows, pipelinetest.Trip(pickup, 15*time.Minute, pipelinetest.Passengers(1), float64(i+1)))
		}
		data, err := tlctest.EncodeParquet(taxi, rows)
		require.NoError(t, err)
		host.Put(model.Partition{Taxi: taxi, Year: year, Month: month}, data)
	}
}

func newEngine(t *testing.T, host *tlctest.Host, concurrency int) (*ingest.Engine, *tripstore.Store, *config.Config) {
	t.Helper()
	cfg := pipelinetest.Config(t)
	cfg.Fetch.URLTemplate = host.URLTemplate()
	cfg.Fetch.Concurrency = concurrency
	pc, _ := pipelinetest.Setup(t, cfg)
	return ingest.New(pc, tlc.NewHTTPFetcher(cfg.Fetch), cfg.Fetch), pc.Store, cfg
}

func TestPartitions(t *testing.T) {
	parts, err := ingest.Partitions([]model.TaxiType{model.Yellow, model.Green}, 2019, 2020)
	require.NoError(t, err)
	require.Len(t, parts, 48)
	assert.Equal(t, model.Partition{Taxi: model.Yellow, Year: 2019, Month: 1}, parts[0])
	assert.Equal(t, model.Partition{Taxi: model.Green, Year: 2020, Month: 12}, parts[47])

	_, err = ingest.Partitions([]model.TaxiType{model.Yellow}, 2021, 2020)
	assert.Error(t, err)
	_, err = ingest.Partitions(nil, 2020, 2020)
	assert.Error(t, err)
}

func TestIngestIsolatesBrokenPartition(t *testing.T) {
	host := tlctest.NewHost()
	defer host.Close()
	publishYear(t, host, model.Yellow, 2023, 2)
	broken := model.Partition{Taxi: model.Yellow, Year: 2023, Month: 3}
	host.Break(broken)

	engine, store, _ := newEngine(t, host, 1)
	ctx := context.Background()

	report, err := engine.Ingest(ctx, []model.TaxiType{model.Yellow}, 2023, 2023)
	require.NoError(t, err)

	assert.Equal(t, []string{"yellow_2023-03"}, report.Failed())
	assert.Equal(t, "1 of 12 partitions failed: [yellow_2023-03]", report.String())
	assert.EqualValues(t, 22, report.Rows())

	n, err := store.Count(ctx, tripstore.TableYellowTrips)
	require.NoError(t, err)
	assert.EqualValues(t, 22, n)

	// 500s are retried up to max_attempts before the partition is given up.
	assert.Equal(t, 3, host.Requests(broken))
	assert.Equal(t, 1, host.Requests(model.Partition{Taxi: model.Yellow, Year: 2023, Month: 4}))
}

func TestIngestMissingMonthsAndCorruptFile(t *testing.T) {
	host := tlctest.NewHost()
	defer host.Close()
	publishYear(t, host, model.Green, 2023, 1)
	host.Put(model.Partition{Taxi: model.Green, Year: 2023, Month: 7}, []byte("PAR1 but not really"))

	engine, store, _ := newEngine(t, host, 1)
	ctx := context.Background()

	report, err := engine.Ingest(ctx, []model.TaxiType{model.Green}, 2023, 2024)
	require.NoError(t, err)
	assert.Len(t, report.Results, 24)
	assert.Len(t, report.Failed(), 13, "twelve missing 2024 months plus the corrupt July file")

	n, err := store.Count(ctx, tripstore.TableGreenTrips)
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
}

func TestSetupAndIngestAreRepeatable(t *testing.T) {
	host := tlctest.NewHost()
	defer host.Close()
	publishYear(t, host, model.Yellow, 2023, 3)
	publishYear(t, host, model.Green, 2023, 1)

	engine, store, cfg := newEngine(t, host, 4)
	ctx := context.Background()
	sources := []model.TaxiType{model.Yellow, model.Green}

	var runs [][]model.TableCount
	for i := 0; i < 2; i++ {
		require.NoError(t, store.Setup(ctx, cfg.Reference))
		report, err := engine.Ingest(ctx, sources, 2023, 2023)
		require.NoError(t, err)
		assert.Empty(t, report.Failed())
		counts, err := store.Summarize(ctx)
		require.NoError(t, err)
		runs = append(runs, counts)
	}

	assert.Equal(t, runs[0], runs[1])
	assert.Equal(t, []model.TableCount{
		{Table: tripstore.TableYellowTrips, Rows: 36},
		{Table: tripstore.TableGreenTrips, Rows: 12},
		{Table: tripstore.TableVehicleEmissions, Rows: 2},
	}, runs[1])
}

func TestIngestRecordsMetrics(t *testing.T) {
	host := tlctest.NewHost()
	defer host.Close()
	publishYear(t, host, model.Yellow, 2023, 2)
	host.Break(model.Partition{Taxi: model.Yellow, Year: 2023, Month: 12})

	cfg := pipelinetest.Config(t)
	cfg.Fetch.URLTemplate = host.URLTemplate()
	pc, logs := pipelinetest.Setup(t, cfg)
	engine := ingest.New(pc, tlc.NewHTTPFetcher(cfg.Fetch), cfg.Fetch)

	_, err := engine.Ingest(context.Background(), []model.TaxiType{model.Yellow}, 2023, 2023)
	require.NoError(t, err)

	assert.Equal(t, 11.0, testutil.ToFloat64(pc.Metrics.Partitions.WithLabelValues("yellow", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.Metrics.Partitions.WithLabelValues("yellow", "failed")))
	assert.Equal(t, 22.0, testutil.ToFloat64(pc.Metrics.RowsIngested.WithLabelValues(tripstore.TableYellowTrips)))

	failed := logs.FilterMessage("Partition failed, continuing").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "yellow_2023-12", failed[0].ContextMap()["partition"])
}

func TestIngestStopsOnCancel(t *testing.T) {
	host := tlctest.NewHost()
	defer host.Close()
	publishYear(t, host, model.Yellow, 2023, 1)

	engine, _, _ := newEngine(t, host, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := engine.Ingest(ctx, []model.TaxiType{model.Yellow}, 2023, 2023)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Rows())
}
