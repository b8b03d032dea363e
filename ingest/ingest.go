package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notLeoHirano/taxi-emissions-etl/config"
	"github.com/notLeoHirano/taxi-emissions-etl/metrics"
	"github.com/notLeoHirano/taxi-emissions-etl/model"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline"
	"github.com/notLeoHirano/taxi-emissions-etl/tlc"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// Engine loads remote trip partitions into the raw tables. A failed partition
// is recorded and skipped; it never stops the others.
type Engine struct {
	store       *tripstore.Store
	fetcher     tlc.Fetcher
	concurrency int
	log         *zap.Logger
	metrics     *metrics.Metrics

	appendMu sync.Mutex
}

// New builds an Engine running up to cfg.Concurrency fetches at once. Pacing
// belongs to the fetcher; tlc.HTTPFetcher spaces every request by cfg.Pause.
func New(pc *pipeline.Context, fetcher tlc.Fetcher, cfg config.FetchConfig) *Engine {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		store:       pc.Store,
		fetcher:     fetcher,
		concurrency: concurrency,
		log:         pc.Log.Named("ingest"),
		metrics:     pc.Metrics,
	}
}

// Partitions expands sources x [startYear, endYear] x months 1..12 in load order.
func Partitions(sources []model.TaxiType, startYear, endYear int) ([]model.Partition, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources to ingest")
	}
	if startYear > endYear {
		return nil, fmt.Errorf("invalid year range %d-%d", startYear, endYear)
	}
	var parts []model.Partition
	for _, t := range sources {
		for year := startYear; year <= endYear; year++ {
			for month := 1; month <= 12; month++ {
				parts = append(parts, model.Partition{Taxi: t, Year: year, Month: month})
			}
		}
	}
	return parts, nil
}

// Ingest fetches and appends every partition. The returned error is non-nil
// only for an invalid request or a cancelled context; per-partition failures
// are in the report.
func (e *Engine) Ingest(ctx context.Context, sources []model.TaxiType, startYear, endYear int) (*IngestReport, error) {
	parts, err := Partitions(sources, startYear, endYear)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	e.log.Info("Starting ingestion",
		zap.Int("partitions", len(parts)),
		zap.Int("concurrency", e.concurrency))

	results := make([]PartitionResult, len(parts))
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for i, p := range parts {
		g.Go(func() error {
			results[i] = e.ingestPartition(ctx, p)
			return nil
		})
	}
	g.Wait()

	report := &IngestReport{Results: results}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("ingestion cancelled: %w", err)
	}

	e.metrics.ObserveStage("ingest", start)
	e.log.Info("Ingestion finished",
		zap.Int64("rows", report.Rows()),
		zap.Int("failed", len(report.Failed())),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return report, nil
}

func (e *Engine) ingestPartition(ctx context.Context, p model.Partition) PartitionResult {
	res := PartitionResult{Partition: p}
	log := e.log.With(zap.String("partition", p.Key()))

	data, err := e.fetcher.Fetch(ctx, p)
	if err != nil {
		res.Err = err
		e.fail(log, p, err)
		return res
	}

	rows, skipped, err := e.appendPartition(ctx, p, data)
	if err != nil {
		res.Err = err
		e.fail(log, p, err)
		return res
	}
	res.Rows, res.Skipped = rows, skipped

	e.metrics.Partitions.WithLabelValues(p.Taxi.String(), "ok").Inc()
	e.metrics.RowsIngested.WithLabelValues(tripstore.RawTable(p.Taxi)).Add(float64(rows))
	log.Info("Loaded partition", zap.Int64("rows", rows), zap.Int64("skipped", skipped))
	return res
}

// appendPartition decodes straight into one transaction, so a partition that
// breaks halfway leaves nothing behind.
func (e *Engine) appendPartition(ctx context.Context, p model.Partition, data []byte) (int64, int64, error) {
	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	app, err := e.store.BeginAppend(ctx, p.Taxi)
	if err != nil {
		return 0, 0, err
	}
	defer app.Rollback()

	stats, err := tlc.DecodeParquet(ctx, data, p.Taxi, func(batch []model.RawTrip) error {
		return app.Append(ctx, batch)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load %s: %w", p, err)
	}
	rows, err := app.Commit()
	if err != nil {
		return 0, 0, err
	}
	return rows, stats.Skipped, nil
}

func (e *Engine) fail(log *zap.Logger, p model.Partition, err error) {
	e.metrics.Partitions.WithLabelValues(p.Taxi.String(), "failed").Inc()
	log.Warn("Partition failed, continuing", zap.Error(err))
}
