package etl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notLeoHirano/taxi-emissions-etl/cleaner"
	"github.com/notLeoHirano/taxi-emissions-etl/ingest"
	"github.com/notLeoHirano/taxi-emissions-etl/model"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline"
	"github.com/notLeoHirano/taxi-emissions-etl/tlc"
	"github.com/notLeoHirano/taxi-emissions-etl/transformer"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// Stage is one step of a run, in execution order.
type Stage string

const (
	StageSetup     Stage = "setup"
	StageIngest    Stage = "ingest"
	StageClean     Stage = "clean"
	StageTransform Stage = "transform"
)

// Stages lists every stage in the order Run executes them.
var Stages = []Stage{StageSetup, StageIngest, StageClean, StageTransform}

func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// RunReport collects what each stage that ran produced. Stages that did not
// run are nil.
type RunReport struct {
	RunID     string
	Tables    []model.TableCount
	Ingest    *ingest.IngestReport
	Clean     *cleaner.CleanReport
	Transform *transformer.TransformReport
	Elapsed   time.Duration
}

// Ingester loads remote partitions into the raw tables.
type Ingester interface {
	Ingest(ctx context.Context, sources []model.TaxiType, startYear, endYear int) (*ingest.IngestReport, error)
}

// Cleaner filters the raw tables in place and verifies the result.
type Cleaner interface {
	Clean(ctx context.Context, tables []string) (*cleaner.CleanReport, error)
}

// Transformer rebuilds the fact table.
type Transformer interface {
	Transform(ctx context.Context) (*transformer.TransformReport, error)
}

// Pipeline manages the setup, ingest, clean and transform stages of one run.
type Pipeline struct {
	pc          *pipeline.Context
	Ingester    Ingester
	Cleaner     Cleaner
	Transformer Transformer
}

// NewPipeline creates a pipeline over a run context with all dependencies.
func NewPipeline(pc *pipeline.Context, fetcher tlc.Fetcher) *Pipeline {
	return &Pipeline{
		pc:          pc,
		Ingester:    ingest.New(pc, fetcher, pc.Config.Fetch),
		Cleaner:     cleaner.New(pc),
		Transformer: transformer.New(pc),
	}
}

// Run executes every stage. A fatal stage error halts the run and is
// returned with the report so far; failed partitions are not fatal.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	return p.run(ctx, Stages)
}

// RunStage executes a single stage against whatever the database already holds.
func (p *Pipeline) RunStage(ctx context.Context, stage Stage) (*RunReport, error) {
	return p.run(ctx, []Stage{stage})
}

func (p *Pipeline) run(ctx context.Context, stages []Stage) (*RunReport, error) {
	startTime := time.Now()
	log := p.pc.Log
	report := &RunReport{RunID: p.pc.RunID}
	log.Info("Starting ETL run", zap.Any("stages", stages))

	for _, stage := range stages {
		if err := p.runStage(ctx, stage, report); err != nil {
			report.Elapsed = time.Since(startTime)
			log.Error("ETL run failed", zap.String("stage", string(stage)), zap.Error(err))
			return report, fmt.Errorf("%s failed: %w", stage, err)
		}
	}

	report.Elapsed = time.Since(startTime)
	log.Info("ETL run completed", zap.Duration("elapsed", report.Elapsed.Round(time.Millisecond)))
	return report, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, report *RunReport) error {
	cfg := p.pc.Config
	store := p.pc.Store

	switch stage {
	case StageSetup:
		start := time.Now()
		if err := store.Setup(ctx, cfg.Reference); err != nil {
			return err
		}
		p.pc.Metrics.ObserveStage(string(StageSetup), start)
		p.pc.Log.Info("Schema ready", zap.String("reference", cfg.Reference.Path))
		counts, err := store.Summarize(ctx)
		if err != nil {
			return err
		}
		report.Tables = counts

	case StageIngest:
		sources, err := cfg.TaxiTypes()
		if err != nil {
			return err
		}
		ir, err := p.Ingester.Ingest(ctx, sources, cfg.Ingest.StartYear, cfg.Ingest.EndYear)
		report.Ingest = ir
		if err != nil {
			return err
		}
		if failed := ir.Failed(); len(failed) > 0 {
			p.pc.Log.Warn("Some partitions failed", zap.String("summary", ir.String()))
		}
		counts, err := store.Summarize(ctx)
		if err != nil {
			return err
		}
		report.Tables = counts
		for _, c := range counts {
			p.pc.Log.Info("Table loaded", zap.String("table", c.Table), zap.Int64("rows", c.Rows))
		}

	case StageClean:
		cr, err := p.Cleaner.Clean(ctx, []string{tripstore.TableYellowTrips, tripstore.TableGreenTrips})
		report.Clean = cr
		if err != nil {
			return err
		}

	case StageTransform:
		tr, err := p.Transformer.Transform(ctx)
		if err != nil {
			return err
		}
		report.Transform = tr

	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	return nil
}
