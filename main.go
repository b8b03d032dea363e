package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/notLeoHirano/taxi-emissions-etl/analytics"
	"github.com/notLeoHirano/taxi-emissions-etl/config"
	"github.com/notLeoHirano/taxi-emissions-etl/etl"
	"github.com/notLeoHirano/taxi-emissions-etl/logging"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline"
	"github.com/notLeoHirano/taxi-emissions-etl/tlc"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// initDependencies sets up the run context and all components of the pipeline.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*etl.Pipeline, *pipeline.Context, error) {
	pc, err := pipeline.NewContext(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("dependency setup failed (store): %w", err)
	}
	fetcher := tlc.NewHTTPFetcher(cfg.Fetch)
	return etl.NewPipeline(pc, fetcher), pc, nil
}

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults are used when empty)")
	runETL := flag.Bool("run", false, "Run setup, ingest, clean and transform")
	stage := flag.String("stage", "", "Run a single stage (setup, ingest, clean, transform)")
	query := flag.String("query", "", "Query to run (report)")
	chart := flag.Bool("chart", false, "Write the monthly CO2 chart to chart.path")
	dbPath := flag.String("db", "", "Database path, overrides storage.path")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Logger setup failed: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *runETL || *stage != "" {
		if err := runPipeline(ctx, cfg, logger, *stage); err != nil {
			logger.Fatal("ETL pipeline failed", zap.Error(err))
		}
		fmt.Println("ETL pipeline completed successfully!")
		return
	}

	if *query == "" && !*chart {
		usage()
		os.Exit(1)
	}

	engine, err := tripstore.ParseEngine(cfg.Storage.Engine)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	reader, err := analytics.Open(ctx, engine, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer reader.Close()

	switch *query {
	case "":
	case "report":
		rep, err := reader.Report(ctx, cfg.Chart.StartYear, cfg.Chart.EndYear)
		if err != nil {
			logger.Fatal("Query failed", zap.Error(err))
		}
		fmt.Println("\nTAXI TRIP CO2 EMISSIONS")
		rep.Print(os.Stdout)
	default:
		usage()
		os.Exit(1)
	}

	if *chart {
		totals, err := reader.MonthlyTotals(ctx, cfg.Chart.StartYear, cfg.Chart.EndYear)
		if err != nil {
			logger.Fatal("Query failed", zap.Error(err))
		}
		if err := analytics.RenderMonthlyChart(totals, cfg.Chart.StartYear, cfg.Chart.EndYear, cfg.Chart.Path); err != nil {
			logger.Fatal("Chart failed", zap.Error(err))
		}
		fmt.Printf("\nPlot successfully saved to %s\n", cfg.Chart.Path)
	}
}

func runPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger, stage string) (err error) {
	p, pc, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, pc.Close()) }()

	var report *etl.RunReport
	if stage == "" {
		report, err = p.Run(ctx)
	} else {
		st, perr := etl.ParseStage(stage)
		if perr != nil {
			return perr
		}
		report, err = p.RunStage(ctx, st)
	}
	if report != nil {
		printRunReport(report)
	}
	return err
}

func printRunReport(r *etl.RunReport) {
	fmt.Printf("\nRUN %s (%v)\n", r.RunID, r.Elapsed.Round(time.Millisecond))
	if r.Ingest != nil {
		fmt.Printf("   Ingested rows: %d (%s)\n", r.Ingest.Rows(), r.Ingest)
	}
	for _, c := range r.Tables {
		fmt.Printf("   %-18s %12d rows\n", c.Table, c.Rows)
	}
	if r.Clean != nil {
		for _, t := range r.Clean.Tables {
			fmt.Printf("   Cleaned %s: %d -> %d\n", t.Table, t.Before, t.After)
			for _, res := range t.Removed {
				fmt.Printf("      %-22s %10d removed\n", res.Rule, res.Rows)
			}
		}
	}
	if r.Transform != nil {
		fmt.Printf("   Fact rows: %d\n", r.Transform.Rows())
		for _, s := range r.Transform.Skipped {
			fmt.Printf("   Skipped %s taxis (no factor for %q): %d rows\n", s.Taxi, s.Category, s.Rows)
		}
	}
}

func usage() {
	fmt.Println("NYC Taxi CO2 Emissions ETL & Analysis Tool")
	fmt.Println("\nUsage:")
	fmt.Println("  Run ETL:        go run . -run")
	fmt.Println("  Run one stage:  go run . -stage clean")
	fmt.Println("  Report:         go run . -query report")
	fmt.Println("  Chart:          go run . -chart")
	fmt.Println("\nOptional Flags:")
	fmt.Println("  -config [path]: YAML configuration file")
	fmt.Println("  -db [path]: Specify database file path (default: emissions.duckdb)")
}
