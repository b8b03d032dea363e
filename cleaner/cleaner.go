package cleaner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/notLeoHirano/taxi-emissions-etl/metrics"
	"github.com/notLeoHirano/taxi-emissions-etl/pipeline"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// RuleDuplicates names the dedupe step in reports.
const RuleDuplicates = "duplicates"

// Rule is a row filter. Violation is the SQL condition a row must not satisfy
// after cleaning.
type Rule struct {
	Name      string
	Violation string
}

// Rules returns the delete rules in the order they are applied, after dedupe.
// NULL passenger counts are not zero and survive.
func Rules(engine tripstore.Engine) []Rule {
	return []Rule{
		{Name: "zero_passengers", Violation: "passenger_count = 0"},
		{Name: "non_positive_distance", Violation: "trip_distance <= 0"},
		{Name: "distance_over_100", Violation: "trip_distance > 100"},
		{Name: "duration_over_day", Violation: engine.DurationSeconds("pickup_datetime", "dropoff_datetime") + " > 86400"},
	}
}

// VerificationError means a cleaned table still holds rows a rule should have
// removed. The fact table must not be built from it.
type VerificationError struct {
	Table      string
	Violations map[string]int64
}

func (e *VerificationError) Error() string {
	names := make([]string, 0, len(e.Violations))
	for name := range e.Violations {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, e.Violations[name]))
	}
	return fmt.Sprintf("cleaning verification failed for %s: %s", e.Table, strings.Join(parts, ", "))
}

// Cleaner removes invalid rows from the raw trip tables in place.
type Cleaner struct {
	store   *tripstore.Store
	rules   []Rule
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(pc *pipeline.Context) *Cleaner {
	return &Cleaner{
		store:   pc.Store,
		rules:   Rules(pc.Store.Engine()),
		log:     pc.Log.Named("clean"),
		metrics: pc.Metrics,
	}
}

// Clean applies dedupe and every rule to each table, one transaction per
// table, then verifies the result. Cleaning a clean table changes nothing.
func (c *Cleaner) Clean(ctx context.Context, tables []string) (*CleanReport, error) {
	start := time.Now()
	report := &CleanReport{}
	for _, table := range tables {
		if table != tripstore.TableYellowTrips && table != tripstore.TableGreenTrips {
			return report, fmt.Errorf("%s is not a raw trip table", table)
		}
		tr, err := c.cleanTable(ctx, table)
		if err != nil {
			return report, err
		}
		report.Tables = append(report.Tables, *tr)
		c.log.Info("Cleaned table",
			zap.String("table", table),
			zap.Int64("before", tr.Before),
			zap.Int64("after", tr.After))
	}

	for _, table := range tables {
		if err := c.Verify(ctx, table); err != nil {
			c.log.Error("Cleaning verification failed", zap.Error(err))
			return report, err
		}
	}
	c.metrics.ObserveStage("clean", start)
	return report, nil
}

func (c *Cleaner) cleanTable(ctx context.Context, table string) (*TableReport, error) {
	tx, err := c.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tr := &TableReport{Table: table}
	if err := tx.GetContext(ctx, &tr.Before, "SELECT COUNT(*) FROM "+table); err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", table, err)
	}

	removed, err := dedupe(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	tr.Removed = append(tr.Removed, RuleResult{Rule: RuleDuplicates, Rows: removed})

	for _, rule := range c.rules {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+rule.Violation)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s to %s: %w", rule.Name, table, tripstore.WrapReadOnly(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows removed by %s: %w", rule.Name, err)
		}
		tr.Removed = append(tr.Removed, RuleResult{Rule: rule.Name, Rows: n})
	}

	if err := tx.GetContext(ctx, &tr.After, "SELECT COUNT(*) FROM "+table); err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, r := range tr.Removed {
		c.metrics.RowsRemoved.WithLabelValues(table, r.Rule).Add(float64(r.Rows))
	}
	return tr, nil
}

// dedupe keeps one copy of each distinct full row. The table is rewritten
// through a temp copy so its declared column types survive.
func dedupe(ctx context.Context, tx *sqlx.Tx, table string) (int64, error) {
	var dups int64
	if err := tx.GetContext(ctx, &dups, duplicateCount(table)); err != nil {
		return 0, fmt.Errorf("failed to count duplicates in %s: %w", table, err)
	}
	if dups == 0 {
		return 0, nil
	}

	stmts := []string{
		"DROP TABLE IF EXISTS trips_dedup",
		"CREATE TEMP TABLE trips_dedup AS SELECT DISTINCT * FROM " + table,
		"DELETE FROM " + table,
		"INSERT INTO " + table + " SELECT * FROM trips_dedup",
		"DROP TABLE trips_dedup",
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to dedupe %s: %w", table, tripstore.WrapReadOnly(err))
		}
	}
	return dups, nil
}

func duplicateCount(table string) string {
	return "SELECT COUNT(*) - (SELECT COUNT(*) FROM (SELECT DISTINCT * FROM " + table + ") AS d) FROM " + table
}

// Verify re-counts every violation in table and returns a *VerificationError
// if any remain.
func (c *Cleaner) Verify(ctx context.Context, table string) error {
	db := c.store.DB()
	violations := make(map[string]int64)

	var dups int64
	if err := db.GetContext(ctx, &dups, duplicateCount(table)); err != nil {
		return fmt.Errorf("failed to verify %s: %w", table, err)
	}
	if dups > 0 {
		violations[RuleDuplicates] = dups
	}
	for _, rule := range c.rules {
		var n int64
		if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table+" WHERE "+rule.Violation); err != nil {
			return fmt.Errorf("failed to verify %s on %s: %w", rule.Name, table, err)
		}
		if n > 0 {
			violations[rule.Name] = n
		}
	}
	if len(violations) > 0 {
		return &VerificationError{Table: table, Violations: violations}
	}
	return nil
}
