package tripstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

// Table names. The database holds exactly these four tables.
const (
	TableYellowTrips      = "yellow_trips"
	TableGreenTrips       = "green_trips"
	TableVehicleEmissions = "vehicle_emissions"
	TableTransformTrips   = "transform_trips"
)

// knownTables guards every place a table name is spliced into SQL.
var knownTables = map[string]bool{
	TableYellowTrips:      true,
	TableGreenTrips:       true,
	TableVehicleEmissions: true,
	TableTransformTrips:   true,
}

var (
	// ErrSetup marks failures that leave the database unusable for the run.
	ErrSetup = errors.New("setup failed")
	// ErrReadOnly is returned for writes attempted on a read-only store.
	ErrReadOnly = errors.New("database opened read-only")
)

// Store owns the single database handle of a run.
type Store struct {
	db       *sqlx.DB
	engine   Engine
	path     string
	readOnly bool
}

// Open opens (creating if needed) the database file for read-write use.
func Open(ctx context.Context, engine Engine, path string) (*Store, error) {
	return open(ctx, engine, path, false)
}

// OpenReadOnly opens an existing database file with engine-level write protection.
func OpenReadOnly(ctx context.Context, engine Engine, path string) (*Store, error) {
	return open(ctx, engine, path, true)
}

func open(ctx context.Context, engine Engine, path string, readOnly bool) (*Store, error) {
	if engine == EngineUnknown {
		return nil, fmt.Errorf("%w: unknown storage engine", ErrSetup)
	}
	db, err := sqlx.Open(engine.driverName(), engine.dsn(path, readOnly))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database %s: %v", ErrSetup, path, err)
	}
	if engine == EngineSQLite && !readOnly {
		// One writer connection; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: database %s unavailable: %v", ErrSetup, path, err)
	}
	return &Store{db: db, engine: engine, path: path, readOnly: readOnly}, nil
}

func (s *Store) DB() *sqlx.DB   { return s.db }
func (s *Store) Engine() Engine { return s.engine }
func (s *Store) Path() string   { return s.path }
func (s *Store) ReadOnly() bool { return s.readOnly }
func (s *Store) Close() error   { return s.db.Close() }

// Count returns the number of rows in one of the pipeline tables.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if !knownTables[table] {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Summarize reports row counts for the raw and reference tables.
func (s *Store) Summarize(ctx context.Context) ([]model.TableCount, error) {
	tables := []string{TableYellowTrips, TableGreenTrips, TableVehicleEmissions}
	counts := make([]model.TableCount, 0, len(tables))
	for _, table := range tables {
		n, err := s.Count(ctx, table)
		if err != nil {
			return nil, err
		}
		counts = append(counts, model.TableCount{Table: table, Rows: n})
	}
	return counts, nil
}

// RawTable maps a taxi type onto its raw table constant.
func RawTable(t model.TaxiType) string {
	switch t {
	case model.Yellow:
		return TableYellowTrips
	case model.Green:
		return TableGreenTrips
	}
	panic(fmt.Sprintf("no raw table for %v", t))
}

// IsReadOnly reports whether err is the engine refusing a write.
func IsReadOnly(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReadOnly) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_READONLY
	}
	// DuckDB has no dedicated error type for this; the refusal is an Invalid
	// Input error whose message names the read-only attach. The read-only store
	// tests pin the wording for the driver version in go.mod.
	var de *duckdb.Error
	if errors.As(err, &de) {
		return strings.Contains(strings.ToLower(de.Msg), "read-only mode")
	}
	return false
}

// WrapReadOnly converts engine write refusals into ErrReadOnly.
func WrapReadOnly(err error) error {
	if err != nil && !errors.Is(err, ErrReadOnly) && IsReadOnly(err) {
		return fmt.Errorf("%w: %v", ErrReadOnly, err)
	}
	return err
}
