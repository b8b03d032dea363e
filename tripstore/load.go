package tripstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

// Appender appends one partition's rows to a raw trip table inside a single
// transaction, so a partition either lands whole or not at all.
type Appender struct {
	table string
	tx    *sqlx.Tx
	stmt  *sql.Stmt
	rows  int64
}

// BeginAppend starts an append into the raw table of t.
func (s *Store) BeginAppend(ctx context.Context, t model.TaxiType) (*Appender, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	table := RawTable(t)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+table+`
		(pickup_datetime, dropoff_datetime, passenger_count, trip_distance)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	return &Appender{table: table, tx: tx, stmt: stmt}, nil
}

// Append adds a batch of rows. Timestamps are stored as UTC wall time.
func (a *Appender) Append(ctx context.Context, trips []model.RawTrip) error {
	for _, r := range trips {
		_, err := a.stmt.ExecContext(ctx,
			r.PickupDatetime.UTC(), r.DropoffDatetime.UTC(), r.PassengerCount, r.TripDistance,
		)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", a.table, err)
		}
		a.rows++
	}
	return nil
}

// Commit makes the partition visible and returns the number of rows appended.
func (a *Appender) Commit() (int64, error) {
	a.stmt.Close()
	if err := a.tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return a.rows, nil
}

// Rollback discards everything appended so far. Safe after Commit.
func (a *Appender) Rollback() {
	a.stmt.Close()
	a.tx.Rollback()
}
