package tripstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/notLeoHirano/taxi-emissions-etl/config"
	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

const rawTripColumns = `
	pickup_datetime TIMESTAMP,
	dropoff_datetime TIMESTAMP,
	passenger_count INTEGER,
	trip_distance DOUBLE
`

const vehicleEmissionsSchema = `
CREATE TABLE vehicle_emissions (
	vehicle_type VARCHAR NOT NULL UNIQUE,
	co2_kg_per_mile DOUBLE NOT NULL
)`

// Setup recreates the raw trip tables empty and reloads the reference table
// from the CSV at ref.Path. Running it twice leaves the same state as running
// it once. Every failure is wrapped in ErrSetup.
func (s *Store) Setup(ctx context.Context, ref config.ReferenceConfig) error {
	if s.readOnly {
		return fmt.Errorf("%w: %w", ErrSetup, ErrReadOnly)
	}
	factors, err := LoadReference(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrSetup, err)
	}
	defer tx.Rollback()

	for _, t := range model.TaxiTypes {
		table := RawTable(t)
		stmts := []string{
			"DROP TABLE IF EXISTS " + table,
			"CREATE TABLE " + table + " (" + rawTripColumns + ")",
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: failed to create %s: %v", ErrSetup, table, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+TableVehicleEmissions); err != nil {
		return fmt.Errorf("%w: failed to drop %s: %v", ErrSetup, TableVehicleEmissions, err)
	}
	if _, err := tx.ExecContext(ctx, vehicleEmissionsSchema); err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrSetup, TableVehicleEmissions, err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO vehicle_emissions (vehicle_type, co2_kg_per_mile) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("%w: failed to prepare statement: %v", ErrSetup, err)
	}
	defer stmt.Close()

	for _, f := range factors {
		if _, err := stmt.ExecContext(ctx, f.VehicleType, f.CO2KgPerMile); err != nil {
			return fmt.Errorf("%w: failed to insert factor %q: %v", ErrSetup, f.VehicleType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrSetup, err)
	}
	return nil
}

// LoadReference parses the emissions CSV into factors scaled to kg per mile.
// Category values must be unique.
func LoadReference(ref config.ReferenceConfig) ([]model.EmissionFactor, error) {
	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference file: %w", err)
	}
	defer f.Close()
	return parseReference(f, ref)
}

func parseReference(r io.Reader, ref config.ReferenceConfig) ([]model.EmissionFactor, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reference file %s is empty", ref.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reference header: %w", err)
	}
	catIdx, coefIdx := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case ref.CategoryColumn:
			catIdx = i
		case ref.CoefficientColumn:
			coefIdx = i
		}
	}
	if catIdx < 0 || coefIdx < 0 {
		return nil, fmt.Errorf("reference header %v lacks %q or %q", header, ref.CategoryColumn, ref.CoefficientColumn)
	}

	seen := make(map[string]bool)
	var factors []model.EmissionFactor
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read reference line %d: %w", line, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if catIdx >= len(record) || coefIdx >= len(record) {
			return nil, fmt.Errorf("reference line %d has %d fields", line, len(record))
		}
		category := strings.TrimSpace(record[catIdx])
		if category == "" {
			return nil, fmt.Errorf("reference line %d has an empty %s", line, ref.CategoryColumn)
		}
		if seen[category] {
			return nil, fmt.Errorf("reference line %d repeats category %q", line, category)
		}
		seen[category] = true
		coef, err := strconv.ParseFloat(strings.TrimSpace(record[coefIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("reference line %d: bad %s %q: %w", line, ref.CoefficientColumn, record[coefIdx], err)
		}
		factors = append(factors, model.EmissionFactor{VehicleType: category, CO2KgPerMile: coef * ref.CoefficientScale})
	}
	if len(factors) == 0 {
		return nil, fmt.Errorf("reference file %s has no rows", ref.Path)
	}
	return factors, nil
}

// Factors reads the loaded reference table.
func (s *Store) Factors(ctx context.Context) ([]model.EmissionFactor, error) {
	var factors []model.EmissionFactor
	if err := s.db.SelectContext(ctx, &factors,
		"SELECT vehicle_type, co2_kg_per_mile FROM vehicle_emissions ORDER BY vehicle_type"); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TableVehicleEmissions, err)
	}
	return factors, nil
}
