package model

import (
	"fmt"
	"time"
)

// TaxiType is the closed set of trip sources. Every table name, column name and
// URL fragment that varies by source hangs off this type.
type TaxiType int

const (
	Yellow TaxiType = iota
	Green
)

// TaxiTypes lists every source in load order.
var TaxiTypes = []TaxiType{Yellow, Green}

func (t TaxiType) String() string {
	switch t {
	case Yellow:
		return "yellow"
	case Green:
		return "green"
	}
	return fmt.Sprintf("TaxiType(%d)", int(t))
}

// PickupColumn and DropoffColumn are the source-specific field names in the
// published trip files (tpep_ for yellow, lpep_ for green).
func (t TaxiType) PickupColumn() string {
	return t.columnPrefix() + "_pickup_datetime"
}

func (t TaxiType) DropoffColumn() string {
	return t.columnPrefix() + "_dropoff_datetime"
}

func (t TaxiType) columnPrefix() string {
	if t == Green {
		return "lpep"
	}
	return "tpep"
}

// ParseTaxiType maps "yellow"/"green" back to a TaxiType.
func ParseTaxiType(s string) (TaxiType, error) {
	for _, t := range TaxiTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown taxi type %q", s)
}

// Partition is one (source, year, month) unit of remote trip data.
type Partition struct {
	Taxi  TaxiType
	Year  int
	Month int
}

// Key renders the partition as it appears in published file names, e.g. yellow_2023-06.
func (p Partition) Key() string {
	return fmt.Sprintf("%s_%d-%02d", p.Taxi, p.Year, p.Month)
}

func (p Partition) String() string { return p.Key() }

// RawTrip is one row of a raw trip table. PassengerCount is nil when the source
// file left it null.
type RawTrip struct {
	PickupDatetime  time.Time `db:"pickup_datetime"`
	DropoffDatetime time.Time `db:"dropoff_datetime"`
	PassengerCount  *int64    `db:"passenger_count"`
	TripDistance    float64   `db:"trip_distance"`
}

// EmissionFactor is one row of the reference table, already scaled to kg per mile.
type EmissionFactor struct {
	VehicleType  string  `db:"vehicle_type"`
	CO2KgPerMile float64 `db:"co2_kg_per_mile"`
}

// TripFact is a cleaned trip joined with its emission factor and calendar dimensions.
type TripFact struct {
	RawTrip
	TaxiType       string  `db:"taxi_type"`
	TripCO2Kgs     float64 `db:"trip_co2_kgs"`
	TripHour       int     `db:"trip_hour"`
	TripDayOfWeek  int     `db:"trip_day_of_week"`
	TripWeekNumber int     `db:"trip_week_number"`
	TripMonth      int     `db:"trip_month"`
	TripYear       int     `db:"trip_year"`
}

// TableCount is a row count for one table.
type TableCount struct {
	Table string
	Rows  int64
}
