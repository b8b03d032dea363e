package tripstore

import (
	"fmt"
	"strings"
)

// Engine is the embedded database behind a Store.
type Engine int

const (
	EngineUnknown Engine = iota
	EngineDuckDB
	EngineSQLite
)

func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(s) {
	case "duckdb":
		return EngineDuckDB, nil
	case "sqlite":
		return EngineSQLite, nil
	}
	return EngineUnknown, fmt.Errorf("unknown storage engine %q", s)
}

func (e Engine) String() string {
	switch e {
	case EngineDuckDB:
		return "duckdb"
	case EngineSQLite:
		return "sqlite"
	}
	return "unknown"
}

func (e Engine) driverName() string {
	return e.String()
}

// dsn builds the connection string. Read-only is enforced by the engine itself,
// not by the caller's good behaviour.
func (e Engine) dsn(path string, readOnly bool) string {
	switch e {
	case EngineDuckDB:
		if readOnly {
			return path + "?access_mode=read_only"
		}
		return path
	case EngineSQLite:
		// sqlite date functions can only parse the "sqlite" write format.
		dsn := "file:" + path + "?_time_format=sqlite"
		if readOnly {
			dsn += "&mode=ro&_pragma=query_only(1)"
		}
		return dsn
	}
	return path
}

// DurationSeconds is the gap between two timestamp columns in seconds, kept to
// millisecond precision so 86400.7 never compares equal to 86400.
func (e Engine) DurationSeconds(start, end string) string {
	if e == EngineSQLite {
		return fmt.Sprintf("(ROUND((unixepoch(%s, 'subsec') - unixepoch(%s, 'subsec')) * 1000) / 1000.0)", end, start)
	}
	return fmt.Sprintf("((epoch_ms(%s) - epoch_ms(%s)) / 1000.0)", end, start)
}

// Calendar holds the SQL expressions deriving fact table dimensions from a
// timestamp column. Day of week is ISO-8601 (1 = Monday .. 7 = Sunday), week is
// the ISO-8601 week number and year is the calendar year.
type Calendar struct {
	Hour, DayOfWeek, Week, Month, Year string
}

func (e Engine) Calendar(col string) Calendar {
	if e == EngineSQLite {
		part := func(f string) string {
			return fmt.Sprintf("CAST(strftime('%s', %s) AS INTEGER)", f, col)
		}
		return Calendar{
			Hour:      part("%H"),
			DayOfWeek: part("%u"),
			Week:      part("%V"),
			Month:     part("%m"),
			Year:      part("%Y"),
		}
	}
	return Calendar{
		Hour:      fmt.Sprintf("hour(%s)", col),
		DayOfWeek: fmt.Sprintf("isodow(%s)", col),
		Week:      fmt.Sprintf("weekofyear(%s)", col),
		Month:     fmt.Sprintf("month(%s)", col),
		Year:      fmt.Sprintf("year(%s)", col),
	}
}
