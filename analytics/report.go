package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

// TaxiReport is every per-taxi answer. Largest is nil when the taxi type has no trips.
type TaxiReport struct {
	Taxi     model.TaxiType
	Largest  *model.TripFact
	Overall  *Extremes
	Extremes []Extremes
}

type Report struct {
	Taxis   []TaxiReport
	Monthly []MonthlyTotal
}

// Report runs every query for both taxi types plus the monthly totals.
func (r *Reader) Report(ctx context.Context, fromYear, toYear int) (*Report, error) {
	rep := &Report{}
	for _, taxi := range model.TaxiTypes {
		tr := TaxiReport{Taxi: taxi}
		largest, err := r.LargestTrip(ctx, taxi)
		if errors.Is(err, ErrNoTrips) {
			rep.Taxis = append(rep.Taxis, tr)
			continue
		}
		if err != nil {
			return nil, err
		}
		tr.Largest = largest

		if tr.Overall, err = r.Extremes(ctx, taxi, BucketNone); err != nil {
			return nil, err
		}
		for _, b := range Buckets {
			ext, err := r.Extremes(ctx, taxi, b)
			if err != nil {
				return nil, err
			}
			tr.Extremes = append(tr.Extremes, *ext)
		}
		rep.Taxis = append(rep.Taxis, tr)
	}

	monthly, err := r.MonthlyTotals(ctx, fromYear, toYear)
	if err != nil {
		return nil, err
	}
	rep.Monthly = monthly
	return rep, nil
}

// Print writes the report in the CLI's plain text layout.
func (rep *Report) Print(w io.Writer) {
	for _, tr := range rep.Taxis {
		fmt.Fprintf(w, "\n%s TAXIS\n", tr.Taxi)
		if tr.Largest == nil {
			fmt.Fprintln(w, "   No trips")
			continue
		}
		fmt.Fprintf(w, "   Largest CO2 trip: %.3f kg (%.2f miles, picked up %s)\n",
			tr.Largest.TripCO2Kgs, tr.Largest.TripDistance, tr.Largest.PickupDatetime.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "   Trips: %d, average %.3f kg, min %.3f kg, max %.3f kg\n",
			tr.Overall.Heaviest.Trips, tr.Overall.Average, tr.Overall.Lightest.AvgCO2, tr.Overall.Heaviest.AvgCO2)
		for _, ext := range tr.Extremes {
			fmt.Fprintf(w, "   %-12s heaviest %-3d (%.3f kg)   lightest %-3d (%.3f kg)\n",
				ext.Bucket, ext.Heaviest.Bucket, ext.Heaviest.AvgCO2, ext.Lightest.Bucket, ext.Lightest.AvgCO2)
		}
	}

	fmt.Fprintln(w, "\nMONTHLY TOTALS")
	fmt.Fprintf(w, "%-8s %-6s %12s\n", "Month", "Taxi", "CO2 (kg)")
	for _, m := range rep.Monthly {
		fmt.Fprintf(w, "%d-%02d  %-6s %12.1f\n", m.Year, m.Month, m.TaxiType, m.TotalCO2)
	}
	fmt.Fprintln(w)
}
