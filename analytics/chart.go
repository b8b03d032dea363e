package analytics

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

var taxiColors = map[model.TaxiType]color.Color{
	model.Yellow: color.RGBA{R: 0xff, G: 0xbf, B: 0x00, A: 0xff},
	model.Green:  color.RGBA{R: 0x00, G: 0x69, B: 0x3e, A: 0xff},
}

// RenderMonthlyChart draws one panel per taxi type, stacked, with monthly CO2
// totals over [fromYear, toYear], and writes it to path as PNG. Missing months
// are simply not plotted.
func RenderMonthlyChart(totals []MonthlyTotal, fromYear, toYear int, path string) error {
	xmin := float64(time.Date(fromYear, time.January, 1, 0, 0, 0, 0, time.UTC).Unix())
	xmax := float64(time.Date(toYear, time.December, 31, 0, 0, 0, 0, time.UTC).Unix())

	plots := make([][]*plot.Plot, len(model.TaxiTypes))
	for i, taxi := range model.TaxiTypes {
		p, err := monthlyPanel(taxi, totals, xmin, xmax)
		if err != nil {
			return err
		}
		plots[i] = []*plot.Plot{p}
	}

	img := vgimg.New(15*vg.Inch, 12*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      len(plots),
		Cols:      1,
		PadX:      vg.Millimeter,
		PadY:      5 * vg.Millimeter,
		PadTop:    5 * vg.Millimeter,
		PadBottom: 2 * vg.Millimeter,
		PadLeft:   2 * vg.Millimeter,
		PadRight:  5 * vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create chart directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write chart: %w", err)
	}
	return f.Close()
}

func monthlyPanel(taxi model.TaxiType, totals []MonthlyTotal, xmin, xmax float64) (*plot.Plot, error) {
	name := strings.ToUpper(taxi.String()[:1]) + taxi.String()[1:] + " Taxis"

	p := plot.New()
	p.Title.Text = name
	p.X.Label.Text = "Year"
	p.Y.Label.Text = "Total CO2 Emissions (Kilograms)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006"}
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min = 0
	p.Add(plotter.NewGrid())

	var pts plotter.XYs
	for _, m := range totals {
		if m.TaxiType != taxi.String() {
			continue
		}
		x := float64(time.Date(m.Year, time.Month(m.Month), 1, 0, 0, 0, 0, time.UTC).Unix())
		pts = append(pts, plotter.XY{X: x, Y: m.TotalCO2})
	}
	if len(pts) == 0 {
		return p, nil
	}

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s series: %w", taxi, err)
	}
	line.Color = taxiColors[taxi]
	points.Color = taxiColors[taxi]
	p.Add(line, points)
	p.Legend.Add(name, line, points)
	p.Legend.Top = true
	return p, nil
}
