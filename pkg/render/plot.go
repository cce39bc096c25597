package render

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"fmriglm/pkg/design"
)

// Regressor writes a line plot of one design column against scan index,
// the "expected response" figure of the tutorial.
func Regressor(path string, m *design.Matrix, name, title string) error {
	col, err := m.Column(name)
	if err != nil {
		return err
	}

	pts := make(plotter.XYs, len(col))
	for i, v := range col {
		pts[i].X = float64(i)
		pts[i].Y = v
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "scan"
	p.Y.Label.Text = name

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to build regressor plot: %w", err)
	}
	p.Add(line, plotter.NewGrid())

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save regressor plot: %w", err)
	}
	return nil
}
