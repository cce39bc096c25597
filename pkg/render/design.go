package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"fmriglm/pkg/design"
)

// Cell sizes of the design matrix raster: regressors run left to right,
// scans top to bottom, like the conventional design matrix figure.
const (
	designCellW = 24
	designCellH = 4
)

// DesignMatrix writes a grayscale raster of the design matrix with each
// column scaled to its own min/max range, so low-amplitude drift columns
// stay visible next to the condition regressors.
func DesignMatrix(path string, m *design.Matrix) error {
	rows, cols := m.NRows(), m.NCols()
	canvas := image.NewGray(image.Rect(0, 0, cols*designCellW, rows*designCellH))

	for j := 0; j < cols; j++ {
		col, err := m.Column(m.Names[j])
		if err != nil {
			return err
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range col {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		span := hi - lo
		if span == 0 {
			span = 1
		}
		for i, v := range col {
			g := uint8(255 * (v - lo) / span)
			fillRect(canvas, j*designCellW, i*designCellH, designCellW, designCellH, g)
		}
	}
	return savePNG(path, canvas)
}

// ContrastVector writes a small raster of contrast weights over the design
// columns: positive weights render warm, negative cool, zero black.
func ContrastVector(path string, rows [][]float64, names []string) error {
	if len(rows) == 0 {
		return fmt.Errorf("no contrast rows to render")
	}
	var vmax float64
	for _, row := range rows {
		if len(row) > len(names) {
			return fmt.Errorf("contrast row has %d weights for %d columns", len(row), len(names))
		}
		for _, v := range row {
			vmax = math.Max(vmax, math.Abs(v))
		}
	}
	if vmax == 0 {
		vmax = 1
	}

	const cell = 24
	canvas := image.NewRGBA(image.Rect(0, 0, len(names)*cell, len(rows)*cell))
	for i, row := range rows {
		for j := range names {
			var v float64
			if j < len(row) {
				v = row[j]
			}
			c := color.RGBA{A: 255}
			if v > 0 {
				c.R = uint8(255 * v / vmax)
			} else if v < 0 {
				c.B = uint8(255 * -v / vmax)
			}
			for y := 0; y < cell; y++ {
				for x := 0; x < cell; x++ {
					canvas.SetRGBA(j*cell+x, i*cell+y, c)
				}
			}
		}
	}
	return savePNG(path, canvas)
}

func fillRect(img *image.Gray, x0, y0, w, h int, g uint8) {
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			img.SetGray(x, y, color.Gray{Y: g})
		}
	}
}
