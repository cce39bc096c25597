// Package render writes analysis results as image files: axial mosaics of
// volumes with optional statistic overlays, design matrix rasters and
// regressor plots. There is no interactive display; every function renders
// straight to disk.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"github.com/montanaflynn/stats"

	"fmriglm/pkg/nifti"
)

// DefaultCuts is the number of axial slices shown in a mosaic.
const DefaultCuts = 3

// cutGap is the pixel spacing between mosaic panels.
const cutGap = 2

// window is the display intensity range of a background volume, clipped to
// central percentiles so a few bright voxels cannot flatten the rest.
type window struct {
	lo, hi float64
}

func computeWindow(data []float64) window {
	nonzero := make([]float64, 0, len(data))
	for _, v := range data {
		if v != 0 {
			nonzero = append(nonzero, v)
		}
	}
	if len(nonzero) == 0 {
		return window{0, 1}
	}
	lo, err := stats.Percentile(nonzero, 2)
	if err != nil {
		lo = nonzero[0]
	}
	hi, err := stats.Percentile(nonzero, 98)
	if err != nil || hi <= lo {
		return window{lo, lo + 1}
	}
	return window{lo, hi}
}

func (w window) gray(v float64) uint8 {
	t := (v - w.lo) / (w.hi - w.lo)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return uint8(t * 255)
}

// hotCool maps a suprathreshold z value to the overlay color: warm for
// positive values, cool for negative, brighter further from the cutoff.
func hotCool(v, cutoff, vmax float64) color.RGBA {
	span := vmax - cutoff
	if span <= 0 {
		span = 1
	}
	t := (math.Abs(v) - cutoff) / span
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	if v > 0 {
		// red ramping to yellow
		return color.RGBA{R: 255, G: uint8(t * 255), B: 0, A: 255}
	}
	// blue ramping to cyan
	return color.RGBA{R: 0, G: uint8(t * 255), B: 255, A: 255}
}

// selectCuts picks n axial slice indices evenly spaced through the
// portion of the volume that holds signal.
func selectCuts(img *nifti.Image, n int) []int {
	if n <= 0 {
		n = DefaultCuts
	}
	zmin, zmax := img.Nz, -1
	for z := 0; z < img.Nz; z++ {
		if sliceHasSignal(img, z) {
			if z < zmin {
				zmin = z
			}
			zmax = z
		}
	}
	if zmax < zmin {
		zmin, zmax = 0, img.Nz-1
	}

	cuts := make([]int, n)
	for i := range cuts {
		// Interior positions, never the extreme slices.
		frac := (float64(i) + 1) / (float64(n) + 1)
		cuts[i] = zmin + int(frac*float64(zmax-zmin)+0.5)
	}
	return cuts
}

func sliceHasSignal(img *nifti.Image, z int) bool {
	for y := 0; y < img.Ny; y++ {
		for x := 0; x < img.Nx; x++ {
			if img.At(x, y, z, 0) != 0 {
				return true
			}
		}
	}
	return false
}

// AnatView writes an axial grayscale mosaic of a 3D volume.
func AnatView(path string, img *nifti.Image, nCuts int) error {
	return StatMap(path, img, nil, 0, nCuts)
}

// EPIView is AnatView for functional volumes; the two exist so call sites
// read like the analysis narrative.
func EPIView(path string, img *nifti.Image, nCuts int) error {
	return StatMap(path, img, nil, 0, nCuts)
}

// StatMap writes an axial mosaic of bg with voxels of overlay beyond
// cutoff painted warm (positive) or cool (negative) on a black background.
// A nil overlay renders the plain background.
func StatMap(path string, bg, overlay *nifti.Image, cutoff float64, nCuts int) error {
	if bg.Nt != 1 {
		return fmt.Errorf("mosaic background must be 3D, got nt=%d", bg.Nt)
	}
	if overlay != nil {
		if overlay.Nt != 1 {
			return fmt.Errorf("mosaic overlay must be 3D, got nt=%d", overlay.Nt)
		}
		if overlay.Nx != bg.Nx || overlay.Ny != bg.Ny || overlay.Nz != bg.Nz {
			return fmt.Errorf("overlay shape (%d,%d,%d) does not match background (%d,%d,%d)",
				overlay.Nx, overlay.Ny, overlay.Nz, bg.Nx, bg.Ny, bg.Nz)
		}
	}

	cuts := selectCuts(bg, nCuts)
	win := computeWindow(bg.Data)

	var vmax float64
	if overlay != nil {
		for _, v := range overlay.Data {
			if math.Abs(v) > vmax {
				vmax = math.Abs(v)
			}
		}
	}

	w := len(cuts)*bg.Nx + (len(cuts)-1)*cutGap
	canvas := image.NewRGBA(image.Rect(0, 0, w, bg.Ny))
	for i, z := range cuts {
		x0 := i * (bg.Nx + cutGap)
		for y := 0; y < bg.Ny; y++ {
			for x := 0; x < bg.Nx; x++ {
				// Flip y so the anterior edge renders at the top.
				py := bg.Ny - 1 - y
				g := win.gray(bg.At(x, y, z, 0))
				c := color.RGBA{R: g, G: g, B: g, A: 255}
				if overlay != nil {
					if v := overlay.At(x, y, z, 0); v != 0 && math.Abs(v) >= cutoff {
						c = hotCool(v, cutoff, vmax)
					}
				}
				canvas.SetRGBA(x0+x, py, c)
			}
		}
	}
	return savePNG(path, canvas)
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
