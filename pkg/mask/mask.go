// Package mask computes and applies analysis masks for fMRI volumes. The
// EPI strategy thresholds the mean functional image at the largest gap in
// the central part of its intensity histogram, then cleans the result with
// a morphological opening and keeps the largest connected component, which
// reliably isolates brain from background on unprocessed scanner data.
package mask

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"fmriglm/pkg/nifti"
)

// Params tune EPI mask computation. The zero value selects the standard
// cutoffs.
type Params struct {
	// LowerCutoff and UpperCutoff bound the fraction of the sorted
	// intensity histogram searched for the threshold gap. Zero values
	// default to 0.2 and 0.85.
	LowerCutoff float64
	UpperCutoff float64
	// Opening is the erosion radius applied before the connected
	// component step; the matching dilation uses twice the radius.
	// Negative disables, zero defaults to 2.
	Opening int
	// KeepAll disables the largest-connected-component reduction.
	KeepAll bool
}

func (p Params) withDefaults() Params {
	if p.LowerCutoff == 0 {
		p.LowerCutoff = 0.2
	}
	if p.UpperCutoff == 0 {
		p.UpperCutoff = 0.85
	}
	if p.Opening == 0 {
		p.Opening = 2
	}
	if p.Opening < 0 {
		p.Opening = 0
	}
	return p
}

// Mask is a boolean volume plus the voxel<->matrix-row bookkeeping used to
// pack masked voxels into dense matrices and back.
type Mask struct {
	Nx, Ny, Nz int
	Affine     nifti.Affine
	Pixdim     [3]float64

	keep []bool
	// row[i] is the packed column index of flat voxel i, -1 outside.
	row []int
	// vox[j] is the flat voxel index of packed column j.
	vox []int
}

// ComputeEPI derives a brain mask from a mean EPI volume.
func ComputeEPI(mean *nifti.Image, p Params) (*Mask, error) {
	if mean.Nt != 1 {
		return nil, fmt.Errorf("mask input must be 3D, got nt=%d", mean.Nt)
	}
	p = p.withDefaults()

	threshold, err := gapThreshold(mean.Data, p.LowerCutoff, p.UpperCutoff)
	if err != nil {
		return nil, err
	}

	keep := make([]bool, len(mean.Data))
	for i, v := range mean.Data {
		keep[i] = v >= threshold
	}

	nx, ny, nz := mean.Nx, mean.Ny, mean.Nz
	for i := 0; i < p.Opening; i++ {
		keep = erode(keep, nx, ny, nz)
	}
	if !p.KeepAll {
		keep = largestComponent(keep, nx, ny, nz)
	}
	if p.Opening > 0 {
		for i := 0; i < 2*p.Opening; i++ {
			keep = dilate(keep, nx, ny, nz)
		}
		for i := 0; i < p.Opening; i++ {
			keep = erode(keep, nx, ny, nz)
		}
	}

	m := fromKeep(keep, mean)
	if m.Count() == 0 {
		return nil, fmt.Errorf("empty mask: threshold %g removed every voxel", threshold)
	}
	return m, nil
}

// FromImage builds a mask selecting voxels where img is nonzero.
func FromImage(img *nifti.Image) (*Mask, error) {
	if img.Nt != 1 {
		return nil, fmt.Errorf("mask input must be 3D, got nt=%d", img.Nt)
	}
	keep := make([]bool, len(img.Data))
	for i, v := range img.Data {
		keep[i] = v != 0
	}
	return fromKeep(keep, img), nil
}

func fromKeep(keep []bool, geom *nifti.Image) *Mask {
	m := &Mask{
		Nx:     geom.Nx,
		Ny:     geom.Ny,
		Nz:     geom.Nz,
		Affine: geom.Affine,
		Pixdim: geom.Pixdim,
		keep:   keep,
		row:    make([]int, len(keep)),
	}
	for i, k := range keep {
		if k {
			m.row[i] = len(m.vox)
			m.vox = append(m.vox, i)
		} else {
			m.row[i] = -1
		}
	}
	return m
}

// gapThreshold finds the intensity cutoff at the largest consecutive
// difference in the sorted values between the two cutoff fractions.
func gapThreshold(values []float64, lower, upper float64) (float64, error) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	lo := int(lower * float64(len(sorted)))
	hi := int(upper * float64(len(sorted)))
	if hi > len(sorted)-1 {
		hi = len(sorted) - 1
	}
	if hi-lo < 2 {
		return 0, fmt.Errorf("too few voxels (%d) between histogram cutoffs", hi-lo)
	}

	best, bestDelta := lo, -1.0
	for i := lo; i < hi; i++ {
		if d := sorted[i+1] - sorted[i]; d > bestDelta {
			bestDelta = d
			best = i
		}
	}
	return 0.5 * (sorted[best] + sorted[best+1]), nil
}

// Count returns the number of voxels inside the mask.
func (m *Mask) Count() int {
	return len(m.vox)
}

// Contains reports whether voxel (x, y, z) is inside the mask.
func (m *Mask) Contains(x, y, z int) bool {
	return m.keep[(z*m.Ny+y)*m.Nx+x]
}

// VoxelOf returns the (x, y, z) coordinates of packed column j.
func (m *Mask) VoxelOf(j int) (x, y, z int) {
	i := m.vox[j]
	x = i % m.Nx
	y = (i / m.Nx) % m.Ny
	z = i / (m.Nx * m.Ny)
	return x, y, z
}

// Apply packs a 4D image into a scans-by-voxels matrix with one column per
// in-mask voxel.
func (m *Mask) Apply(img *nifti.Image) (*mat.Dense, error) {
	if img.Nx != m.Nx || img.Ny != m.Ny || img.Nz != m.Nz {
		return nil, fmt.Errorf("image shape (%d,%d,%d) does not match mask (%d,%d,%d)",
			img.Nx, img.Ny, img.Nz, m.Nx, m.Ny, m.Nz)
	}
	n := img.NVoxels()
	out := mat.NewDense(img.Nt, m.Count(), nil)
	for t := 0; t < img.Nt; t++ {
		vol := img.Data[t*n : (t+1)*n]
		row := out.RawRowView(t)
		for j, v := range m.vox {
			row[j] = vol[v]
		}
	}
	return out, nil
}

// Unmask scatters packed per-voxel values back into a 3D image, writing
// fill outside the mask.
func (m *Mask) Unmask(vals []float64, fill float64) (*nifti.Image, error) {
	if len(vals) != m.Count() {
		return nil, fmt.Errorf("got %d values for %d mask voxels", len(vals), m.Count())
	}
	img := nifti.NewImage(m.Nx, m.Ny, m.Nz, 1, m.Affine, m.Pixdim)
	if fill != 0 {
		for i := range img.Data {
			img.Data[i] = fill
		}
	}
	for j, v := range m.vox {
		img.Data[v] = vals[j]
	}
	return img, nil
}

// Image renders the mask as a 0/1 volume for saving alongside results.
func (m *Mask) Image() *nifti.Image {
	img := nifti.NewImage(m.Nx, m.Ny, m.Nz, 1, m.Affine, m.Pixdim)
	for _, v := range m.vox {
		img.Data[v] = 1
	}
	return img
}

// erode clears voxels with any false face neighbor; volume borders count
// as false.
func erode(keep []bool, nx, ny, nz int) []bool {
	out := make([]bool, len(keep))
	idx := func(x, y, z int) int { return (z*ny+y)*nx + x }
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				i := idx(x, y, z)
				if !keep[i] {
					continue
				}
				if x == 0 || y == 0 || z == 0 || x == nx-1 || y == ny-1 || z == nz-1 {
					continue
				}
				if keep[idx(x-1, y, z)] && keep[idx(x+1, y, z)] &&
					keep[idx(x, y-1, z)] && keep[idx(x, y+1, z)] &&
					keep[idx(x, y, z-1)] && keep[idx(x, y, z+1)] {
					out[i] = true
				}
			}
		}
	}
	return out
}

// dilate sets voxels with any true face neighbor.
func dilate(keep []bool, nx, ny, nz int) []bool {
	out := make([]bool, len(keep))
	idx := func(x, y, z int) int { return (z*ny+y)*nx + x }
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				i := idx(x, y, z)
				if keep[i] ||
					(x > 0 && keep[idx(x-1, y, z)]) || (x < nx-1 && keep[idx(x+1, y, z)]) ||
					(y > 0 && keep[idx(x, y-1, z)]) || (y < ny-1 && keep[idx(x, y+1, z)]) ||
					(z > 0 && keep[idx(x, y, z-1)]) || (z < nz-1 && keep[idx(x, y, z+1)]) {
					out[i] = true
				}
			}
		}
	}
	return out
}

// largestComponent keeps only the biggest 6-connected region.
func largestComponent(keep []bool, nx, ny, nz int) []bool {
	label := make([]int, len(keep))
	for i := range label {
		label[i] = -1
	}
	idx := func(x, y, z int) int { return (z*ny+y)*nx + x }

	var sizes []int
	var queue []int
	for start, k := range keep {
		if !k || label[start] >= 0 {
			continue
		}
		id := len(sizes)
		sizes = append(sizes, 0)
		queue = append(queue[:0], start)
		label[start] = id
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			sizes[id]++

			x := i % nx
			y := (i / nx) % ny
			z := i / (nx * ny)
			visit := func(j int) {
				if keep[j] && label[j] < 0 {
					label[j] = id
					queue = append(queue, j)
				}
			}
			if x > 0 {
				visit(idx(x-1, y, z))
			}
			if x < nx-1 {
				visit(idx(x+1, y, z))
			}
			if y > 0 {
				visit(idx(x, y-1, z))
			}
			if y < ny-1 {
				visit(idx(x, y+1, z))
			}
			if z > 0 {
				visit(idx(x, y, z-1))
			}
			if z < nz-1 {
				visit(idx(x, y, z+1))
			}
		}
	}

	best := -1
	for id, s := range sizes {
		if best < 0 || s > sizes[best] {
			best = id
		}
	}
	out := make([]bool, len(keep))
	if best < 0 {
		return out
	}
	for i, id := range label {
		out[i] = id == best
	}
	return out
}
