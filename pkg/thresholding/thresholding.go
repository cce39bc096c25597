// Package thresholding applies multiple-comparison height control and
// cluster-extent filtering to statistical maps. Cutoffs operate on z-scale
// values: FPR converts the alpha level directly, Bonferroni divides it by
// the number of in-mask voxels, and FDR runs the Benjamini-Hochberg style
// step-up procedure on the sorted values.
package thresholding

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"fmriglm/pkg/mask"
	"fmriglm/pkg/nifti"
)

// HeightControl names the multiple-comparison correction applied to the
// cutoff.
type HeightControl string

const (
	// ControlNone applies a caller-chosen raw cutoff.
	ControlNone HeightControl = "none"
	// ControlFPR controls the per-voxel false positive rate.
	ControlFPR HeightControl = "fpr"
	// ControlBonferroni controls the family-wise error rate.
	ControlBonferroni HeightControl = "bonferroni"
	// ControlFDR controls the false discovery rate.
	ControlFDR HeightControl = "fdr"
)

// Params selects the thresholding policy.
type Params struct {
	// Control picks the correction. Empty means ControlFPR.
	Control HeightControl
	// Alpha is the error level for FPR, Bonferroni and FDR.
	Alpha float64
	// RawThreshold is the z cutoff used with ControlNone.
	RawThreshold float64
	// ClusterThreshold drops surviving clusters smaller than this many
	// voxels. Zero keeps everything.
	ClusterThreshold int
}

func (p Params) control() HeightControl {
	if p.Control == "" {
		return ControlFPR
	}
	return p.Control
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// isf is the inverse survival function of the standard normal.
func isf(alpha float64) float64 {
	return -stdNormal.Quantile(alpha)
}

// Threshold applies height control and cluster filtering to a z map.
// Voxels outside msk are ignored and zeroed; a nil mask means every
// nonzero voxel of the map. Surviving voxels keep their value, everything
// else becomes zero. The chosen z cutoff is returned alongside the map;
// values survive by exceeding it strictly.
func Threshold(img *nifti.Image, msk *mask.Mask, p Params) (*nifti.Image, float64, error) {
	if img.Nt != 1 {
		return nil, 0, fmt.Errorf("threshold input must be 3D, got nt=%d", img.Nt)
	}
	if msk == nil {
		var err error
		msk, err = mask.FromImage(img)
		if err != nil {
			return nil, 0, err
		}
	}

	stats := make([]float64, msk.Count())
	for j := range stats {
		x, y, z := msk.VoxelOf(j)
		stats[j] = img.At(x, y, z, 0)
	}

	var cutoff float64
	switch p.control() {
	case ControlNone:
		cutoff = p.RawThreshold
	case ControlFPR:
		cutoff = isf(p.Alpha)
	case ControlBonferroni:
		cutoff = isf(p.Alpha / float64(len(stats)))
	case ControlFDR:
		cutoff = FDRThreshold(stats, p.Alpha)
	default:
		return nil, 0, fmt.Errorf("unknown height control %q", p.Control)
	}

	out := nifti.NewImage(img.Nx, img.Ny, img.Nz, 1, img.Affine, img.Pixdim)
	for j, v := range stats {
		if v > cutoff {
			x, y, z := msk.VoxelOf(j)
			out.SetAt(x, y, z, 0, v)
		}
	}

	if p.ClusterThreshold > 0 {
		labels, sizes := Components(out.Data, out.Nx, out.Ny, out.Nz, cutoff)
		for i, label := range labels {
			if label > 0 && sizes[label-1] < p.ClusterThreshold {
				out.Data[i] = 0
			}
		}
	}
	return out, cutoff, nil
}

// FDRThreshold returns the z cutoff controlling the false discovery rate
// at level alpha over the given z values: the sorted values are compared
// against the stepped alpha ramp and the smallest accepted value, nudged
// down so it survives a strict comparison, becomes the cutoff. +Inf means
// nothing passes.
func FDRThreshold(zVals []float64, alpha float64) float64 {
	n := len(zVals)
	if n == 0 {
		return math.Inf(1)
	}
	sorted := make([]float64, n)
	copy(sorted, zVals)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	last := -1
	for k, z := range sorted {
		p := stdNormal.Survival(z)
		if p < alpha*(float64(k)+0.5)/float64(n) {
			last = k
		}
	}
	if last < 0 {
		return math.Inf(1)
	}
	return sorted[last] - 1e-12
}

// Components labels the 6-connected regions of data strictly above cutoff.
// The returned slice assigns every voxel a label, 0 for background and
// 1..len(sizes) for clusters; sizes[i] is the voxel count of label i+1.
func Components(data []float64, nx, ny, nz int, cutoff float64) (labels []int32, sizes []int) {
	labels = make([]int32, len(data))
	idx := func(x, y, z int) int { return (z*ny+y)*nx + x }

	var queue []int
	for start, v := range data {
		if v <= cutoff || labels[start] != 0 {
			continue
		}
		sizes = append(sizes, 0)
		id := int32(len(sizes))
		labels[start] = id
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			sizes[id-1]++

			x := i % nx
			y := (i / nx) % ny
			z := i / (nx * ny)
			visit := func(j int) {
				if data[j] > cutoff && labels[j] == 0 {
					labels[j] = id
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
	return labels, sizes
}
