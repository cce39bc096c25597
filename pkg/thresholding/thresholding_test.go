package thresholding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"

	"fmriglm/pkg/nifti"
)

var identity = nifti.Affine{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}

// zImage builds a small 3D map with the given voxel values set.
func zImage(nx, ny, nz int, set map[[3]int]float64) *nifti.Image {
	img := nifti.NewImage(nx, ny, nz, 1, identity, [3]float64{1, 1, 1})
	for vox, v := range set {
		img.SetAt(vox[0], vox[1], vox[2], 0, v)
	}
	return img
}

func TestRawThreshold(t *testing.T) {
	img := zImage(4, 4, 4, map[[3]int]float64{
		{0, 0, 0}: 2.5,
		{1, 0, 0}: 3.5,
		{2, 2, 2}: 4.0,
	})

	out, cutoff, err := Threshold(img, nil, Params{Control: ControlNone, RawThreshold: 3.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, cutoff)
	assert.Zero(t, out.At(0, 0, 0, 0))
	assert.Equal(t, 3.5, out.At(1, 0, 0, 0))
	assert.Equal(t, 4.0, out.At(2, 2, 2, 0))
}

func TestFPRCutoffClosedForm(t *testing.T) {
	img := zImage(3, 3, 3, map[[3]int]float64{{1, 1, 1}: 5})

	_, cutoff, err := Threshold(img, nil, Params{Control: ControlFPR, Alpha: 0.001})
	require.NoError(t, err)
	// One-sided p<0.001 on the z scale.
	assert.InDelta(t, 3.0902, cutoff, 1e-3)
}

func TestBonferroniDividesAlphaByMaskSize(t *testing.T) {
	// Mask of exactly 100 voxels: a 10x10x1 slab of nonzero values.
	set := map[[3]int]float64{}
	for x := 0; x < 10; x++ {
		for y := 0; y < 10; y++ {
			set[[3]int{x, y, 0}] = 1
		}
	}
	img := zImage(10, 10, 2, set)

	_, cutoff, err := Threshold(img, nil, Params{Control: ControlBonferroni, Alpha: 0.05})
	require.NoError(t, err)

	std := distuv.Normal{Mu: 0, Sigma: 1}
	want := -std.Quantile(0.05 / 100)
	assert.InDelta(t, want, cutoff, 1e-12)
}

func TestFDRThresholdHandComputed(t *testing.T) {
	std := distuv.Normal{Mu: 0, Sigma: 1}
	z := func(p float64) float64 { return -std.Quantile(p) }

	// Ten values; with alpha=0.05 the ramp is 0.05*(k+0.5)/10. The two
	// smallest p-values (0.001, 0.004) pass at k=0,1; p=0.02 fails at
	// k=2 (ramp 0.0125).
	vals := []float64{
		z(0.001), z(0.004), z(0.02),
		z(0.2), z(0.3), z(0.4), z(0.5), z(0.6), z(0.7), z(0.8),
	}
	cutoff := FDRThreshold(vals, 0.05)
	assert.InDelta(t, z(0.004), cutoff, 1e-9)
	// The accepted values survive a strict comparison.
	assert.Greater(t, z(0.004), cutoff)
}

func TestFDRThresholdNullMapIsInf(t *testing.T) {
	vals := []float64{-0.3, 0.1, 0.5, 1.0, -1.2}
	assert.True(t, math.IsInf(FDRThreshold(vals, 0.05), 1))
	assert.True(t, math.IsInf(FDRThreshold(nil, 0.05), 1))
}

func TestFDRAcceptsAtLeastBonferroni(t *testing.T) {
	// A mix of strong signal and null background: every voxel passing
	// Bonferroni must also pass FDR at the same alpha.
	vals := make([]float64, 0, 220)
	for i := 0; i < 20; i++ {
		vals = append(vals, 4+float64(i)/10)
	}
	for i := 0; i < 200; i++ {
		vals = append(vals, -2+4*float64(i)/199)
	}
	fdr := FDRThreshold(vals, 0.05)

	std := distuv.Normal{Mu: 0, Sigma: 1}
	bonf := -std.Quantile(0.05 / float64(len(vals)))

	nFDR, nBonf := 0, 0
	for _, v := range vals {
		if v > fdr {
			nFDR++
		}
		if v > bonf {
			nBonf++
		}
	}
	assert.GreaterOrEqual(t, nFDR, nBonf)
	assert.Positive(t, nFDR)
}

func TestClusterThresholdRemovesSmallClusters(t *testing.T) {
	// One 3-voxel line cluster and one isolated voxel, all above cutoff.
	img := zImage(6, 6, 6, map[[3]int]float64{
		{1, 1, 1}: 4, {2, 1, 1}: 4.5, {3, 1, 1}: 4,
		{5, 5, 5}: 6,
	})

	out, cutoff, err := Threshold(img, nil, Params{
		Control:          ControlNone,
		RawThreshold:     3,
		ClusterThreshold: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3.0, cutoff)
	assert.Equal(t, 4.5, out.At(2, 1, 1, 0))
	assert.Zero(t, out.At(5, 5, 5, 0), "isolated voxel should be removed")

	// Cluster filtering never adds voxels.
	for i, v := range out.Data {
		if v != 0 {
			assert.NotZero(t, img.Data[i])
		}
	}
}

func TestComponentsSixConnectivity(t *testing.T) {
	// Two diagonal voxels share an edge, not a face: two clusters.
	img := zImage(3, 3, 1, map[[3]int]float64{
		{0, 0, 0}: 5,
		{1, 1, 0}: 5,
	})
	_, sizes := Components(img.Data, 3, 3, 1, 0)
	assert.Equal(t, []int{1, 1}, sizes)

	// Adding the face-connecting voxel merges them.
	img.SetAt(1, 0, 0, 0, 5)
	_, sizes = Components(img.Data, 3, 3, 1, 0)
	assert.Equal(t, []int{3}, sizes)
}

func TestThresholdRejects4D(t *testing.T) {
	img := nifti.NewImage(2, 2, 2, 3, identity, [3]float64{1, 1, 1})
	_, _, err := Threshold(img, nil, Params{Control: ControlNone})
	require.Error(t, err)
}

func TestUnknownControl(t *testing.T) {
	img := zImage(2, 2, 2, map[[3]int]float64{{0, 0, 0}: 1})
	_, _, err := Threshold(img, nil, Params{Control: "holm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holm")
}
