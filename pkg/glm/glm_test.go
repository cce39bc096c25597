package glm

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"fmriglm/pkg/design"
	"fmriglm/pkg/events"
	"fmriglm/pkg/mask"
	"fmriglm/pkg/nifti"
)

// simpleDesign is a hand-checkable two-column model: intercept and a
// linear trend over four scans.
func simpleDesign(t *testing.T) *design.Matrix {
	t.Helper()
	data := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
	})
	dm, err := design.NewMatrix([]string{"constant", "trend"}, design.FrameTimes(4, 1), data)
	require.NoError(t, err)
	return dm
}

func blockDesign(t *testing.T, nScans int) *design.Matrix {
	t.Helper()
	table := events.Block([]string{"rest", "active"}, 16, 42)
	dm, err := design.Build(table, design.Params{
		TR:             7,
		NScans:         nScans,
		HRF:            design.HRFSPM,
		Drift:          design.DriftCosine,
		HighPassCutoff: 160,
	})
	require.NoError(t, err)
	return dm
}

func TestOLSKnownValues(t *testing.T) {
	dm := simpleDesign(t)
	y := mat.NewDense(4, 1, []float64{0, 1, 1, 2})

	fit, err := FitMatrix(context.Background(), dm, y, Params{Noise: NoiseOLS})
	require.NoError(t, err)

	require.Equal(t, 2.0, fit.DOF)
	// Hand computation: slope 0.6, intercept 0.1, sigma2 = 0.1.
	assert.InDelta(t, 0.1, fit.Betas().At(0, 0), 1e-9)
	assert.InDelta(t, 0.6, fit.Betas().At(1, 0), 1e-9)
	assert.InDelta(t, 0.1, fit.sigma2[0], 1e-9)

	con, err := fit.TContrast([]float64{0, 1})
	require.NoError(t, err)
	// var(c'b) = sigma2 * 0.2 = 0.02; t = 0.6 / sqrt(0.02).
	assert.InDelta(t, 0.6, con.effect[0], 1e-9)
	assert.InDelta(t, 0.02, con.variance[0], 1e-9)
	assert.InDelta(t, 0.6/math.Sqrt(0.02), con.Stat()[0], 1e-9)

	// Student-t with 2 dof has a closed-form survival function.
	s := con.Stat()[0]
	wantP := 0.5 - s/(2*math.Sqrt(2+s*s))
	assert.InDelta(t, wantP, con.PValues()[0], 1e-9)
	assert.InDelta(t, 1.9489, con.ZScores()[0], 2e-3)

	fcon, err := fit.FContrast([][]float64{{0, 1}})
	require.NoError(t, err)
	// A one-row F contrast is the squared t statistic.
	assert.InDelta(t, s*s, fcon.Stat()[0], 1e-9)
	// And its p-value doubles the one-sided t tail.
	assert.InDelta(t, 2*wantP, fcon.PValues()[0], 1e-9)
}

func TestOLSRecoversExactSignal(t *testing.T) {
	dm := blockDesign(t, 96)
	x := dm.Dense()
	n, nreg := x.Dims()

	truth := make([]float64, nreg)
	truth[0] = 2.5  // active
	truth[1] = -1.0 // rest
	truth[nreg-1] = 50

	// Seven signal voxels at increasing amplitude plus one silent voxel.
	nvox := 8
	y := mat.NewDense(n, nvox, nil)
	for j := 0; j < nvox-1; j++ {
		for i := 0; i < n; i++ {
			var v float64
			for k := 0; k < nreg; k++ {
				v += x.At(i, k) * truth[k]
			}
			y.Set(i, j, v*float64(j+1))
		}
	}

	fit, err := FitMatrix(context.Background(), dm, y, Params{Noise: NoiseOLS})
	require.NoError(t, err)

	for j := 0; j < nvox-1; j++ {
		scale := float64(j + 1)
		assert.InDelta(t, 2.5*scale, fit.Betas().At(0, j), 1e-6)
		assert.InDelta(t, -1.0*scale, fit.Betas().At(1, j), 1e-6)
		assert.InDelta(t, 0, fit.sigma2[j], 1e-9, "noise-free fit must have zero residual variance")
	}

	con, err := fit.TContrast([]float64{1, -1})
	require.NoError(t, err)
	assert.InDelta(t, 3.5, con.effect[0], 1e-6)
	// The silent voxel has exactly zero variance and must yield a zero
	// statistic, not NaN.
	assert.Equal(t, 0.0, con.effect[nvox-1])
	assert.Equal(t, 0.0, con.Stat()[nvox-1])
}

func TestWhiteningNormalizesARCovariance(t *testing.T) {
	const n = 8
	for _, rho := range []float64{-0.5, 0.2, 0.7} {
		// AR(1) covariance with unit innovations.
		cov := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				cov.Set(i, j, math.Pow(rho, math.Abs(float64(i-j)))/(1-rho*rho))
			}
		}

		// Whitening the identity columns yields the transform matrix.
		w := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			w.Set(i, i, 1)
		}
		whitenAR1(w, rho)

		var tmp, out mat.Dense
		tmp.Mul(w, cov)
		out.Mul(&tmp, w.T())

		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = 1
				}
				assert.InDelta(t, want, out.At(i, j), 1e-10,
					"rho=%v cell (%d,%d)", rho, i, j)
			}
		}
	}
}

func TestAR1FitOnSimulatedNoise(t *testing.T) {
	dm := blockDesign(t, 96)
	x := dm.Dense()
	n, nreg := x.Dims()
	rng := rand.New(rand.NewSource(7))

	const (
		trueRho = 0.4
		nvox    = 120
	)
	y := mat.NewDense(n, nvox, nil)
	for j := 0; j < nvox; j++ {
		// AR(1) noise plus a strong task response on every voxel.
		noise := rng.NormFloat64()
		for i := 0; i < n; i++ {
			noise = trueRho*noise + rng.NormFloat64()
			v := 5*x.At(i, 0) + 100*x.At(i, nreg-1) + noise
			y.Set(i, j, v)
		}
	}

	fit, err := FitMatrix(context.Background(), dm, y, Params{Noise: NoiseAR1, Workers: 4})
	require.NoError(t, err)

	var meanRho float64
	for _, r := range fit.ARCoefficients() {
		meanRho += r
	}
	meanRho /= nvox
	assert.Greater(t, meanRho, 0.15, "positive serial correlation should be detected")
	assert.Less(t, meanRho, 0.6)

	con, err := fit.TContrast([]float64{1, -1})
	require.NoError(t, err)
	// Amplitude 5 against unit noise across 96 scans is far from null.
	var meanT float64
	for _, s := range con.Stat() {
		meanT += s
	}
	meanT /= nvox
	assert.Greater(t, meanT, 4.0)
}

func TestFitImageRoundTrip(t *testing.T) {
	dm := blockDesign(t, 96)
	x := dm.Dense()
	n, nreg := x.Dims()

	sel := nifti.NewImage(5, 5, 5, 1, nifti.Affine{}, [3]float64{3, 3, 3})
	sel.SetAt(1, 2, 3, 0, 1)
	sel.SetAt(4, 0, 2, 0, 1)
	msk, err := mask.FromImage(sel)
	require.NoError(t, err)

	img := nifti.NewImage(5, 5, 5, n, nifti.Affine{}, [3]float64{3, 3, 3})
	rng := rand.New(rand.NewSource(3))
	for t4 := 0; t4 < n; t4++ {
		for _, vox := range [][3]int{{1, 2, 3}, {4, 0, 2}} {
			v := 4*x.At(t4, 0) + 100*x.At(t4, nreg-1) + 0.5*rng.NormFloat64()
			img.SetAt(vox[0], vox[1], vox[2], t4, v)
		}
	}

	fit, err := FitImage(context.Background(), img, msk, dm, Params{})
	require.NoError(t, err)
	require.Equal(t, 2, fit.NVoxels())

	con, err := fit.TContrast([]float64{1, -1})
	require.NoError(t, err)
	zmap, err := con.Map(OutputZScore)
	require.NoError(t, err)

	assert.Greater(t, zmap.At(1, 2, 3, 0), 3.0, "signal voxel must light up")
	assert.Equal(t, 0.0, zmap.At(0, 0, 0, 0), "outside-mask voxels stay zero")

	eff, err := con.Map(OutputEffectSize)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, eff.At(1, 2, 3, 0), 0.5)
}

// Percent-signal-change scaling is affine per voxel, so with a constant
// column in the design it must leave the z map unchanged while bringing
// effect sizes into percent units.
func TestFitImageSignalScaling(t *testing.T) {
	dm := blockDesign(t, 96)
	x := dm.Dense()
	n, _ := x.Dims()
	active := dm.Index("active")
	require.GreaterOrEqual(t, active, 0)

	sel := nifti.NewImage(4, 4, 4, 1, nifti.Affine{}, [3]float64{3, 3, 3})
	sel.SetAt(2, 1, 1, 0, 1)
	msk, err := mask.FromImage(sel)
	require.NoError(t, err)

	img := nifti.NewImage(4, 4, 4, n, nifti.Affine{}, [3]float64{3, 3, 3})
	rng := rand.New(rand.NewSource(11))
	var sum float64
	for t4 := 0; t4 < n; t4++ {
		v := 200 + 10*x.At(t4, active) + 0.5*rng.NormFloat64()
		img.SetAt(2, 1, 1, t4, v)
		sum += v
	}
	mean := sum / float64(n)

	raw, err := FitImage(context.Background(), img, msk, dm, Params{})
	require.NoError(t, err)
	scaled, err := FitImage(context.Background(), img, msk, dm, Params{SignalScaling: true})
	require.NoError(t, err)

	vec := []float64{1, -1}
	zRaw, err := raw.TContrast(vec)
	require.NoError(t, err)
	zScaled, err := scaled.TContrast(vec)
	require.NoError(t, err)

	zr, err := zRaw.Map(OutputZScore)
	require.NoError(t, err)
	zs, err := zScaled.Map(OutputZScore)
	require.NoError(t, err)
	assert.InDelta(t, zr.At(2, 1, 1, 0), zs.At(2, 1, 1, 0), 1e-6)

	effRaw, err := zRaw.Map(OutputEffectSize)
	require.NoError(t, err)
	effScaled, err := zScaled.Map(OutputEffectSize)
	require.NoError(t, err)
	want := effRaw.At(2, 1, 1, 0) * 100 / mean
	assert.InDelta(t, want, effScaled.At(2, 1, 1, 0), 1e-6)
}

func TestContrastValidation(t *testing.T) {
	dm := simpleDesign(t)
	y := mat.NewDense(4, 1, []float64{0, 1, 1, 2})
	fit, err := FitMatrix(context.Background(), dm, y, Params{Noise: NoiseOLS})
	require.NoError(t, err)

	t.Run("short vector pads", func(t *testing.T) {
		con, err := fit.TContrast([]float64{1})
		require.NoError(t, err)
		assert.InDelta(t, 0.1, con.effect[0], 1e-9, "padded contrast picks the intercept")
	})

	t.Run("long vector rejected", func(t *testing.T) {
		_, err := fit.TContrast([]float64{1, 0, 0})
		require.Error(t, err)
	})

	t.Run("empty F rejected", func(t *testing.T) {
		_, err := fit.FContrast(nil)
		require.Error(t, err)
	})

	t.Run("F output restrictions", func(t *testing.T) {
		fcon, err := fit.FContrast([][]float64{{1, 0}, {0, 1}})
		require.NoError(t, err)
		_, err = fcon.values(OutputEffectSize)
		require.Error(t, err)
		_, err = fcon.values(OutputEffectVariance)
		require.Error(t, err)
		_, err = fcon.values(OutputType("magic"))
		require.Error(t, err)
	})

	t.Run("map without mask", func(t *testing.T) {
		con, err := fit.TContrast([]float64{0, 1})
		require.NoError(t, err)
		_, err = con.Map(OutputZScore)
		require.Error(t, err)
	})
}

func TestFitValidation(t *testing.T) {
	dm := simpleDesign(t)

	t.Run("row mismatch", func(t *testing.T) {
		y := mat.NewDense(5, 1, nil)
		_, err := FitMatrix(context.Background(), dm, y, Params{})
		require.Error(t, err)
	})

	t.Run("too few scans", func(t *testing.T) {
		data := mat.NewDense(2, 2, []float64{1, 0, 1, 1})
		small, err := design.NewMatrix([]string{"a", "b"}, design.FrameTimes(2, 1), data)
		require.NoError(t, err)
		y := mat.NewDense(2, 1, []float64{1, 2})
		_, err = FitMatrix(context.Background(), small, y, Params{})
		require.Error(t, err)
	})

	t.Run("image volume mismatch", func(t *testing.T) {
		sel := nifti.NewImage(3, 3, 3, 1, nifti.Affine{}, [3]float64{1, 1, 1})
		sel.SetAt(1, 1, 1, 0, 1)
		msk, err := mask.FromImage(sel)
		require.NoError(t, err)
		img := nifti.NewImage(3, 3, 3, 7, nifti.Affine{}, [3]float64{1, 1, 1})
		_, err = FitImage(context.Background(), img, msk, dm, Params{})
		require.Error(t, err)
	})
}

func TestMeanScale(t *testing.T) {
	y := mat.NewDense(2, 2, []float64{
		99, 0,
		101, 0,
	})
	means := MeanScale(y)

	assert.Equal(t, []float64{100, 0}, means)
	assert.InDelta(t, -1, y.At(0, 0), 1e-12)
	assert.InDelta(t, 1, y.At(1, 0), 1e-12)
	// All-zero series scale against a floor of one.
	assert.InDelta(t, -100, y.At(0, 1), 1e-12)
	assert.InDelta(t, -100, y.At(1, 1), 1e-12)
}

func TestZFromPValue(t *testing.T) {
	assert.InDelta(t, 0, zFromPValue(0.5), 1e-12)
	assert.InDelta(t, 1.6449, zFromPValue(0.05), 1e-3)
	assert.InDelta(t, 3.0902, zFromPValue(0.001), 1e-3)
	// Extreme tails stay finite in both directions.
	assert.False(t, math.IsInf(zFromPValue(0), 0))
	assert.False(t, math.IsInf(zFromPValue(1), 0))
	assert.Greater(t, zFromPValue(1e-30), 11.0)
}
