package design

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/kshedden/gonpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"fmriglm/pkg/events"
)

// tutorialParams mirror the auditory block paradigm acquisition: 96 scans
// at TR 7 s, cosine drift with a 160 s cutoff.
func tutorialParams() Params {
	return Params{
		TR:             7,
		NScans:         96,
		HRF:            HRFSPM,
		Drift:          DriftCosine,
		HighPassCutoff: 160,
	}
}

func tutorialEvents() events.Table {
	return events.Block([]string{"rest", "active"}, 16, 42)
}

func peakTime(kernel []float64, dt float64) float64 {
	best := 0
	for i, v := range kernel {
		if v > kernel[best] {
			best = i
		}
	}
	return float64(best) * dt
}

func TestHRFKernels(t *testing.T) {
	tests := []struct {
		name    string
		kernel  []float64
		minPeak float64
		maxPeak float64
	}{
		{name: "spm", kernel: SPMHRF(7, 50), minPeak: 4, maxPeak: 6.5},
		{name: "glover", kernel: GloverHRF(7, 50), minPeak: 4, maxPeak: 6.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 32 s support at dt = 7/50 gives 229 samples.
			require.Len(t, tt.kernel, 229)

			assert.InDelta(t, 1.0, floats.Sum(tt.kernel), 1e-9, "kernel must be sum-normalized")
			assert.Equal(t, 0.0, tt.kernel[0], "response starts at zero")

			// The canonical responses peak around five seconds and
			// undershoot afterwards.
			peak := peakTime(tt.kernel, 32.0/228)
			assert.GreaterOrEqual(t, peak, tt.minPeak)
			assert.LessOrEqual(t, peak, tt.maxPeak)
			assert.Less(t, floats.Min(tt.kernel), 0.0, "undershoot must dip below zero")
		})
	}
}

func TestDerivativeKernelSumsToZero(t *testing.T) {
	kernels, suffixes, err := Kernels(HRFSPMDerivative, 7, 50)
	require.NoError(t, err)
	require.Len(t, kernels, 2)
	assert.Equal(t, []string{"", "_derivative"}, suffixes)

	// Both shifted responses are unit-sum, so their difference quotient
	// integrates to nearly zero.
	assert.InDelta(t, 0.0, floats.Sum(kernels[1]), 1e-6)
}

func TestKernelsUnknownModel(t *testing.T) {
	_, _, err := Kernels(HRFModel("fir"), 7, 50)
	require.Error(t, err)
}

func TestCosineDriftTutorialOrder(t *testing.T) {
	ft := FrameTimes(96, 7)
	cols, names, err := makeDrift(DriftCosine, ft, 0, 160)
	require.NoError(t, err)

	// floor(2 * 96 * 7 / 160) = 8 columns: seven cosines plus the
	// constant.
	require.Len(t, cols, 8)
	require.Equal(t, "drift_1", names[0])
	require.Equal(t, "drift_7", names[6])
	require.Equal(t, "constant", names[7])

	for k := 0; k < 7; k++ {
		assert.InDelta(t, 1.0, floats.Norm(cols[k], 2), 1e-9, "cosine %d must be unit norm", k+1)
		assert.InDelta(t, 0.0, floats.Sum(cols[k]), 1e-9, "cosine %d must be zero mean", k+1)
	}
	for _, v := range cols[7] {
		require.Equal(t, 1.0, v)
	}
}

func TestPolynomialDriftOrthogonal(t *testing.T) {
	ft := FrameTimes(20, 2)
	cols, names, err := makeDrift(DriftPolynomial, ft, 3, 0)
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, []string{"drift_1", "drift_2", "drift_3", "constant"}, names)

	for _, v := range cols[3] {
		require.Equal(t, 1.0, v)
	}
	for i := 0; i < len(cols); i++ {
		for j := i + 1; j < len(cols); j++ {
			assert.InDelta(t, 0.0, floats.Dot(cols[i], cols[j]), 1e-8,
				"columns %d and %d must be orthogonal", i, j)
		}
	}
}

func TestConvolvePathsAgree(t *testing.T) {
	x := make([]float64, 200)
	for i := range x {
		x[i] = math.Sin(float64(i)/7) + float64(i%13)*0.1
	}
	kernel := make([]float64, 100)
	for i := range kernel {
		kernel[i] = math.Exp(-float64(i) / 20)
	}

	direct := convolveDirect(x, kernel)
	viaFFT := convolveFFT(x, kernel)
	require.Len(t, viaFFT, len(x))
	for i := range direct {
		assert.InDelta(t, direct[i], viaFFT[i], 1e-9)
	}
}

func TestBuildTutorialMatrix(t *testing.T) {
	m, err := Build(tutorialEvents(), tutorialParams())
	require.NoError(t, err)

	require.Equal(t, 96, m.NRows())
	require.Equal(t, 10, m.NCols())
	want := []string{"active", "rest", "drift_1", "drift_2", "drift_3", "drift_4",
		"drift_5", "drift_6", "drift_7", "constant"}
	require.Equal(t, want, m.Names)

	constant, err := m.Column("constant")
	require.NoError(t, err)
	for _, v := range constant {
		require.Equal(t, 1.0, v)
	}

	active, err := m.Column("active")
	require.NoError(t, err)
	// The first active block starts at 42 s; nothing has happened by
	// the first scan.
	assert.InDelta(t, 0.0, active[0], 1e-9)
	// A unit-sum kernel convolved with a long unit boxcar plateaus
	// near one.
	assert.InDelta(t, 1.0, floats.Max(active), 0.2)

	// Response inside the first active block beats the preceding rest.
	var restSum, activeSum float64
	for i := 1; i <= 5; i++ {
		restSum += active[i]
	}
	for i := 8; i <= 12; i++ {
		activeSum += active[i]
	}
	assert.Greater(t, activeSum, restSum+1)
}

func TestBuildDerivativeColumns(t *testing.T) {
	p := tutorialParams()
	p.HRF = HRFSPMDerivative
	m, err := Build(tutorialEvents(), p)
	require.NoError(t, err)

	require.Equal(t, 12, m.NCols())
	assert.Equal(t, "active", m.Names[0])
	assert.Equal(t, "active_derivative", m.Names[1])
	assert.Equal(t, "rest", m.Names[2])
	assert.Equal(t, "rest_derivative", m.Names[3])

	base, err := m.Column("active")
	require.NoError(t, err)
	deriv, err := m.Column("active_derivative")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, floats.Dot(base, deriv), 1e-8,
		"derivative must be orthogonalized against the base response")
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params, *events.Table)
	}{
		{name: "too few scans", mutate: func(p *Params, _ *events.Table) { p.NScans = 1 }},
		{name: "zero TR", mutate: func(p *Params, _ *events.Table) { p.TR = 0 }},
		{name: "no events", mutate: func(_ *Params, e *events.Table) { *e = nil }},
		{name: "bad HRF", mutate: func(p *Params, _ *events.Table) { p.HRF = "fir" }},
		{name: "bad drift", mutate: func(p *Params, _ *events.Table) { p.Drift = "spline" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tutorialParams()
			e := tutorialEvents()
			tt.mutate(&p, &e)
			_, err := Build(e, p)
			require.Error(t, err)
		})
	}
}

func TestMatrixExport(t *testing.T) {
	dir := t.TempDir()
	m, err := Build(tutorialEvents(), tutorialParams())
	require.NoError(t, err)

	csvPath := filepath.Join(dir, "design.csv")
	require.NoError(t, m.WriteCSV(csvPath))

	npyPath := filepath.Join(dir, "design.npy")
	require.NoError(t, m.WriteNPY(npyPath))

	r, err := gonpy.NewFileReader(npyPath)
	require.NoError(t, err)
	require.Equal(t, []int{96, 10}, r.Shape)
	data, err := r.GetFloat64()
	require.NoError(t, err)
	require.Len(t, data, 960)
	// Row-major layout: the last value of the first row is the constant.
	assert.Equal(t, 1.0, data[9])
}
