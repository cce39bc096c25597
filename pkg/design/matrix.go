package design

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"

	"fmriglm/pkg/events"
)

// Default sampling parameters for regressor construction.
const (
	// DefaultOversampling is the number of regressor samples per TR on
	// the high-resolution grid the HRF is convolved on.
	DefaultOversampling = 50
	// DefaultMinOnset extends the high-resolution grid before the first
	// scan so that responses to earlier events still enter the model.
	DefaultMinOnset = -24.0
)

// Params configures design matrix construction.
type Params struct {
	// TR is the repetition time in seconds.
	TR float64
	// NScans is the number of acquired volumes.
	NScans int
	// HRF selects the response kernel set. Empty means HRFSPM.
	HRF HRFModel
	// Drift selects the slow-drift basis. Empty means DriftCosine.
	Drift DriftModel
	// HighPassCutoff is the cosine drift cutoff period in seconds.
	HighPassCutoff float64
	// DriftOrder is the polynomial drift order.
	DriftOrder int
	// Oversampling overrides DefaultOversampling when positive.
	Oversampling int
	// MinOnset overrides DefaultMinOnset when nonzero.
	MinOnset float64
}

func (p Params) oversampling() int {
	if p.Oversampling > 0 {
		return p.Oversampling
	}
	return DefaultOversampling
}

func (p Params) minOnset() float64 {
	if p.MinOnset != 0 {
		return p.MinOnset
	}
	return DefaultMinOnset
}

func (p Params) hrf() HRFModel {
	if p.HRF == "" {
		return HRFSPM
	}
	return p.HRF
}

func (p Params) drift() DriftModel {
	if p.Drift == "" {
		return DriftCosine
	}
	return p.Drift
}

// Matrix is a named design matrix: one row per scan, one column per
// regressor, condition columns first, drift columns after, the constant
// last.
type Matrix struct {
	Names      []string
	FrameTimes []float64
	data       *mat.Dense
}

// FrameTimes returns the acquisition time of each scan: tr * i.
func FrameTimes(nScans int, tr float64) []float64 {
	out := make([]float64, nScans)
	for i := range out {
		out[i] = tr * float64(i)
	}
	return out
}

// NewMatrix wraps an existing regressor matrix with column names.
func NewMatrix(names []string, frameTimes []float64, data *mat.Dense) (*Matrix, error) {
	r, c := data.Dims()
	if len(names) != c {
		return nil, fmt.Errorf("got %d names for %d columns", len(names), c)
	}
	if len(frameTimes) != r {
		return nil, fmt.Errorf("got %d frame times for %d rows", len(frameTimes), r)
	}
	return &Matrix{Names: names, FrameTimes: frameTimes, data: data}, nil
}

// Build constructs the design matrix for an event table.
//
// Condition columns appear in lexicographic trial-type order, one per HRF
// kernel, then the drift block, then the constant. With the auditory
// tutorial parameters (96 scans, TR 7 s, cosine cutoff 160 s, two
// conditions) the result is a 96x10 matrix.
func Build(table events.Table, p Params) (*Matrix, error) {
	if p.NScans < 2 {
		return nil, fmt.Errorf("need at least 2 scans, got %d", p.NScans)
	}
	if p.TR <= 0 {
		return nil, fmt.Errorf("repetition time must be positive, got %v", p.TR)
	}
	conditions := table.Conditions()
	if len(conditions) == 0 {
		return nil, fmt.Errorf("event table has no conditions")
	}

	frameTimes := FrameTimes(p.NScans, p.TR)

	var cols [][]float64
	var names []string
	for _, cond := range conditions {
		regs, suffixes, err := conditionRegressors(table.ForCondition(cond), frameTimes, p)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", cond, err)
		}
		cols = append(cols, regs...)
		for _, sfx := range suffixes {
			names = append(names, cond+sfx)
		}
	}

	driftCols, driftNames, err := makeDrift(p.drift(), frameTimes, p.DriftOrder, p.HighPassCutoff)
	if err != nil {
		return nil, err
	}
	cols = append(cols, driftCols...)
	names = append(names, driftNames...)

	data := mat.NewDense(p.NScans, len(cols), nil)
	for j, col := range cols {
		data.SetCol(j, col)
	}
	return &Matrix{Names: names, FrameTimes: frameTimes, data: data}, nil
}

// conditionRegressors builds the regressor column(s) for one condition:
// an oversampled boxcar of the events, convolved with each HRF kernel,
// resampled at scan times, with derivative columns orthogonalized against
// the base response.
func conditionRegressors(evs events.Table, frameTimes []float64, p Params) ([][]float64, []string, error) {
	if len(evs) == 0 {
		return nil, nil, fmt.Errorf("no events")
	}
	boxcar, hrTimes := sampleCondition(evs, frameTimes, p.oversampling(), p.minOnset())

	tr := frameTimes[1] - frameTimes[0]
	kernels, suffixes, err := Kernels(p.hrf(), tr, p.oversampling())
	if err != nil {
		return nil, nil, err
	}

	cols := make([][]float64, len(kernels))
	for i, kernel := range kernels {
		conv := convolve(boxcar, kernel)
		cols[i] = resample(conv, hrTimes, frameTimes)
	}
	orthogonalize(cols)
	return cols, suffixes, nil
}

// sampleCondition lays the events onto a high-resolution time grid as a
// boxcar: +1 at each onset sample, -1 at each offset sample, cumulative
// sum in between. Zero-duration events occupy a single grid step.
func sampleCondition(evs events.Table, frameTimes []float64, oversampling int, minOnset float64) (boxcar, hrTimes []float64) {
	n := len(frameTimes)
	tmin := frameTimes[0]
	tmax := frameTimes[n-1]

	// Grid span: minOnset seconds before the run, one frame step past
	// its end, at oversampling points per frame interval.
	end := tmax * (1 + 1/float64(n-1))
	numF := (float64(n-1)/(tmax-tmin))*(end-tmin-minOnset)*float64(oversampling) + 1
	num := int(math.RoundToEven(numF))
	hrTimes = linspace(tmin+minOnset, end, num)

	delta := make([]float64, num)
	for _, e := range evs {
		on := sort.SearchFloat64s(hrTimes, e.Onset)
		if on > num-1 {
			on = num - 1
		}
		off := sort.SearchFloat64s(hrTimes, e.Onset+e.Duration)
		if off > num-1 {
			off = num - 1
		}
		if off == on && off < num-1 {
			off++
		}
		delta[on]++
		delta[off]--
	}

	boxcar = make([]float64, num)
	var run float64
	for i, d := range delta {
		run += d
		boxcar[i] = run
	}
	return boxcar, hrTimes
}

// resample linearly interpolates a high-resolution regressor at the scan
// times.
func resample(values, srcTimes, dstTimes []float64) []float64 {
	out := make([]float64, len(dstTimes))
	for i, t := range dstTimes {
		j := sort.SearchFloat64s(srcTimes, t)
		switch {
		case j <= 0:
			out[i] = values[0]
		case j >= len(srcTimes):
			out[i] = values[len(values)-1]
		case srcTimes[j] == t:
			out[i] = values[j]
		default:
			t0, t1 := srcTimes[j-1], srcTimes[j]
			w := (t - t0) / (t1 - t0)
			out[i] = values[j-1]*(1-w) + values[j]*w
		}
	}
	return out
}

// NRows returns the number of scans.
func (m *Matrix) NRows() int {
	r, _ := m.data.Dims()
	return r
}

// NCols returns the number of regressors.
func (m *Matrix) NCols() int {
	_, c := m.data.Dims()
	return c
}

// Dense exposes the underlying matrix for model fitting.
func (m *Matrix) Dense() *mat.Dense {
	return m.data
}

// Index returns the column position of a regressor name, or -1.
func (m *Matrix) Index(name string) int {
	for i, n := range m.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named regressor.
func (m *Matrix) Column(name string) ([]float64, error) {
	j := m.Index(name)
	if j < 0 {
		return nil, fmt.Errorf("no design column named %q", name)
	}
	out := make([]float64, m.NRows())
	mat.Col(out, j, m.data)
	return out, nil
}

// WriteCSV stores the matrix with a header row and a leading frame_time
// column.
func (m *Matrix) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create design CSV: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"frame_time"}, m.Names...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write design CSV: %w", err)
	}
	row := make([]string, len(header))
	for i := 0; i < m.NRows(); i++ {
		row[0] = strconv.FormatFloat(m.FrameTimes[i], 'g', -1, 64)
		for j := 0; j < m.NCols(); j++ {
			row[j+1] = strconv.FormatFloat(m.data.At(i, j), 'g', 8, 64)
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write design CSV: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write design CSV: %w", err)
	}
	return f.Close()
}

// WriteNPY stores the raw matrix as a 2D NumPy array for inspection from
// numerical tooling.
func (m *Matrix) WriteNPY(path string) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create design npy: %w", err)
	}
	w.Shape = []int{m.NRows(), m.NCols()}
	w.Version = 2

	raw := make([]float64, m.NRows()*m.NCols())
	for i := 0; i < m.NRows(); i++ {
		for j := 0; j < m.NCols(); j++ {
			raw[i*m.NCols()+j] = m.data.At(i, j)
		}
	}
	if err := w.WriteFloat64(raw); err != nil {
		return fmt.Errorf("failed to write design npy: %w", err)
	}
	return nil
}
