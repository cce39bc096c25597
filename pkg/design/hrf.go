// Package design builds first-level GLM design matrices: condition
// regressors obtained by convolving event boxcars with a hemodynamic
// response function, a slow-drift basis, and a constant term. Column
// construction follows the conventions of the SPM lineage of analysis
// packages so that contrast vectors written for those tools carry over
// unchanged.
package design

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// HRFModel selects the hemodynamic response kernel set used for condition
// regressors.
type HRFModel string

const (
	// HRFSPM is the canonical difference-of-gammas response peaking
	// near six seconds with a late undershoot.
	HRFSPM HRFModel = "spm"
	// HRFSPMDerivative adds the temporal derivative as a second
	// regressor per condition.
	HRFSPMDerivative HRFModel = "spm + derivative"
	// HRFGlover is the Glover auditory-cortex variant with an earlier,
	// sharper undershoot.
	HRFGlover HRFModel = "glover"
	// HRFGloverDerivative adds the Glover temporal derivative.
	HRFGloverDerivative HRFModel = "glover + derivative"
)

// hrfTimeLength is the kernel support in seconds. Responses are negligible
// beyond 32 s for both models.
const hrfTimeLength = 32.0

// derivativeDelta is the onset shift in seconds used for the finite
// difference that forms temporal-derivative kernels.
const derivativeDelta = 0.1

// gammaDifferenceHRF samples a difference-of-gammas response on a grid of
// tr/oversampling spacing covering hrfTimeLength seconds, then normalizes
// the kernel to unit sum.
//
// Parameters:
//   - tr: repetition time in seconds
//   - oversampling: grid points per TR
//   - onset: time shift of the response in seconds
//   - delay, undershoot: gamma peak positions in seconds
//   - dispersion, uDispersion: gamma widths
//   - ratio: relative amplitude of the undershoot
func gammaDifferenceHRF(tr float64, oversampling int, onset, delay, undershoot, dispersion, uDispersion, ratio float64) []float64 {
	dt := tr / float64(oversampling)
	num := int(math.RoundToEven(hrfTimeLength / dt))
	times := linspace(0, hrfTimeLength, num)

	peak := distuv.Gamma{Alpha: delay / dispersion, Beta: 1 / dispersion}
	under := distuv.Gamma{Alpha: undershoot / uDispersion, Beta: 1 / uDispersion}

	hrf := make([]float64, num)
	var sum float64
	for i, t := range times {
		// The gamma densities are shifted by one grid step so the
		// kernel starts at exactly zero.
		x := t - onset - dt
		v := peak.Prob(x) - ratio*under.Prob(x)
		hrf[i] = v
		sum += v
	}
	for i := range hrf {
		hrf[i] /= sum
	}
	return hrf
}

// SPMHRF returns the canonical kernel sampled for the given TR and
// oversampling factor: peak delay 6 s, undershoot at 16 s, undershoot
// ratio 0.167.
func SPMHRF(tr float64, oversampling int) []float64 {
	return gammaDifferenceHRF(tr, oversampling, 0, 6, 16, 1, 1, 0.167)
}

// GloverHRF returns the Glover kernel: peak delay 6 s with dispersion 0.9,
// undershoot at 12 s, ratio 0.35.
func GloverHRF(tr float64, oversampling int) []float64 {
	return gammaDifferenceHRF(tr, oversampling, 0, 6, 12, 0.9, 0.9, 0.35)
}

// timeDerivative forms the temporal-derivative kernel as a finite
// difference of onset-shifted responses.
func timeDerivative(base func(onset float64) []float64) []float64 {
	h0 := base(0)
	h1 := base(derivativeDelta)
	d := make([]float64, len(h0))
	for i := range d {
		d[i] = (h0[i] - h1[i]) / derivativeDelta
	}
	return d
}

// Kernels returns the response kernels for model together with the column
// name suffix of each kernel. The first kernel always carries the empty
// suffix; derivative kernels append "_derivative".
func Kernels(model HRFModel, tr float64, oversampling int) ([][]float64, []string, error) {
	spm := func(onset float64) []float64 {
		return gammaDifferenceHRF(tr, oversampling, onset, 6, 16, 1, 1, 0.167)
	}
	glover := func(onset float64) []float64 {
		return gammaDifferenceHRF(tr, oversampling, onset, 6, 12, 0.9, 0.9, 0.35)
	}

	switch model {
	case HRFSPM:
		return [][]float64{SPMHRF(tr, oversampling)}, []string{""}, nil
	case HRFSPMDerivative:
		return [][]float64{SPMHRF(tr, oversampling), timeDerivative(spm)},
			[]string{"", "_derivative"}, nil
	case HRFGlover:
		return [][]float64{GloverHRF(tr, oversampling)}, []string{""}, nil
	case HRFGloverDerivative:
		return [][]float64{GloverHRF(tr, oversampling), timeDerivative(glover)},
			[]string{"", "_derivative"}, nil
	}
	return nil, nil, fmt.Errorf("unknown HRF model %q", model)
}

// linspace returns num evenly spaced samples over [start, stop], inclusive
// of both endpoints.
func linspace(start, stop float64, num int) []float64 {
	out := make([]float64, num)
	if num == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(num-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[num-1] = stop
	return out
}
