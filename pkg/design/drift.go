package design

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DriftModel selects the slow-drift regressor basis appended after the
// condition columns.
type DriftModel string

const (
	// DriftCosine is a discrete cosine basis whose order is set by a
	// high-pass cutoff period in seconds.
	DriftCosine DriftModel = "cosine"
	// DriftPolynomial uses orthogonalized powers of scan time.
	DriftPolynomial DriftModel = "polynomial"
	// DriftNone appends only the constant column.
	DriftNone DriftModel = "none"
)

// makeDrift builds the drift block for the chosen model. The returned
// columns always end with the all-ones constant regressor, and names run
// drift_1..drift_k followed by "constant".
func makeDrift(model DriftModel, frameTimes []float64, order int, cutoff float64) ([][]float64, []string, error) {
	var cols [][]float64
	switch model {
	case DriftCosine:
		cols = cosineDrift(cutoff, frameTimes)
	case DriftPolynomial:
		cols = polynomialDrift(order, frameTimes)
	case DriftNone, "":
		cols = [][]float64{ones(len(frameTimes))}
	default:
		return nil, nil, fmt.Errorf("unknown drift model %q", model)
	}

	names := make([]string, len(cols))
	for i := 0; i < len(cols)-1; i++ {
		names[i] = fmt.Sprintf("drift_%d", i+1)
	}
	names[len(cols)-1] = "constant"
	return cols, names, nil
}

// cosineDrift builds the discrete cosine transform basis for high-pass
// filtering. The number of columns is floor(2 * n * dt / cutoff) with the
// last column replaced by the constant, so a 96-scan run at TR 7 s with a
// 160 s cutoff yields seven cosines plus the constant. Cosine columns have
// exactly unit norm.
func cosineDrift(cutoff float64, frameTimes []float64) [][]float64 {
	n := len(frameTimes)
	dt := frameTimes[1] - frameTimes[0]
	order := int(math.Floor(2 * float64(n) * dt / cutoff))
	if order < 1 {
		order = 1
	}

	cols := make([][]float64, order)
	nfct := math.Sqrt(2 / float64(n))
	for k := 1; k < order; k++ {
		col := make([]float64, n)
		for t := 0; t < n; t++ {
			col[t] = nfct * math.Cos((math.Pi/float64(n))*(float64(t)+0.5)*float64(k))
		}
		cols[k-1] = col
	}
	cols[order-1] = ones(n)
	return cols
}

// polynomialDrift builds orthogonalized powers (t/tmax)^k for k=1..order,
// with the raw constant moved to the last position.
func polynomialDrift(order int, frameTimes []float64) [][]float64 {
	if order < 1 {
		order = 1
	}
	n := len(frameTimes)
	tmax := frameTimes[n-1]

	cols := make([][]float64, order+1)
	for k := 0; k <= order; k++ {
		col := make([]float64, n)
		for t, ft := range frameTimes {
			col[t] = math.Pow(ft/tmax, float64(k))
		}
		cols[k] = col
	}
	orthogonalize(cols)

	// Constant first during orthogonalization, last in the output.
	out := make([][]float64, 0, order+1)
	out = append(out, cols[1:]...)
	out = append(out, cols[0])
	return out
}

// orthogonalize makes each column orthogonal to all earlier ones by
// subtracting projections in place. The first column is left untouched.
func orthogonalize(cols [][]float64) {
	for i := 1; i < len(cols); i++ {
		for j := 0; j < i; j++ {
			den := floats.Dot(cols[j], cols[j])
			if den == 0 {
				continue
			}
			w := floats.Dot(cols[i], cols[j]) / den
			floats.AddScaled(cols[i], -w, cols[j])
		}
	}
}

func ones(n int) []float64 {
	col := make([]float64, n)
	for i := range col {
		col[i] = 1
	}
	return col
}
