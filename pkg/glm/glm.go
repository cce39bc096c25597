// Package glm fits voxel-wise general linear models to fMRI time series
// and computes statistical contrasts of the fitted parameters. Fitting runs
// ordinary least squares first; with the AR(1) noise model the residual
// lag-one autocorrelation is estimated per voxel, quantized into bins, and
// each bin is refit on whitened data so that voxels sharing a bin share one
// whitened design factorization.
package glm

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"fmriglm/pkg/design"
	"fmriglm/pkg/mask"
	"fmriglm/pkg/nifti"
)

// NoiseModel selects the serial-correlation treatment of the residuals.
type NoiseModel string

const (
	// NoiseOLS assumes independent errors.
	NoiseOLS NoiseModel = "ols"
	// NoiseAR1 whitens each voxel with its binned lag-one
	// autocorrelation before the final fit.
	NoiseAR1 NoiseModel = "ar1"
)

// DefaultARBin is the quantization step for AR(1) coefficients. Binning
// keeps the number of whitened refits bounded by the number of distinct
// bins instead of the number of voxels.
const DefaultARBin = 0.01

// Params configures model fitting.
type Params struct {
	// Noise selects the noise model. Empty means NoiseAR1.
	Noise NoiseModel
	// ARBin overrides DefaultARBin when positive.
	ARBin float64
	// Workers bounds the number of concurrent bin refits. Zero means
	// GOMAXPROCS.
	Workers int
	// SignalScaling converts each voxel to percent signal change around
	// its temporal mean before fitting.
	SignalScaling bool
}

func (p Params) noise() NoiseModel {
	if p.Noise == "" {
		return NoiseAR1
	}
	return p.Noise
}

func (p Params) arBin() float64 {
	if p.ARBin > 0 {
		return p.ARBin
	}
	return DefaultARBin
}

func (p Params) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Fit holds the fitted model for every voxel that entered the regression.
type Fit struct {
	// Design is the design matrix the model was fit against.
	Design *design.Matrix
	// Mask maps matrix columns back to voxels. Nil when the fit was
	// produced from a bare data matrix.
	Mask *mask.Mask
	// NScans is the number of time points.
	NScans int
	// DOF is the residual degrees of freedom, scans minus regressors.
	DOF float64

	noise  NoiseModel
	arBin  float64
	betas  *mat.Dense // regressors x voxels
	sigma2 []float64
	labels []int
	cov    map[int]*mat.Dense
}

// FitImage masks a 4D series and fits the model to every in-mask voxel.
func FitImage(ctx context.Context, img *nifti.Image, msk *mask.Mask, dm *design.Matrix, p Params) (*Fit, error) {
	if img.Nt != dm.NRows() {
		return nil, fmt.Errorf("image has %d volumes but the design has %d rows", img.Nt, dm.NRows())
	}
	y, err := msk.Apply(img)
	if err != nil {
		return nil, fmt.Errorf("failed to mask image: %w", err)
	}
	if p.SignalScaling {
		MeanScale(y)
	}
	fit, err := FitMatrix(ctx, dm, y, p)
	if err != nil {
		return nil, err
	}
	fit.Mask = msk
	return fit, nil
}

// FitMatrix fits the model to a scans-by-voxels data matrix. The data is
// modified in place when whitening is applied.
func FitMatrix(ctx context.Context, dm *design.Matrix, y *mat.Dense, p Params) (*Fit, error) {
	n, nvox := y.Dims()
	if n != dm.NRows() {
		return nil, fmt.Errorf("data has %d rows but the design has %d", n, dm.NRows())
	}
	nreg := dm.NCols()
	if n <= nreg {
		return nil, fmt.Errorf("need more scans (%d) than regressors (%d)", n, nreg)
	}
	if nvox == 0 {
		return nil, fmt.Errorf("no voxels to fit")
	}

	x := dm.Dense()
	betas, resid, err := leastSquares(x, y)
	if err != nil {
		return nil, err
	}

	fit := &Fit{
		Design: dm,
		NScans: n,
		DOF:    float64(n - nreg),
		noise:  p.noise(),
		arBin:  p.arBin(),
		labels: make([]int, nvox),
		sigma2: make([]float64, nvox),
		cov:    map[int]*mat.Dense{},
	}

	if fit.noise == NoiseOLS {
		cov, err := normalInverse(x)
		if err != nil {
			return nil, err
		}
		fit.cov[0] = cov
		fit.betas = betas
		for j := 0; j < nvox; j++ {
			var sse float64
			for t := 0; t < n; t++ {
				r := resid.At(t, j)
				sse += r * r
			}
			fit.sigma2[j] = sse / fit.DOF
		}
		return fit, nil
	}

	// AR(1): bin the residual autocorrelations, then refit each bin on
	// whitened data.
	bins := map[int][]int{}
	for j := 0; j < nvox; j++ {
		var num, den float64
		prev := resid.At(0, j)
		den = prev * prev
		for t := 1; t < n; t++ {
			r := resid.At(t, j)
			num += r * prev
			den += r * r
			prev = r
		}
		rho := 0.0
		if den > 0 {
			rho = num / den
		}
		label := int(math.Trunc(rho / fit.arBin))
		fit.labels[j] = label
		bins[label] = append(bins[label], j)
	}

	fit.betas = mat.NewDense(nreg, nvox, nil)

	labelList := make([]int, 0, len(bins))
	for label := range bins {
		labelList = append(labelList, label)
	}
	covs := make([]*mat.Dense, len(labelList))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, label := range labelList {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rho := float64(label) * fit.arBin
			cov, err := fitBin(x, y, bins[label], rho, fit)
			if err != nil {
				return fmt.Errorf("AR bin rho=%.2f: %w", rho, err)
			}
			covs[i] = cov
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, label := range labelList {
		fit.cov[label] = covs[i]
	}
	return fit, nil
}

// fitBin whitens the design and the bin's voxel columns with the shared
// AR(1) coefficient, refits them, and writes betas and residual variances
// into fit. It returns the whitened normal-equation inverse for the bin.
func fitBin(x, y *mat.Dense, voxels []int, rho float64, fit *Fit) (*mat.Dense, error) {
	n, nreg := x.Dims()

	xw := mat.DenseCopyOf(x)
	whitenAR1(xw, rho)

	yw := mat.NewDense(n, len(voxels), nil)
	for gi, j := range voxels {
		for t := 0; t < n; t++ {
			yw.Set(t, gi, y.At(t, j))
		}
	}
	whitenAR1(yw, rho)

	betas, resid, err := leastSquares(xw, yw)
	if err != nil {
		return nil, err
	}
	cov, err := normalInverse(xw)
	if err != nil {
		return nil, err
	}

	for gi, j := range voxels {
		for k := 0; k < nreg; k++ {
			fit.betas.Set(k, j, betas.At(k, gi))
		}
		var sse float64
		for t := 0; t < n; t++ {
			r := resid.At(t, gi)
			sse += r * r
		}
		fit.sigma2[j] = sse / fit.DOF
	}
	return cov, nil
}

// whitenAR1 applies the exact AR(1) whitening transform to every column of
// m in place: the first row is scaled by sqrt(1-rho^2) and each later row
// has rho times its predecessor subtracted. For an AR(1) error process
// with coefficient rho this maps the error covariance to the identity.
func whitenAR1(m *mat.Dense, rho float64) {
	if rho == 0 {
		return
	}
	n, c := m.Dims()
	w0 := math.Sqrt(1 - rho*rho)
	for j := 0; j < c; j++ {
		prev := m.At(0, j)
		m.Set(0, j, w0*prev)
		for t := 1; t < n; t++ {
			cur := m.At(t, j)
			m.Set(t, j, cur-rho*prev)
			prev = cur
		}
	}
}

// leastSquares solves min ||y - x b|| by QR and returns the coefficients
// and residuals.
func leastSquares(x, y *mat.Dense) (betas, resid *mat.Dense, err error) {
	var qr mat.QR
	qr.Factorize(x)

	var b mat.Dense
	if err := qr.SolveTo(&b, false, y); err != nil {
		return nil, nil, fmt.Errorf("least squares solve failed (singular design?): %w", err)
	}

	var fitted mat.Dense
	fitted.Mul(x, &b)
	var r mat.Dense
	r.Sub(y, &fitted)
	return &b, &r, nil
}

// normalInverse computes (x'x)^-1, the unscaled parameter covariance.
func normalInverse(x *mat.Dense) (*mat.Dense, error) {
	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return nil, fmt.Errorf("design matrix is singular: %w", err)
	}
	return &inv, nil
}

// MeanScale converts each voxel time series to percent signal change
// around its temporal mean, in place, and returns the means. Voxels whose
// mean is below one are scaled by one instead to avoid exploding empty
// background columns.
func MeanScale(y *mat.Dense) []float64 {
	n, nvox := y.Dims()
	means := make([]float64, nvox)
	for j := 0; j < nvox; j++ {
		var sum float64
		for t := 0; t < n; t++ {
			sum += y.At(t, j)
		}
		mean := sum / float64(n)
		means[j] = mean
		if mean < 1 {
			mean = 1
		}
		for t := 0; t < n; t++ {
			y.Set(t, j, 100*(y.At(t, j)/mean-1))
		}
	}
	return means
}

// NVoxels returns the number of fitted voxels.
func (f *Fit) NVoxels() int {
	return len(f.sigma2)
}

// Betas returns the regressors-by-voxels coefficient matrix.
func (f *Fit) Betas() *mat.Dense {
	return f.betas
}

// ARCoefficients returns the binned AR(1) coefficient of each voxel. For
// OLS fits all coefficients are zero.
func (f *Fit) ARCoefficients() []float64 {
	out := make([]float64, len(f.labels))
	for j, label := range f.labels {
		out[j] = float64(label) * f.arBin
	}
	return out
}
