package glm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"fmriglm/pkg/nifti"
)

// ContrastType distinguishes t and F contrasts.
type ContrastType string

const (
	ContrastT ContrastType = "t"
	ContrastF ContrastType = "F"
)

// OutputType names the per-voxel quantity materialized into a map.
type OutputType string

const (
	OutputZScore         OutputType = "z_score"
	OutputStat           OutputType = "stat"
	OutputPValue         OutputType = "p_value"
	OutputEffectSize     OutputType = "effect_size"
	OutputEffectVariance OutputType = "effect_variance"
)

// pClipLo and pClipHi bound p-values before conversion to z so that the
// normal quantile stays finite.
const (
	pClipLo = 1e-300
	pClipHi = 1 - 1e-16
)

// Contrast holds per-voxel contrast results for one fitted model.
type Contrast struct {
	// Type is t for vector contrasts, F for matrix contrasts.
	Type ContrastType
	// Dim is the numerator degrees of freedom: 1 for t contrasts, the
	// number of rows for F.
	Dim int

	fit      *Fit
	effect   []float64
	variance []float64
	stat     []float64
}

// padContrast zero-extends a contrast vector given over the leading
// columns (typically just the conditions) to the full design width.
func (f *Fit) padContrast(vec []float64) ([]float64, error) {
	nreg := f.Design.NCols()
	if len(vec) > nreg {
		return nil, fmt.Errorf("contrast has %d weights but the design has %d columns", len(vec), nreg)
	}
	out := make([]float64, nreg)
	copy(out, vec)
	return out, nil
}

// TContrast computes effect, variance and t statistic of a linear contrast
// of the parameters at every voxel. Vectors shorter than the design are
// zero-padded on the right.
func (f *Fit) TContrast(vec []float64) (*Contrast, error) {
	c, err := f.padContrast(vec)
	if err != nil {
		return nil, err
	}

	// One quadratic form per AR bin covers every voxel in the bin.
	q := make(map[int]float64, len(f.cov))
	for label, cov := range f.cov {
		q[label] = quadraticForm(cov, c)
	}

	n := f.NVoxels()
	con := &Contrast{
		Type:     ContrastT,
		Dim:      1,
		fit:      f,
		effect:   make([]float64, n),
		variance: make([]float64, n),
		stat:     make([]float64, n),
	}
	for j := 0; j < n; j++ {
		var e float64
		for k, w := range c {
			if w != 0 {
				e += w * f.betas.At(k, j)
			}
		}
		v := f.sigma2[j] * q[f.labels[j]]
		con.effect[j] = e
		con.variance[j] = v
		if v > 0 {
			con.stat[j] = e / math.Sqrt(v)
		}
	}
	return con, nil
}

// FContrast computes the F statistic of a multi-row contrast at every
// voxel. Each row is zero-padded like a t contrast vector.
func (f *Fit) FContrast(rows [][]float64) (*Contrast, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("F contrast needs at least one row")
	}
	nreg := f.Design.NCols()
	cm := mat.NewDense(len(rows), nreg, nil)
	for i, row := range rows {
		padded, err := f.padContrast(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		cm.SetRow(i, padded)
	}
	dim := len(rows)

	// Per bin: inverse of C (X'X)^-1 C'.
	minv := make(map[int]*mat.Dense, len(f.cov))
	for label, cov := range f.cov {
		var ccc mat.Dense
		ccc.Mul(cm, cov)
		var m mat.Dense
		m.Mul(&ccc, cm.T())
		var inv mat.Dense
		if err := inv.Inverse(&m); err != nil {
			return nil, fmt.Errorf("degenerate F contrast: %w", err)
		}
		minv[label] = &inv
	}

	n := f.NVoxels()
	con := &Contrast{
		Type: ContrastF,
		Dim:  dim,
		fit:  f,
		stat: make([]float64, n),
	}
	d := mat.NewVecDense(dim, nil)
	var md mat.VecDense
	beta := mat.NewVecDense(nreg, nil)
	for j := 0; j < n; j++ {
		mat.Col(beta.RawVector().Data, j, f.betas)
		d.MulVec(cm, beta)
		md.MulVec(minv[f.labels[j]], d)
		if s2 := f.sigma2[j]; s2 > 0 {
			con.stat[j] = mat.Dot(d, &md) / (float64(dim) * s2)
		}
	}
	return con, nil
}

// Stat returns a copy of the per-voxel statistic values.
func (c *Contrast) Stat() []float64 {
	out := make([]float64, len(c.stat))
	copy(out, c.stat)
	return out
}

// PValues returns one-sided p-values of the statistic under the null.
func (c *Contrast) PValues() []float64 {
	out := make([]float64, len(c.stat))
	switch c.Type {
	case ContrastT:
		dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: c.fit.DOF}
		for j, s := range c.stat {
			out[j] = dist.Survival(s)
		}
	case ContrastF:
		dist := distuv.F{D1: float64(c.Dim), D2: c.fit.DOF}
		for j, s := range c.stat {
			out[j] = dist.Survival(s)
		}
	}
	return out
}

// ZScores converts the p-values to z-scale through the normal quantile,
// which keeps far-tail statistics accurate where a direct distribution
// lookup would saturate.
func (c *Contrast) ZScores() []float64 {
	p := c.PValues()
	out := make([]float64, len(p))
	for j, v := range p {
		out[j] = zFromPValue(v)
	}
	return out
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

func zFromPValue(p float64) float64 {
	if p < pClipLo {
		p = pClipLo
	}
	if p > pClipHi {
		p = pClipHi
	}
	return -stdNormal.Quantile(p)
}

// values returns the per-voxel series for an output kind.
func (c *Contrast) values(kind OutputType) ([]float64, error) {
	switch kind {
	case OutputZScore:
		return c.ZScores(), nil
	case OutputStat:
		return c.Stat(), nil
	case OutputPValue:
		return c.PValues(), nil
	case OutputEffectSize:
		if c.Type != ContrastT {
			return nil, fmt.Errorf("effect_size is only defined for t contrasts")
		}
		out := make([]float64, len(c.effect))
		copy(out, c.effect)
		return out, nil
	case OutputEffectVariance:
		if c.Type != ContrastT {
			return nil, fmt.Errorf("effect_variance is only defined for t contrasts")
		}
		out := make([]float64, len(c.variance))
		copy(out, c.variance)
		return out, nil
	}
	return nil, fmt.Errorf("unknown output type %q", kind)
}

// Map materializes an output kind as a 3D image in the fit's mask
// geometry, zero outside the mask.
func (c *Contrast) Map(kind OutputType) (*nifti.Image, error) {
	if c.fit.Mask == nil {
		return nil, fmt.Errorf("fit has no mask geometry to unmask into")
	}
	vals, err := c.values(kind)
	if err != nil {
		return nil, err
	}
	return c.fit.Mask.Unmask(vals, 0)
}

// quadraticForm evaluates c' m c.
func quadraticForm(m *mat.Dense, c []float64) float64 {
	v := mat.NewVecDense(len(c), c)
	var tmp mat.VecDense
	tmp.MulVec(m, v)
	return mat.Dot(v, &tmp)
}
