// Package firstlevel ties the analysis stages together: it owns the
// first-level model (design construction, masking and voxel-wise GLM
// fitting for one subject's run) and the pipeline that drives a complete
// analysis from fetched dataset to written results.
package firstlevel

import (
	"context"
	"fmt"
	"log/slog"

	"fmriglm/pkg/design"
	"fmriglm/pkg/events"
	"fmriglm/pkg/glm"
	"fmriglm/pkg/mask"
	"fmriglm/pkg/nifti"
)

// Params configure a first-level model.
type Params struct {
	// TR is the repetition time in seconds.
	TR float64

	// NoiseModel selects the serial-correlation treatment; empty means AR(1).
	NoiseModel glm.NoiseModel

	// HRFModel selects the response kernels; empty means the SPM canonical.
	HRFModel design.HRFModel

	// DriftModel selects the slow-drift basis; empty means cosine.
	DriftModel design.DriftModel

	// HighPassCutoff is the cosine drift cutoff period in seconds.
	HighPassCutoff float64

	// DriftOrder is the polynomial drift order.
	DriftOrder int

	// Oversampling is the regressor sampling density per TR.
	Oversampling int

	// SignalScaling rescales each voxel to percent signal change around
	// its temporal mean before fitting.
	SignalScaling bool

	// Mask overrides EPI mask computation when non-nil.
	Mask *mask.Mask

	// Workers bounds the parallel voxel fitting.
	Workers int

	// Logger receives progress lines; nil uses slog.Default.
	Logger *slog.Logger
}

func (p *Params) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Model is a fitted or to-be-fitted first-level GLM for a single run.
type Model struct {
	params Params

	dm   *design.Matrix
	msk  *mask.Mask
	fit  *glm.Fit
	mean *nifti.Image
}

// NewModel creates an unfitted model.
func NewModel(p Params) *Model {
	return &Model{params: p}
}

// Fit builds the design matrix from the event table, computes the analysis
// mask and fits the GLM to every in-mask voxel of the 4D series.
func (m *Model) Fit(ctx context.Context, img *nifti.Image, table events.Table) error {
	log := m.params.logger()

	tr := m.params.TR
	if tr <= 0 {
		tr = img.TR
	}
	if tr <= 0 {
		return fmt.Errorf("repetition time is neither configured nor recorded on the image")
	}

	log.Info("building design matrix", "scans", img.Nt, "tr", tr,
		"conditions", table.Conditions())
	dm, err := design.Build(table, design.Params{
		TR:             tr,
		NScans:         img.Nt,
		HRF:            m.params.HRFModel,
		Drift:          m.params.DriftModel,
		HighPassCutoff: m.params.HighPassCutoff,
		DriftOrder:     m.params.DriftOrder,
		Oversampling:   m.params.Oversampling,
	})
	if err != nil {
		return fmt.Errorf("failed to build design matrix: %w", err)
	}
	log.Info("design matrix ready", "rows", dm.NRows(), "columns", dm.NCols())

	m.mean = nifti.Mean(img)
	msk := m.params.Mask
	if msk == nil {
		log.Info("computing EPI mask")
		msk, err = mask.ComputeEPI(m.mean, mask.Params{})
		if err != nil {
			return fmt.Errorf("failed to compute mask: %w", err)
		}
	}
	log.Info("mask ready", "voxels", msk.Count())

	log.Info("fitting GLM", "noise", string(m.params.NoiseModel), "workers", m.params.Workers)
	fit, err := glm.FitImage(ctx, img, msk, dm, glm.Params{
		Noise:         m.params.NoiseModel,
		Workers:       m.params.Workers,
		SignalScaling: m.params.SignalScaling,
	})
	if err != nil {
		return fmt.Errorf("failed to fit GLM: %w", err)
	}

	m.dm = dm
	m.msk = msk
	m.fit = fit
	log.Info("GLM fitted", "voxels", fit.NVoxels(), "dof", fit.DOF)
	return nil
}

// Fitted reports whether Fit has completed.
func (m *Model) Fitted() bool {
	return m.fit != nil
}

// Design returns the built design matrix; nil before Fit.
func (m *Model) Design() *design.Matrix {
	return m.dm
}

// Mask returns the analysis mask; nil before Fit.
func (m *Model) Mask() *mask.Mask {
	return m.msk
}

// MeanImage returns the temporal mean volume; nil before Fit.
func (m *Model) MeanImage() *nifti.Image {
	return m.mean
}

func (m *Model) requireFit() error {
	if m.fit == nil {
		return fmt.Errorf("model has not been fitted")
	}
	return nil
}

// ComputeContrast evaluates a t contrast and materializes one output kind
// as a 3D map. Vectors shorter than the design are zero-padded.
func (m *Model) ComputeContrast(vec []float64, kind glm.OutputType) (*nifti.Image, error) {
	if err := m.requireFit(); err != nil {
		return nil, err
	}
	con, err := m.fit.TContrast(vec)
	if err != nil {
		return nil, err
	}
	return con.Map(kind)
}

// ComputeFContrast evaluates a multi-row F contrast and materializes one
// output kind as a 3D map.
func (m *Model) ComputeFContrast(rows [][]float64, kind glm.OutputType) (*nifti.Image, error) {
	if err := m.requireFit(); err != nil {
		return nil, err
	}
	con, err := m.fit.FContrast(rows)
	if err != nil {
		return nil, err
	}
	return con.Map(kind)
}
