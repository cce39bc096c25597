package firstlevel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"fmriglm/pkg/config"
	"fmriglm/pkg/dataset"
	"fmriglm/pkg/design"
	"fmriglm/pkg/events"
	"fmriglm/pkg/glm"
	"fmriglm/pkg/nifti"
	"fmriglm/pkg/render"
	"fmriglm/pkg/report"
	"fmriglm/pkg/thresholding"
)

// Pipeline runs a complete single-subject analysis: fetch the dataset,
// load and concatenate the scans, read the paradigm, fit the model,
// compute contrasts, threshold, and write every result file.
type Pipeline struct {
	Config *config.Config
	Logger *slog.Logger
}

// ThresholdSummary is one evaluated policy, kept for the final narrative.
type ThresholdSummary struct {
	Name      string
	Cutoff    float64
	Survivors int
}

// Result collects what a run produced.
type Result struct {
	// Manifest is the written run manifest.
	Manifest *report.RunManifest
	// Thresholds summarize each policy evaluation: the t-contrast
	// policies in configured order, then the F map's FDR cleanup.
	Thresholds []ThresholdSummary
	// Clusters is the tabulated activation table.
	Clusters []report.Cluster
	// OutDir is the directory holding every output file.
	OutDir string
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Run executes the full pipeline.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	cfg := p.Config
	log := p.logger()

	log.Info("step 1: fetching dataset")
	data, err := dataset.FetchSPMAuditory(ctx, dataset.Options{
		DataDir: cfg.Fetch.DataDir,
		BaseURL: cfg.Fetch.BaseURL,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("dataset fetch failed: %w", err)
	}

	log.Info("step 2: loading scan volumes", "count", len(data.Func))
	img, err := loadSeries(data.Func, cfg.Acquisition.TR)
	if err != nil {
		return nil, err
	}
	if cfg.Acquisition.NScans > 0 && img.Nt != cfg.Acquisition.NScans {
		return nil, fmt.Errorf("loaded %d scans but the configuration expects %d",
			img.Nt, cfg.Acquisition.NScans)
	}

	log.Info("step 3: reading event table", "path", data.Events)
	table, err := events.ReadFile(data.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	var anat *nifti.Image
	if data.Anat != "" {
		if anat, err = nifti.ReadFile(data.Anat); err != nil {
			return nil, fmt.Errorf("failed to load anatomical scan: %w", err)
		}
	}

	return p.RunOnData(ctx, img, table, anat)
}

// RunOnData executes the analysis stages on already-loaded inputs. The
// anatomical volume may be nil; it is only used for rendering.
func (p *Pipeline) RunOnData(ctx context.Context, img *nifti.Image, table events.Table, anat *nifti.Image) (*Result, error) {
	cfg := p.Config
	log := p.logger()

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	manifest := report.NewManifest()
	manifest.TR = cfg.Acquisition.TR
	manifest.NScans = img.Nt
	manifest.NoiseModel = cfg.Model.NoiseModel
	manifest.HRFModel = cfg.Model.HRFModel
	manifest.DriftModel = cfg.Model.DriftModel
	manifest.HighPassCutoff = cfg.Model.HighPassCutoff

	res := &Result{Manifest: manifest, OutDir: cfg.Output.Dir}
	out := func(name string) string {
		path := filepath.Join(cfg.Output.Dir, name)
		manifest.AddOutput(path)
		return path
	}

	log.Info("step 4: fitting first-level model")
	model := NewModel(Params{
		TR:             cfg.Acquisition.TR,
		NoiseModel:     glm.NoiseModel(cfg.Model.NoiseModel),
		HRFModel:       design.HRFModel(cfg.Model.HRFModel),
		DriftModel:     design.DriftModel(cfg.Model.DriftModel),
		HighPassCutoff: cfg.Model.HighPassCutoff,
		DriftOrder:     cfg.Model.DriftOrder,
		Oversampling:   cfg.Model.Oversampling,
		SignalScaling:  cfg.Model.SignalScaling,
		Workers:        cfg.Compute.Workers,
		Logger:         log,
	})
	if err := model.Fit(ctx, img, table); err != nil {
		return nil, err
	}
	dm := model.Design()
	manifest.MaskVoxels = model.Mask().Count()
	manifest.DesignShape = [2]int{dm.NRows(), dm.NCols()}
	manifest.DesignNames = dm.Names

	log.Info("step 5: computing contrasts",
		"t", cfg.Contrasts.TContrastName, "f", cfg.Contrasts.FContrastName)
	effMap, err := model.ComputeContrast(cfg.Contrasts.TContrast, glm.OutputEffectSize)
	if err != nil {
		return nil, fmt.Errorf("t contrast failed: %w", err)
	}
	zMap, err := model.ComputeContrast(cfg.Contrasts.TContrast, glm.OutputZScore)
	if err != nil {
		return nil, fmt.Errorf("t contrast failed: %w", err)
	}

	log.Info("step 6: thresholding z map", "policies", len(cfg.Thresholding.Policies))
	for _, spec := range cfg.Thresholding.Policies {
		clean, cutoff, err := thresholding.Threshold(zMap, model.Mask(), thresholding.Params{
			Control:          thresholding.HeightControl(spec.Control),
			Alpha:            spec.Alpha,
			RawThreshold:     spec.RawThreshold,
			ClusterThreshold: spec.ClusterThreshold,
		})
		if err != nil {
			return nil, fmt.Errorf("thresholding %q failed: %w", spec.Name, err)
		}
		survivors := countNonzero(clean.Data)
		log.Info("threshold computed", "policy", spec.Name,
			"cutoff", fmt.Sprintf("%.3f", cutoff), "voxels", survivors)
		res.Thresholds = append(res.Thresholds, ThresholdSummary{
			Name: spec.Name, Cutoff: cutoff, Survivors: survivors,
		})
		manifest.Thresholds = append(manifest.Thresholds, report.ThresholdResult{
			Name: spec.Name, Control: spec.Control, Alpha: spec.Alpha,
			Cutoff: cutoff, Survivors: survivors,
		})
		if cfg.Output.SaveRenders {
			name := "thresholded_" + fileSafe(spec.Name) + ".png"
			if err := render.StatMap(out(name), model.MeanImage(), clean, cutoff, render.DefaultCuts); err != nil {
				return nil, err
			}
		}
	}

	log.Info("step 7: saving maps")
	if err := nifti.WriteFile(out(cfg.Contrasts.TContrastName+"_z_map.nii.gz"), zMap); err != nil {
		return nil, err
	}
	if err := nifti.WriteFile(out(cfg.Contrasts.TContrastName+"_eff_map.nii.gz"), effMap); err != nil {
		return nil, err
	}
	if cfg.Output.SaveMask {
		if err := nifti.WriteFile(out("mask.nii.gz"), model.Mask().Image()); err != nil {
			return nil, err
		}
	}

	log.Info("step 8: tabulating clusters",
		"threshold", cfg.Thresholding.TableStatThreshold,
		"cluster", cfg.Thresholding.TableClusterThreshold)
	clusters, err := report.ClustersTable(zMap, report.Params{
		StatThreshold:    cfg.Thresholding.TableStatThreshold,
		ClusterThreshold: cfg.Thresholding.TableClusterThreshold,
	})
	if err != nil {
		return nil, err
	}
	res.Clusters = clusters
	if err := report.WriteCSV(out("table.csv"), clusters); err != nil {
		return nil, err
	}
	if cfg.Output.XLSX {
		if err := report.WriteXLSX(out("table.xlsx"), clusters); err != nil {
			return nil, err
		}
	}

	if len(cfg.Contrasts.FContrast) > 0 {
		log.Info("step 9: F contrast", "name", cfg.Contrasts.FContrastName)
		fzMap, err := model.ComputeFContrast(cfg.Contrasts.FContrast, glm.OutputZScore)
		if err != nil {
			return nil, fmt.Errorf("F contrast failed: %w", err)
		}
		if err := nifti.WriteFile(out(cfg.Contrasts.FContrastName+"_z_map.nii.gz"), fzMap); err != nil {
			return nil, err
		}
		if spec, ok := fdrPolicy(cfg.Thresholding.Policies); ok {
			clean, cutoff, err := thresholding.Threshold(fzMap, model.Mask(), thresholding.Params{
				Control:          thresholding.HeightControl(spec.Control),
				Alpha:            spec.Alpha,
				ClusterThreshold: spec.ClusterThreshold,
			})
			if err != nil {
				return nil, fmt.Errorf("thresholding %q failed: %w", spec.Name, err)
			}
			survivors := countNonzero(clean.Data)
			name := cfg.Contrasts.FContrastName + " " + spec.Name
			log.Info("threshold computed", "policy", name,
				"cutoff", fmt.Sprintf("%.3f", cutoff), "voxels", survivors)
			res.Thresholds = append(res.Thresholds, ThresholdSummary{
				Name: name, Cutoff: cutoff, Survivors: survivors,
			})
			manifest.Thresholds = append(manifest.Thresholds, report.ThresholdResult{
				Name: name, Control: spec.Control, Alpha: spec.Alpha,
				Cutoff: cutoff, Survivors: survivors,
			})
			if cfg.Output.SaveRenders {
				png := "thresholded_" + fileSafe(cfg.Contrasts.FContrastName) + ".png"
				if err := render.StatMap(out(png), model.MeanImage(), clean, cutoff, render.DefaultCuts); err != nil {
					return nil, err
				}
			}
		}
	}

	if cfg.Output.SaveDesign {
		if err := dm.WriteCSV(out("design_matrix.csv")); err != nil {
			return nil, err
		}
		if err := dm.WriteNPY(out("design_matrix.npy")); err != nil {
			return nil, err
		}
	}
	if cfg.Output.SaveRenders {
		if err := renderViews(out, model, anat, cfg); err != nil {
			return nil, err
		}
	}

	if err := report.WriteManifest(filepath.Join(cfg.Output.Dir, "manifest.json"), manifest); err != nil {
		return nil, err
	}
	log.Info("analysis complete", "outputs", len(manifest.Outputs), "dir", cfg.Output.Dir)
	return res, nil
}

// fdrPolicy selects the first FDR policy, used to clean the F map as well.
func fdrPolicy(policies []config.ThresholdSpec) (config.ThresholdSpec, bool) {
	for _, spec := range policies {
		if spec.Control == string(thresholding.ControlFDR) {
			return spec, true
		}
	}
	return config.ThresholdSpec{}, false
}

// renderViews writes the descriptive figures: mean EPI, anatomy, design
// matrix, contrast weights and the first condition's expected response.
func renderViews(out func(string) string, model *Model, anat *nifti.Image, cfg *config.Config) error {
	if err := render.EPIView(out("mean_epi.png"), model.MeanImage(), render.DefaultCuts); err != nil {
		return err
	}
	if anat != nil {
		if err := render.AnatView(out("anat.png"), anat, render.DefaultCuts); err != nil {
			return err
		}
	}
	dm := model.Design()
	if err := render.DesignMatrix(out("design_matrix.png"), dm); err != nil {
		return err
	}
	if err := render.ContrastVector(out("contrast_"+fileSafe(cfg.Contrasts.TContrastName)+".png"),
		[][]float64{cfg.Contrasts.TContrast}, dm.Names); err != nil {
		return err
	}
	first := dm.Names[0]
	return render.Regressor(out("expected_response_"+fileSafe(first)+".png"),
		dm, first, "Expected response: "+first)
}

// loadSeries reads and concatenates the functional volumes.
func loadSeries(paths []string, tr float64) (*nifti.Image, error) {
	vols := make([]*nifti.Image, 0, len(paths))
	for _, path := range paths {
		vol, err := nifti.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load scan: %w", err)
		}
		vols = append(vols, vol)
	}
	img, err := nifti.Concat(vols, tr)
	if err != nil {
		return nil, fmt.Errorf("failed to concatenate scans: %w", err)
	}
	return img, nil
}

func countNonzero(data []float64) int {
	n := 0
	for _, v := range data {
		if v != 0 {
			n++
		}
	}
	return n
}

// fileSafe turns a policy or contrast name into a filename fragment.
func fileSafe(name string) string {
	mapper := func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}
	return strings.Map(mapper, name)
}
