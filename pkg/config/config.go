// Package config provides configuration loading and management for fmriglm.
// It handles loading run parameters from YAML files and provides defaults
// reproducing the SPM auditory tutorial analysis.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ThresholdSpec selects one thresholding policy applied to a z map.
type ThresholdSpec struct {
	// Name labels the policy in logs and output filenames.
	Name string `yaml:"name"`

	// Control is the height control: none, fpr, bonferroni or fdr.
	Control string `yaml:"control"`

	// Alpha is the error level for the corrected controls.
	Alpha float64 `yaml:"alpha"`

	// RawThreshold is the z cutoff used when Control is "none".
	RawThreshold float64 `yaml:"rawThreshold"`

	// ClusterThreshold drops clusters smaller than this many voxels.
	ClusterThreshold int `yaml:"clusterThreshold"`
}

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Acquisition parameters of the scanned session
	Acquisition struct {
		// TR is the repetition time between scans in seconds
		TR float64 `yaml:"tr"`

		// NScans is the expected number of functional volumes
		NScans int `yaml:"nScans"`
	} `yaml:"acquisition"`

	// Model parameters for design construction and fitting
	Model struct {
		// NoiseModel is the serial-correlation model: ols or ar1
		NoiseModel string `yaml:"noiseModel"`

		// HRFModel selects the hemodynamic response kernel set
		HRFModel string `yaml:"hrfModel"`

		// DriftModel selects the slow-drift basis: cosine, polynomial or none
		DriftModel string `yaml:"driftModel"`

		// HighPassCutoff is the cosine drift cutoff period in seconds
		HighPassCutoff float64 `yaml:"highPassCutoff"`

		// DriftOrder is the polynomial drift order
		DriftOrder int `yaml:"driftOrder"`

		// Oversampling is the regressor sampling density per TR
		Oversampling int `yaml:"oversampling"`

		// SignalScaling rescales voxels to percent signal change
		// before fitting
		SignalScaling bool `yaml:"signalScaling"`
	} `yaml:"model"`

	// Contrasts define the tested hypotheses over condition columns
	Contrasts struct {
		// TContrast weights the condition columns of the t test
		TContrast []float64 `yaml:"tContrast"`

		// TContrastName labels the t contrast output files
		TContrastName string `yaml:"tContrastName"`

		// FContrast rows span the effects-of-interest F test
		FContrast [][]float64 `yaml:"fContrast"`

		// FContrastName labels the F contrast output files
		FContrastName string `yaml:"fContrastName"`
	} `yaml:"contrasts"`

	// Thresholding policies applied to the t-contrast z map, in order
	Thresholding struct {
		// Policies are evaluated independently on the same map
		Policies []ThresholdSpec `yaml:"policies"`

		// TableStatThreshold is the z cutoff of the cluster table
		TableStatThreshold float64 `yaml:"tableStatThreshold"`

		// TableClusterThreshold is the minimum tabulated cluster size in voxels
		TableClusterThreshold int `yaml:"tableClusterThreshold"`
	} `yaml:"thresholding"`

	// Output parameters
	Output struct {
		// Dir receives every written map, table and image
		Dir string `yaml:"dir"`

		// SaveDesign writes the design matrix as CSV and NPY
		SaveDesign bool `yaml:"saveDesign"`

		// SaveRenders writes PNG mosaics and plots
		SaveRenders bool `yaml:"saveRenders"`

		// SaveMask writes the analysis mask volume
		SaveMask bool `yaml:"saveMask"`

		// XLSX additionally writes the cluster table as a spreadsheet
		XLSX bool `yaml:"xlsx"`
	} `yaml:"output"`

	// Fetch parameters for the dataset download
	Fetch struct {
		// DataDir is the dataset cache directory; empty resolves the
		// FMRIGLM_DATA_DIR environment variable, then ~/.cache/fmriglm
		DataDir string `yaml:"dataDir"`

		// BaseURL overrides the archive location, mainly for tests
		BaseURL string `yaml:"baseURL"`
	} `yaml:"fetch"`

	// Compute parameters
	Compute struct {
		// Workers bounds the parallel voxel fitting; zero uses all cores
		Workers int `yaml:"workers"`
	} `yaml:"compute"`
}

// DefaultConfig returns a configuration reproducing the tutorial analysis
// of the SPM auditory dataset.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Acquisition.TR = 7
	cfg.Acquisition.NScans = 96

	cfg.Model.NoiseModel = "ar1"
	cfg.Model.HRFModel = "spm"
	cfg.Model.DriftModel = "cosine"
	cfg.Model.HighPassCutoff = 160

	// Conditions sort as active, rest; the weights below test
	// active minus rest and the joint effects of interest.
	cfg.Contrasts.TContrast = []float64{1, -1}
	cfg.Contrasts.TContrastName = "active_vs_rest"
	cfg.Contrasts.FContrast = [][]float64{{1, 0}, {0, 1}}
	cfg.Contrasts.FContrastName = "effects_of_interest"

	cfg.Thresholding.Policies = []ThresholdSpec{
		{Name: "z>3", Control: "none", RawThreshold: 3.0},
		{Name: "p<0.001 uncorrected", Control: "fpr", Alpha: 0.001},
		{Name: "p<0.05 Bonferroni", Control: "bonferroni", Alpha: 0.05},
		{Name: "fdr=0.05 clusters>10", Control: "fdr", Alpha: 0.05, ClusterThreshold: 10},
	}
	cfg.Thresholding.TableStatThreshold = 3.0
	cfg.Thresholding.TableClusterThreshold = 20

	cfg.Output.Dir = "results"
	cfg.Output.SaveDesign = true
	cfg.Output.SaveRenders = true
	cfg.Output.SaveMask = false
	cfg.Output.XLSX = false

	cfg.Compute.Workers = runtime.NumCPU()

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
