package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// RunManifest records the parameters and outputs of one analysis run as a
// JSON file written beside the maps, so a results directory stays
// self-describing.
type RunManifest struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TR             float64 `json:"tr"`
	NScans         int     `json:"n_scans"`
	NoiseModel     string  `json:"noise_model"`
	HRFModel       string  `json:"hrf_model"`
	DriftModel     string  `json:"drift_model"`
	HighPassCutoff float64 `json:"high_pass_cutoff,omitempty"`

	MaskVoxels  int               `json:"mask_voxels"`
	DesignShape [2]int            `json:"design_shape"`
	DesignNames []string          `json:"design_columns"`
	Thresholds  []ThresholdResult `json:"thresholds,omitempty"`
	Outputs     []string          `json:"outputs"`
}

// ThresholdResult is one evaluated thresholding policy.
type ThresholdResult struct {
	Name      string  `json:"name"`
	Control   string  `json:"control"`
	Alpha     float64 `json:"alpha,omitempty"`
	Cutoff    float64 `json:"cutoff"`
	Survivors int     `json:"surviving_voxels"`
}

// thresholdResultJSON carries the cutoff as an untyped value so a
// non-finite cutoff can travel as a string.
type thresholdResultJSON struct {
	Name      string  `json:"name"`
	Control   string  `json:"control"`
	Alpha     float64 `json:"alpha,omitempty"`
	Cutoff    any     `json:"cutoff"`
	Survivors int     `json:"surviving_voxels"`
}

// MarshalJSON encodes the cutoff as a string when it is not finite: an FDR
// policy that accepts nothing reports +Inf, which JSON has no literal for.
func (r ThresholdResult) MarshalJSON() ([]byte, error) {
	out := thresholdResultJSON{
		Name:      r.Name,
		Control:   r.Control,
		Alpha:     r.Alpha,
		Survivors: r.Survivors,
	}
	if math.IsInf(r.Cutoff, 0) || math.IsNaN(r.Cutoff) {
		out.Cutoff = strconv.FormatFloat(r.Cutoff, 'g', -1, 64)
	} else {
		out.Cutoff = r.Cutoff
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both numeric and string cutoffs.
func (r *ThresholdResult) UnmarshalJSON(data []byte) error {
	var in thresholdResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Name = in.Name
	r.Control = in.Control
	r.Alpha = in.Alpha
	r.Survivors = in.Survivors
	switch v := in.Cutoff.(type) {
	case nil:
		r.Cutoff = 0
	case float64:
		r.Cutoff = v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid cutoff %q: %w", v, err)
		}
		r.Cutoff = f
	default:
		return fmt.Errorf("invalid cutoff value %v", in.Cutoff)
	}
	return nil
}

// NewManifest starts a manifest with a fresh run ID and timestamp.
func NewManifest() *RunManifest {
	return &RunManifest{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

// AddOutput records a written file path.
func (m *RunManifest) AddOutput(path string) {
	m.Outputs = append(m.Outputs, path)
}

// WriteManifest stores the manifest as indented JSON.
func WriteManifest(path string, m *RunManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}
