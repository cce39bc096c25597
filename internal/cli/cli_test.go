package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmriglm/pkg/dataset"
	"fmriglm/pkg/nifti"
)

// execute runs the CLI with args and returns captured stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestDesignCommand(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "paradigm.csv")
	require.NoError(t, dataset.WriteDefaultEvents(eventsPath))
	outDir := filepath.Join(dir, "design")

	out, err := execute(t, "design",
		"--events", eventsPath,
		"--scans", "96",
		"--tr", "7",
		"--out", outDir,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "design matrix 96x10")
	assert.Contains(t, out, "active")

	for _, name := range []string{
		"design_matrix.csv", "design_matrix.npy", "design_matrix.png", "expected_response.png",
	} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
}

func TestDesignCommandMissingEvents(t *testing.T) {
	_, err := execute(t, "design",
		"--events", filepath.Join(t.TempDir(), "nope.csv"),
		"--scans", "96",
		"--tr", "7",
	)
	require.Error(t, err)
}

func TestReportCommand(t *testing.T) {
	dir := t.TempDir()

	affine := nifti.Affine{{3, 0, 0, 0}, {0, 3, 0, 0}, {0, 0, 3, 0}, {0, 0, 0, 1}}
	img := nifti.NewImage(8, 8, 8, 1, affine, [3]float64{3, 3, 3})
	img.SetAt(3, 3, 3, 0, 5.5)
	img.SetAt(4, 3, 3, 0, 4.8)
	zmapPath := filepath.Join(dir, "zmap.nii.gz")
	require.NoError(t, nifti.WriteFile(zmapPath, img))

	out, err := execute(t, "report",
		"--zmap", zmapPath,
		"--threshold", "3",
		"--out", dir,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "1 clusters above z=3")
	assert.Contains(t, out, "peak z=5.50")

	data, err := os.ReadFile(filepath.Join(dir, "table.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Cluster ID")
}

func TestReportCommandRequiresZMap(t *testing.T) {
	_, err := execute(t, "report")
	require.Error(t, err)
}

func TestRunCommandBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("acquisition: ["), 0644))

	_, err := execute(t, "run", "--config", cfgPath)
	require.Error(t, err)
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "fetch", "design", "report"} {
		assert.Contains(t, out, sub)
	}
}
