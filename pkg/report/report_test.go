package report

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"fmriglm/pkg/nifti"
)

// testMap builds a 10x5x5 map with 3 mm voxels: one six-voxel cluster with
// a secondary peak 12 mm from the main one, and one isolated voxel.
func testMap() *nifti.Image {
	affine := nifti.Affine{{3, 0, 0, 0}, {0, 3, 0, 0}, {0, 0, 3, 0}, {0, 0, 0, 1}}
	img := nifti.NewImage(10, 5, 5, 1, affine, [3]float64{3, 3, 3})
	for x, v := range map[int]float64{2: 5.0, 3: 6.0, 4: 5.5, 5: 4.5, 6: 4.4, 7: 5.8} {
		img.SetAt(x, 2, 2, 0, v)
	}
	img.SetAt(0, 0, 0, 0, 7.0)
	return img
}

func TestClustersTable(t *testing.T) {
	clusters, err := ClustersTable(testMap(), Params{StatThreshold: 4})
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	big := clusters[0]
	assert.Equal(t, 1, big.ID)
	assert.Equal(t, 6, big.SizeVox)
	assert.Equal(t, 162.0, big.SizeMM3)
	assert.Equal(t, Peak{X: 9, Y: 6, Z: 6, Stat: 6.0}, big.Peak)
	require.Len(t, big.Subpeaks, 1)
	assert.Equal(t, Peak{X: 21, Y: 6, Z: 6, Stat: 5.8}, big.Subpeaks[0])

	single := clusters[1]
	assert.Equal(t, 2, single.ID)
	assert.Equal(t, 1, single.SizeVox)
	assert.Equal(t, Peak{X: 0, Y: 0, Z: 0, Stat: 7.0}, single.Peak)
	assert.Empty(t, single.Subpeaks)
}

func TestClustersTableExtentFilter(t *testing.T) {
	clusters, err := ClustersTable(testMap(), Params{StatThreshold: 4, ClusterThreshold: 2})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 6, clusters[0].SizeVox)
}

func TestClustersTableSubpeakDistance(t *testing.T) {
	// With a 40 mm minimum distance the secondary peak folds into the
	// main one.
	clusters, err := ClustersTable(testMap(), Params{StatThreshold: 4, MinPeakDistance: 40})
	require.NoError(t, err)
	assert.Empty(t, clusters[0].Subpeaks)
}

func TestClustersTableEmptyMap(t *testing.T) {
	affine := nifti.Affine{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	img := nifti.NewImage(4, 4, 4, 1, affine, [3]float64{1, 1, 1})
	clusters, err := ClustersTable(img, Params{StatThreshold: 3})
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestClustersTableRejects4D(t *testing.T) {
	affine := nifti.Affine{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	img := nifti.NewImage(4, 4, 4, 2, affine, [3]float64{1, 1, 1})
	_, err := ClustersTable(img, Params{StatThreshold: 3})
	require.Error(t, err)
}

func TestWriteCSVGolden(t *testing.T) {
	clusters, err := ClustersTable(testMap(), Params{StatThreshold: 4})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "table.csv")
	require.NoError(t, WriteCSV(path, clusters))
	got, err := os.ReadFile(path)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "clusters_table", got)
}

func TestWriteXLSXRoundTrip(t *testing.T) {
	clusters, err := ClustersTable(testMap(), Params{StatThreshold: 4})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "table.xlsx")
	require.NoError(t, WriteXLSX(path, clusters))

	book, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer book.Close()

	rows, err := book.GetRows("Clusters")
	require.NoError(t, err)
	require.Len(t, rows, 4) // header + peak + subpeak + second cluster
	assert.Equal(t, tableHeader(), rows[0])
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "1a", rows[2][0])
	assert.Equal(t, "2", rows[3][0])
}

func TestManifestRoundTrip(t *testing.T) {
	m := NewManifest()
	m.TR = 7
	m.NScans = 96
	m.NoiseModel = "ar1"
	m.HRFModel = "spm"
	m.DriftModel = "cosine"
	m.HighPassCutoff = 160
	m.MaskVoxels = 25000
	m.DesignShape = [2]int{96, 10}
	m.DesignNames = []string{"active", "rest", "constant"}
	m.Thresholds = append(m.Thresholds, ThresholdResult{
		Name: "fdr=0.05", Control: "fdr", Alpha: 0.05, Cutoff: 2.9, Survivors: 400,
	})
	m.AddOutput("results/active_vs_rest_z_map.nii.gz")

	require.NotEmpty(t, m.ID)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, WriteManifest(path, m))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Thresholds, got.Thresholds)
	assert.Equal(t, m.Outputs, got.Outputs)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
}

// An FDR policy with no suprathreshold voxels yields a +Inf cutoff; the
// manifest must still write and read back.
func TestManifestInfiniteCutoff(t *testing.T) {
	m := NewManifest()
	m.Thresholds = append(m.Thresholds, ThresholdResult{
		Name: "fdr=0.05", Control: "fdr", Alpha: 0.05,
		Cutoff: math.Inf(1), Survivors: 0,
	})

	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, WriteManifest(path, m))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	require.Len(t, got.Thresholds, 1)
	assert.True(t, math.IsInf(got.Thresholds[0].Cutoff, 1))
	assert.Equal(t, "fdr", got.Thresholds[0].Control)
	assert.Equal(t, 0, got.Thresholds[0].Survivors)
}
