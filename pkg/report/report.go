// Package report tabulates activation clusters from thresholded statistic
// maps and writes the result tables and run manifests that accompany the
// saved images.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/xuri/excelize/v2"

	"fmriglm/pkg/nifti"
	"fmriglm/pkg/thresholding"
)

// Peak is one local maximum of a cluster in world coordinates.
type Peak struct {
	// X, Y, Z are millimeter coordinates through the image affine.
	X, Y, Z float64
	// Stat is the statistic value at the peak voxel.
	Stat float64
}

// Cluster is one connected activation region.
type Cluster struct {
	// ID numbers clusters from 1 in decreasing size order.
	ID int
	// Peak is the cluster's maximum.
	Peak Peak
	// Subpeaks are secondary local maxima at least MinPeakDistance apart,
	// in decreasing statistic order.
	Subpeaks []Peak
	// SizeVox is the cluster extent in voxels.
	SizeVox int
	// SizeMM3 is the cluster extent in cubic millimeters.
	SizeMM3 float64
}

// Params tune cluster extraction.
type Params struct {
	// StatThreshold is the height cutoff; only voxels strictly above it
	// enter clusters.
	StatThreshold float64
	// ClusterThreshold drops clusters smaller than this many voxels.
	ClusterThreshold int
	// MinPeakDistance is the minimum world-space separation between
	// reported peaks in mm. Zero means DefaultMinPeakDistance.
	MinPeakDistance float64
}

// DefaultMinPeakDistance separates reported subpeaks by 8 mm.
const DefaultMinPeakDistance = 8.0

func (p Params) minPeakDistance() float64 {
	if p.MinPeakDistance > 0 {
		return p.MinPeakDistance
	}
	return DefaultMinPeakDistance
}

// ClustersTable extracts the 6-connected clusters of a 3D statistic map
// above the height threshold, ordered by decreasing size.
func ClustersTable(img *nifti.Image, p Params) ([]Cluster, error) {
	if img.Nt != 1 {
		return nil, fmt.Errorf("cluster table input must be 3D, got nt=%d", img.Nt)
	}

	labels, sizes := thresholding.Components(img.Data, img.Nx, img.Ny, img.Nz, p.StatThreshold)

	// Voxel lists per surviving label.
	voxels := map[int32][]int{}
	for i, label := range labels {
		if label > 0 && sizes[label-1] >= p.ClusterThreshold {
			voxels[label] = append(voxels[label], i)
		}
	}

	voxelVolume := img.Pixdim[0] * img.Pixdim[1] * img.Pixdim[2]
	clusters := make([]Cluster, 0, len(voxels))
	for label, vox := range voxels {
		peaks := clusterPeaks(img, vox, p.minPeakDistance())
		clusters = append(clusters, Cluster{
			Peak:     peaks[0],
			Subpeaks: peaks[1:],
			SizeVox:  sizes[label-1],
			SizeMM3:  float64(sizes[label-1]) * voxelVolume,
		})
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].SizeVox != clusters[j].SizeVox {
			return clusters[i].SizeVox > clusters[j].SizeVox
		}
		return clusters[i].Peak.Stat > clusters[j].Peak.Stat
	})
	for i := range clusters {
		clusters[i].ID = i + 1
	}
	return clusters, nil
}

// subpeakLabels appends a, b, c... to the cluster ID for secondary peaks.
func subpeakLabel(id, sub int) string {
	return strconv.Itoa(id) + string(rune('a'+sub))
}

// WriteCSV stores the cluster table in the tutorial's format: one row per
// peak with subpeak rows carrying lettered IDs and no size.
func WriteCSV(path string, clusters []Cluster) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create cluster table: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(tableHeader()); err != nil {
		return fmt.Errorf("failed to write cluster table: %w", err)
	}
	for _, c := range clusters {
		for _, row := range tableRows(c) {
			if err := w.Write(row); err != nil {
				return fmt.Errorf("failed to write cluster table: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write cluster table: %w", err)
	}
	return f.Close()
}

// WriteXLSX stores the same table as a spreadsheet with a Clusters sheet.
func WriteXLSX(path string, clusters []Cluster) error {
	book := excelize.NewFile()
	defer book.Close()

	const sheet = "Clusters"
	if err := book.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("failed to build cluster spreadsheet: %w", err)
	}

	for col, name := range tableHeader() {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := book.SetCellValue(sheet, cell, name); err != nil {
			return fmt.Errorf("failed to build cluster spreadsheet: %w", err)
		}
	}
	rowIdx := 2
	for _, c := range clusters {
		for _, row := range tableRows(c) {
			for col, v := range row {
				cell, _ := excelize.CoordinatesToCellName(col+1, rowIdx)
				if err := book.SetCellValue(sheet, cell, v); err != nil {
					return fmt.Errorf("failed to build cluster spreadsheet: %w", err)
				}
			}
			rowIdx++
		}
	}

	if err := book.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save cluster spreadsheet: %w", err)
	}
	return nil
}

func tableHeader() []string {
	return []string{"Cluster ID", "X", "Y", "Z", "Peak Stat", "Cluster Size (mm3)"}
}

// tableRows renders a cluster as its peak row plus one row per subpeak.
func tableRows(c Cluster) [][]string {
	mm := func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }
	rows := [][]string{{
		strconv.Itoa(c.ID),
		mm(c.Peak.X), mm(c.Peak.Y), mm(c.Peak.Z),
		strconv.FormatFloat(c.Peak.Stat, 'f', 2, 64),
		strconv.FormatFloat(c.SizeMM3, 'f', 0, 64),
	}}
	for i, p := range c.Subpeaks {
		rows = append(rows, []string{
			subpeakLabel(c.ID, i),
			mm(p.X), mm(p.Y), mm(p.Z),
			strconv.FormatFloat(p.Stat, 'f', 2, 64),
			"",
		})
	}
	return rows
}
