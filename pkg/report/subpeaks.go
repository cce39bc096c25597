package report

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"fmriglm/pkg/nifti"
)

// point3D is a world-space peak location for kd-tree queries.
type point3D struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface.
func (p point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the kd-tree.
func (p point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points.
func (p point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// points3D is a collection of point3D that satisfies kdtree.Interface.
type points3D []point3D

func (p points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p points3D) Len() int                              { return len(p) }
func (p points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method.
func (p points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for points3D.
type pointPlane struct {
	points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.points3D[i].X < p.points3D[j].X
	case 1:
		return p.points3D[i].Y < p.points3D[j].Y
	case 2:
		return p.points3D[i].Z < p.points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{points3D: p.points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.points3D[i], p.points3D[j] = p.points3D[j], p.points3D[i]
}

// clusterPeaks returns the peaks of one cluster in decreasing statistic
// order: the global maximum first, then local maxima at least minDist mm
// away from every previously accepted peak. Separation is enforced with a
// kd-tree over the accepted world coordinates.
func clusterPeaks(img *nifti.Image, vox []int, minDist float64) []Peak {
	inCluster := make(map[int]bool, len(vox))
	for _, i := range vox {
		inCluster[i] = true
	}

	// Candidates: cluster voxels no smaller than any face neighbor
	// inside the cluster.
	var candidates []int
	for _, i := range vox {
		if isLocalMax(img, inCluster, i) {
			candidates = append(candidates, i)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		return img.Data[candidates[a]] > img.Data[candidates[b]]
	})

	toPeak := func(i int) Peak {
		x := i % img.Nx
		y := (i / img.Nx) % img.Ny
		z := i / (img.Nx * img.Ny)
		wx, wy, wz := img.VoxelToWorld(x, y, z)
		return Peak{X: wx, Y: wy, Z: wz, Stat: img.Data[i]}
	}

	first := toPeak(candidates[0])
	peaks := []Peak{first}
	tree := kdtree.New(points3D{{X: first.X, Y: first.Y, Z: first.Z}}, false)

	minSq := minDist * minDist
	for _, i := range candidates[1:] {
		p := toPeak(i)
		q := point3D{X: p.X, Y: p.Y, Z: p.Z}
		if _, distSq := tree.Nearest(q); distSq < minSq {
			continue
		}
		peaks = append(peaks, p)
		tree.Insert(q, false)
	}
	return peaks
}

// isLocalMax reports whether voxel i dominates its face neighbors within
// the cluster.
func isLocalMax(img *nifti.Image, inCluster map[int]bool, i int) bool {
	v := img.Data[i]
	x := i % img.Nx
	y := (i / img.Nx) % img.Ny
	z := i / (img.Nx * img.Ny)

	check := func(j int) bool {
		return !inCluster[j] || img.Data[j] <= v
	}
	idx := func(x, y, z int) int { return (z*img.Ny+y)*img.Nx + x }

	if x > 0 && !check(idx(x-1, y, z)) {
		return false
	}
	if x < img.Nx-1 && !check(idx(x+1, y, z)) {
		return false
	}
	if y > 0 && !check(idx(x, y-1, z)) {
		return false
	}
	if y < img.Ny-1 && !check(idx(x, y+1, z)) {
		return false
	}
	if z > 0 && !check(idx(x, y, z-1)) {
		return false
	}
	if z < img.Nz-1 && !check(idx(x, y, z+1)) {
		return false
	}
	return true
}
