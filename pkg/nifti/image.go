package nifti

import (
	"fmt"
	"math"
)

// Affine is a 4x4 homogeneous transform mapping voxel indices (i, j, k, 1)
// to world coordinates in millimeters.
type Affine [4][4]float64

// Apply maps a voxel index to world space.
func (a Affine) Apply(i, j, k float64) (x, y, z float64) {
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}

// Eq reports whether two affines agree within tol in every cell.
func (a Affine) Eq(b Affine, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// Image is a decoded volume. Data holds voxel values in x-fastest order:
// index = ((t*Nz + z)*Ny + y)*Nx + x. For 3D images Nt is 1. Values have
// any on-disk slope/intercept scaling already applied.
type Image struct {
	Nx, Ny, Nz, Nt int
	Data           []float64
	Affine         Affine
	// Pixdim holds the voxel edge lengths in mm along x, y, z.
	Pixdim [3]float64
	// TR is the repetition time in seconds for 4D series, zero otherwise.
	TR float64
	// Hdr is the source header when the image was read from disk, nil for
	// images created in memory.
	Hdr *Header
}

// NewImage allocates a zero-filled image with the given geometry.
func NewImage(nx, ny, nz, nt int, affine Affine, pixdim [3]float64) *Image {
	return &Image{
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Nt:     nt,
		Data:   make([]float64, nx*ny*nz*nt),
		Affine: affine,
		Pixdim: pixdim,
	}
}

// NVoxels returns the number of voxels in one 3D volume.
func (img *Image) NVoxels() int {
	return img.Nx * img.Ny * img.Nz
}

// Index returns the flat index of a voxel at time t.
func (img *Image) Index(x, y, z, t int) int {
	return ((t*img.Nz+z)*img.Ny+y)*img.Nx + x
}

// At returns the voxel value at (x, y, z) in volume t.
func (img *Image) At(x, y, z, t int) float64 {
	return img.Data[img.Index(x, y, z, t)]
}

// SetAt stores a voxel value at (x, y, z) in volume t.
func (img *Image) SetAt(x, y, z, t int, v float64) {
	img.Data[img.Index(x, y, z, t)] = v
}

// TimeSeries copies the temporal samples of one voxel into dst, allocating
// when dst is too small, and returns the filled slice.
func (img *Image) TimeSeries(x, y, z int, dst []float64) []float64 {
	if cap(dst) < img.Nt {
		dst = make([]float64, img.Nt)
	}
	dst = dst[:img.Nt]
	stride := img.Nx * img.Ny * img.Nz
	base := (z*img.Ny+y)*img.Nx + x
	for t := 0; t < img.Nt; t++ {
		dst[t] = img.Data[base+t*stride]
	}
	return dst
}

// Volume extracts volume t of a 4D image as an independent 3D image sharing
// the parent geometry.
func (img *Image) Volume(t int) (*Image, error) {
	if t < 0 || t >= img.Nt {
		return nil, fmt.Errorf("volume index %d out of range [0,%d)", t, img.Nt)
	}
	n := img.NVoxels()
	out := NewImage(img.Nx, img.Ny, img.Nz, 1, img.Affine, img.Pixdim)
	copy(out.Data, img.Data[t*n:(t+1)*n])
	return out, nil
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	out := *img
	out.Data = make([]float64, len(img.Data))
	copy(out.Data, img.Data)
	return &out
}

// VoxelToWorld maps integer voxel indices through the image affine.
func (img *Image) VoxelToWorld(i, j, k int) (x, y, z float64) {
	return img.Affine.Apply(float64(i), float64(j), float64(k))
}

// sameGrid reports whether two images share spatial shape.
func sameGrid(a, b *Image) bool {
	return a.Nx == b.Nx && a.Ny == b.Ny && a.Nz == b.Nz
}

// Concat stacks 3D volumes along the time axis into a single 4D image.
// All inputs must share spatial shape and affine (within float32 rounding);
// geometry is taken from the first volume.
//
// Parameters:
//   - imgs: the 3D volumes in acquisition order
//   - tr: repetition time in seconds recorded on the result
func Concat(imgs []*Image, tr float64) (*Image, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("no volumes to concatenate")
	}
	first := imgs[0]
	for i, im := range imgs {
		if im.Nt != 1 {
			return nil, fmt.Errorf("volume %d is 4D (nt=%d), expected 3D", i, im.Nt)
		}
		if !sameGrid(first, im) {
			return nil, fmt.Errorf("volume %d shape (%d,%d,%d) differs from first (%d,%d,%d)",
				i, im.Nx, im.Ny, im.Nz, first.Nx, first.Ny, first.Nz)
		}
		if !first.Affine.Eq(im.Affine, 1e-4) {
			return nil, fmt.Errorf("volume %d affine differs from first", i)
		}
	}

	out := NewImage(first.Nx, first.Ny, first.Nz, len(imgs), first.Affine, first.Pixdim)
	out.TR = tr
	n := first.NVoxels()
	for t, im := range imgs {
		copy(out.Data[t*n:(t+1)*n], im.Data)
	}
	return out, nil
}

// Mean collapses a 4D image to its temporal mean volume. A 3D input is
// returned as a copy unchanged.
func Mean(img *Image) *Image {
	out := NewImage(img.Nx, img.Ny, img.Nz, 1, img.Affine, img.Pixdim)
	if img.Nt <= 1 {
		copy(out.Data, img.Data)
		return out
	}
	n := img.NVoxels()
	inv := 1 / float64(img.Nt)
	for t := 0; t < img.Nt; t++ {
		vol := img.Data[t*n : (t+1)*n]
		for i, v := range vol {
			out.Data[i] += v
		}
	}
	for i := range out.Data {
		out.Data[i] *= inv
	}
	return out
}
