package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// ReadFile loads a volume from disk. Supported layouts:
//   - single-file NIfTI-1: .nii and .nii.gz
//   - header/image pairs: .img or .hdr (the companion file is found by
//     swapping the extension; .img.gz pairs with .hdr.gz)
//
// The returned image has float64 data with slope/intercept scaling applied.
func ReadFile(path string) (*Image, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".nii"), strings.HasSuffix(lower, ".nii.gz"):
		return readSingle(path)
	case strings.HasSuffix(lower, ".img"), strings.HasSuffix(lower, ".img.gz"),
		strings.HasSuffix(lower, ".hdr"), strings.HasSuffix(lower, ".hdr.gz"):
		hdrPath, imgPath := pairPaths(path)
		return readPair(hdrPath, imgPath)
	}
	return nil, fmt.Errorf("unsupported image extension: %s", path)
}

// pairPaths derives the .hdr and .img names of a pair from either member.
func pairPaths(path string) (hdrPath, imgPath string) {
	lower := strings.ToLower(path)
	gz := strings.HasSuffix(lower, ".gz")
	stem := path
	if gz {
		stem = path[:len(path)-len(".gz")]
	}
	stem = stem[:len(stem)-len(".img")] // .hdr is the same length
	hdrPath = stem + ".hdr"
	imgPath = stem + ".img"
	if gz {
		hdrPath += ".gz"
		imgPath += ".gz"
	}
	return hdrPath, imgPath
}

// open returns a buffered reader over the file, transparently decompressing
// when the name ends in .gz. The caller must invoke the returned closer.
func open(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return bufio.NewReaderSize(f, 1<<16), f.Close, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	closer := func() error {
		gz.Close()
		return f.Close()
	}
	return bufio.NewReaderSize(gz, 1<<16), closer, nil
}

// readSingle reads a one-file NIfTI where the voxel data follows the header
// at vox_offset.
func readSingle(path string) (*Image, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer closeFn()

	raw := make([]byte, headerSize)
	if err := readFull(r, raw, "header"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	hdr, order, err := decodeHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Skip from the end of the header to the start of voxel data. The
	// gap holds the extension flag and any header extensions.
	offset := int64(hdr.VoxOffset)
	if offset < headerSize {
		offset = headerSize + 4
	}
	if skip := offset - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("%s: failed to seek to voxel data: %w", path, err)
		}
	}

	img, err := readVoxels(r, hdr, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// readPair reads a two-file image: header from hdrPath, voxels from imgPath.
func readPair(hdrPath, imgPath string) (*Image, error) {
	hr, hClose, err := open(hdrPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open header %s: %w", hdrPath, err)
	}
	raw := make([]byte, headerSize)
	err = readFull(hr, raw, "header")
	hClose()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hdrPath, err)
	}
	hdr, order, err := decodeHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hdrPath, err)
	}

	dr, dClose, err := open(imgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image data %s: %w", imgPath, err)
	}
	defer dClose()

	// In pair files vox_offset is usually zero; honor a positive offset.
	if skip := int64(hdr.VoxOffset); skip > 0 {
		if _, err := io.CopyN(io.Discard, dr, skip); err != nil {
			return nil, fmt.Errorf("%s: failed to seek to voxel data: %w", imgPath, err)
		}
	}

	img, err := readVoxels(dr, hdr, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", imgPath, err)
	}
	return img, nil
}

// readVoxels decodes the voxel block described by hdr into a float64 image,
// applying slope/intercept scaling. A slope of zero means no scaling was
// recorded and values pass through unchanged.
func readVoxels(r io.Reader, hdr *Header, order binary.ByteOrder) (*Image, error) {
	nx, ny, nz, nt := hdr.dims()
	n := nx * ny * nz * nt
	if n <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%dx%d", nx, ny, nz, nt)
	}
	width := bytesPerVoxel(hdr.Datatype)
	if width == 0 {
		return nil, fmt.Errorf("unsupported datatype code %d", hdr.Datatype)
	}

	raw := make([]byte, n*width)
	if err := readFull(r, raw, "voxel data"); err != nil {
		return nil, err
	}

	data := make([]float64, n)
	switch hdr.Datatype {
	case DatatypeUint8:
		for i := range data {
			data[i] = float64(raw[i])
		}
	case DatatypeInt16:
		for i := range data {
			data[i] = float64(int16(order.Uint16(raw[2*i:])))
		}
	case DatatypeUint16:
		for i := range data {
			data[i] = float64(order.Uint16(raw[2*i:]))
		}
	case DatatypeInt32:
		for i := range data {
			data[i] = float64(int32(order.Uint32(raw[4*i:])))
		}
	case DatatypeFloat32:
		for i := range data {
			data[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
	case DatatypeFloat64:
		for i := range data {
			data[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
	}

	// scl_slope == 0 means unscaled; SPM pair files reuse this field for
	// their global scale factor, which the same rule handles.
	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vs := hdr.voxelSizes()
	img := &Image{
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Nt:     nt,
		Data:   data,
		Affine: hdr.Affine(),
		Pixdim: vs,
		Hdr:    hdr,
	}
	if nt > 1 {
		img.TR = float64(hdr.Pixdim[4])
	}
	return img, nil
}
