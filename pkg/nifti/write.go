package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// unit codes for the xyzt_units bitfield.
const (
	unitsMM  uint8 = 2
	unitsSec uint8 = 8
)

// WriteFile stores img as a single-file NIfTI-1 image, gzip-compressed when
// the path ends in .gz. Voxels are written as float32 in little-endian
// order with no scaling; the image affine is recorded as an aligned sform.
func WriteFile(path string, img *Image) error {
	if len(img.Data) != img.Nx*img.Ny*img.Nz*img.Nt {
		return fmt.Errorf("image data length %d does not match shape %dx%dx%dx%d",
			len(img.Data), img.Nx, img.Ny, img.Nz, img.Nt)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	bw := bufio.NewWriterSize(w, 1<<16)

	if err := writeImage(bw, img); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream %s: %w", path, err)
		}
	}
	return f.Close()
}

func writeImage(w io.Writer, img *Image) error {
	hdr := buildHeader(img)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Extension flag: four zero bytes mean no extensions follow.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extension flag: %w", err)
	}

	buf := make([]float32, len(img.Data))
	for i, v := range img.Data {
		buf[i] = float32(v)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}

// buildHeader assembles a fresh float32 header for img. The source header,
// if any, is not copied: statistic maps should not inherit scanner scaling
// or intent fields from the EPI they were computed from.
func buildHeader(img *Image) Header {
	var hdr Header
	hdr.SizeofHdr = headerSize
	hdr.Regular = 'r'

	rank := int16(3)
	if img.Nt > 1 {
		rank = 4
	}
	hdr.Dim = [8]int16{rank, int16(img.Nx), int16(img.Ny), int16(img.Nz), 1, 1, 1, 1}
	if img.Nt > 1 {
		hdr.Dim[4] = int16(img.Nt)
	}

	hdr.Datatype = DatatypeFloat32
	hdr.Bitpix = 32
	hdr.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		hdr.Pixdim[i+1] = float32(img.Pixdim[i])
	}
	hdr.Pixdim[4] = float32(img.TR)
	hdr.VoxOffset = headerSize + 4
	hdr.SclSlope = 1
	hdr.XyztUnits = unitsMM | unitsSec

	hdr.SformCode = XformAlignedAnat
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(img.Affine[0][j])
		hdr.SrowY[j] = float32(img.Affine[1][j])
		hdr.SrowZ[j] = float32(img.Affine[2][j])
	}

	hdr.Magic = [4]uint8{'n', '+', '1', 0}
	return hdr
}
