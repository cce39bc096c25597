// Package nifti implements reading and writing of volumetric brain images in
// the NIfTI-1 format, including gzip-compressed single files (.nii, .nii.gz)
// and the two-file header/image pairs (.hdr + .img) produced by older SPM
// releases. Decoded voxel data is normalized to float64 with any on-disk
// scaling already applied, so downstream numerical code never needs to care
// about storage datatypes.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// NIfTI-1 storage datatype codes (subset supported by this package).
const (
	DatatypeUint8   int16 = 2
	DatatypeInt16   int16 = 4
	DatatypeInt32   int16 = 8
	DatatypeFloat32 int16 = 16
	DatatypeFloat64 int16 = 64
	DatatypeUint16  int16 = 512
)

// Spatial transform codes for the sform field.
const (
	XformUnknown      int16 = 0
	XformScannerAnat  int16 = 1
	XformAlignedAnat  int16 = 2
	XformTalairach    int16 = 3
	XformMNI152       int16 = 4
)

// headerSize is the fixed byte length of a NIfTI-1 header. Single-file
// images carry a 4-byte extension flag after it, so voxel data starts at
// offset 352 at the earliest.
const headerSize = 348

// Header is the on-disk NIfTI-1 header. Field order and widths follow the
// official C definition exactly so that the struct can be decoded with
// encoding/binary in one call. ANALYZE 7.5 headers share the same layout
// for the fields this package consumes.
type Header struct {
	SizeofHdr     int32
	DataTypeName  [10]uint8
	DbName        [18]uint8
	Extents       int32
	SessionError  int16
	Regular       uint8
	DimInfo       uint8
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     uint8
	XyztUnits     uint8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]uint8
	AuxFile       [24]uint8
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]uint8
	Magic         [4]uint8
}

// decodeHeader interprets 348 raw header bytes, detecting byte order by
// checking that dim[0] lands in the legal 1..7 range. Old scanners wrote
// either endianness, so a little-endian decode that produces a nonsense
// rank is retried as big-endian.
//
// Returns the decoded header and the byte order that voxel data must be
// decoded with.
func decodeHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < headerSize {
		return nil, nil, fmt.Errorf("header truncated: got %d bytes, need %d", len(raw), headerSize)
	}

	var hdr Header
	order := binary.ByteOrder(binary.LittleEndian)
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, nil, fmt.Errorf("failed to decode header: %w", err)
	}

	// Rank outside 1..7 means we guessed the wrong byte order.
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
			return nil, nil, fmt.Errorf("failed to decode header: %w", err)
		}
		if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
			return nil, nil, fmt.Errorf("invalid header: dim[0]=%d in both byte orders", hdr.Dim[0])
		}
	}

	if !validMagic(hdr.Magic) {
		return nil, nil, fmt.Errorf("invalid magic %q: not a NIfTI-1 or ANALYZE header", trimMagic(hdr.Magic))
	}

	return &hdr, order, nil
}

// validMagic accepts "n+1" (single file), "ni1" (header/image pair) and the
// all-zero magic of plain ANALYZE 7.5 headers.
func validMagic(m [4]uint8) bool {
	switch {
	case m[0] == 'n' && m[1] == '+' && m[2] == '1' && m[3] == 0:
		return true
	case m[0] == 'n' && m[1] == 'i' && m[2] == '1' && m[3] == 0:
		return true
	case m[0] == 0 && m[1] == 0 && m[2] == 0 && m[3] == 0:
		return true
	}
	return false
}

func trimMagic(m [4]uint8) string {
	b := make([]byte, 0, 4)
	for _, c := range m {
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}

// bytesPerVoxel maps a datatype code to its storage width, or 0 when the
// code is unsupported.
func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case DatatypeUint8:
		return 1
	case DatatypeInt16, DatatypeUint16:
		return 2
	case DatatypeInt32, DatatypeFloat32:
		return 4
	case DatatypeFloat64:
		return 8
	}
	return 0
}

// dims returns the spatial and temporal extents from the header, defaulting
// collapsed dimensions to 1 so that 3D volumes read as nt=1.
func (h *Header) dims() (nx, ny, nz, nt int) {
	get := func(i int) int {
		if int(h.Dim[0]) >= i && h.Dim[i] > 0 {
			return int(h.Dim[i])
		}
		return 1
	}
	return get(1), get(2), get(3), get(4)
}

// Affine resolves the voxel-to-world transform for this header. Preference
// order follows the format: sform when sform_code > 0, then the qform
// quaternion, then a pixdim-scaled fallback that places the world origin at
// the volume center.
func (h *Header) Affine() Affine {
	if h.SformCode > 0 {
		var a Affine
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}
		a[3][3] = 1
		return a
	}
	if h.QformCode > 0 {
		return h.qformAffine()
	}
	nx, ny, nz, _ := h.dims()
	return baseAffine(nx, ny, nz, h.voxelSizes())
}

// qformAffine reconstructs the rotation from the stored unit quaternion.
// Only b, c, d are stored; a is recovered from the unit-norm constraint.
func (h *Header) qformAffine() Affine {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := math.Sqrt(math.Max(0, 1-b*b-c*c-d*d))

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - b*b - c*c},
	}

	// pixdim[0] carries the qfac sign flag for the k axis.
	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	vs := h.voxelSizes()
	scale := [3]float64{vs[0], vs[1], vs[2] * qfac}

	var out Affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][j] * scale[j]
		}
	}
	out[0][3] = float64(h.QoffsetX)
	out[1][3] = float64(h.QoffsetY)
	out[2][3] = float64(h.QoffsetZ)
	out[3][3] = 1
	return out
}

// voxelSizes returns the absolute spatial pixdims, defaulting zeros to 1 mm
// so degenerate headers still produce a usable geometry.
func (h *Header) voxelSizes() [3]float64 {
	var vs [3]float64
	for i := 0; i < 3; i++ {
		v := math.Abs(float64(h.Pixdim[i+1]))
		if v == 0 {
			v = 1
		}
		vs[i] = v
	}
	return vs
}

// baseAffine is the sform/qform-free fallback: axis-aligned scaling with the
// world origin at the grid center.
func baseAffine(nx, ny, nz int, vs [3]float64) Affine {
	var a Affine
	a[0][0] = vs[0]
	a[1][1] = vs[1]
	a[2][2] = vs[2]
	a[0][3] = -vs[0] * float64(nx-1) / 2
	a[1][3] = -vs[1] * float64(ny-1) / 2
	a[2][3] = -vs[2] * float64(nz-1) / 2
	a[3][3] = 1
	return a
}

// readFull reads exactly len(buf) bytes, converting io.EOF into a sized
// error message that names how much data arrived.
func readFull(r io.Reader, buf []byte, what string) error {
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return fmt.Errorf("failed to read %s: got %d of %d bytes: %w", what, n, len(buf), err)
	}
	return nil
}
