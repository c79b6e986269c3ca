// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz), covering the subset of the format the denoiser needs: 3D and 4D
// arrays of the common numeric datatypes, with scl_slope/scl_inter scaling
// applied on read and float32 output on write.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"dmridenoise/internal/models"
)

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

const headerSize = 348

// header is the fixed 348-byte NIfTI-1 header.
type header struct {
	SizeofHdr      int32
	DataTypeUnused [10]byte
	DbName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XyztUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return struct {
			io.Reader
			io.Closer
		}{gz, f}, nil
	}
	return f, nil
}

// ReadVolume reads a 3D or 4D NIfTI-1 volume. A 3D file is returned as a
// single-frame 4D volume.
func ReadVolume(path string) (*models.Volume4D, error) {
	r, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%s: file shorter than the NIfTI-1 header", path)
	}

	// Endianness is detected from sizeof_hdr
	var order binary.ByteOrder = binary.LittleEndian
	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, err
	}
	if hdr.SizeofHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
			return nil, err
		}
		if hdr.SizeofHdr != headerSize {
			return nil, fmt.Errorf("%s: not a NIfTI-1 file (sizeof_hdr=%d)", path, hdr.SizeofHdr)
		}
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 4 {
		return nil, fmt.Errorf("%s: %d-dimensional volume, want 3 or 4", path, ndim)
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	ng := 1
	if ndim == 4 {
		ng = int(hdr.Dim[4])
	}
	if nx <= 0 || ny <= 0 || nz <= 0 || ng <= 0 {
		return nil, fmt.Errorf("%s: invalid dimensions (%d, %d, %d, %d)", path, nx, ny, nz, ng)
	}

	// vox_offset comes from the file and must land inside it
	if math.IsNaN(float64(hdr.VoxOffset)) || hdr.VoxOffset < headerSize || float64(hdr.VoxOffset) > float64(len(raw)) {
		return nil, fmt.Errorf("%s: vox_offset %v outside the file", path, hdr.VoxOffset)
	}

	n := nx * ny * nz * ng
	body := raw[int(hdr.VoxOffset):]
	samples, err := decodeSamples(body, n, hdr.Datatype, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if slope == 0 {
		slope, inter = 1, 0
	}

	out, err := models.NewVolume4D(nx, ny, nz, ng)
	if err != nil {
		return nil, err
	}
	// NIfTI stores x fastest; Volume4D stores g fastest
	for g := 0; g < ng; g++ {
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					v := samples[((g*nz+z)*ny+y)*nx+x]
					out.Set(x, y, z, g, v*slope+inter)
				}
			}
		}
	}
	return out, nil
}

// ReadMask reads a 3D volume and thresholds it to a boolean mask: any
// non-zero voxel is inside.
func ReadMask(path string) (*models.Mask3D, error) {
	v, err := ReadVolume(path)
	if err != nil {
		return nil, err
	}
	if v.Ng != 1 {
		return nil, fmt.Errorf("%s: mask must be 3D, got %d gradient volumes", path, v.Ng)
	}
	m := &models.Mask3D{Data: make([]bool, v.NVoxels()), Nx: v.Nx, Ny: v.Ny, Nz: v.Nz}
	for i, s := range v.Data {
		m.Data[i] = s != 0
	}
	return m, nil
}

func decodeSamples(body []byte, n int, datatype int16, order binary.ByteOrder) ([]float64, error) {
	out := make([]float64, n)
	switch datatype {
	case dtUint8:
		if len(body) < n {
			return nil, fmt.Errorf("truncated data section")
		}
		for i := 0; i < n; i++ {
			out[i] = float64(body[i])
		}
	case dtInt16:
		if len(body) < 2*n {
			return nil, fmt.Errorf("truncated data section")
		}
		for i := 0; i < n; i++ {
			out[i] = float64(int16(order.Uint16(body[2*i:])))
		}
	case dtInt32:
		if len(body) < 4*n {
			return nil, fmt.Errorf("truncated data section")
		}
		for i := 0; i < n; i++ {
			out[i] = float64(int32(order.Uint32(body[4*i:])))
		}
	case dtFloat32:
		if len(body) < 4*n {
			return nil, fmt.Errorf("truncated data section")
		}
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(order.Uint32(body[4*i:])))
		}
	case dtFloat64:
		if len(body) < 8*n {
			return nil, fmt.Errorf("truncated data section")
		}
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(order.Uint64(body[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
	return out, nil
}

// WriteVolume4D writes a volume as little-endian float32, the recommended
// output precision. A .gz suffix enables gzip compression.
func WriteVolume4D(path string, v *models.Volume4D) error {
	hdr := newFloat32Header([4]int16{int16(v.Nx), int16(v.Ny), int16(v.Nz), int16(v.Ng)}, 4)
	samples := make([]float32, len(v.Data))
	for g := 0; g < v.Ng; g++ {
		for z := 0; z < v.Nz; z++ {
			for y := 0; y < v.Ny; y++ {
				for x := 0; x < v.Nx; x++ {
					samples[((g*v.Nz+z)*v.Ny+y)*v.Nx+x] = float32(v.At(x, y, z, g))
				}
			}
		}
	}
	return writeFile(path, hdr, samples)
}

// WriteVolume3D writes a 3D field as little-endian float32.
func WriteVolume3D(path string, f *models.Volume3D) error {
	hdr := newFloat32Header([4]int16{int16(f.Nx), int16(f.Ny), int16(f.Nz), 1}, 3)
	samples := make([]float32, len(f.Data))
	for z := 0; z < f.Nz; z++ {
		for y := 0; y < f.Ny; y++ {
			for x := 0; x < f.Nx; x++ {
				samples[(z*f.Ny+y)*f.Nx+x] = float32(f.At(x, y, z))
			}
		}
	}
	return writeFile(path, hdr, samples)
}

func newFloat32Header(dim [4]int16, ndim int16) header {
	var hdr header
	hdr.SizeofHdr = headerSize
	hdr.Dim = [8]int16{ndim, dim[0], dim[1], dim[2], dim[3], 1, 1, 1}
	hdr.Datatype = dtFloat32
	hdr.Bitpix = 32
	hdr.Pixdim = [8]float32{0, 1, 1, 1, 1, 1, 1, 1}
	hdr.VoxOffset = headerSize + 4
	hdr.SclSlope = 1
	hdr.Magic = [4]byte{'n', '+', '1', 0}
	return hdr
}

func writeFile(path string, hdr header, samples []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	// Header extension flag: four zero bytes
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}
