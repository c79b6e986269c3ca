// Package models defines the data types shared by the denoising pipeline:
// dense volume buffers, the diffusion gradient table, the sigma noise field
// and the block geometry descriptor.
package models

import (
	"fmt"
)

// Volume4D is a dense 4D volume of floating point samples indexed by
// (x, y, z, g), where g ranges over the acquired gradient directions.
// Data is stored flat in row-major order with g as the fastest axis.
type Volume4D struct {
	// Data holds the samples as a 1D array of length Nx*Ny*Nz*Ng
	Data []float64

	// Nx, Ny, Nz are the spatial dimensions in voxels
	Nx, Ny, Nz int

	// Ng is the number of acquired gradient volumes, b0 included
	Ng int
}

// NewVolume4D allocates a zero-filled volume with the given dimensions.
func NewVolume4D(nx, ny, nz, ng int) (*Volume4D, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 || ng <= 0 {
		return nil, fmt.Errorf("invalid volume dimensions (%d, %d, %d, %d): all must be positive", nx, ny, nz, ng)
	}
	return &Volume4D{
		Data: make([]float64, nx*ny*nz*ng),
		Nx:   nx,
		Ny:   ny,
		Nz:   nz,
		Ng:   ng,
	}, nil
}

// WrapVolume4D wraps an existing flat sample array without copying.
// The array length must match the dimensions exactly.
func WrapVolume4D(data []float64, nx, ny, nz, ng int) (*Volume4D, error) {
	if len(data) != nx*ny*nz*ng {
		return nil, fmt.Errorf("data length %d does not match dimensions (%d, %d, %d, %d)", len(data), nx, ny, nz, ng)
	}
	if nx <= 0 || ny <= 0 || nz <= 0 || ng <= 0 {
		return nil, fmt.Errorf("invalid volume dimensions (%d, %d, %d, %d): all must be positive", nx, ny, nz, ng)
	}
	return &Volume4D{Data: data, Nx: nx, Ny: ny, Nz: nz, Ng: ng}, nil
}

// Idx returns the flat index of sample (x, y, z, g).
func (v *Volume4D) Idx(x, y, z, g int) int {
	return ((x*v.Ny+y)*v.Nz+z)*v.Ng + g
}

// At returns the sample at (x, y, z, g).
func (v *Volume4D) At(x, y, z, g int) float64 {
	return v.Data[v.Idx(x, y, z, g)]
}

// Set stores a sample at (x, y, z, g).
func (v *Volume4D) Set(x, y, z, g int, val float64) {
	v.Data[v.Idx(x, y, z, g)] = val
}

// NVoxels returns the number of spatial locations.
func (v *Volume4D) NVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// SameShape reports whether two volumes have identical dimensions.
func (v *Volume4D) SameShape(o *Volume4D) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz && v.Ng == o.Ng
}

// Clone returns a deep copy of the volume.
func (v *Volume4D) Clone() *Volume4D {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume4D{Data: data, Nx: v.Nx, Ny: v.Ny, Nz: v.Nz, Ng: v.Ng}
}

// Frame extracts gradient volume g as a 3D field copy.
func (v *Volume4D) Frame(g int) *Volume3D {
	out := &Volume3D{
		Data: make([]float64, v.NVoxels()),
		Nx:   v.Nx, Ny: v.Ny, Nz: v.Nz,
	}
	for x := 0; x < v.Nx; x++ {
		for y := 0; y < v.Ny; y++ {
			for z := 0; z < v.Nz; z++ {
				out.Data[(x*v.Ny+y)*v.Nz+z] = v.At(x, y, z, g)
			}
		}
	}
	return out
}

// AsFloat32 converts the samples to the recommended float32 output precision.
func (v *Volume4D) AsFloat32() []float32 {
	out := make([]float32, len(v.Data))
	for i, val := range v.Data {
		out[i] = float32(val)
	}
	return out
}

// Volume3D is a dense 3D field of floating point samples indexed by (x, y, z),
// stored flat in row-major order.
type Volume3D struct {
	Data       []float64
	Nx, Ny, Nz int
}

// NewVolume3D allocates a zero-filled 3D field.
func NewVolume3D(nx, ny, nz int) (*Volume3D, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid field dimensions (%d, %d, %d): all must be positive", nx, ny, nz)
	}
	return &Volume3D{Data: make([]float64, nx*ny*nz), Nx: nx, Ny: ny, Nz: nz}, nil
}

// Idx returns the flat index of voxel (x, y, z).
func (f *Volume3D) Idx(x, y, z int) int {
	return (x*f.Ny+y)*f.Nz + z
}

// At returns the value at voxel (x, y, z).
func (f *Volume3D) At(x, y, z int) float64 {
	return f.Data[f.Idx(x, y, z)]
}

// Set stores a value at voxel (x, y, z).
func (f *Volume3D) Set(x, y, z int, val float64) {
	f.Data[f.Idx(x, y, z)] = val
}

// MatchesSpatial reports whether the field matches a volume's spatial shape.
func (f *Volume3D) MatchesSpatial(v *Volume4D) bool {
	return f.Nx == v.Nx && f.Ny == v.Ny && f.Nz == v.Nz
}

// Mask3D is a boolean field matching a volume's spatial shape. Voxels outside
// the mask are excluded from estimation and denoising.
type Mask3D struct {
	Data       []bool
	Nx, Ny, Nz int
}

// NewFullMask returns an all-true mask, the default when the caller supplies none.
func NewFullMask(nx, ny, nz int) *Mask3D {
	m := &Mask3D{Data: make([]bool, nx*ny*nz), Nx: nx, Ny: ny, Nz: nz}
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

// Idx returns the flat index of voxel (x, y, z).
func (m *Mask3D) Idx(x, y, z int) int {
	return (x*m.Ny+y)*m.Nz + z
}

// At reports whether voxel (x, y, z) is inside the mask.
func (m *Mask3D) At(x, y, z int) bool {
	return m.Data[m.Idx(x, y, z)]
}

// Set stores the mask state of voxel (x, y, z).
func (m *Mask3D) Set(x, y, z int, in bool) {
	m.Data[m.Idx(x, y, z)] = in
}

// Count returns the number of voxels inside the mask.
func (m *Mask3D) Count() int {
	n := 0
	for _, in := range m.Data {
		if in {
			n++
		}
	}
	return n
}

// MatchesSpatial reports whether the mask matches a volume's spatial shape.
func (m *Mask3D) MatchesSpatial(v *Volume4D) bool {
	return m.Nx == v.Nx && m.Ny == v.Ny && m.Nz == v.Nz
}
