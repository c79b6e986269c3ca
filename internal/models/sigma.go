package models

import (
	"fmt"
	"sort"
)

// SigmaKind discriminates the two supported noise field representations.
type SigmaKind int

const (
	// SigmaPerVoxel is a 3D field with one noise level per spatial location
	SigmaPerVoxel SigmaKind = iota

	// SigmaPerVoxelPerVolume is a 4D field with one noise level per sample
	SigmaPerVoxelPerVolume
)

// SigmaField is a noise standard deviation field in one of two
// representations. Consumers needing the 3D form go through ReconcileTo3D,
// which is total; consumers needing the 4D form go through Broadcast4D.
type SigmaField struct {
	kind SigmaKind
	f3   *Volume3D
	f4   *Volume4D
}

// NewSigmaPerVoxel wraps a 3D per-voxel noise field.
func NewSigmaPerVoxel(f *Volume3D) *SigmaField {
	return &SigmaField{kind: SigmaPerVoxel, f3: f}
}

// NewSigmaPerVoxelPerVolume wraps a 4D per-voxel-per-volume noise field.
func NewSigmaPerVoxelPerVolume(f *Volume4D) *SigmaField {
	return &SigmaField{kind: SigmaPerVoxelPerVolume, f4: f}
}

// Kind returns the field's representation.
func (s *SigmaField) Kind() SigmaKind {
	return s.kind
}

// ValidateAgainst checks the field's spatial (and, for the 4D form, gradient)
// shape against the data volume. Mismatches are fatal configuration errors.
func (s *SigmaField) ValidateAgainst(v *Volume4D) error {
	switch s.kind {
	case SigmaPerVoxel:
		if !s.f3.MatchesSpatial(v) {
			return fmt.Errorf("sigma field shape (%d, %d, %d) does not match data spatial shape (%d, %d, %d)",
				s.f3.Nx, s.f3.Ny, s.f3.Nz, v.Nx, v.Ny, v.Nz)
		}
	case SigmaPerVoxelPerVolume:
		if !s.f4.SameShape(v) {
			return fmt.Errorf("sigma field shape (%d, %d, %d, %d) does not match data shape (%d, %d, %d, %d)",
				s.f4.Nx, s.f4.Ny, s.f4.Nz, s.f4.Ng, v.Nx, v.Ny, v.Nz, v.Ng)
		}
	}
	return nil
}

// ReconcileTo3D collapses the field to the per-voxel representation. The 4D
// form collapses via the per-voxel median across the gradient axis; the 3D
// form is returned as is.
func (s *SigmaField) ReconcileTo3D() *Volume3D {
	if s.kind == SigmaPerVoxel {
		return s.f3
	}
	v := s.f4
	out := &Volume3D{Data: make([]float64, v.NVoxels()), Nx: v.Nx, Ny: v.Ny, Nz: v.Nz}
	samples := make([]float64, v.Ng)
	for x := 0; x < v.Nx; x++ {
		for y := 0; y < v.Ny; y++ {
			for z := 0; z < v.Nz; z++ {
				for g := 0; g < v.Ng; g++ {
					samples[g] = v.At(x, y, z, g)
				}
				out.Set(x, y, z, median(samples))
			}
		}
	}
	return out
}

// median returns the conventional sample median, averaging the two central
// values for even-length input. The input is reordered in place.
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// Broadcast4D expands the field to the per-voxel-per-volume representation
// with ng gradient volumes. The 4D form must already match ng.
func (s *SigmaField) Broadcast4D(ng int) (*Volume4D, error) {
	if s.kind == SigmaPerVoxelPerVolume {
		if s.f4.Ng != ng {
			return nil, fmt.Errorf("sigma field has %d gradient volumes, data has %d", s.f4.Ng, ng)
		}
		return s.f4, nil
	}
	f := s.f3
	out, err := NewVolume4D(f.Nx, f.Ny, f.Nz, ng)
	if err != nil {
		return nil, err
	}
	for x := 0; x < f.Nx; x++ {
		for y := 0; y < f.Ny; y++ {
			for z := 0; z < f.Nz; z++ {
				v := f.At(x, y, z)
				for g := 0; g < ng; g++ {
					out.Set(x, y, z, g, v)
				}
			}
		}
	}
	return out, nil
}
