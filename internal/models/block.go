package models

import (
	"fmt"
)

// BlockDescriptor defines the spatio-angular block geometry used by the
// denoiser: a contiguous spatial extent plus the number of angular neighbors
// grouped with each anchor direction.
type BlockDescriptor struct {
	// Sx, Sy, Sz are the spatial block extents in voxels
	Sx, Sy, Sz int

	// NAngular is the number of angular neighbors per anchor direction
	NAngular int
}

// Validate checks the descriptor against the data geometry. Violations are
// fatal configuration errors and are reported before any per-block work.
func (d BlockDescriptor) Validate(v *Volume4D, nDWI int) error {
	if d.Sx <= 0 || d.Sy <= 0 || d.Sz <= 0 {
		return fmt.Errorf("block extent (%d, %d, %d) must be positive in every axis", d.Sx, d.Sy, d.Sz)
	}
	if d.NAngular <= 0 {
		return fmt.Errorf("angular neighbor count %d must be positive", d.NAngular)
	}
	if d.Sx > v.Nx || d.Sy > v.Ny || d.Sz > v.Nz {
		return fmt.Errorf("block extent (%d, %d, %d) exceeds data spatial extent (%d, %d, %d)",
			d.Sx, d.Sy, d.Sz, v.Nx, v.Ny, v.Nz)
	}
	if nDWI > 0 && d.NAngular > nDWI {
		return fmt.Errorf("angular neighbor count %d exceeds the %d available diffusion-weighted volumes", d.NAngular, nDWI)
	}
	return nil
}
