// Package noise estimates the noise standard deviation field of a
// diffusion-weighted series under a non-central chi noise model with N
// receiver coils. Exactly one of four mutually exclusive strategies drives
// the estimate: an externally supplied sigma volume, externally supplied
// noise-only maps, global PIESNO on the signal itself, or a local
// standard-deviation estimate with bias correction.
package noise

import (
	"fmt"

	"dmridenoise/internal/models"
)

type sourceKind int

const (
	sourceNone sourceKind = iota
	sourceSigmaVolume
	sourceNoiseMap
	sourceGlobalPIESNO
	sourceLocalStd
)

// Source selects the noise estimation strategy. The zero value selects
// nothing and fails validation; construct through one of the From/Global/
// Local constructors so that exactly one strategy is active per run.
type Source struct {
	kind sourceKind

	// sigma3/sigma4 back the supplied-sigma strategy; map3/map4 back the
	// noise-map strategy. At most one is non-nil.
	sigma3 *models.Volume3D
	sigma4 *models.Volume4D
	map3   *models.Volume3D
	map4   *models.Volume4D
}

// FromSigmaVolume3D uses an externally supplied per-voxel sigma field.
func FromSigmaVolume3D(f *models.Volume3D) Source {
	return Source{kind: sourceSigmaVolume, sigma3: f}
}

// FromSigmaVolume4D uses an externally supplied per-voxel-per-volume sigma
// field. It is collapsed to 3D by the per-voxel median across the gradient
// axis, which is lossy and reported as a diagnostic.
func FromSigmaVolume4D(v *models.Volume4D) Source {
	return Source{kind: sourceSigmaVolume, sigma4: v}
}

// FromNoiseMap3D uses an externally supplied noise-only acquisition.
func FromNoiseMap3D(f *models.Volume3D) Source {
	return Source{kind: sourceNoiseMap, map3: f}
}

// FromNoiseMap4D uses an externally supplied series of noise-only acquisitions.
func FromNoiseMap4D(v *models.Volume4D) Source {
	return Source{kind: sourceNoiseMap, map4: v}
}

// GlobalPIESNO estimates one sigma per gradient volume from the signal's own
// background voxels.
func GlobalPIESNO() Source {
	return Source{kind: sourceGlobalPIESNO}
}

// LocalStd estimates sigma per voxel from local neighborhood dispersion with
// noise-model bias correction.
func LocalStd() Source {
	return Source{kind: sourceLocalStd}
}

// Validate reports a configuration error when no strategy was selected.
// Selecting more than one is impossible by construction.
func (s Source) Validate() error {
	if s.kind == sourceNone {
		return fmt.Errorf("no noise estimation strategy selected: choose exactly one of sigma volume, noise map, global, local")
	}
	return nil
}

// Name returns the strategy name for logging.
func (s Source) Name() string {
	switch s.kind {
	case sourceSigmaVolume:
		return "sigma-volume"
	case sourceNoiseMap:
		return "noise-map"
	case sourceGlobalPIESNO:
		return "global"
	case sourceLocalStd:
		return "local"
	}
	return "none"
}
