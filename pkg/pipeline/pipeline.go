// Package pipeline wires the three denoising stages together: noise
// estimation, variance stabilization and block denoising. Stages are strict
// barriers; sigma is computed once and reused by the stabilizer and the
// denoiser through explicit dimensionality reconciliation.
package pipeline

import (
	"fmt"
	"runtime"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/denoise"
	"dmridenoise/pkg/diag"
	"dmridenoise/pkg/noise"
	"dmridenoise/pkg/stabilize"
)

// Params holds one run's configuration.
type Params struct {
	// Data is the 4D diffusion-weighted volume to denoise
	Data *models.Volume4D

	// Mask restricts estimation and denoising; nil means all voxels
	Mask *models.Mask3D

	// Table is the acquisition's gradient table
	Table *models.GradientTable

	// Coils is the receiver coil count N of the noise model
	Coils int

	// NoiseSource selects the sigma estimation strategy
	NoiseSource noise.Source

	// Block is the spatio-angular block geometry
	Block models.BlockDescriptor

	// SmoothingOrder controls the angular reference fit; 0 disables smoothing
	SmoothingOrder int

	// Iterations is the reweighting iteration count
	Iterations int

	// Symmetric marks the acquisition as antipodally symmetric
	Symmetric bool

	// Subsample enables minimal-coverage angular group selection
	Subsample bool

	// Workers bounds the worker pools; 0 means all available cores
	Workers int
}

// Result is the output of a run. Denoised always matches the input shape;
// the intermediate artifacts are retained for callers that requested them.
type Result struct {
	Denoised   *models.Volume4D
	Sigma      *models.SigmaField
	Stabilized *models.Volume4D
	NoiseMask  *models.Mask3D
}

// AsFloat32 returns the denoised volume at the recommended output precision.
func (r *Result) AsFloat32() []float32 {
	return r.Denoised.AsFloat32()
}

// Process runs the full pipeline. Fatal configuration errors surface before
// any estimation or denoising work is dispatched.
func Process(p Params, dc *diag.Context) (*Result, error) {
	if p.Data == nil {
		return nil, fmt.Errorf("no input volume")
	}
	if p.Table == nil {
		return nil, fmt.Errorf("no gradient table")
	}
	if p.Table.Len() != p.Data.Ng {
		return nil, fmt.Errorf("gradient table has %d entries, data has %d gradient volumes", p.Table.Len(), p.Data.Ng)
	}
	mask := p.Mask
	if mask == nil {
		mask = models.NewFullMask(p.Data.Nx, p.Data.Ny, p.Data.Nz)
	}
	if !mask.MatchesSpatial(p.Data) {
		return nil, fmt.Errorf("mask shape (%d, %d, %d) does not match data spatial shape (%d, %d, %d)",
			mask.Nx, mask.Ny, mask.Nz, p.Data.Nx, p.Data.Ny, p.Data.Nz)
	}
	if err := p.NoiseSource.Validate(); err != nil {
		return nil, err
	}
	if err := p.Block.Validate(p.Data, len(p.Table.DWIIndices())); err != nil {
		return nil, err
	}
	workers := p.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	iterations := p.Iterations
	if iterations < 1 {
		iterations = 10
	}

	dc.Log.Infof("Step 1: Estimating noise field (%s strategy)...", p.NoiseSource.Name())
	sigma, noiseMask, err := noise.Estimate(p.Data, mask, p.Coils, p.NoiseSource, workers, dc)
	if err != nil {
		return nil, fmt.Errorf("noise estimation failed: %w", err)
	}

	dc.Log.Infof("Step 2: Fitting smoothed reference signal (order %d)...", p.SmoothingOrder)
	mhat, err := stabilize.FitSmoothReference(p.Data, p.Table, p.SmoothingOrder, workers, dc)
	if err != nil {
		return nil, fmt.Errorf("reference fit failed: %w", err)
	}

	dc.Log.Info("Step 3: Stabilizing variance...")
	stabilized, err := stabilize.Stabilize(p.Data, mhat, sigma, mask, p.Coils, workers, dc)
	if err != nil {
		return nil, fmt.Errorf("variance stabilization failed: %w", err)
	}

	dc.Log.Info("Step 4: Denoising blocks...")
	denoised, err := denoise.Run(stabilized, sigma.ReconcileTo3D(), p.Table, p.Block, mask, denoise.Opts{
		Symmetric:  p.Symmetric,
		Subsample:  p.Subsample,
		Iterations: iterations,
		Workers:    workers,
	}, dc)
	if err != nil {
		return nil, fmt.Errorf("denoising failed: %w", err)
	}

	if n := dc.BlockFailures(); n > 0 {
		dc.Log.Warnf("run finished with %d block-local failures", n)
	}

	return &Result{
		Denoised:   denoised,
		Sigma:      sigma,
		Stabilized: stabilized,
		NoiseMask:  noiseMask,
	}, nil
}
