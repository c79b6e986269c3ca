package noise

import (
	"fmt"
	"runtime"
	"sync"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/diag"
)

// Estimate produces the sigma field for a run using the selected strategy.
// coils is the receiver coil count N parameterizing the noise model (N=1 for
// SENSE-type reconstructions). The returned mask, when non-nil, marks the
// voxels the estimator classified as pure noise.
//
// Shape mismatches between data, mask and any supplied field are fatal and
// reported before estimation work begins.
func Estimate(data *models.Volume4D, mask *models.Mask3D, coils int, src Source, workers int, dc *diag.Context) (*models.SigmaField, *models.Mask3D, error) {
	if err := src.Validate(); err != nil {
		return nil, nil, err
	}
	if coils < 1 {
		return nil, nil, fmt.Errorf("coil count %d must be a positive integer", coils)
	}
	if !mask.MatchesSpatial(data) {
		return nil, nil, fmt.Errorf("mask shape (%d, %d, %d) does not match data spatial shape (%d, %d, %d)",
			mask.Nx, mask.Ny, mask.Nz, data.Nx, data.Ny, data.Nz)
	}

	dc.Log.Infof("Estimating noise with strategy %q (N=%d)", src.Name(), coils)

	switch src.kind {
	case sourceSigmaVolume:
		sf, err := suppliedSigma(data, src, dc)
		return sf, nil, err
	case sourceNoiseMap:
		return noiseMapSigma(data, src, coils, dc)
	case sourceGlobalPIESNO:
		return globalPIESNO(data, coils, dc)
	case sourceLocalStd:
		sf, err := localStdSigma(data, mask, coils, workers, dc)
		return sf, nil, err
	}
	return nil, nil, fmt.Errorf("unreachable noise strategy %d", src.kind)
}

// suppliedSigma validates and, when needed, collapses an externally supplied
// sigma volume.
func suppliedSigma(data *models.Volume4D, src Source, dc *diag.Context) (*models.SigmaField, error) {
	if src.sigma3 != nil {
		if !src.sigma3.MatchesSpatial(data) {
			return nil, fmt.Errorf("supplied sigma shape (%d, %d, %d) does not match data spatial shape (%d, %d, %d)",
				src.sigma3.Nx, src.sigma3.Ny, src.sigma3.Nz, data.Nx, data.Ny, data.Nz)
		}
		return models.NewSigmaPerVoxel(src.sigma3), nil
	}
	if !src.sigma4.SameShape(data) {
		return nil, fmt.Errorf("supplied sigma shape (%d, %d, %d, %d) does not match data shape (%d, %d, %d, %d)",
			src.sigma4.Nx, src.sigma4.Ny, src.sigma4.Nz, src.sigma4.Ng, data.Nx, data.Ny, data.Nz, data.Ng)
	}
	// Deliberate lossy downcast: the per-volume detail of a 4D sigma map is
	// collapsed to the per-voxel median.
	dc.Warnf("supplied sigma is 4D; collapsing to 3D via per-voxel median across %d gradient volumes (per-volume precision is lost)", src.sigma4.Ng)
	field := models.NewSigmaPerVoxelPerVolume(src.sigma4)
	return models.NewSigmaPerVoxel(field.ReconcileTo3D()), nil
}

// parallelOverX splits [0, nx) into contiguous slabs and runs fn on each from
// its own goroutine. The pool is capped by the available core count.
func parallelOverX(nx, workers int, fn func(x0, x1 int)) {
	if workers < 1 {
		workers = 1
	}
	if max := runtime.NumCPU(); workers > max {
		workers = max
	}
	chunk := (nx + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		x0 := w * chunk
		x1 := x0 + chunk
		if x1 > nx {
			x1 = nx
		}
		if x0 >= x1 {
			break
		}
		wg.Add(1)
		go func(a, b int) {
			defer wg.Done()
			fn(a, b)
		}(x0, x1)
	}
	wg.Wait()
}
