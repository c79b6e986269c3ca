package denoise

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/diag"
)

// Opts configures a denoising run.
type Opts struct {
	// Symmetric indicates the acquisition already samples antipodal pairs
	Symmetric bool

	// Subsample enables minimal-coverage angular group selection; when
	// disabled every direction anchors its own group
	Subsample bool

	// Iterations is the reweighting iteration count; values below 1 mean a
	// single pass
	Iterations int

	// Workers bounds the block worker pool; capped by the core count
	Workers int
}

// job is one spatial block crossed with one angular group.
type job struct {
	x0, y0, z0 int
	group      []int
}

// blockResult carries a block's reconstruction back to the accumulator.
// failed marks a block-local solve failure; its values then hold the
// untouched stabilized input so the fallback still contributes.
type blockResult struct {
	job    job
	values []float64 // voxel-major, group-direction fastest
	failed bool
}

// Run denoises the stabilized volume. The sigma field must already be
// reconciled to its 3D per-voxel form. Geometry violations are fatal and
// detected before any per-block work is dispatched; block-local solve
// failures fall back to the stabilized input for that block and are counted
// on the diagnostics context.
func Run(stab *models.Volume4D, sigma3 *models.Volume3D, table *models.GradientTable, desc models.BlockDescriptor, mask *models.Mask3D, opts Opts, dc *diag.Context) (*models.Volume4D, error) {
	if table.Len() != stab.Ng {
		return nil, fmt.Errorf("gradient table has %d entries, data has %d gradient volumes", table.Len(), stab.Ng)
	}
	dwi := table.DWIIndices()
	if err := desc.Validate(stab, len(dwi)); err != nil {
		return nil, err
	}
	if !sigma3.MatchesSpatial(stab) {
		return nil, fmt.Errorf("sigma field shape (%d, %d, %d) does not match data spatial shape (%d, %d, %d)",
			sigma3.Nx, sigma3.Ny, sigma3.Nz, stab.Nx, stab.Ny, stab.Nz)
	}
	if !mask.MatchesSpatial(stab) {
		return nil, fmt.Errorf("mask shape (%d, %d, %d) does not match data spatial shape (%d, %d, %d)",
			mask.Nx, mask.Ny, mask.Nz, stab.Nx, stab.Ny, stab.Nz)
	}
	if len(dwi) == 0 {
		// Nothing to denoise; pass the stabilized data through
		dc.Warnf("no diffusion-weighted directions above the b0 threshold; denoising is a no-op")
		return stab.Clone(), nil
	}

	iterations := opts.Iterations
	if iterations < 1 {
		iterations = 1
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if max := runtime.NumCPU(); workers > max {
		workers = max
	}

	// A group is one anchor plus NAngular neighbors, clamped to the
	// directions actually available.
	k := desc.NAngular
	if k > len(dwi)-1 {
		k = len(dwi) - 1
	}
	neighbors, err := AngularNeighbors(table, k, opts.Symmetric)
	if err != nil {
		return nil, err
	}
	groups := CoverageGroups(table, neighbors, opts.Subsample)

	xs := blockStarts(stab.Nx, desc.Sx)
	ys := blockStarts(stab.Ny, desc.Sy)
	zs := blockStarts(stab.Nz, desc.Sz)
	total := len(xs) * len(ys) * len(zs) * len(groups)
	dc.Log.Infof("Denoising %d blocks (%d spatial placements x %d angular groups) on %d workers",
		total, len(xs)*len(ys)*len(zs), len(groups), workers)

	jobs := make(chan job, workers)
	results := make(chan blockResult, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- solveBlock(stab, sigma3, mask, desc, j, iterations)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	go func() {
		for _, g := range groups {
			for _, x0 := range xs {
				for _, y0 := range ys {
					for _, z0 := range zs {
						jobs <- job{x0: x0, y0: y0, z0: z0, group: g}
					}
				}
			}
		}
		close(jobs)
	}()

	// Overlapping reconstructions combine by averaging: order-independent
	// sum plus hit count per sample.
	sum := make([]float64, len(stab.Data))
	cnt := make([]float64, len(stab.Data))
	for res := range results {
		if res.failed {
			dc.AddBlockFailure()
		}
		scatterBlock(stab, mask, desc, res, sum, cnt)
	}

	if n := dc.BlockFailures(); n > 0 {
		dc.Warnf("%d of %d blocks fell back to their stabilized input after a failed solve", n, total)
	}

	out := stab.Clone()
	for i := range out.Data {
		if cnt[i] > 0 {
			out.Data[i] = sum[i] / cnt[i]
		}
	}
	return out, nil
}

// blockStarts returns the block start offsets along one axis: half-extent
// stride, with the final block clamped to end at the axis extent.
func blockStarts(n, size int) []int {
	stride := size / 2
	if stride < 1 {
		stride = 1
	}
	var starts []int
	for s := 0; s+size < n; s += stride {
		starts = append(starts, s)
	}
	return append(starts, n-size)
}

// solveBlock extracts one spatio-angular block and shrinks it. The block
// matrix has one row per in-mask voxel and one column per group direction.
func solveBlock(stab *models.Volume4D, sigma3 *models.Volume3D, mask *models.Mask3D, desc models.BlockDescriptor, j job, iterations int) blockResult {
	n := len(j.group)
	var rows []float64
	var sigmas []float64
	for x := j.x0; x < j.x0+desc.Sx; x++ {
		for y := j.y0; y < j.y0+desc.Sy; y++ {
			for z := j.z0; z < j.z0+desc.Sz; z++ {
				if !mask.At(x, y, z) {
					continue
				}
				for _, g := range j.group {
					rows = append(rows, stab.At(x, y, z, g))
				}
				sigmas = append(sigmas, sigma3.At(x, y, z))
			}
		}
	}
	m := len(rows) / n
	if m == 0 {
		return blockResult{job: j, values: nil}
	}

	res := blockResult{job: j, values: append([]float64(nil), rows...)}
	if m < 2 || n < 2 {
		// Too thin to separate signal from noise; contribute the input
		return res
	}

	sort.Float64s(sigmas)
	sigma := sigmas[len(sigmas)/2]
	if sigma <= 0 {
		return res
	}

	denoised, ok := shrink(rows, m, n, sigma, iterations)
	if !ok {
		res.failed = true
		return res
	}
	res.values = denoised
	return res
}

// shrink runs the iterative reweighted L1 minimization on the block's SVD
// coefficients. Iteration 0 applies the unweighted soft threshold at the
// noise edge sigma*(sqrt(m)+sqrt(n)); each later iteration recomputes
// per-coefficient weights inversely related to the previous iteration's
// shrunk magnitudes and re-applies the threshold to the original spectrum.
func shrink(rows []float64, m, n int, sigma float64, iterations int) ([]float64, bool) {
	a := mat.NewDense(m, n, append([]float64(nil), rows...))

	// Center each direction across the block's voxels
	means := make([]float64, n)
	for c := 0; c < n; c++ {
		s := 0.0
		for r := 0; r < m; r++ {
			s += a.At(r, c)
		}
		means[c] = s / float64(m)
		for r := 0; r < m; r++ {
			a.Set(r, c, a.At(r, c)-means[c])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, false
	}
	sv := svd.Values(nil)

	tau := sigma * (math.Sqrt(float64(m)) + math.Sqrt(float64(n)))
	const eps = 1e-2
	weights := make([]float64, len(sv))
	for i := range weights {
		weights[i] = 1
	}
	shrunk := make([]float64, len(sv))
	for it := 0; it < iterations; it++ {
		for i, s := range sv {
			t := s - tau*weights[i]
			if t < 0 {
				t = 0
			}
			shrunk[i] = t
		}
		for i := range weights {
			weights[i] = tau / (shrunk[i] + eps*tau)
		}
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := mat.NewDiagDense(len(shrunk), shrunk)
	var tmp, rec mat.Dense
	tmp.Mul(&u, d)
	rec.Mul(&tmp, v.T())

	out := make([]float64, m*n)
	for r := 0; r < m; r++ {
		for c := 0; c < n; c++ {
			out[r*n+c] = rec.At(r, c) + means[c]
		}
	}
	return out, true
}

// scatterBlock accumulates a block's reconstruction into the output sums,
// revisiting the same in-mask voxel order used at extraction.
func scatterBlock(stab *models.Volume4D, mask *models.Mask3D, desc models.BlockDescriptor, res blockResult, sum, cnt []float64) {
	if res.values == nil {
		return
	}
	i := 0
	for x := res.job.x0; x < res.job.x0+desc.Sx; x++ {
		for y := res.job.y0; y < res.job.y0+desc.Sy; y++ {
			for z := res.job.z0; z < res.job.z0+desc.Sz; z++ {
				if !mask.At(x, y, z) {
					continue
				}
				for _, g := range res.job.group {
					di := stab.Idx(x, y, z, g)
					sum[di] += res.values[i]
					cnt[di]++
					i++
				}
			}
		}
	}
}
