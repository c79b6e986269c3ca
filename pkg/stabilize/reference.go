// Package stabilize converts the signal-dependent Rician / non-central chi
// noise of a diffusion-weighted series into approximately homoscedastic
// Gaussian noise. It builds a smoothed angular reference signal per voxel and
// maps each observation through a moment-matching stabilizing transform.
package stabilize

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/diag"
)

// BasisSize returns the number of free parameters implied by a smoothing
// order: the homogeneous degree-order monomials of the unit direction,
// (order+1)(order+2)/2 terms, matching the even spherical harmonic count.
func BasisSize(order int) int {
	return (order + 1) * (order + 2) / 2
}

// monomialExponents lists the (i, j, k) exponent triples with i+j+k = order.
func monomialExponents(order int) [][3]int {
	var exps [][3]int
	for i := 0; i <= order; i++ {
		for j := 0; j <= order-i; j++ {
			exps = append(exps, [3]int{i, j, order - i - j})
		}
	}
	return exps
}

func powInt(v float64, e int) float64 {
	out := 1.0
	for ; e > 0; e-- {
		out *= v
	}
	return out
}

// FitSmoothReference builds the smoothed reference signal m_hat. Order 0
// returns the raw data unchanged (the caller opted out of smoothing).
// Otherwise each voxel's diffusion-weighted samples are fit with a
// least-squares directional basis of the given order and replaced by the
// fitted values, clipped at zero; b0 volumes are replaced by the voxel's b0
// mean. A direction count below the basis size is reported as a warning and
// the fit proceeds in the least-squares sense.
func FitSmoothReference(data *models.Volume4D, table *models.GradientTable, order int, workers int, dc *diag.Context) (*models.Volume4D, error) {
	if table.Len() != data.Ng {
		return nil, fmt.Errorf("gradient table has %d entries, data has %d gradient volumes", table.Len(), data.Ng)
	}
	if order < 0 {
		return nil, fmt.Errorf("smoothing order %d must be non-negative", order)
	}
	if order == 0 {
		dc.Log.Debug("smoothing order 0: reference signal is the raw data")
		return data.Clone(), nil
	}

	dwi := table.DWIIndices()
	b0s := table.B0Indices()
	p := BasisSize(order)
	if len(dwi) < p {
		dc.Warnf("only %d diffusion-weighted directions for a smoothing basis of %d parameters (order %d); consider a lower order", len(dwi), p, order)
	}
	if len(dwi) == 0 {
		// Degrade gracefully: nothing to fit over
		dc.Warnf("no diffusion-weighted directions above the b0 threshold; reference signal is the raw data")
		return data.Clone(), nil
	}

	exps := monomialExponents(order)
	design := mat.NewDense(len(dwi), p, nil)
	for r, g := range dwi {
		v := table.Bvecs[g]
		for c, e := range exps {
			design.Set(r, c, powInt(v[0], e[0])*powInt(v[1], e[1])*powInt(v[2], e[2]))
		}
	}

	out := data.Clone()
	parallelSlabs(data.Nx, workers, func(x0, x1 int) {
		var qr mat.QR
		qr.Factorize(design)
		rhs := mat.NewDense(len(dwi), 1, nil)
		coeff := mat.NewDense(p, 1, nil)
		fitted := mat.NewDense(len(dwi), 1, nil)

		for x := x0; x < x1; x++ {
			for y := 0; y < data.Ny; y++ {
				for z := 0; z < data.Nz; z++ {
					for r, g := range dwi {
						rhs.Set(r, 0, data.At(x, y, z, g))
					}
					if err := qr.SolveTo(coeff, false, rhs); err != nil {
						// Degenerate direction set: keep the raw samples
						continue
					}
					fitted.Mul(design, coeff)
					for r, g := range dwi {
						v := fitted.At(r, 0)
						if v < 0 {
							// Signal magnitude cannot be negative
							v = 0
						}
						out.Set(x, y, z, g, v)
					}
					if len(b0s) > 0 {
						sum := 0.0
						for _, g := range b0s {
							sum += data.At(x, y, z, g)
						}
						m := sum / float64(len(b0s))
						for _, g := range b0s {
							out.Set(x, y, z, g, m)
						}
					}
				}
			}
		}
	})

	return out, nil
}

// parallelSlabs splits [0, nx) into contiguous slabs across a bounded pool.
func parallelSlabs(nx, workers int, fn func(x0, x1 int)) {
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
