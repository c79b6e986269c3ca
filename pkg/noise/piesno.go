package noise

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/diag"
)

const (
	// piesnoAlpha is the two-sided significance level for background
	// classification under the Gamma(N, 1) model
	piesnoAlpha = 0.01

	piesnoMaxIter = 100
	piesnoEps     = 1e-10

	// lowNoiseFraction is the fraction of classified noise voxels below which
	// global PIESNO is considered suspicious and a warning is raised
	lowNoiseFraction = 0.01

	// noiseMapWindow is the spatial window edge for local PIESNO over
	// noise-only maps
	noiseMapWindow = 5
)

// piesnoBounds returns the Gamma(N, 1) quantiles used by the background
// classification: the central median constant and the two-sided acceptance
// interval. For a noise-only magnitude sample m in an N-coil acquisition,
// m^2 / (2 sigma^2) follows Gamma(N, 1).
func piesnoBounds(coils int) (med, lo, hi float64) {
	g := distuv.Gamma{Alpha: float64(coils), Beta: 1}
	return g.Quantile(0.5), g.Quantile(piesnoAlpha / 2), g.Quantile(1 - piesnoAlpha/2)
}

// piesnoFit runs the iterative background identification on a flat sample set
// and returns the converged sigma plus the per-sample classification.
func piesnoFit(samples []float64, coils int) (float64, []bool) {
	med, lo, hi := piesnoBounds(coils)

	squared := make([]float64, len(samples))
	for i, s := range samples {
		squared[i] = s * s
	}
	sorted := append([]float64(nil), squared...)
	sort.Float64s(sorted)
	medSq := sorted[len(sorted)/2]

	// Initial estimate from the sample median of squares
	sigma := math.Sqrt(medSq / (2 * med))
	classified := make([]bool, len(samples))

	for iter := 0; iter < piesnoMaxIter; iter++ {
		if sigma <= 0 {
			break
		}
		denom := 2 * sigma * sigma
		var sum float64
		count := 0
		for i, sq := range squared {
			t := sq / denom
			in := t >= lo && t <= hi
			classified[i] = in
			if in {
				sum += sq
				count++
			}
		}
		if count == 0 {
			break
		}
		next := math.Sqrt(sum / (2 * float64(coils) * float64(count)))
		if math.Abs(next-sigma) < piesnoEps*sigma {
			sigma = next
			break
		}
		sigma = next
	}
	return sigma, classified
}

// globalPIESNO estimates one sigma per gradient volume from the signal's own
// background and broadcasts each estimate spatially. The returned mask marks
// voxels classified as pure noise in at least half the gradient volumes.
func globalPIESNO(data *models.Volume4D, coils int, dc *diag.Context) (*models.SigmaField, *models.Mask3D, error) {
	nvox := data.NVoxels()
	out, err := models.NewVolume4D(data.Nx, data.Ny, data.Nz, data.Ng)
	if err != nil {
		return nil, nil, err
	}

	hits := make([]int, nvox)
	samples := make([]float64, nvox)
	for g := 0; g < data.Ng; g++ {
		for x := 0; x < data.Nx; x++ {
			for y := 0; y < data.Ny; y++ {
				for z := 0; z < data.Nz; z++ {
					samples[(x*data.Ny+y)*data.Nz+z] = data.At(x, y, z, g)
				}
			}
		}
		sigma, classified := piesnoFit(samples, coils)
		dc.Log.Debugf("PIESNO volume %d: sigma=%.4f", g, sigma)
		for x := 0; x < data.Nx; x++ {
			for y := 0; y < data.Ny; y++ {
				for z := 0; z < data.Nz; z++ {
					vi := (x*data.Ny+y)*data.Nz + z
					out.Set(x, y, z, g, sigma)
					if classified[vi] {
						hits[vi]++
					}
				}
			}
		}
	}

	noiseMask := &models.Mask3D{Data: make([]bool, nvox), Nx: data.Nx, Ny: data.Ny, Nz: data.Nz}
	count := 0
	for i, h := range hits {
		if h*2 >= data.Ng {
			noiseMask.Data[i] = true
			count++
		}
	}

	frac := float64(count) / float64(nvox)
	if frac < lowNoiseFraction {
		dc.Warnf("global noise estimation classified only %.2f%% of voxels as pure noise; the estimate may be unreliable, consider the local strategy instead", frac*100)
	}

	return models.NewSigmaPerVoxelPerVolume(out), noiseMask, nil
}

// noiseMapSigma runs local PIESNO over externally supplied noise-only
// acquisitions: the map is split into spatial windows, each window's samples
// across all frames feed one PIESNO fit, and every voxel of the window gets
// the fitted sigma.
func noiseMapSigma(data *models.Volume4D, src Source, coils int, dc *diag.Context) (*models.SigmaField, *models.Mask3D, error) {
	nmap := src.map4
	if nmap == nil {
		// A 3D noise map is a single-frame series
		f := src.map3
		v, err := models.WrapVolume4D(f.Data, f.Nx, f.Ny, f.Nz, 1)
		if err != nil {
			return nil, nil, err
		}
		nmap = v
		dc.Log.Debug("broadcasting 3D noise map to a single-frame series")
	}
	if nmap.Nx != data.Nx || nmap.Ny != data.Ny || nmap.Nz != data.Nz {
		return nil, nil, errShapeMismatch("noise map", nmap.Nx, nmap.Ny, nmap.Nz, data)
	}

	out, err := models.NewVolume3D(data.Nx, data.Ny, data.Nz)
	if err != nil {
		return nil, nil, err
	}
	noiseMask := &models.Mask3D{Data: make([]bool, data.NVoxels()), Nx: data.Nx, Ny: data.Ny, Nz: data.Nz}

	w := noiseMapWindow
	for x0 := 0; x0 < nmap.Nx; x0 += w {
		for y0 := 0; y0 < nmap.Ny; y0 += w {
			for z0 := 0; z0 < nmap.Nz; z0 += w {
				x1, y1, z1 := minInt(x0+w, nmap.Nx), minInt(y0+w, nmap.Ny), minInt(z0+w, nmap.Nz)

				var samples []float64
				for x := x0; x < x1; x++ {
					for y := y0; y < y1; y++ {
						for z := z0; z < z1; z++ {
							for g := 0; g < nmap.Ng; g++ {
								samples = append(samples, nmap.At(x, y, z, g))
							}
						}
					}
				}
				sigma, classified := piesnoFit(samples, coils)

				i := 0
				for x := x0; x < x1; x++ {
					for y := y0; y < y1; y++ {
						for z := z0; z < z1; z++ {
							out.Set(x, y, z, sigma)
							in := 0
							for g := 0; g < nmap.Ng; g++ {
								if classified[i] {
									in++
								}
								i++
							}
							if in*2 >= nmap.Ng {
								noiseMask.Set(x, y, z, true)
							}
						}
					}
				}
			}
		}
	}

	return models.NewSigmaPerVoxel(out), noiseMask, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
