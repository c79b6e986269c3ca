package noise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/diag"
)

// SNR breakpoints for the bias correction blend. Below snrLow the signal is
// treated as pure background and the full stationary correction applies;
// above snrHigh the raw dispersion estimate is already unbiased.
const (
	snrLow  = 1.0
	snrHigh = 3.0
)

// localStdSigma estimates sigma per voxel from the dispersion of the 3x3x3
// spatial neighborhood across all gradient volumes, then applies the
// noise-model bias correction. Both passes run slab-parallel over x.
// Voxels outside the mask are left at zero.
func localStdSigma(data *models.Volume4D, mask *models.Mask3D, coils int, workers int, dc *diag.Context) (*models.SigmaField, error) {
	raw, err := models.NewVolume3D(data.Nx, data.Ny, data.Nz)
	if err != nil {
		return nil, err
	}
	mean, err := models.NewVolume3D(data.Nx, data.Ny, data.Nz)
	if err != nil {
		return nil, err
	}

	parallelOverX(data.Nx, workers, func(x0, x1 int) {
		var samples []float64
		for x := x0; x < x1; x++ {
			for y := 0; y < data.Ny; y++ {
				for z := 0; z < data.Nz; z++ {
					if !mask.At(x, y, z) {
						continue
					}
					samples = samples[:0]
					for dx := -1; dx <= 1; dx++ {
						for dy := -1; dy <= 1; dy++ {
							for dz := -1; dz <= 1; dz++ {
								nx, ny, nz := x+dx, y+dy, z+dz
								if nx < 0 || ny < 0 || nz < 0 || nx >= data.Nx || ny >= data.Ny || nz >= data.Nz {
									continue
								}
								for g := 0; g < data.Ng; g++ {
									samples = append(samples, data.At(nx, ny, nz, g))
								}
							}
						}
					}
					m, sd := stat.MeanStdDev(samples, nil)
					raw.Set(x, y, z, sd)
					mean.Set(x, y, z, m)
				}
			}
		}
	})

	if coils > 0 {
		correctBias(raw, mean, mask, coils, workers)
		dc.Log.Debugf("applied N=%d bias correction to local dispersion estimate", coils)
	}

	return models.NewSigmaPerVoxel(raw), nil
}

// betaN is the mean of a noise-only magnitude sample in units of sigma for an
// N-coil acquisition: sqrt(2) * Gamma(N + 1/2) / Gamma(N).
func betaN(coils int) float64 {
	n := float64(coils)
	return math.Sqrt2 * math.Gamma(n+0.5) / math.Gamma(n)
}

// correctBias converts the raw dispersion estimate into an unbiased sigma
// estimate in place. In the background regime the measured magnitude has
// standard deviation sigma * sqrt(2N - betaN^2); the correction divides that
// factor out and is blended away as local SNR rises.
func correctBias(raw, mean *models.Volume3D, mask *models.Mask3D, coils int, workers int) {
	b := betaN(coils)
	corr := math.Sqrt(2*float64(coils) - b*b)

	parallelOverX(raw.Nx, workers, func(x0, x1 int) {
		for x := x0; x < x1; x++ {
			for y := 0; y < raw.Ny; y++ {
				for z := 0; z < raw.Nz; z++ {
					if !mask.At(x, y, z) {
						continue
					}
					sd := raw.At(x, y, z)
					if sd <= 0 {
						continue
					}
					snr := mean.At(x, y, z) / sd
					switch {
					case snr <= snrLow:
						raw.Set(x, y, z, sd/corr)
					case snr < snrHigh:
						// Linear blend between corrected and raw
						w := (snrHigh - snr) / (snrHigh - snrLow)
						raw.Set(x, y, z, w*sd/corr+(1-w)*sd)
					}
				}
			}
		}
	})
}

func errShapeMismatch(what string, nx, ny, nz int, data *models.Volume4D) error {
	return fmt.Errorf("%s shape (%d, %d, %d) does not match data spatial shape (%d, %d, %d)",
		what, nx, ny, nz, data.Nx, data.Ny, data.Nz)
}
