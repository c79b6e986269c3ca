package stabilize

import (
	"fmt"
	"math"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/diag"
)

// Stabilize maps each in-mask sample of the raw data through the
// non-central chi stabilizing transform: the underlying signal eta is
// recovered from the smoothed reference m_hat by inverting the noise model's
// mean function, and the observation is rescaled to its Gaussian-equivalent
// value with standard deviation sigma. Samples outside the mask, and samples
// whose sigma is non-positive, pass through unmodified.
//
// The sigma field may be per-voxel or per-voxel-per-volume; the 3D form is
// broadcast across the gradient axis before use.
func Stabilize(data, mhat *models.Volume4D, sigma *models.SigmaField, mask *models.Mask3D, coils int, workers int, dc *diag.Context) (*models.Volume4D, error) {
	if !mhat.SameShape(data) {
		return nil, fmt.Errorf("reference signal shape (%d, %d, %d, %d) does not match data shape (%d, %d, %d, %d)",
			mhat.Nx, mhat.Ny, mhat.Nz, mhat.Ng, data.Nx, data.Ny, data.Nz, data.Ng)
	}
	if !mask.MatchesSpatial(data) {
		return nil, fmt.Errorf("mask shape (%d, %d, %d) does not match data spatial shape (%d, %d, %d)",
			mask.Nx, mask.Ny, mask.Nz, data.Nx, data.Ny, data.Nz)
	}
	if err := sigma.ValidateAgainst(data); err != nil {
		return nil, err
	}
	sigma4, err := sigma.Broadcast4D(data.Ng)
	if err != nil {
		return nil, err
	}

	dc.Log.Infof("Stabilizing variance over %d voxels (N=%d)", mask.Count(), coils)

	out := data.Clone()
	parallelSlabs(data.Nx, workers, func(x0, x1 int) {
		for x := x0; x < x1; x++ {
			for y := 0; y < data.Ny; y++ {
				for z := 0; z < data.Nz; z++ {
					if !mask.At(x, y, z) {
						continue
					}
					for g := 0; g < data.Ng; g++ {
						s := sigma4.At(x, y, z, g)
						if s <= 0 {
							continue
						}
						m := data.At(x, y, z, g)
						eta := invertMean(mhat.At(x, y, z, g), s, coils)
						mu := meanNchi(eta, s, coils)
						sd := stdNchi(eta, s, coils)
						out.Set(x, y, z, g, eta+(m-mu)*s/sd)
					}
				}
			}
		}
	})

	return out, nil
}

// betaNchi is the noise-floor mean in units of sigma for an N-coil
// acquisition: sqrt(2) * Gamma(N + 1/2) / Gamma(N).
func betaNchi(coils int) float64 {
	n := float64(coils)
	return math.Sqrt2 * math.Gamma(n+0.5) / math.Gamma(n)
}

// hyp1f1Half evaluates the confluent hypergeometric function
// 1F1(-1/2; n; -x) for x >= 0, switching from the power series to the
// large-argument asymptotic form where the series loses accuracy.
func hyp1f1Half(n, x float64) float64 {
	if x < 0 {
		x = 0
	}
	if x < 20 {
		sum := 1.0
		term := 1.0
		a := -0.5
		for k := 0; k < 200; k++ {
			term *= (a + float64(k)) / ((n + float64(k)) * float64(k+1)) * -x
			sum += term
			if math.Abs(term) < 1e-15*math.Abs(sum) {
				break
			}
		}
		return sum
	}
	// 1F1(a; b; z) ~ Gamma(b)/Gamma(b-a) (-z)^{-a} [1 + a(a-b+1)/(-z)]
	lead := math.Gamma(n) / math.Gamma(n+0.5) * math.Sqrt(x)
	return lead * (1 + (n/2-0.25)/x)
}

// meanNchi is the expected magnitude of a non-central chi sample with
// underlying signal eta, noise level sigma and N coils.
func meanNchi(eta, sigma float64, coils int) float64 {
	theta2 := eta * eta / (2 * sigma * sigma)
	return betaNchi(coils) * sigma * hyp1f1Half(float64(coils), theta2)
}

// stdNchi is the standard deviation of the same sample, from the exact
// second moment E[m^2] = eta^2 + 2 N sigma^2.
func stdNchi(eta, sigma float64, coils int) float64 {
	mu := meanNchi(eta, sigma, coils)
	v := eta*eta + 2*float64(coils)*sigma*sigma - mu*mu
	if v < 1e-12*sigma*sigma {
		v = 1e-12 * sigma * sigma
	}
	return math.Sqrt(v)
}

// invertMean recovers the underlying signal eta whose expected magnitude
// equals mhat, by Newton iteration on the mean function. Observations at or
// below the noise floor map to eta = 0.
func invertMean(mhat, sigma float64, coils int) float64 {
	floor := betaNchi(coils) * sigma
	if mhat <= floor {
		return 0
	}
	// Second-moment start point
	eta := math.Sqrt(math.Max(mhat*mhat-2*float64(coils)*sigma*sigma, 0))
	if eta == 0 {
		eta = mhat - floor
	}
	h := 1e-4 * sigma
	for i := 0; i < 25; i++ {
		f := meanNchi(eta, sigma, coils) - mhat
		if math.Abs(f) < 1e-12*sigma {
			break
		}
		df := (meanNchi(eta+h, sigma, coils) - meanNchi(eta-h, sigma, coils)) / (2 * h)
		if df <= 0 {
			break
		}
		eta -= f / df
		if eta < 0 {
			eta = 0
			break
		}
	}
	return eta
}
