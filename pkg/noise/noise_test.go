package noise

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmridenoise/internal/models"
	"dmridenoise/pkg/diag"
)

// rician draws a magnitude sample with underlying signal eta and noise sigma
// for a single-coil acquisition.
func rician(r *rand.Rand, eta, sigma float64) float64 {
	return math.Hypot(eta+r.NormFloat64()*sigma, r.NormFloat64()*sigma)
}

func TestSourceValidation(t *testing.T) {
	var none Source
	assert.Error(t, none.Validate(), "the zero Source selects no strategy")

	assert.NoError(t, GlobalPIESNO().Validate())
	assert.NoError(t, LocalStd().Validate())

	f, _ := models.NewVolume3D(2, 2, 2)
	assert.NoError(t, FromSigmaVolume3D(f).Validate())
	assert.NoError(t, FromNoiseMap3D(f).Validate())
}

func TestEstimateShapeMismatchIsFatal(t *testing.T) {
	data, _ := models.NewVolume4D(4, 4, 4, 3)
	badMask := models.NewFullMask(4, 4, 5)
	_, _, err := Estimate(data, badMask, 1, LocalStd(), 1, diag.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mask shape")
}

func TestSuppliedSigma4DCollapsesWithWarning(t *testing.T) {
	data, _ := models.NewVolume4D(2, 2, 2, 4)
	sig, _ := models.NewVolume4D(2, 2, 2, 4)
	for g, v := range []float64{1, 9, 3, 7} {
		for i := 0; i < 8; i++ {
			x, y, z := i/4, (i/2)%2, i%2
			sig.Set(x, y, z, g, v)
		}
	}

	dc := diag.NewNop()
	field, _, err := Estimate(data, models.NewFullMask(2, 2, 2), 1, FromSigmaVolume4D(sig), 1, dc)
	require.NoError(t, err)
	assert.Equal(t, models.SigmaPerVoxel, field.Kind())
	assert.InDelta(t, 5.0, field.ReconcileTo3D().At(0, 0, 0), 1e-12, "median of 1,9,3,7")
	assert.NotEmpty(t, dc.Warnings(), "the lossy downcast must be reported")
}

func TestSuppliedSigmaWrongShapeIsFatal(t *testing.T) {
	data, _ := models.NewVolume4D(4, 4, 4, 2)
	sig, _ := models.NewVolume3D(4, 4, 3)
	_, _, err := Estimate(data, models.NewFullMask(4, 4, 4), 1, FromSigmaVolume3D(sig), 1, diag.NewNop())
	require.Error(t, err)
}

// TestGlobalPIESNORecoversSigma checks the iterative background fit on a
// volume of pure single-coil noise.
func TestGlobalPIESNORecoversSigma(t *testing.T) {
	const trueSigma = 10.0
	r := rand.New(rand.NewSource(42))
	data, _ := models.NewVolume4D(8, 8, 8, 3)
	for i := range data.Data {
		data.Data[i] = rician(r, 0, trueSigma)
	}

	dc := diag.NewNop()
	field, noiseMask, err := Estimate(data, models.NewFullMask(8, 8, 8), 1, GlobalPIESNO(), 1, dc)
	require.NoError(t, err)
	require.NotNil(t, noiseMask)

	assert.Equal(t, models.SigmaPerVoxelPerVolume, field.Kind())
	sigma3 := field.ReconcileTo3D()
	for _, s := range sigma3.Data {
		assert.InDelta(t, trueSigma, s, 0.15*trueSigma)
	}
	// Pure noise: the clear majority of voxels should be classified
	assert.Greater(t, noiseMask.Count(), data.NVoxels()/2)
	assert.Empty(t, dc.Warnings())
}

// TestGlobalPIESNOLowBackgroundWarning builds a volume whose true background
// is under 1% of the voxels. The diagnostic must fire without an error.
func TestGlobalPIESNOLowBackgroundWarning(t *testing.T) {
	const noiseSigma = 300.0
	r := rand.New(rand.NewSource(7))
	data, _ := models.NewVolume4D(8, 8, 8, 2)

	// 254 near-zero voxels, 254 high-signal voxels, 4 background noise
	// voxels (0.78% of 512)
	for g := 0; g < 2; g++ {
		i := 0
		for x := 0; x < 8; x++ {
			for y := 0; y < 8; y++ {
				for z := 0; z < 8; z++ {
					switch {
					case i < 254:
						data.Set(x, y, z, g, 1)
					case i < 508:
						data.Set(x, y, z, g, 1e6)
					default:
						data.Set(x, y, z, g, rician(r, 0, noiseSigma))
					}
					i++
				}
			}
		}
	}

	dc := diag.NewNop()
	_, _, err := Estimate(data, models.NewFullMask(8, 8, 8), 1, GlobalPIESNO(), 1, dc)
	require.NoError(t, err, "a low noise fraction is suspicious, not fatal")
	require.NotEmpty(t, dc.Warnings())
	assert.Contains(t, dc.Warnings()[0], "pure noise")
}

// TestNoiseMapSigma runs local PIESNO over a noise-only series.
func TestNoiseMapSigma(t *testing.T) {
	const trueSigma = 8.0
	r := rand.New(rand.NewSource(3))
	data, _ := models.NewVolume4D(8, 8, 8, 2)
	nmap, _ := models.NewVolume4D(8, 8, 8, 2)
	for i := range nmap.Data {
		nmap.Data[i] = rician(r, 0, trueSigma)
	}

	field, noiseMask, err := Estimate(data, models.NewFullMask(8, 8, 8), 1, FromNoiseMap4D(nmap), 1, diag.NewNop())
	require.NoError(t, err)
	require.NotNil(t, noiseMask)
	assert.Equal(t, models.SigmaPerVoxel, field.Kind())

	for _, s := range field.ReconcileTo3D().Data {
		assert.InDelta(t, trueSigma, s, 0.3*trueSigma)
	}
	assert.Greater(t, noiseMask.Count(), data.NVoxels()/2)
}

// TestLocalStdRecoversSigma checks the neighborhood dispersion estimate with
// bias correction on high-SNR data, where the raw estimate is already close.
func TestLocalStdRecoversSigma(t *testing.T) {
	const trueSigma = 5.0
	r := rand.New(rand.NewSource(11))
	data, _ := models.NewVolume4D(8, 8, 8, 4)
	for i := range data.Data {
		data.Data[i] = 100 + r.NormFloat64()*trueSigma
	}

	field, _, err := Estimate(data, models.NewFullMask(8, 8, 8), 1, LocalStd(), 2, diag.NewNop())
	require.NoError(t, err)

	sigma3 := field.ReconcileTo3D()
	// Interior voxels see the full 3x3x3 x 4 sample neighborhood
	var sum float64
	n := 0
	for x := 2; x < 6; x++ {
		for y := 2; y < 6; y++ {
			for z := 2; z < 6; z++ {
				sum += sigma3.At(x, y, z)
				n++
			}
		}
	}
	assert.InDelta(t, trueSigma, sum/float64(n), 1.0)
}

// TestLocalStdMaskedVoxelsUntouched verifies out-of-mask voxels stay zero.
func TestLocalStdMaskedVoxelsUntouched(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	data, _ := models.NewVolume4D(4, 4, 4, 3)
	for i := range data.Data {
		data.Data[i] = 50 + r.NormFloat64()*4
	}
	mask := models.NewFullMask(4, 4, 4)
	mask.Set(0, 0, 0, false)

	field, _, err := Estimate(data, mask, 1, LocalStd(), 1, diag.NewNop())
	require.NoError(t, err)
	assert.Zero(t, field.ReconcileTo3D().At(0, 0, 0))
}

func TestBetaN(t *testing.T) {
	// N=1 is the Rayleigh mean sqrt(pi/2)
	assert.InDelta(t, math.Sqrt(math.Pi/2), betaN(1), 1e-12)
	// betaN grows toward sqrt(2N - 1/2) for large N
	assert.Greater(t, betaN(8), betaN(2))
}
