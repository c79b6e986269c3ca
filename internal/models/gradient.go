package models

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// DefaultB0Threshold is the b-value below which a gradient volume is
// treated as a b0 reference acquisition.
const DefaultB0Threshold = 10.0

// GradientTable holds the ordered b-value / unit b-vector pairs of an
// acquisition, one entry per gradient volume.
type GradientTable struct {
	// Bvals holds the diffusion weighting per gradient volume in s/mm^2
	Bvals []float64

	// Bvecs holds the unit gradient directions, one [x y z] per volume.
	// b0 entries conventionally carry a zero vector.
	Bvecs [][3]float64

	// B0Threshold is the b-value at or below which an entry counts as b0
	B0Threshold float64
}

// NewGradientTable builds a table from parallel b-value and b-vector slices,
// normalizing non-zero vectors to unit length.
func NewGradientTable(bvals []float64, bvecs [][3]float64, b0Threshold float64) (*GradientTable, error) {
	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("gradient table mismatch: %d b-values vs %d b-vectors", len(bvals), len(bvecs))
	}
	if len(bvals) == 0 {
		return nil, fmt.Errorf("gradient table is empty")
	}
	t := &GradientTable{
		Bvals:       append([]float64(nil), bvals...),
		Bvecs:       make([][3]float64, len(bvecs)),
		B0Threshold: b0Threshold,
	}
	for i, v := range bvecs {
		norm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if norm > 0 {
			t.Bvecs[i] = [3]float64{v[0] / norm, v[1] / norm, v[2] / norm}
		}
	}
	return t, nil
}

// Len returns the number of gradient volumes in the table.
func (t *GradientTable) Len() int {
	return len(t.Bvals)
}

// IsB0 reports whether gradient volume i is a b0 reference acquisition.
func (t *GradientTable) IsB0(i int) bool {
	return t.Bvals[i] <= t.B0Threshold
}

// B0Indices returns the indices of the b0 volumes in acquisition order.
// The result may be empty; consumers degrade gracefully in that case.
func (t *GradientTable) B0Indices() []int {
	var idx []int
	for i := range t.Bvals {
		if t.IsB0(i) {
			idx = append(idx, i)
		}
	}
	return idx
}

// DWIIndices returns the indices of the diffusion-weighted (non-b0) volumes.
func (t *GradientTable) DWIIndices() []int {
	var idx []int
	for i := range t.Bvals {
		if !t.IsB0(i) {
			idx = append(idx, i)
		}
	}
	return idx
}

// LoadGradientTable reads FSL-style bval and bvec text files. The bval file
// holds one row (or column) of b-values; the bvec file holds three rows of
// x, y, z components, or one x/y/z triplet per line.
func LoadGradientTable(bvalPath, bvecPath string, b0Threshold float64) (*GradientTable, error) {
	bvals, err := readFloatRows(bvalPath)
	if err != nil {
		return nil, fmt.Errorf("reading bvals %s: %w", bvalPath, err)
	}
	flat := flatten(bvals)

	rows, err := readFloatRows(bvecPath)
	if err != nil {
		return nil, fmt.Errorf("reading bvecs %s: %w", bvecPath, err)
	}

	var bvecs [][3]float64
	switch {
	case len(rows) == 3:
		// FSL layout: three rows of g components each
		if len(rows[0]) != len(rows[1]) || len(rows[1]) != len(rows[2]) {
			return nil, fmt.Errorf("bvec rows have unequal lengths %d/%d/%d", len(rows[0]), len(rows[1]), len(rows[2]))
		}
		for i := range rows[0] {
			bvecs = append(bvecs, [3]float64{rows[0][i], rows[1][i], rows[2][i]})
		}
	default:
		// One direction per line
		for i, r := range rows {
			if len(r) != 3 {
				return nil, fmt.Errorf("bvec line %d has %d components, want 3", i+1, len(r))
			}
			bvecs = append(bvecs, [3]float64{r[0], r[1], r[2]})
		}
	}

	return NewGradientTable(flat, bvecs, b0Threshold)
}

func readFloatRows(path string) ([][]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows [][]float64
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %q: %w", f, err)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("file contains no values")
	}
	return rows, nil
}

func flatten(rows [][]float64) []float64 {
	var out []float64
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}
