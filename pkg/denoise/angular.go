// Package denoise implements the block-structured, angularly neighbor-aware
// denoising stage: stabilized gradient volumes are grouped with their closest
// directions on the unit sphere, partitioned into overlapping spatial blocks,
// and each block is solved by iterative reweighted L1 shrinkage, with
// overlapping reconstructions averaged back into a single volume.
package denoise

import (
	"fmt"
	"math"
	"sort"

	"dmridenoise/internal/models"
)

// AngularNeighbors returns, for every diffusion-weighted gradient index, the
// ordered k closest other diffusion-weighted directions. Closeness is the dot
// product of the unit b-vectors; when the acquisition is not antipodally
// symmetric the absolute dot product is used, which treats every un-acquired
// antipodal counterpart as present. b0 volumes never participate.
func AngularNeighbors(table *models.GradientTable, k int, symmetric bool) (map[int][]int, error) {
	dwi := table.DWIIndices()
	if k >= len(dwi) {
		return nil, fmt.Errorf("angular neighbor count %d must be below the %d diffusion-weighted directions", k, len(dwi))
	}

	neighbors := make(map[int][]int, len(dwi))
	type scored struct {
		idx   int
		score float64
	}
	for _, g := range dwi {
		vg := table.Bvecs[g]
		cand := make([]scored, 0, len(dwi)-1)
		for _, h := range dwi {
			if h == g {
				continue
			}
			vh := table.Bvecs[h]
			dot := vg[0]*vh[0] + vg[1]*vh[1] + vg[2]*vh[2]
			if !symmetric {
				dot = math.Abs(dot)
			}
			cand = append(cand, scored{idx: h, score: dot})
		}
		sort.SliceStable(cand, func(i, j int) bool { return cand[i].score > cand[j].score })
		sel := make([]int, 0, k)
		for i := 0; i < k && i < len(cand); i++ {
			sel = append(sel, cand[i].idx)
		}
		neighbors[g] = sel
	}
	return neighbors, nil
}

// CoverageGroups selects the angular groups to process. Each group is one
// anchor direction followed by its neighbors. With subsampling enabled the
// selection is a greedy minimal cover: each step anchors the still-uncovered
// direction whose group covers the most uncovered directions (ties go to
// acquisition order), until every diffusion-weighted index is in at least one
// group. With subsampling disabled every direction anchors its own group.
func CoverageGroups(table *models.GradientTable, neighbors map[int][]int, subsample bool) [][]int {
	dwi := table.DWIIndices()
	var groups [][]int
	if !subsample {
		for _, g := range dwi {
			groups = append(groups, append([]int{g}, neighbors[g]...))
		}
		return groups
	}

	covered := make(map[int]bool, len(dwi))
	remaining := len(dwi)
	for remaining > 0 {
		best, bestGain := -1, 0
		for _, g := range dwi {
			if covered[g] {
				continue
			}
			gain := 1
			for _, m := range neighbors[g] {
				if !covered[m] {
					gain++
				}
			}
			if gain > bestGain {
				best, bestGain = g, gain
			}
		}
		group := append([]int{best}, neighbors[best]...)
		for _, m := range group {
			if !covered[m] {
				covered[m] = true
				remaining--
			}
		}
		groups = append(groups, group)
	}
	return groups
}
