package train

import (
	"math"

	"flvision/params"
)

// ClipGradNorm scales every gradient so the global L2 norm across all
// tensors is at most maxNorm, and returns the pre-clip norm. Gradients at
// or below the ceiling pass through untouched.
func ClipGradNorm(ps []params.Param, maxNorm float64) float64 {
	var sum float64
	for _, p := range ps {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	norm := math.Sqrt(sum)
	if norm > maxNorm {
		scale := maxNorm / norm
		for _, p := range ps {
			for j := range p.Grad {
				p.Grad[j] *= scale
			}
		}
	}
	return norm
}
