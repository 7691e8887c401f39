package train

import (
	"math"

	"flvision/params"
)

// AdamW applies adaptive moment estimation with decoupled weight decay over
// the live parameter views a model exposes. Decay bypasses the moment
// estimates and skips tensors not flagged for it (biases).
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	m map[string][]float64
	v map[string][]float64
	t int
}

// NewAdamW uses the conventional betas and epsilon.
func NewAdamW(weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

// Step applies one update at the given learning rate.
func (o *AdamW) Step(ps []params.Param, lr float64) {
	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))

	for _, p := range ps {
		m := o.moment(o.m, p)
		v := o.moment(o.v, p)
		for j, g := range p.Grad {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			upd := (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + o.Eps)
			if p.Decay {
				upd += o.WeightDecay * p.Data[j]
			}
			p.Data[j] -= lr * upd
		}
	}
}

// Reset drops all moment state. Each round starts optimization fresh: the
// incoming global parameters bear no relation to moments accumulated
// against last round's weights.
func (o *AdamW) Reset() {
	o.m = make(map[string][]float64)
	o.v = make(map[string][]float64)
	o.t = 0
}

func (o *AdamW) moment(store map[string][]float64, p params.Param) []float64 {
	buf, ok := store[p.Name]
	if !ok {
		buf = make([]float64, len(p.Data))
		store[p.Name] = buf
	}
	return buf
}
