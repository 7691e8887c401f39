// Package model assembles the trainable network: a frozen backbone feeding a
// two-layer classification head. The head exposes its four tensors in a
// fixed declaration order through the params.Source interface; that order is
// the wire contract with the aggregator and never changes at runtime.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"flvision/params"
)

// SchemaVersion bumps whenever the head architecture changes parameter
// count or shapes. The aggregator handshake compares digests, so a version
// bump cleanly refuses mixed deployments.
const SchemaVersion = "v1"

// Net is the model a round client owns: frozen backbone plus a trainable
// head (fc1 -> ReLU -> dropout -> fc2) producing one logit per class. Not
// safe for concurrent use; the round client serializes access.
type Net struct {
	backbone Backbone
	in       int // backbone output width
	hidden   int
	classes  int
	dropout  float64

	fc1W *mat.Dense // hidden×in
	fc1B []float64
	fc2W *mat.Dense // classes×hidden
	fc2B []float64

	gFC1W *mat.Dense
	gFC1B []float64
	gFC2W *mat.Dense
	gFC2B []float64

	training bool
	grad     bool
	rng      *rand.Rand

	schema params.Schema

	// forward caches, populated only while grad bookkeeping is enabled
	x    *mat.Dense
	z1   *mat.Dense
	a1   *mat.Dense
	mask []float64
}

// NewNet builds a head over the backbone with He-initialized weights. The
// seed fixes both initialization and dropout sampling, so two nets built
// with the same arguments are identical.
func NewNet(backbone Backbone, hidden, classes int, dropout float64, seed int64) (*Net, error) {
	if hidden < 1 || classes < 2 {
		return nil, fmt.Errorf("invalid head dimensions: hidden %d, classes %d", hidden, classes)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0,1), got %g", dropout)
	}
	in := backbone.Out()
	rng := rand.New(rand.NewSource(seed))

	n := &Net{
		backbone: backbone,
		in:       in,
		hidden:   hidden,
		classes:  classes,
		dropout:  dropout,
		fc1W:     heInit(rng, hidden, in),
		fc1B:     make([]float64, hidden),
		fc2W:     heInit(rng, classes, hidden),
		fc2B:     make([]float64, classes),
		gFC1W:    mat.NewDense(hidden, in, nil),
		gFC1B:    make([]float64, hidden),
		gFC2W:    mat.NewDense(classes, hidden, nil),
		gFC2B:    make([]float64, classes),
		grad:     true,
		rng:      rng,
	}
	n.schema = params.Schema{
		Version: SchemaVersion,
		Entries: []params.Entry{
			{Name: "fc1.weight", Dims: []int{hidden, in}},
			{Name: "fc1.bias", Dims: []int{hidden}},
			{Name: "fc2.weight", Dims: []int{classes, hidden}},
			{Name: "fc2.bias", Dims: []int{classes}},
		},
	}
	return n, nil
}

func heInit(rng *rand.Rand, rows, cols int) *mat.Dense {
	std := math.Sqrt(2.0 / float64(cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return mat.NewDense(rows, cols, data)
}

// Backbone returns the frozen feature extractor.
func (n *Net) Backbone() Backbone { return n.backbone }

// Classes returns the classifier width.
func (n *Net) Classes() int { return n.classes }

// Train puts the head in training mode: dropout samples fresh masks.
func (n *Net) Train() { n.training = true }

// Eval puts the head in evaluation mode: dropout is the identity, so the
// forward pass is deterministic.
func (n *Net) Eval() { n.training = false }

// Training reports the current mode.
func (n *Net) Training() bool { return n.training }

// NoGrad disables gradient bookkeeping and returns the restore function.
// Callers defer the restore so the scope ends even when they error out.
func (n *Net) NoGrad() (restore func()) {
	prev := n.grad
	n.grad = false
	return func() { n.grad = prev }
}

// Schema implements params.Source.
func (n *Net) Schema() params.Schema { return n.schema }

// Parameters implements params.Source: live views over the four head
// tensors, declaration order, biases exempt from weight decay.
func (n *Net) Parameters() []params.Param {
	return []params.Param{
		{Name: "fc1.weight", Dims: []int{n.hidden, n.in}, Data: n.fc1W.RawMatrix().Data, Grad: n.gFC1W.RawMatrix().Data, Decay: true},
		{Name: "fc1.bias", Dims: []int{n.hidden}, Data: n.fc1B, Grad: n.gFC1B, Decay: false},
		{Name: "fc2.weight", Dims: []int{n.classes, n.hidden}, Data: n.fc2W.RawMatrix().Data, Grad: n.gFC2W.RawMatrix().Data, Decay: true},
		{Name: "fc2.bias", Dims: []int{n.classes}, Data: n.fc2B, Grad: n.gFC2B, Decay: false},
	}
}

// ZeroGrad clears accumulated gradients in place, keeping every live view
// handed out by Parameters valid.
func (n *Net) ZeroGrad() {
	zeroAll(n.gFC1W.RawMatrix().Data)
	zeroAll(n.gFC1B)
	zeroAll(n.gFC2W.RawMatrix().Data)
	zeroAll(n.gFC2B)
}

// Forward maps a [batch, pixels] matrix to [batch, classes] logits. In
// training mode dropout samples a fresh mask; with grad bookkeeping enabled
// the activations needed by Backward are cached.
func (n *Net) Forward(x *mat.Dense) (*mat.Dense, error) {
	if _, c := x.Dims(); c != n.backbone.In() {
		return nil, fmt.Errorf("input width %d does not match backbone width %d", c, n.backbone.In())
	}
	feat := n.backbone.Features(x)

	var z1 mat.Dense
	z1.Mul(feat, n.fc1W.T())
	addRowVec(&z1, n.fc1B)

	a1 := mat.DenseCopyOf(&z1)
	eachRow(a1, func(row []float64) {
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
	})

	var mask []float64
	if n.training && n.dropout > 0 {
		rows, cols := a1.Dims()
		mask = make([]float64, rows*cols)
		keep := 1.0 / (1.0 - n.dropout)
		for i := range mask {
			if n.rng.Float64() >= n.dropout {
				mask[i] = keep
			}
		}
		raw := a1.RawMatrix()
		for i := 0; i < raw.Rows; i++ {
			row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
			for j := range row {
				row[j] *= mask[i*cols+j]
			}
		}
	}

	var logits mat.Dense
	logits.Mul(a1, n.fc2W.T())
	addRowVec(&logits, n.fc2B)

	if n.grad {
		n.x, n.z1, n.a1, n.mask = feat, &z1, a1, mask
	} else {
		n.ReleaseTransients()
	}
	return &logits, nil
}

// Backward accumulates head gradients from dlogits, the loss gradient with
// respect to the logits of the most recent Forward. Gradients add until
// ZeroGrad.
func (n *Net) Backward(dlogits *mat.Dense) error {
	if n.x == nil {
		return fmt.Errorf("backward without a gradient-enabled forward pass")
	}
	br, bc := dlogits.Dims()
	xr, _ := n.x.Dims()
	if br != xr || bc != n.classes {
		return fmt.Errorf("dlogits is %dx%d, want %dx%d", br, bc, xr, n.classes)
	}

	// fc2: dW2 += dlogitsᵀ·a1, db2 += column sums of dlogits.
	var dW2 mat.Dense
	dW2.Mul(dlogits.T(), n.a1)
	n.gFC2W.Add(n.gFC2W, &dW2)
	addColSums(n.gFC2B, dlogits)

	// Back through fc2, dropout and ReLU.
	var dA1 mat.Dense
	dA1.Mul(dlogits, n.fc2W)
	rawA := dA1.RawMatrix()
	rawZ := n.z1.RawMatrix()
	for i := 0; i < rawA.Rows; i++ {
		arow := rawA.Data[i*rawA.Stride : i*rawA.Stride+rawA.Cols]
		zrow := rawZ.Data[i*rawZ.Stride : i*rawZ.Stride+rawZ.Cols]
		for j := range arow {
			if n.mask != nil {
				arow[j] *= n.mask[i*rawA.Cols+j]
			}
			if zrow[j] <= 0 {
				arow[j] = 0
			}
		}
	}

	// fc1: dW1 += dZ1ᵀ·x, db1 += column sums of dZ1.
	var dW1 mat.Dense
	dW1.Mul(dA1.T(), n.x)
	n.gFC1W.Add(n.gFC1W, &dW1)
	addColSums(n.gFC1B, &dA1)

	return nil
}

// ReleaseTransients drops the cached forward activations so epoch-scoped
// memory does not outlive the work that produced it.
func (n *Net) ReleaseTransients() {
	n.x, n.z1, n.a1, n.mask = nil, nil, nil, nil
}

func zeroAll(s []float64) {
	for i := range s {
		s[i] = 0
	}
}

func addRowVec(m *mat.Dense, v []float64) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			row[j] += v[j]
		}
	}
}

func addColSums(dst []float64, m *mat.Dense) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			dst[j] += row[j]
		}
	}
}

func eachRow(m *mat.Dense, fn func(row []float64)) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		fn(raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols])
	}
}
