package model

import (
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Backbone is the frozen feature extractor in front of the trainable head.
// It is opaque to the rest of the system: a fixed map from normalized pixel
// rows to feature rows. Its weights never train and never appear in the
// parameter schema.
type Backbone interface {
	// In is the expected pixel-vector width of the input.
	In() int
	// Out is the feature width produced for the head.
	Out() int
	// Features maps a [batch, In] matrix to [batch, Out].
	Features(x *mat.Dense) *mat.Dense
}

// FrozenEmbedder is the shipped backbone: a single affine projection with a
// ReLU, loaded from a pretrained snapshot or seeded at bootstrap when none
// is available yet.
type FrozenEmbedder struct {
	w   *mat.Dense // out×in
	b   []float64
	in  int
	out int
}

// NewFrozenEmbedder wraps explicit weights. w must be out×in and b length
// out.
func NewFrozenEmbedder(w *mat.Dense, b []float64) (*FrozenEmbedder, error) {
	out, in := w.Dims()
	if len(b) != out {
		return nil, fmt.Errorf("backbone bias length %d does not match output width %d", len(b), out)
	}
	return &FrozenEmbedder{w: w, b: b, in: in, out: out}, nil
}

// NewSeededEmbedder builds a deterministic random projection. Used when no
// pretrained snapshot is configured; every client sharing the seed derives
// the same backbone, which keeps their parameter spaces aligned.
func NewSeededEmbedder(seed int64, in, out int) *FrozenEmbedder {
	rng := rand.New(rand.NewSource(seed))
	std := math.Sqrt(2.0 / float64(in))
	data := make([]float64, out*in)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return &FrozenEmbedder{
		w:   mat.NewDense(out, in, data),
		b:   make([]float64, out),
		in:  in,
		out: out,
	}
}

func (e *FrozenEmbedder) In() int  { return e.in }
func (e *FrozenEmbedder) Out() int { return e.out }

// Features computes relu(x·wᵀ + b).
func (e *FrozenEmbedder) Features(x *mat.Dense) *mat.Dense {
	var z mat.Dense
	z.Mul(x, e.w.T())
	eachRow(&z, func(row []float64) {
		for j := range row {
			v := row[j] + e.b[j]
			if v < 0 {
				v = 0
			}
			row[j] = v
		}
	})
	return &z
}

type backboneSnapshot struct {
	In  int
	Out int
	W   []float64
	B   []float64
}

// SaveBackbone writes the embedder to a gob snapshot.
func SaveBackbone(path string, e *FrozenEmbedder) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backbone snapshot: %w", err)
	}
	defer f.Close()

	snap := backboneSnapshot{
		In:  e.in,
		Out: e.out,
		W:   append([]float64(nil), e.w.RawMatrix().Data...),
		B:   append([]float64(nil), e.b...),
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		return fmt.Errorf("encode backbone snapshot: %w", err)
	}
	return nil
}

// LoadBackbone restores an embedder saved with SaveBackbone.
func LoadBackbone(path string) (*FrozenEmbedder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backbone snapshot: %w", err)
	}
	defer f.Close()

	var snap backboneSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode backbone snapshot: %w", err)
	}
	if len(snap.W) != snap.In*snap.Out || len(snap.B) != snap.Out {
		return nil, fmt.Errorf("backbone snapshot is inconsistent: %dx%d with %d weights, %d biases",
			snap.Out, snap.In, len(snap.W), len(snap.B))
	}
	return &FrozenEmbedder{
		w:   mat.NewDense(snap.Out, snap.In, snap.W),
		b:   snap.B,
		in:  snap.In,
		out: snap.Out,
	}, nil
}
