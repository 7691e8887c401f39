// Package params defines the parameter schema and codec shared between the
// local model and the aggregator. The ordered list of (name, shape) entries
// produced at model construction is the wire contract: every import is
// validated against it before a single value is written, and any
// architecture change that alters it is a breaking, versioned change.
package params

import (
	"fmt"
	"hash/fnv"
)

// Tensor is one dense parameter value on the wire: row-major float64 data
// plus its dimensions. Vectors of Tensor are positional and must stay in
// model declaration order end to end.
type Tensor struct {
	Dims []int
	Data []float64
}

// Numel returns the element count implied by Dims.
func (t Tensor) Numel() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Entry names one trainable tensor and its shape.
type Entry struct {
	Name string
	Dims []int
}

// Schema is the versioned, ordered parameter layout of a model. It is built
// once at model construction and never changes for the life of the process.
type Schema struct {
	Version string
	Entries []Entry
}

// Digest returns a short stable fingerprint of the schema, suitable for the
// connect-time handshake. Two processes agree on the wire layout iff their
// digests match.
func (s Schema) Digest() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "v=%s", s.Version)
	for _, e := range s.Entries {
		fmt.Fprintf(h, ";%s", e.Name)
		for _, d := range e.Dims {
			fmt.Fprintf(h, ",%d", d)
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Param is a live view of one trainable tensor: Data aliases the model's
// storage (the optimizer and codec write through it), Grad aliases the
// accumulated gradient, and Decay marks tensors subject to weight decay.
type Param struct {
	Name  string
	Dims  []int
	Data  []float64
	Grad  []float64
	Decay bool
}

// Source is a model exposing its trainable tensors in declaration order.
// Parameters must return the same names and shapes as Schema, in the same
// order, on every call.
type Source interface {
	Schema() Schema
	Parameters() []Param
}

func dimsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
