package params

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Export deep-copies every trainable tensor into fresh host slices, detached
// from optimizer and gradient state, in declaration order. The result is
// safe to hand to the transport layer.
func Export(src Source) []Tensor {
	ps := src.Parameters()
	vec := make([]Tensor, len(ps))
	for i, p := range ps {
		dims := make([]int, len(p.Dims))
		copy(dims, p.Dims)
		data := make([]float64, len(p.Data))
		copy(data, p.Data)
		vec[i] = Tensor{Dims: dims, Data: data}
	}
	return vec
}

// Validate checks a vector against a schema without touching any model
// state. A nil return guarantees the vector can be applied in full.
func Validate(s Schema, vec []Tensor) error {
	if len(vec) != len(s.Entries) {
		return &ShapeMismatchError{Index: -1, Want: []int{len(s.Entries)}, Got: []int{len(vec)}}
	}
	for i, e := range s.Entries {
		if !dimsEqual(e.Dims, vec[i].Dims) {
			return &ShapeMismatchError{Name: e.Name, Index: i, Want: e.Dims, Got: vec[i].Dims}
		}
		if n := vec[i].Numel(); n != len(vec[i].Data) {
			return fmt.Errorf("parameter %q (index %d): dims %v imply %d values, data has %d: %w",
				e.Name, i, vec[i].Dims, n, len(vec[i].Data), ErrShapeMismatch)
		}
	}
	return nil
}

// Import rebinds the model's trainable tensors to the incoming values. The
// whole vector is validated first; on any mismatch the model is left exactly
// as it was. Either every tensor is replaced or none are.
func Import(dst Source, vec []Tensor) error {
	if err := Validate(dst.Schema(), vec); err != nil {
		return err
	}
	for i, p := range dst.Parameters() {
		copy(p.Data, vec[i].Data)
	}
	return nil
}

// Checkpoint is the gob snapshot persisted after a successful fit. The
// schema travels with the values so a stale file cannot be applied to a
// model it no longer matches.
type Checkpoint struct {
	Schema  Schema
	Tensors []Tensor
}

// SaveCheckpoint writes the model's current trainable state to path.
func SaveCheckpoint(path string, src Source) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer f.Close()

	ck := Checkpoint{Schema: src.Schema(), Tensors: Export(src)}
	if err := gob.NewEncoder(f).Encode(ck); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint applies a previously saved state to dst. The stored schema
// digest must match dst's.
func LoadCheckpoint(path string, dst Source) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	if want, got := dst.Schema().Digest(), ck.Schema.Digest(); want != got {
		return fmt.Errorf("checkpoint schema digest %s does not match model %s: %w", got, want, ErrShapeMismatch)
	}
	return Import(dst, ck.Tensors)
}
