package params

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is the sentinel for any disagreement between an incoming
// parameter vector and the model's schema. It is fatal for the round: the
// client must not apply a partial update or return parameters derived from
// one.
var ErrShapeMismatch = errors.New("parameter shape mismatch")

// ShapeMismatchError reports where an incoming vector diverged from the
// schema. Index is -1 when the vector length itself differs, in which case
// Want and Got hold the two lengths.
type ShapeMismatchError struct {
	Name  string
	Index int
	Want  []int
	Got   []int
}

func (e *ShapeMismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parameter vector length mismatch: schema has %d tensors, vector has %d", e.Want[0], e.Got[0])
	}
	return fmt.Sprintf("parameter %q (index %d): want shape %v, got %v", e.Name, e.Index, e.Want, e.Got)
}

func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}
