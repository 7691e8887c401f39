package dataset

import (
	"errors"
	"fmt"
)

// ErrMalformedBatch flags data that violates the upstream contract: a label
// outside the configured class range or a feature row of the wrong width.
// It is fatal for the client; the fixed classification head cannot absorb
// it and silently skipping would corrupt the reported metrics.
var ErrMalformedBatch = errors.New("malformed batch")

// MalformedBatchError points at the offending sample.
type MalformedBatchError struct {
	Index  int
	Reason string
}

func (e *MalformedBatchError) Error() string {
	return fmt.Sprintf("sample %d: %s", e.Index, e.Reason)
}

func (e *MalformedBatchError) Is(target error) bool {
	return target == ErrMalformedBatch
}
