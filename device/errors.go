package device

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted is the sentinel for allocation failures against the
// memory ceiling. The documented recovery is Cleanup then one retry, logged,
// never silent.
var ErrResourceExhausted = errors.New("device memory exhausted")

// ResourceExhaustedError carries the accounting at the moment an allocation
// was refused.
type ResourceExhaustedError struct {
	Requested uint64
	InUse     uint64
	Ceiling   uint64
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("device memory exhausted: requested %d bytes with %d of %d in use", e.Requested, e.InUse, e.Ceiling)
}

func (e *ResourceExhaustedError) Is(target error) bool {
	return target == ErrResourceExhausted
}
