// Package dataset turns a client's private on-disk partition into validated,
// batched feature matrices. Partitions are immutable after construction:
// they are read-only for the life of the client and never redistributed.
package dataset

import (
	"fmt"
)

// Sample is one decoded, normalized example.
type Sample struct {
	Features []float64
	Label    int
}

// Partition is an immutable collection of samples sharing one feature width
// and a fixed label range. Every sample is validated once at construction,
// so a malformed example surfaces before any round starts rather than
// mid-epoch.
type Partition struct {
	samples []Sample
	width   int
	classes int
}

// NewPartition validates and wraps samples. width is the required feature
// length, classes the exclusive upper bound for labels.
func NewPartition(samples []Sample, width, classes int) (*Partition, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("partition is empty")
	}
	if width < 1 || classes < 2 {
		return nil, fmt.Errorf("invalid partition geometry: width %d, classes %d", width, classes)
	}
	for i, s := range samples {
		if len(s.Features) != width {
			return nil, &MalformedBatchError{
				Index:  i,
				Reason: fmt.Sprintf("feature width %d, want %d", len(s.Features), width),
			}
		}
		if s.Label < 0 || s.Label >= classes {
			return nil, &MalformedBatchError{
				Index:  i,
				Reason: fmt.Sprintf("label %d outside [0,%d)", s.Label, classes),
			}
		}
	}
	return &Partition{samples: samples, width: width, classes: classes}, nil
}

// Len is the exact number of samples; fit and evaluate report it verbatim
// as their sample count.
func (p *Partition) Len() int { return len(p.samples) }

// Width is the feature length every sample carries.
func (p *Partition) Width() int { return p.width }

// Classes is the exclusive label bound.
func (p *Partition) Classes() int { return p.classes }
