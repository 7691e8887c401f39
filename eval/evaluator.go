// Package eval scores the model's current parameters against a held-out
// partition. Evaluation is strictly read-only: gradients are disabled for
// the whole pass and the weights are left untouched.
package eval

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"flvision/dataset"
	"flvision/device"
	"flvision/model"
)

// Evaluator runs inference-only passes. Not safe for concurrent use; the
// round client serializes evaluate calls.
type Evaluator struct {
	mem *device.Manager
	log hclog.Logger
}

// New builds an evaluator. A nil logger is replaced with a no-op one.
func New(mem *device.Manager, log hclog.Logger) *Evaluator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Evaluator{mem: mem, log: log}
}

// Run streams the partition once and returns the size-weighted mean loss,
// the accuracy, and the exact number of samples scored. The model's
// training/eval mode is restored before Run returns, and transient
// activations are reclaimed after every batch so a pass over a large
// partition holds at most one batch at a time.
func (e *Evaluator) Run(net *model.Net, loader *dataset.Loader) (loss, acc float64, n int, err error) {
	restore := net.NoGrad()
	defer restore()

	wasTraining := net.Training()
	net.Eval()
	defer func() {
		if wasTraining {
			net.Train()
		}
	}()

	lossSum := 0.0
	correct := 0
	seen := 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches, wait := loader.Stream(ctx)
	var batchErr error
	for b := range batches {
		if batchErr != nil {
			loader.Release(b)
			continue
		}
		batchErr = e.score(net, b, &lossSum, &correct, &seen)
		loader.Release(b)
		net.ReleaseTransients()
		e.mem.Cleanup()
		if batchErr != nil {
			cancel()
		}
	}
	pipeErr := wait()

	if batchErr != nil {
		return 0, 0, 0, batchErr
	}
	if pipeErr != nil {
		return 0, 0, 0, fmt.Errorf("evaluation data pipeline: %w", pipeErr)
	}
	if seen == 0 {
		return 0, 0, 0, fmt.Errorf("evaluation partition yielded no samples")
	}

	loss = lossSum / float64(seen)
	acc = float64(correct) / float64(seen)
	e.log.Info("evaluation complete",
		"loss", fmt.Sprintf("%.4f", loss),
		"accuracy", fmt.Sprintf("%.4f", acc),
		"samples", seen,
	)
	return loss, acc, seen, nil
}

func (e *Evaluator) score(net *model.Net, b *dataset.Batch, lossSum *float64, correct, seen *int) error {
	logits, err := net.Forward(b.X)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	l, c, err := model.CrossEntropy(logits, b.Y)
	if err != nil {
		return fmt.Errorf("%v: %w", err, dataset.ErrMalformedBatch)
	}
	*lossSum += l * float64(b.Size)
	*correct += c
	*seen += b.Size
	return nil
}
