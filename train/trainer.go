// Package train runs the bounded local optimization a fit round asks for:
// shuffled minibatches, cross-entropy against integer labels, a global
// gradient-norm ceiling, AdamW steps and a plateau-aware learning rate.
package train

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"flvision/dataset"
	"flvision/device"
	"flvision/model"
)

// Config carries the trainer's policy constants. Defaults live in the
// config package; nothing here is hardcoded.
type Config struct {
	LearningRate    float64
	WeightDecay     float64
	ClipNorm        float64
	PlateauFactor   float64
	PlateauPatience int
	LRFloor         float64
}

// Trainer owns the optimizer and scheduler for one client. Not safe for
// concurrent use; the round client serializes fit calls.
type Trainer struct {
	cfg   Config
	opt   *AdamW
	sched Scheduler
	mem   *device.Manager
	log   hclog.Logger
}

// New builds a trainer. A nil logger is replaced with a no-op one.
func New(cfg Config, mem *device.Manager, log hclog.Logger) *Trainer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Trainer{
		cfg:   cfg,
		opt:   NewAdamW(cfg.WeightDecay),
		sched: NewReduceOnPlateau(cfg.LearningRate, cfg.PlateauFactor, cfg.LRFloor, cfg.PlateauPatience),
		mem:   mem,
		log:   log,
	}
}

// LR reports the scheduler's current rate.
func (t *Trainer) LR() float64 { return t.sched.LR() }

// Fit runs the epoch budget over the training partition and returns the
// final epoch's mean loss and accuracy. The returned metrics always
// describe the parameters the model holds when Fit returns; intermediate
// epochs are never surfaced. Any error aborts the round outright, with no
// partial metrics.
func (t *Trainer) Fit(net *model.Net, loader *dataset.Loader, epochs int) (lastLoss, lastAcc float64, err error) {
	if epochs < 1 {
		return 0, 0, fmt.Errorf("epoch budget must be >= 1, got %d", epochs)
	}

	// Each round optimizes the aggregator's parameters from scratch; stale
	// moments and a decayed rate belong to weights that no longer exist.
	t.opt.Reset()
	t.sched.Reset()

	net.Train()

	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()
		lossSum := 0.0
		correct := 0
		seen := 0

		ctx, cancel := context.WithCancel(context.Background())
		batches, wait := loader.Stream(ctx)
		var stepErr error
		for b := range batches {
			if stepErr != nil {
				loader.Release(b)
				continue
			}
			stepErr = t.step(net, b, &lossSum, &correct, &seen)
			loader.Release(b)
			if stepErr != nil {
				cancel()
			}
		}
		pipeErr := wait()
		cancel()

		if stepErr != nil {
			return 0, 0, stepErr
		}
		if pipeErr != nil {
			return 0, 0, fmt.Errorf("training data pipeline: %w", pipeErr)
		}
		if seen == 0 {
			return 0, 0, fmt.Errorf("training partition yielded no samples")
		}

		lastLoss = lossSum / float64(seen)
		lastAcc = float64(correct) / float64(seen)
		nextLR := t.sched.Observe(lastAcc)

		net.ReleaseTransients()
		t.mem.Cleanup()

		t.log.Info("train epoch complete",
			"epoch", epoch,
			"loss", fmt.Sprintf("%.4f", lastLoss),
			"accuracy", fmt.Sprintf("%.4f", lastAcc),
			"lr", nextLR,
			"samples", seen,
			"throughput", fmt.Sprintf("%.1f samples/sec", float64(seen)/time.Since(start).Seconds()),
		)
	}
	return lastLoss, lastAcc, nil
}

func (t *Trainer) step(net *model.Net, b *dataset.Batch, lossSum *float64, correct, seen *int) error {
	net.ZeroGrad()

	logits, err := net.Forward(b.X)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	loss, c, dlogits, err := model.CrossEntropyGrad(logits, b.Y)
	if err != nil {
		// Labels out of the head's range mean the upstream data contract is
		// broken; nothing inside the client can repair that.
		return fmt.Errorf("%v: %w", err, dataset.ErrMalformedBatch)
	}
	if err := net.Backward(dlogits); err != nil {
		return err
	}

	ClipGradNorm(net.Parameters(), t.cfg.ClipNorm)
	t.opt.Step(net.Parameters(), t.sched.LR())

	*lossSum += loss * float64(b.Size)
	*correct += c
	*seen += b.Size
	return nil
}
