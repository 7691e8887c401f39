// Package client runs one participant's side of the training federation:
// it holds the local model and private partitions, answers the
// aggregator's round requests, and never lets raw samples leave the
// process. Exactly one round runs at a time.
package client

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"flvision/dataset"
	"flvision/device"
	"flvision/eval"
	"flvision/metrics"
	"flvision/model"
	"flvision/params"
	"flvision/train"
)

// State is the client's round occupancy.
type State int

const (
	StateIdle State = iota
	StateFitting
	StateEvaluating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFitting:
		return "fitting"
	case StateEvaluating:
		return "evaluating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params wires a client together. Net, Train, Eval, Trainer and
// Evaluator are required; the rest default sensibly.
type Params struct {
	ID         string // empty picks a fresh UUID
	Net        *model.Net
	Train      *dataset.Loader
	Eval       *dataset.Loader
	Trainer    *train.Trainer
	Evaluator  *eval.Evaluator
	Mem        *device.Manager // optional, feeds the memory gauges
	Metrics    *metrics.Set    // optional
	Epochs     int             // default epoch budget per fit round
	Checkpoint string          // optional path, saved after each fit
	Log        hclog.Logger
}

// Client owns the local model for one federation participant.
type Client struct {
	id         string
	net        *model.Net
	train      *dataset.Loader
	eval       *dataset.Loader
	trainer    *train.Trainer
	evaluator  *eval.Evaluator
	mem        *device.Manager
	met        *metrics.Set
	epochs     int
	checkpoint string
	log        hclog.Logger

	mu    sync.Mutex
	state State
}

// FitResult is one completed fit round: the updated parameters, the exact
// number of training samples they were fit on, and the final epoch's
// metrics. ClientID names the reporting client so the aggregator can
// weight its contribution without tracking connection state.
type FitResult struct {
	ClientID    string
	Parameters  []params.Tensor
	SampleCount int
	Metrics     map[string]float64
}

// EvalResult is one completed evaluate round.
type EvalResult struct {
	Loss        float64
	SampleCount int
	Metrics     map[string]float64
}

// New validates and assembles a client.
func New(p Params) (*Client, error) {
	if p.Net == nil || p.Train == nil || p.Eval == nil || p.Trainer == nil || p.Evaluator == nil {
		return nil, fmt.Errorf("client requires a model, both loaders, a trainer and an evaluator")
	}
	if p.Epochs < 1 {
		return nil, fmt.Errorf("epoch budget must be >= 1, got %d", p.Epochs)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.Nop()
	}
	if p.Log == nil {
		p.Log = hclog.NewNullLogger()
	}
	return &Client{
		id:         p.ID,
		net:        p.Net,
		train:      p.Train,
		eval:       p.Eval,
		trainer:    p.Trainer,
		evaluator:  p.Evaluator,
		mem:        p.Mem,
		met:        p.Metrics,
		epochs:     p.Epochs,
		checkpoint: p.Checkpoint,
		log:        p.Log.With("client_id", p.ID),
	}, nil
}

// ID is the client's stable identity across rounds.
func (c *Client) ID() string { return c.id }

// State reports the current round occupancy.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Schema describes the parameter layout this client exchanges.
func (c *Client) Schema() params.Schema { return c.net.Schema() }

// GetParameters exports the current model as detached host tensors.
func (c *Client) GetParameters() ([]params.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return nil, &BusyError{State: c.state}
	}
	return params.Export(c.net), nil
}

// SetParameters replaces the model's trainable tensors. The incoming
// vector must match the schema exactly; on any mismatch the model is
// left byte-identical to before the call.
func (c *Client) SetParameters(vec []params.Tensor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return &BusyError{State: c.state}
	}
	return params.Import(c.net, vec)
}

// Fit applies the aggregator's parameters, trains for epochs over the
// whole training partition, and returns the updated parameters together
// with the exact partition size and the final epoch's metrics.
func (c *Client) Fit(vec []params.Tensor, epochs int) (*FitResult, error) {
	if err := c.begin(StateFitting); err != nil {
		return nil, err
	}
	defer c.end()

	if err := params.Import(c.net, vec); err != nil {
		return nil, err
	}
	loss, acc, err := c.trainer.Fit(c.net, c.train, epochs)
	if err != nil {
		return nil, err
	}

	res := &FitResult{
		ClientID:    c.id,
		Parameters:  params.Export(c.net),
		SampleCount: c.train.Len(),
		Metrics: map[string]float64{
			"train_loss":     loss,
			"train_accuracy": acc,
		},
	}

	if c.checkpoint != "" {
		if err := params.SaveCheckpoint(c.checkpoint, c.net); err != nil {
			c.log.Warn("checkpoint save failed", "path", c.checkpoint, "error", err)
		}
	}
	c.met.RecordSamples("train", res.SampleCount)
	c.met.RecordLearningRate(c.trainer.LR())
	c.recordMemory()
	return res, nil
}

// Evaluate applies the aggregator's parameters and scores them against
// the held-out partition without touching them.
func (c *Client) Evaluate(vec []params.Tensor) (*EvalResult, error) {
	if err := c.begin(StateEvaluating); err != nil {
		return nil, err
	}
	defer c.end()

	if err := params.Import(c.net, vec); err != nil {
		return nil, err
	}
	loss, acc, n, err := c.evaluator.Run(c.net, c.eval)
	if err != nil {
		return nil, err
	}

	c.met.RecordSamples("eval", n)
	c.recordMemory()
	return &EvalResult{
		Loss:        loss,
		SampleCount: n,
		Metrics:     map[string]float64{"accuracy": acc},
	}, nil
}

func (c *Client) begin(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return &BusyError{State: c.state}
	}
	c.state = s
	return nil
}

func (c *Client) end() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Client) recordMemory() {
	if c.mem == nil {
		return
	}
	c.met.RecordDeviceMemory(c.mem.InUse(), c.mem.Cached())
}
