package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"flvision/device"
)

// Batch is one assembled minibatch. X wraps a buffer leased from the device
// manager; consumers must hand the batch back through Loader.Release once
// the step is done.
type Batch struct {
	X    *mat.Dense
	Y    []int
	Size int
	buf  []float64
}

// LoaderConfig selects batching behavior. Training loaders shuffle and may
// run several prefetch workers; validation loaders keep one worker so batch
// order, and therefore float accumulation order, is reproducible.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Workers   int
	Seed      int64
}

// Loader assembles minibatches from a partition. Batch buffers come from
// the device manager so the memory ceiling covers the data path too.
type Loader struct {
	part *Partition
	mem  *device.Manager
	cfg  LoaderConfig
	rng  *rand.Rand
	log  hclog.Logger
}

// NewLoader builds a loader over part. A nil logger is replaced with a
// no-op one.
func NewLoader(part *Partition, mem *device.Manager, cfg LoaderConfig, log hclog.Logger) *Loader {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Loader{
		part: part,
		mem:  mem,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		log:  log,
	}
}

// Len is the partition's exact sample count.
func (l *Loader) Len() int { return l.part.Len() }

// Stream runs one epoch: the sample order is drawn up front (reshuffled per
// call when Shuffle is set), workers assemble batches concurrently, and the
// channel closes when the epoch is exhausted. The returned wait function
// reports the first worker error; callers must drain the channel before
// waiting. With more than one worker, batch arrival order is unspecified.
func (l *Loader) Stream(ctx context.Context) (<-chan *Batch, func() error) {
	order := l.epochOrder()
	out := make(chan *Batch, l.cfg.Workers)
	jobs := make(chan []int)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for start := 0; start < len(order); start += l.cfg.BatchSize {
			end := start + l.cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			select {
			case jobs <- order[start:end]:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var workers sync.WaitGroup
	for w := 0; w < l.cfg.Workers; w++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for idxs := range jobs {
				b, err := l.assemble(idxs)
				if err != nil {
					return err
				}
				select {
				case out <- b:
				case <-gctx.Done():
					l.Release(b)
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		workers.Wait()
		close(out)
	}()

	return out, g.Wait
}

// Release returns a batch's buffer to the device manager. Safe on nil.
func (l *Loader) Release(b *Batch) {
	if b == nil || b.buf == nil {
		return
	}
	l.mem.Release(b.buf)
	b.buf = nil
	b.X = nil
}

func (l *Loader) epochOrder() []int {
	order := make([]int, l.part.Len())
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

func (l *Loader) assemble(idxs []int) (*Batch, error) {
	n := len(idxs)
	width := l.part.width

	buf, err := l.alloc(n * width)
	if err != nil {
		return nil, err
	}
	y := make([]int, n)
	for bi, si := range idxs {
		s := &l.part.samples[si]
		copy(buf[bi*width:(bi+1)*width], s.Features)
		y[bi] = s.Label
	}
	return &Batch{X: mat.NewDense(n, width, buf), Y: y, Size: n, buf: buf}, nil
}

// alloc applies the documented exhaustion policy: on a ceiling hit, reclaim
// the cache and retry exactly once, at WARN so the episode is visible.
func (l *Loader) alloc(n int) ([]float64, error) {
	buf, err := l.mem.Alloc(n)
	if err == nil {
		return buf, nil
	}
	if !errors.Is(err, device.ErrResourceExhausted) {
		return nil, err
	}
	l.log.Warn("batch allocation hit the memory ceiling, cleaning up and retrying once", "values", n, "error", err)
	l.mem.Cleanup()
	return l.mem.Alloc(n)
}
