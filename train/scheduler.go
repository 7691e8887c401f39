package train

// Scheduler adapts the learning rate from per-epoch metrics.
type Scheduler interface {
	// Observe feeds one epoch's tracked metric and returns the rate to use
	// for the next epoch.
	Observe(metric float64) float64
	LR() float64
	Reset()
	Name() string
}

// ReduceOnPlateau multiplies the rate by Factor once the tracked metric
// (epoch accuracy, mode max) has gone Patience consecutive epochs without
// improving, and never drops below Floor. Per-client convergence under
// federated rounds is noisy; backing the rate off on stagnation avoids
// hand-tuning it per round.
type ReduceOnPlateau struct {
	initial  float64
	factor   float64
	floor    float64
	patience int

	lr      float64
	best    float64
	hasBest bool
	wait    int
}

// NewReduceOnPlateau builds the scheduler at its initial rate.
func NewReduceOnPlateau(initial, factor, floor float64, patience int) *ReduceOnPlateau {
	return &ReduceOnPlateau{
		initial:  initial,
		factor:   factor,
		floor:    floor,
		patience: patience,
		lr:       initial,
	}
}

// Observe implements Scheduler. Only strict improvement resets the
// stagnation counter.
func (s *ReduceOnPlateau) Observe(metric float64) float64 {
	if !s.hasBest || metric > s.best {
		s.best = metric
		s.hasBest = true
		s.wait = 0
		return s.lr
	}
	s.wait++
	if s.wait >= s.patience {
		s.wait = 0
		s.lr *= s.factor
		if s.lr < s.floor {
			s.lr = s.floor
		}
	}
	return s.lr
}

// LR returns the current rate.
func (s *ReduceOnPlateau) LR() float64 { return s.lr }

// Reset restores the initial rate and forgets the tracked best. Called at
// the start of every fit so each round schedules independently.
func (s *ReduceOnPlateau) Reset() {
	s.lr = s.initial
	s.best = 0
	s.hasBest = false
	s.wait = 0
}

// Name implements Scheduler.
func (s *ReduceOnPlateau) Name() string { return "reduce-on-plateau" }
