// Package metrics exposes the client's operational counters in Prometheus
// format. The round client records into a Set; main decides whether a
// scrape listener is started at all.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flvision"

// Set holds every collector the client records into. Build one per process
// with New; tests pass their own registry so instances never collide.
type Set struct {
	rounds       *prometheus.CounterVec
	roundSeconds *prometheus.HistogramVec
	samples      *prometheus.CounterVec
	learningRate prometheus.Gauge
	memInUse     prometheus.Gauge
	memCached    prometheus.Gauge
}

// New registers the client's collectors on reg and returns the set.
func New(reg prometheus.Registerer) *Set {
	f := promauto.With(reg)
	return &Set{
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Rounds handled, by request kind and outcome.",
		}, []string{"kind", "status"}),
		roundSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time spent per round, by request kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		samples: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_processed_total",
			Help:      "Samples consumed, by phase (train or eval).",
		}, []string{"phase"}),
		learningRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Learning rate after the most recent fit round.",
		}),
		memInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_mem_in_use_bytes",
			Help:      "Bytes currently handed out by the device allocator.",
		}),
		memCached: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_mem_cached_bytes",
			Help:      "Bytes parked in the allocator's reuse cache.",
		}),
	}
}

// Nop returns a set wired to a throwaway registry, for clients running
// without a metrics listener and for tests that do not scrape.
func Nop() *Set { return New(prometheus.NewRegistry()) }

// RecordRound counts one finished round and its duration.
func (s *Set) RecordRound(kind, status string, elapsed time.Duration) {
	s.rounds.WithLabelValues(kind, status).Inc()
	s.roundSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordSamples adds to the per-phase sample counter.
func (s *Set) RecordSamples(phase string, n int) {
	s.samples.WithLabelValues(phase).Add(float64(n))
}

// RecordLearningRate publishes the scheduler's current rate.
func (s *Set) RecordLearningRate(lr float64) {
	s.learningRate.Set(lr)
}

// RecordDeviceMemory publishes the allocator's accounting.
func (s *Set) RecordDeviceMemory(inUse, cached uint64) {
	s.memInUse.Set(float64(inUse))
	s.memCached.Set(float64(cached))
}

// NewServer builds the scrape listener for reg. The caller owns its
// lifecycle: start it on a goroutine, shut it down on exit.
func NewServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
