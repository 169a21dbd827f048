package syncstate

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/types"
)

var (
	// ErrCausalityGap is returned when an update is queued because the replica
	// has not yet observed one of its causal predecessors.
	ErrCausalityGap = errors.New("update delayed: causal gap detected")

	// ErrDuplicate is returned for an update the replica already integrated.
	ErrDuplicate = errors.New("update already applied")
)

// Causal is implemented by updates that carry their origin, per-origin
// sequence and causal dependencies.
type Causal interface {
	Origin() types.ClientID
	Sequence() uint64
	Dependencies() types.VectorClock
}

// Applier is invoked when an update is ready to be integrated.
type Applier[T Causal] func(T) error

// ReorderBuffer holds updates that cannot be applied yet because the local
// state vector lags behind their dependencies.
type ReorderBuffer[T Causal] struct {
	mu       sync.Mutex
	tracker  *VectorClockTracker
	pending  []T
	document string
	logger   zerolog.Logger
	reorders *prometheus.CounterVec
	depth    *prometheus.GaugeVec
}

var (
	reorderCounter = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "vector_clock",
		Name:      "updates_reordered_total",
		Help:      "Number of updates applied after waiting for causal predecessors.",
	}, []string{"document_id"}))

	pendingGauge = registerGauge(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "vector_clock",
		Name:      "pending_updates",
		Help:      "Updates buffered while waiting for causal predecessors.",
	}, []string{"document_id"}))
)

func registerCounter(counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return counter
}

func registerGauge(gauge *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := prometheus.Register(gauge); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return regErr.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	return gauge
}

// NewReorderBuffer constructs a buffer for one document replica.
func NewReorderBuffer[T Causal](document string, tracker *VectorClockTracker, logger zerolog.Logger) *ReorderBuffer[T] {
	return &ReorderBuffer[T]{
		tracker:  tracker,
		document: document,
		logger:   logger,
		reorders: reorderCounter,
		depth:    pendingGauge,
	}
}

// Handle applies the update when its dependencies are satisfied and then
// drains any buffered updates it unblocked. Otherwise the update is queued and
// ErrCausalityGap is returned; duplicates return ErrDuplicate.
func (b *ReorderBuffer[T]) Handle(u T, apply Applier[T]) error {
	if b.tracker.Seen(u.Origin(), u.Sequence()) {
		return ErrDuplicate
	}

	if !b.tracker.Ready(u.Origin(), u.Sequence(), u.Dependencies()) {
		b.enqueue(u)
		b.logger.Debug().
			Str("document", b.document).
			Str("client", string(u.Origin())).
			Uint64("sequence", u.Sequence()).
			Msg("queued update pending causal predecessors")
		return ErrCausalityGap
	}

	if err := apply(u); err != nil {
		return err
	}
	b.tracker.Advance(u.Origin(), u.Sequence())

	return b.Drain(apply)
}

// Drain re-checks pending updates and applies every one that became ready.
func (b *ReorderBuffer[T]) Drain(apply Applier[T]) error {
	for {
		u, ok := b.dequeueReady()
		if !ok {
			return nil
		}

		b.logger.Debug().
			Str("document", b.document).
			Str("client", string(u.Origin())).
			Uint64("sequence", u.Sequence()).
			Msg("applying previously queued update")
		b.reorders.WithLabelValues(b.document).Inc()

		if err := apply(u); err != nil {
			return err
		}
		b.tracker.Advance(u.Origin(), u.Sequence())
	}
}

// Len reports the number of buffered updates.
func (b *ReorderBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *ReorderBuffer[T]) enqueue(u T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, u)
	b.depth.WithLabelValues(b.document).Set(float64(len(b.pending)))
}

func (b *ReorderBuffer[T]) dequeueReady() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := 0; i < len(b.pending); i++ {
		u := b.pending[i]
		if b.tracker.Seen(u.Origin(), u.Sequence()) {
			// superseded while buffered, e.g. by a full-state snapshot
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			i--
			continue
		}
		if b.tracker.Ready(u.Origin(), u.Sequence(), u.Dependencies()) {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			b.depth.WithLabelValues(b.document).Set(float64(len(b.pending)))
			return u, true
		}
	}
	b.depth.WithLabelValues(b.document).Set(float64(len(b.pending)))
	return zero, false
}
