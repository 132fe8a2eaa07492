package resilience

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bayesguard/bayes-engine/internal/bayeserr"
)

// ErrCircuitOpen is returned by Execute when the breaker is tripped.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker is an adaptive breaker that opens based on failure rate
// over a rolling window and supports half-open probing. Used to guard the
// submission controller's sandbox evaluator calls.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs a breaker over a rolling window.
func NewCircuitBreaker(windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
	}
}

// Allow reports whether a call is currently permitted.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1 // this call is the first probe
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a call outcome and updates breaker state.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples && float64(failures)/float64(total) >= c.dynamicThreshold {
			c.transitionToOpen()
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

// Execute runs fn if the breaker allows it, recording the outcome. The
// outcome fed to RecordResult is the backend-health classification of err,
// not a bare err == nil: a sandboxed evaluator rejecting a forged hash or a
// malformed module says nothing about the evaluator's own health and must
// not count toward opening the breaker, only bayeserr.KindTransient and
// KindInternal do.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	c.RecordResult(healthySignal(err))
	return err
}

// healthySignal reports whether err should be recorded as a successful
// probe of backend health, as opposed to a caller-caused rejection. Only
// KindTransient (the backend is degraded) and KindInternal (the backend
// broke) count as unhealthy; every other bayeserr.Kind, and a nil error,
// record as healthy.
func healthySignal(err error) bool {
	if err == nil {
		return true
	}
	var bErr *bayeserr.Error
	if bayeserr.As(err, &bErr) {
		return bErr.Kind != bayeserr.KindTransient && bErr.Kind != bayeserr.KindInternal
	}
	return false
}

// Stats reports a snapshot of the breaker's state for the debug surface.
func (c *CircuitBreaker) Stats() CircuitBreakerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total, failures := c.window.stats()
	return CircuitBreakerStats{
		State:            c.state.String(),
		WindowTotal:      total,
		WindowFailures:   failures,
		DynamicThreshold: c.dynamicThreshold,
		OpenedAt:         c.openedAt,
	}
}

// CircuitBreakerStats is the JSON-facing snapshot returned by Stats.
type CircuitBreakerStats struct {
	State            string    `json:"state"`
	WindowTotal      int       `json:"window_total"`
	WindowFailures   int       `json:"window_failures"`
	DynamicThreshold float64   `json:"dynamic_threshold"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
}

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("bayes-engine")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("bayes_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("bayes-engine")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := meter.Int64Counter("bayes_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []windowBucket
	nowFn    func() time.Time
}

// windowBucket accumulates events for one time slot. slot is the slot
// index the counts belong to, so add can tell a second event in the same
// slot (accumulate) from the slot having rolled over since the bucket was
// last touched (clear first).
type windowBucket struct {
	success, fail int
	slot          int64
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]windowBucket, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	slot := now.UnixNano() / w.interval.Nanoseconds()
	if w.data[idx].slot != slot {
		w.data[idx] = windowBucket{slot: slot}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = windowBucket{}
	}
}
