package router

import (
	"sync"
	"time"
)

type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

const (
	// Outcomes needed inside the window before the error rate can trip.
	minRateSamples = 10
	rateBuckets    = 10
)

// BreakerSettings configures a CircuitBreaker. A zero ErrorRateThreshold
// disables rate-based tripping.
type BreakerSettings struct {
	FailureThreshold      int
	ErrorRateThreshold    float64
	ErrorRateWindow       time.Duration
	RecoveryProbeInterval time.Duration
}

// bucket counts outcomes for one slice of the error-rate window.
type bucket struct {
	start         time.Time
	total, failed int
}

// CircuitBreaker guards one provider. It opens after FailureThreshold
// consecutive failures, or once the failure share of the last
// ErrorRateWindow reaches ErrorRateThreshold. When RecoveryProbeInterval has
// passed it admits exactly one probe, and the probe's outcome decides
// between closed and open.
type CircuitBreaker struct {
	settings     BreakerSettings
	now          func() time.Time
	onTransition func(from, to CircuitState)

	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	probing     bool
	buckets     [rateBuckets]bucket
	bucketWidth time.Duration
}

func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	settings.FailureThreshold = max(settings.FailureThreshold, 1)
	cb := &CircuitBreaker{settings: settings, now: time.Now}
	if settings.ErrorRateThreshold > 0 && settings.ErrorRateWindow > 0 {
		cb.bucketWidth = max(settings.ErrorRateWindow/rateBuckets, time.Millisecond)
	}
	return cb
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh()
}

// Ready reports whether Allow would admit a request right now. It never
// takes the probe slot.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !cb.probing
	}
	return false
}

// Allow reports whether a request may be sent. In the half-open state the
// first caller takes the probe slot and the rest are refused until
// RecordSuccess, RecordFailure or Release.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh() {
	case StateClosed:
		cb.failures = 0
		cb.count(false)
	case StateHalfOpen:
		cb.moveTo(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh() {
	case StateClosed:
		cb.failures++
		cb.count(true)
		if cb.failures >= cb.settings.FailureThreshold || cb.rateTripped() {
			cb.moveTo(StateOpen)
		}
	case StateHalfOpen:
		cb.moveTo(StateOpen)
	}
}

// Release gives back a probe slot taken by Allow when the call ended without
// an outcome, such as a client cancellation.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.refresh() == StateHalfOpen {
		cb.probing = false
	}
}

// Reset closes the circuit and clears its history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(StateClosed)
}

// refresh promotes open to half-open after the probe interval. Callers hold
// mu.
func (cb *CircuitBreaker) refresh() CircuitState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.settings.RecoveryProbeInterval {
		cb.moveTo(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) moveTo(next CircuitState) {
	prev := cb.state
	cb.state = next
	cb.probing = false
	switch next {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
		cb.buckets = [rateBuckets]bucket{}
	}
	if prev != next && cb.onTransition != nil {
		cb.onTransition(prev, next)
	}
}

func (cb *CircuitBreaker) count(failed bool) {
	if cb.bucketWidth == 0 {
		return
	}
	now := cb.now()
	start := now.Truncate(cb.bucketWidth)
	b := &cb.buckets[(start.UnixNano()/int64(cb.bucketWidth))%rateBuckets]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	b.total++
	if failed {
		b.failed++
	}
}

func (cb *CircuitBreaker) rateTripped() bool {
	if cb.bucketWidth == 0 {
		return false
	}
	cutoff := cb.now().Add(-cb.settings.ErrorRateWindow)
	total, failed := 0, 0
	for _, b := range cb.buckets {
		if b.total > 0 && b.start.After(cutoff) {
			total += b.total
			failed += b.failed
		}
	}
	return total >= minRateSamples && float64(failed)/float64(total) >= cb.settings.ErrorRateThreshold
}
