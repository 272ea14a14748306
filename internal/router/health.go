package router

import (
	"maps"
	"slices"
	"sync"

	"github.com/af-corp/meridian-gateway/internal/config"
)

// TransitionFunc observes a provider's breaker changing state. It runs with
// the breaker locked and must not call back into the tracker.
type TransitionFunc func(provider string, from, to CircuitState)

// HealthTracker keeps a circuit breaker per provider, created on first use.
// A nil tracker treats every provider as healthy.
type HealthTracker struct {
	settings     BreakerSettings
	onTransition TransitionFunc

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewHealthTracker(settings BreakerSettings, onTransition TransitionFunc) *HealthTracker {
	return &HealthTracker{
		settings:     settings,
		onTransition: onTransition,
		breakers:     make(map[string]*CircuitBreaker),
	}
}

// NewHealthTrackerFromConfig returns nil when circuit breaking is disabled.
func NewHealthTrackerFromConfig(cfg config.CircuitBreakerConfig, onTransition TransitionFunc) *HealthTracker {
	if !cfg.Enabled {
		return nil
	}
	return NewHealthTracker(BreakerSettings{
		FailureThreshold:      cfg.FailureThreshold,
		ErrorRateThreshold:    cfg.ErrorRateThreshold,
		ErrorRateWindow:       cfg.ErrorRateWindow,
		RecoveryProbeInterval: cfg.RecoveryProbeInterval,
	}, onTransition)
}

func (ht *HealthTracker) breaker(provider string) *CircuitBreaker {
	ht.mu.RLock()
	cb := ht.breakers[provider]
	ht.mu.RUnlock()
	if cb != nil {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	if cb = ht.breakers[provider]; cb == nil {
		cb = NewCircuitBreaker(ht.settings)
		if fn := ht.onTransition; fn != nil {
			cb.onTransition = func(from, to CircuitState) { fn(provider, from, to) }
		}
		ht.breakers[provider] = cb
	}
	return cb
}

// IsAvailable reports whether provider would accept a request now. It is a
// read-only check for early rejection; Acquire admits the actual call.
func (ht *HealthTracker) IsAvailable(provider string) bool {
	return ht == nil || ht.breaker(provider).Ready()
}

// Acquire admits one upstream call, taking the half-open probe slot when the
// circuit is recovering. Every admitted call must end in RecordSuccess,
// RecordFailure or Release.
func (ht *HealthTracker) Acquire(provider string) bool {
	return ht == nil || ht.breaker(provider).Allow()
}

// Release returns an admitted call's probe slot without an outcome.
func (ht *HealthTracker) Release(provider string) {
	if ht != nil {
		ht.breaker(provider).Release()
	}
}

func (ht *HealthTracker) RecordSuccess(provider string) {
	if ht != nil {
		ht.breaker(provider).RecordSuccess()
	}
}

func (ht *HealthTracker) RecordFailure(provider string) {
	if ht != nil {
		ht.breaker(provider).RecordFailure()
	}
}

// Reset closes provider's circuit. It reports false for a provider the
// tracker has never seen.
func (ht *HealthTracker) Reset(provider string) bool {
	if ht == nil {
		return false
	}
	ht.mu.RLock()
	cb := ht.breakers[provider]
	ht.mu.RUnlock()
	if cb == nil {
		return false
	}
	cb.Reset()
	return true
}

// ProviderStatus is one provider's breaker state as reported by /health.
type ProviderStatus struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
}

// Status reports every provider seen so far, sorted by name.
func (ht *HealthTracker) Status() []ProviderStatus {
	if ht == nil {
		return nil
	}
	ht.mu.RLock()
	snapshot := maps.Clone(ht.breakers)
	ht.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(snapshot))
	for _, name := range slices.Sorted(maps.Keys(snapshot)) {
		out = append(out, ProviderStatus{Provider: name, State: snapshot[name].State().String()})
	}
	return out
}
