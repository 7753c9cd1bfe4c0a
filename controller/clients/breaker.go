package clients

import (
	"sync"
	"time"

	"github.com/solarctl/solarctl/controller/observability"
)

// CircuitState represents the state of a provider circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitHalfOpen                     // probing recovery
	CircuitOpen                         // failing fast
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker fails provider calls fast after a run of consecutive failures.
// Closed opens after failureThreshold consecutive failures; open admits a
// single probe after the cooldown; one probe success closes it again.
type Breaker struct {
	mu       sync.Mutex
	provider Provider

	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool

	failureThreshold int
	cooldown         time.Duration
}

// NewBreaker creates a breaker with production defaults.
func NewBreaker(provider Provider) *Breaker {
	return &Breaker{
		provider:         provider,
		failureThreshold: 5,
		cooldown:         60 * time.Second,
	}
}

// Allow reports whether a call may go out. In half-open only one probe is
// admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && time.Since(b.openedAt) > b.cooldown {
		b.transition(CircuitHalfOpen)
		b.probing = false
	}

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != CircuitClosed {
		b.transition(CircuitClosed)
	}
}

// RecordFailure counts toward opening; a half-open probe failure re-opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.state == CircuitHalfOpen || (b.state == CircuitClosed && b.failures >= b.failureThreshold) {
		b.openedAt = time.Now()
		b.transition(CircuitOpen)
	}
}

// State returns the current circuit state (thread-safe).
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(next CircuitState) {
	b.state = next
	observability.BreakerState.WithLabelValues(string(b.provider)).Set(float64(next))
}
