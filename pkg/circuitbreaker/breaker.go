// Package circuitbreaker implements named three-state circuit breakers
// protecting outbound calls to external dependencies.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the current position of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// OpenError is returned when a call is rejected because the breaker is open.
// RetryAfter is derived from the remaining open timeout.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

// Breaker tracks consecutive failures for one named dependency.
//
// State machine:
//
//	[closed] ---(failures reach threshold)---> [open]
//	[open] ---(open timeout elapsed, next call)---> [half_open]
//	[half_open] ---(trial succeeds)---> [closed]
//	[half_open] ---(trial fails)---> [open]
//
// Only consecutive failures count: any closed-state success resets the
// failure count. In half_open exactly one trial call holds the slot;
// concurrent callers are rejected with OpenError until it resolves.
type Breaker struct {
	name             string
	failureThreshold int
	openTimeout      time.Duration

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	trialInFlight bool
	lastFailure   time.Time
	lastSuccess   time.Time
}

// New creates a closed breaker.
func New(name string, failureThreshold int, openTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		state:            StateClosed,
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. In the open state, once the
// open timeout has elapsed the caller is granted the single half-open
// trial slot. A non-nil error is always an *OpenError.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := time.Since(b.lastFailure)
		if elapsed < b.openTimeout {
			return &OpenError{Name: b.name, RetryAfter: b.openTimeout - elapsed}
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return &OpenError{Name: b.name, RetryAfter: b.openTimeout}
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.lastSuccess = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.trialInFlight = false
		b.failureCount = 0
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure registers a failed call and trips the breaker if the
// consecutive-failure threshold is reached. In half_open a single failed
// trial reopens the breaker and restarts the timeout clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.trialInFlight = false
		b.failureCount = b.failureThreshold
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
		}
	}
}

// Execute runs fn behind the breaker: rejected immediately with OpenError
// when the breaker does not allow the call, otherwise fn's outcome is
// recorded.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset forces the breaker closed and zeroes its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.trialInFlight = false
}

// Snapshot is a point-in-time view of a breaker for monitoring.
type Snapshot struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	FailureThreshold int       `json:"failure_threshold"`
	OpenTimeout      string    `json:"open_timeout"`
	LastFailure      time.Time `json:"last_failure_time,omitzero"`
	LastSuccess      time.Time `json:"last_success_time,omitzero"`
}

// Snapshot returns the breaker's current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		OpenTimeout:      b.openTimeout.String(),
		LastFailure:      b.lastFailure,
		LastSuccess:      b.lastSuccess,
	}
}
