package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOpenState       = errors.New("circuit breaker: breaker is open")
	ErrTooManyRequests = errors.New("circuit breaker: too many requests while half open")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type BreakerSettings struct {
	// MinRequests is the number of requests in a generation before the
	// failure ratio is considered. It also caps probes while half open.
	MinRequests  uint32
	FailureRatio float64
	// Interval resets the closed-state counts. Zero never resets.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout       time.Duration
	OnStateChange func(name string, from, to State)
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:  10,
		FailureRatio: 0.6,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
	}
}

type CircuitBreaker struct {
	name     string
	settings BreakerSettings
	now      func() time.Time

	mutex      sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func NewCircuitBreaker(name string, settings BreakerSettings) *CircuitBreaker {
	defaults := DefaultBreakerSettings()
	if settings.MinRequests == 0 {
		settings.MinRequests = defaults.MinRequests
	}
	if settings.FailureRatio <= 0 {
		settings.FailureRatio = defaults.FailureRatio
	}
	if settings.Timeout <= 0 {
		settings.Timeout = defaults.Timeout
	}

	cb := &CircuitBreaker{
		name:     name,
		settings: settings,
		now:      time.Now,
		state:    StateClosed,
	}
	cb.toNewGeneration(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Execute runs req unless the breaker is open. A panic in req counts as a
// failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	err = req(ctx)
	cb.afterRequest(generation, err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, generation := cb.currentState(cb.now())

	if state == StateOpen {
		return generation, ErrOpenState
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.settings.MinRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if cb.readyToTrip() {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) readyToTrip() bool {
	return cb.counts.Requests >= cb.settings.MinRequests &&
		float64(cb.counts.TotalFailures)/float64(cb.counts.Requests) >= cb.settings.FailureRatio
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.settings.Interval > 0 {
			cb.expiry = now.Add(cb.settings.Interval)
		} else {
			cb.expiry = zero
		}
	case StateOpen:
		cb.expiry = now.Add(cb.settings.Timeout)
	default:
		cb.expiry = zero
	}
}
