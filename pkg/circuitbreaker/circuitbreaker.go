package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the protected function while the
// breaker is open or its half-open probe budget is spent.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

type Config struct {
	FailureThreshold    int           // consecutive failures that open the circuit
	SuccessThreshold    int           // half-open successes that close it again
	Timeout             time.Duration // time spent open before probing
	MaxRequestsHalfOpen int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	d := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = d.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = d.MaxRequestsHalfOpen
	}
	return &CircuitBreaker{
		config:          config,
		now:             time.Now,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange registers a callback run synchronously, outside the lock,
// after every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Execute runs fn unless the circuit is open. Errors from fn are returned
// unchanged and counted as failures; a cancelled ctx is not.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()
	switch {
	case err == nil:
		cb.record(true)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.release()
	default:
		cb.record(false)
	}
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	var from State
	changed := false

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.stateChangeTime) < cb.config.Timeout {
			cb.mu.Unlock()
			return fmt.Errorf("%w: retry after %s", ErrOpen, cb.config.Timeout)
		}
		from, changed = cb.transitionTo(StateHalfOpen), true
		cb.halfOpenRequests++
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.halfOpenRequests++
	}

	fn := cb.onStateChange
	to := cb.state
	cb.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	var from State
	changed := false

	if success {
		cb.failureCount = 0
		cb.successCount++
		if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
			from, changed = cb.transitionTo(StateClosed), true
		}
	} else {
		cb.successCount = 0
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		if cb.state == StateHalfOpen ||
			(cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold) {
			from, changed = cb.transitionTo(StateOpen), true
		}
	}

	fn := cb.onStateChange
	to := cb.state
	cb.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
}

// transitionTo must be called with mu held. It returns the previous state.
func (cb *CircuitBreaker) transitionTo(next State) State {
	prev := cb.state
	cb.state = next
	cb.stateChangeTime = cb.now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0
	return prev
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.transitionTo(StateClosed)
	fn := cb.onStateChange
	cb.mu.Unlock()

	if from != StateClosed && fn != nil {
		fn(from, StateClosed)
	}
}
