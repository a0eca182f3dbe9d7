package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateOpen                  // Calls fail immediately with ErrOpen
	StateHalfOpen              // A limited number of probe calls pass through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // Consecutive failures that open the breaker
	SuccessThreshold    int           // Half-open successes that close it again
	Timeout             time.Duration // How long the breaker stays open
	MaxRequestsHalfOpen int           // Concurrent probe calls while half-open

	// IsFailure classifies errors returned by the wrapped call. Nil counts
	// every non-nil error.
	IsFailure func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailure      time.Time
	changedAt        time.Time

	onStateChange func(from, to State)
}

// New creates a closed breaker.
func New(config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = def.MaxRequestsHalfOpen
	}
	return &CircuitBreaker{
		config:    config,
		now:       time.Now,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// OnStateChange registers fn, called synchronously after every transition
// with the breaker unlocked.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. Errors from fn are returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	state, ok := cb.admit()
	if !ok {
		return fmt.Errorf("%w (%s)", ErrOpen, state)
	}

	err := fn()
	cb.record(state, err)
	return err
}

func (cb *CircuitBreaker) admit() (State, bool) {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen && cb.now().Sub(cb.changedAt) >= cb.config.Timeout {
		from, changed = cb.transitionLocked(StateHalfOpen)
	}

	state := cb.state
	allowed := true
	switch state {
	case StateOpen:
		allowed = false
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxRequestsHalfOpen {
			allowed = false
		} else {
			cb.halfOpenInFlight++
		}
	}
	notify := cb.onStateChange
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(from, StateHalfOpen)
	}
	return state, allowed
}

func (cb *CircuitBreaker) record(admittedIn State, err error) {
	failed := err != nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	cb.mu.Lock()
	if admittedIn == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	var (
		from    State
		to      State
		changed bool
	)
	if failed {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold) {
			to = StateOpen
			from, changed = cb.transitionLocked(to)
		}
	} else {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
			to = StateClosed
			from, changed = cb.transitionLocked(to)
		}
	}
	notify := cb.onStateChange
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(from, to)
	}
}

// transitionLocked switches state and resets the counters. It reports the
// previous state and whether anything changed.
func (cb *CircuitBreaker) transitionLocked(to State) (State, bool) {
	from := cb.state
	if from == to {
		return from, false
	}
	cb.state = to
	cb.changedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
	return from, true
}

// State returns the stored state. An open breaker stays open here until the
// next Execute notices the timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
	ChangedAt   time.Time
}

// Stats returns a snapshot of the counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		LastFailure: cb.lastFailure,
		ChangedAt:   cb.changedAt,
	}
}
