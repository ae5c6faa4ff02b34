package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned when a call is rejected without invoking the wrapped
// function because the circuit is open.
var ErrOpen = errors.New("circuit open")

// Options configure a single breaker. Zero values fall back to defaults.
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	CallTimeout      time.Duration
	ResetTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 2
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 30 * time.Second
	}
	return o
}

// MetricsRecorder is an optional sink for breaker state changes.
type MetricsRecorder interface {
	SetBreakerState(name string, state float64)
	IncBreakerTransition(name, toState string)
}

// stateValue maps a State onto its gauge value.
func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Breaker guards calls to a single named upstream. After FailureThreshold
// consecutive failures it opens and fast-fails callers until ResetTimeout has
// elapsed, then allows probe calls through (half-open) and closes again after
// SuccessThreshold consecutive successes.
type Breaker struct {
	name    string
	opts    Options
	metrics MetricsRecorder

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	nextAttempt  time.Time

	now func() time.Time // injectable clock for testing
}

// New creates a closed breaker for the given upstream name.
func New(name string, opts Options) *Breaker {
	return &Breaker{
		name:  name,
		opts:  opts.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the upstream name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn under the breaker. When the circuit is open and the reset
// timeout has not elapsed, fn is not invoked and ErrOpen is returned. fn runs
// with a child context carrying the call timeout as a deadline, so a timed-out
// upstream call is cancelled rather than left running.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = fmt.Errorf("call to %s: %w", b.name, callCtx.Err())
	}

	if err != nil {
		// A cancelled caller says nothing about upstream health; only the
		// breaker's own deadline and genuine fn errors count as failures.
		if ctx.Err() != nil {
			return err
		}
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// setState transitions to the given state and records the change. Must be
// called with b.mu held.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	b.state = to
	if b.metrics != nil {
		b.metrics.IncBreakerTransition(b.name, string(to))
		b.metrics.SetBreakerState(b.name, stateValue(to))
	}
}

// beforeCall checks admission through the state machine and performs the
// OPEN -> HALF_OPEN transition when the reset timeout has elapsed.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Before(b.nextAttempt) {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.setState(StateHalfOpen)
		b.successCount = 0
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0

	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.opts.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	// A half-open probe failure re-opens immediately; a closed breaker opens
	// once the failure streak reaches the threshold.
	if b.state == StateHalfOpen || b.failureCount >= b.opts.FailureThreshold {
		b.setState(StateOpen)
		b.nextAttempt = b.now().Add(b.opts.ResetTimeout)
	}
}

// Reset forces the breaker back to CLOSED with zeroed counters. This is the
// administrative escape hatch exposed on the system API.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.nextAttempt = b.now()
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name         string `json:"name"`
	State        State  `json:"state"`
	FailureCount int    `json:"failure_count"`
	SuccessCount int    `json:"success_count"`
	NextAttempt  string `json:"next_attempt,omitempty"`
}

// Stats returns a snapshot of the breaker's current state. NextAttempt is only
// populated while the breaker is open.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if b.state == StateOpen {
		s.NextAttempt = b.nextAttempt.UTC().Format(time.RFC3339)
	}
	return s
}
