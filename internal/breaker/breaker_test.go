package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(opts Options, clock *fakeClock) *Breaker {
	b := New("test-upstream", opts)
	b.now = clock.Now
	return b
}

var errUpstream = errors.New("upstream failed")

func failing(ctx context.Context) error { return errUpstream }
func succeeding(ctx context.Context) error { return nil }

func TestOpensAfterFailureStreak(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(Options{FailureThreshold: 5, ResetTimeout: 30 * time.Second}, clock)

	for i := 0; i < 5; i++ {
		if err := b.Execute(context.Background(), failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i+1, err)
		}
	}

	if got := b.Stats().State; got != StateOpen {
		t.Fatalf("expected OPEN after 5 failures, got %s", got)
	}

	// The 6th call must reject without invoking fn.
	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatal("wrapped function must not run while circuit is open")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(Options{FailureThreshold: 3}, clock)

	b.Execute(context.Background(), failing)
	b.Execute(context.Background(), failing)
	b.Execute(context.Background(), succeeding)
	b.Execute(context.Background(), failing)
	b.Execute(context.Background(), failing)

	// Streak was broken, so only 2 consecutive failures: still closed.
	if got := b.Stats().State; got != StateClosed {
		t.Fatalf("expected CLOSED, got %s", got)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(Options{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}, clock)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), failing)
	}
	if got := b.Stats().State; got != StateOpen {
		t.Fatalf("expected OPEN, got %s", got)
	}

	// At t=31s the breaker should attempt the call (half-open).
	clock.Advance(31 * time.Second)

	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("half-open probe should succeed, got %v", err)
	}
	if got := b.Stats().State; got != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after 1 success, got %s", got)
	}

	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("second probe should succeed, got %v", err)
	}
	if got := b.Stats().State; got != StateClosed {
		t.Fatalf("expected CLOSED after 2 successes, got %s", got)
	}
	if got := b.Stats().FailureCount; got != 0 {
		t.Fatalf("expected failure count reset, got %d", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(Options{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}, clock)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), failing)
	}
	clock.Advance(31 * time.Second)

	// Probe fails: straight back to OPEN with a re-armed attempt time.
	b.Execute(context.Background(), failing)
	if got := b.Stats().State; got != StateOpen {
		t.Fatalf("expected OPEN after half-open failure, got %s", got)
	}

	// Not yet past the new reset timeout.
	clock.Advance(10 * time.Second)
	if err := b.Execute(context.Background(), succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen before re-armed timeout, got %v", err)
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(Options{
		FailureThreshold: 1,
		CallTimeout:      20 * time.Millisecond,
		ResetTimeout:     time.Minute,
	}, clock)

	blocked := make(chan struct{})
	var ctxErr error
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		ctxErr = ctx.Err()
		close(blocked)
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The wrapped call observes cancellation rather than being abandoned.
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("wrapped call never observed cancellation")
	}
	if !errors.Is(ctxErr, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline in fn, got %v", ctxErr)
	}

	if got := b.Stats().State; got != StateOpen {
		t.Fatalf("timeout should count as failure; expected OPEN, got %s", got)
	}
}

func TestParentCancellationNotCountedAsFailure(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(Options{FailureThreshold: 1, ResetTimeout: time.Hour}, clock)

	// A burst of cancelled callers must not open the circuit for a healthy
	// upstream.
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := b.Execute(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: expected canceled, got %v", i+1, err)
		}
	}

	s := b.Stats()
	if s.State != StateClosed {
		t.Fatalf("expected CLOSED after caller cancellations, got %s", s.State)
	}
	if s.FailureCount != 0 {
		t.Fatalf("cancellations counted as failures: %d", s.FailureCount)
	}
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("call after cancellations should pass, got %v", err)
	}
}

func TestReset(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(Options{FailureThreshold: 2, ResetTimeout: time.Hour}, clock)

	b.Execute(context.Background(), failing)
	b.Execute(context.Background(), failing)
	if got := b.Stats().State; got != StateOpen {
		t.Fatalf("expected OPEN, got %s", got)
	}

	b.Reset()
	s := b.Stats()
	if s.State != StateClosed || s.FailureCount != 0 || s.SuccessCount != 0 {
		t.Fatalf("reset did not clear state: %+v", s)
	}
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("call after reset should pass, got %v", err)
	}
}

func TestRegistryOneBreakerPerName(t *testing.T) {
	r := NewRegistry(Options{})

	a := r.Get("weather")
	b := r.Get("weather")
	if a != b {
		t.Fatal("expected the same breaker instance per name")
	}
	if c := r.Get("crypto"); c == a {
		t.Fatal("different names must get independent breakers")
	}

	stats := r.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(stats))
	}
	if stats[0].Name != "crypto" || stats[1].Name != "weather" {
		t.Fatalf("expected stats sorted by name, got %v", stats)
	}
}

func TestRegistryIndependentBreakers(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1, ResetTimeout: time.Hour})

	r.Get("a").Execute(context.Background(), failing)
	if got := r.Get("a").Stats().State; got != StateOpen {
		t.Fatalf("breaker a should be OPEN, got %s", got)
	}
	if got := r.Get("b").Stats().State; got != StateClosed {
		t.Fatalf("breaker b should be unaffected, got %s", got)
	}
}

// fakeMetrics records breaker state changes for assertions.
type fakeMetrics struct {
	mu          sync.Mutex
	transitions []string
	states      map[string]float64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{states: make(map[string]float64)}
}

func (m *fakeMetrics) SetBreakerState(name string, state float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = state
}

func (m *fakeMetrics) IncBreakerTransition(name, toState string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, name+":"+toState)
}

func TestMetricsRecordTransitions(t *testing.T) {
	clock := newFakeClock(time.Now())
	metrics := newFakeMetrics()

	r := NewRegistry(Options{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     30 * time.Second,
	})
	r.SetMetrics(metrics)

	b := r.Get("weather")
	b.now = clock.Now

	if metrics.states["weather"] != 0 {
		t.Fatalf("new breaker gauge = %v, want 0 (closed)", metrics.states["weather"])
	}

	b.Execute(context.Background(), failing)
	b.Execute(context.Background(), failing)
	if metrics.states["weather"] != 2 {
		t.Fatalf("gauge after opening = %v, want 2", metrics.states["weather"])
	}

	clock.Advance(31 * time.Second)
	b.Execute(context.Background(), succeeding)
	if metrics.states["weather"] != 0 {
		t.Fatalf("gauge after recovery = %v, want 0", metrics.states["weather"])
	}

	want := []string{"weather:OPEN", "weather:HALF_OPEN", "weather:CLOSED"}
	if len(metrics.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", metrics.transitions, want)
	}
	for i, tr := range want {
		if metrics.transitions[i] != tr {
			t.Fatalf("transition %d = %q, want %q", i, metrics.transitions[i], tr)
		}
	}
}

func TestResetRecordsTransition(t *testing.T) {
	clock := newFakeClock(time.Now())
	metrics := newFakeMetrics()

	r := NewRegistry(Options{FailureThreshold: 1, ResetTimeout: time.Hour})
	r.SetMetrics(metrics)
	b := r.Get("stocks")
	b.now = clock.Now

	b.Execute(context.Background(), failing)
	if metrics.states["stocks"] != 2 {
		t.Fatalf("gauge = %v, want 2 (open)", metrics.states["stocks"])
	}

	b.Reset()
	if metrics.states["stocks"] != 0 {
		t.Fatalf("gauge after reset = %v, want 0", metrics.states["stocks"])
	}

	// A second reset of an already-closed breaker records nothing.
	before := len(metrics.transitions)
	b.Reset()
	if len(metrics.transitions) != before {
		t.Fatal("reset of a closed breaker must not record a transition")
	}
}

func TestConcurrentExecute(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(Options{FailureThreshold: 1000}, clock)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Execute(context.Background(), succeeding)
		}()
	}
	wg.Wait()

	if got := b.Stats().State; got != StateClosed {
		t.Fatalf("expected CLOSED, got %s", got)
	}
}
