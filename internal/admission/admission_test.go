package admission

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestController(clock *fakeClock, opts Options) *Controller {
	c := New(opts)
	c.now = clock.Now
	return c
}

func TestShortWindowLimit(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{ShortLimit: 100, ShortWindow: time.Minute})

	for i := 0; i < 100; i++ {
		if d := c.Allow("agent-1"); !d.Allowed {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}

	d := c.Allow("agent-1")
	if d.Allowed {
		t.Fatal("101st request in the window must be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
}

func TestWindowResetsWholesale(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{ShortLimit: 3, ShortWindow: time.Minute})

	for i := 0; i < 3; i++ {
		c.Allow("a")
	}
	if d := c.Allow("a"); d.Allowed {
		t.Fatal("4th request should be rejected")
	}

	// 59s in, still the same window.
	clock.Advance(59 * time.Second)
	if d := c.Allow("a"); d.Allowed {
		t.Fatal("request at 59s should still be rejected")
	}

	// Window boundary: counter resets to zero, full budget again.
	clock.Advance(time.Second)
	for i := 0; i < 3; i++ {
		if d := c.Allow("a"); !d.Allowed {
			t.Fatalf("request %d after reset rejected", i+1)
		}
	}
}

func TestRejectionDoesNotConsumeBudget(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{ShortLimit: 2, ShortWindow: time.Minute, LongLimit: 3, LongWindow: time.Hour})

	c.Allow("a")
	c.Allow("a")
	for i := 0; i < 10; i++ {
		c.Allow("a") // rejected by the short window
	}

	// Only 2 admitted requests count against the long window.
	clock.Advance(time.Minute)
	if d := c.Allow("a"); !d.Allowed {
		t.Fatal("long window should have one slot left")
	}
	if d := c.Allow("a"); d.Allowed {
		t.Fatal("long window should now be exhausted")
	}
}

func TestLongWindowLimit(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{
		ShortLimit: 100, ShortWindow: time.Minute,
		LongLimit: 5, LongWindow: 24 * time.Hour,
	})

	for i := 0; i < 5; i++ {
		if d := c.Allow("a"); !d.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
	}

	d := c.Allow("a")
	if d.Allowed {
		t.Fatal("6th request should hit the long limit")
	}
	if d.Window != 24*time.Hour {
		t.Errorf("rejection window = %v, want 24h", d.Window)
	}

	// A fresh short window does not help.
	clock.Advance(time.Minute)
	if d := c.Allow("a"); d.Allowed {
		t.Fatal("long limit persists across short windows")
	}

	clock.Advance(24 * time.Hour)
	if d := c.Allow("a"); !d.Allowed {
		t.Fatal("long window should reset after 24h")
	}
}

func TestPerAgentLongOverride(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{
		ShortLimit: 100, ShortWindow: time.Minute,
		LongLimit: 2, LongWindow: 24 * time.Hour,
		LongOverrides: map[string]int{"vip": 4},
	})

	for i := 0; i < 4; i++ {
		if d := c.Allow("vip"); !d.Allowed {
			t.Fatalf("vip request %d rejected", i+1)
		}
	}
	if d := c.Allow("vip"); d.Allowed {
		t.Fatal("vip should be capped at its override")
	}

	c.Allow("regular")
	c.Allow("regular")
	if d := c.Allow("regular"); d.Allowed {
		t.Fatal("regular agent should be capped at the default limit")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{ShortLimit: 1, ShortWindow: time.Minute})

	if d := c.Allow("a"); !d.Allowed {
		t.Fatal("first request for a rejected")
	}
	if d := c.Allow("a"); d.Allowed {
		t.Fatal("second request for a should be rejected")
	}
	if d := c.Allow("b"); !d.Allowed {
		t.Fatal("b must have its own budget")
	}
}

func TestTightestWindowReported(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{
		ShortLimit: 100, ShortWindow: time.Minute,
		LongLimit: 3, LongWindow: 24 * time.Hour,
	})

	c.Allow("a")
	d := c.Allow("a")
	if !d.Allowed {
		t.Fatal("request rejected")
	}
	// Short has 98 left, long has 1: the long window is tighter.
	if d.Limit != 3 || d.Remaining != 1 || d.Window != 24*time.Hour {
		t.Errorf("reported window = {limit %d, remaining %d, %v}, want long window", d.Limit, d.Remaining, d.Window)
	}
}

func TestPrune(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{ShortLimit: 10, ShortWindow: time.Minute, LongLimit: 100, LongWindow: time.Hour})

	c.Allow("a")
	c.Allow("b")
	clock.Advance(30 * time.Minute)
	c.Allow("c")

	clock.Advance(30 * time.Minute)
	if removed := c.Prune(); removed != 2 {
		t.Errorf("Prune removed %d entries, want 2 (a and b)", removed)
	}
	if _, ok := c.entries["c"]; !ok {
		t.Error("c still has time left in its long window")
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{ShortLimit: 2, ShortWindow: time.Minute, LongLimit: 100, LongWindow: 24 * time.Hour})

	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/weather", nil)
	req.Header.Set("X-Agent-ID", "agent-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", got)
	}
	if got := rec.Header().Get("X-RateLimit-Window"); got != "60" {
		t.Errorf("X-RateLimit-Window = %q, want 60", got)
	}
	if got := rec.Header().Get("X-RateLimit-Policy"); got != "2;w=60, 100;w=86400" {
		t.Errorf("X-RateLimit-Policy = %q", got)
	}
}

func TestMiddlewareRejects(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock, Options{ShortLimit: 1, ShortWindow: time.Minute})

	rejections := 0
	handler := Middleware(c, func() { rejections++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/weather", nil)
	req.Header.Set("X-Agent-ID", "agent-7")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set on rejection")
	}
	if rejections != 1 {
		t.Errorf("onReject called %d times, want 1", rejections)
	}
}

func TestKeyFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:51234"

	if got := KeyFromRequest(req); got != "203.0.113.9" {
		t.Errorf("key = %q, want client IP", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	if got := KeyFromRequest(req); got != "198.51.100.4" {
		t.Errorf("key = %q, want first forwarded IP", got)
	}

	req.Header.Set("X-Agent-ID", "agent-42")
	if got := KeyFromRequest(req); got != "agent-42" {
		t.Errorf("key = %q, want agent header to win", got)
	}
}
