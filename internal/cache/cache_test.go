package cache

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

// fakeBackend is an in-memory Backend with switchable failure injection.
type fakeBackend struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	failing bool
	sets    int
	gets    int
}

type fakeEntry struct {
	payload   []byte
	expiresAt time.Time
}

var errBackendDown = errors.New("backend down")

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: make(map[string]fakeEntry)}
}

func (b *fakeBackend) setFailing(f bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = f
}

func (b *fakeBackend) Get(ctx context.Context, namespace, key string) ([]byte, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.failing {
		return nil, time.Time{}, errBackendDown
	}
	e, ok := b.entries[namespace+"/"+key]
	if !ok {
		return nil, time.Time{}, nil
	}
	return e.payload, e.expiresAt, nil
}

func (b *fakeBackend) Set(ctx context.Context, namespace, key string, payload []byte, expiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets++
	if b.failing {
		return errBackendDown
	}
	b.entries[namespace+"/"+key] = fakeEntry{payload: payload, expiresAt: expiresAt}
	return nil
}

func (b *fakeBackend) Delete(ctx context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errBackendDown
	}
	delete(b.entries, namespace+"/"+key)
	return nil
}

func (b *fakeBackend) Clear(ctx context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errBackendDown
	}
	b.entries = make(map[string]fakeEntry)
	return nil
}

func (b *fakeBackend) Cleanup(ctx context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return 0, errBackendDown
	}
	n := 0
	for k, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, k)
			n++
		}
	}
	return n, nil
}

func (b *fakeBackend) Stats(ctx context.Context, namespace string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return Stats{}, errBackendDown
	}
	return Stats{Total: len(b.entries), Active: len(b.entries)}, nil
}

func (b *fakeBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errBackendDown
	}
	return nil
}

func newTestCache(backend Backend, policy DegradePolicy, clock *fakeClock) *Tiered {
	t := NewTiered(Options{Backend: backend, DegradePolicy: policy})
	t.now = clock.Now
	return t
}

func TestGetRespectsTTL(t *testing.T) {
	clock := newFakeClock(time.Now())
	c := newTestCache(nil, PolicyLatch, clock)
	ctx := context.Background()

	c.Set(ctx, "weather", "k", []byte(`{"temp":21}`), time.Second)

	clock.Advance(500 * time.Millisecond)
	if got := c.Get(ctx, "weather", "k"); string(got) != `{"temp":21}` {
		t.Fatalf("expected hit at t=500ms, got %q", got)
	}

	clock.Advance(time.Second)
	if got := c.Get(ctx, "weather", "k"); got != nil {
		t.Fatalf("expected miss at t=1500ms, got %q", got)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	clock := newFakeClock(time.Now())
	c := newTestCache(nil, PolicyLatch, clock)
	ctx := context.Background()

	c.Set(ctx, "weather", "k", []byte("a"), time.Minute)
	c.Set(ctx, "crypto", "k", []byte("b"), time.Minute)

	if got := c.Get(ctx, "weather", "k"); string(got) != "a" {
		t.Fatalf("weather/k = %q", got)
	}
	if got := c.Get(ctx, "crypto", "k"); string(got) != "b" {
		t.Fatalf("crypto/k = %q", got)
	}

	c.Clear(ctx, "weather")
	if got := c.Get(ctx, "weather", "k"); got != nil {
		t.Fatal("weather namespace should be cleared")
	}
	if got := c.Get(ctx, "crypto", "k"); string(got) != "b" {
		t.Fatal("crypto namespace should survive a weather clear")
	}
}

func TestCleanupCount(t *testing.T) {
	clock := newFakeClock(time.Now())
	c := newTestCache(nil, PolicyLatch, clock)
	ctx := context.Background()

	c.Set(ctx, "ns", "a", []byte("1"), 0)
	c.Set(ctx, "ns", "b", []byte("2"), 0)
	c.Set(ctx, "ns", "c", []byte("3"), 0)
	c.Set(ctx, "ns", "d", []byte("4"), time.Minute)
	c.Set(ctx, "ns", "e", []byte("5"), time.Minute)

	if n := c.Cleanup(ctx); n != 3 {
		t.Fatalf("expected 3 removed, got %d", n)
	}

	stats := c.Stats(ctx, "ns")
	if stats.Total != 2 || stats.Active != 2 {
		t.Fatalf("expected 2 active entries left, got %+v", stats)
	}
}

func TestBackendPromotion(t *testing.T) {
	clock := newFakeClock(time.Now())
	backend := newFakeBackend()
	c := newTestCache(backend, PolicyLatch, clock)
	ctx := context.Background()

	// Entry exists only in the backend.
	backend.Set(ctx, "ns", "k", []byte("v"), clock.Now().Add(time.Minute))
	backend.gets = 0

	if got := c.Get(ctx, "ns", "k"); string(got) != "v" {
		t.Fatalf("expected backend hit, got %q", got)
	}
	if backend.gets != 1 {
		t.Fatalf("expected 1 backend read, got %d", backend.gets)
	}

	// Second read must come from memory.
	if got := c.Get(ctx, "ns", "k"); string(got) != "v" {
		t.Fatalf("expected memory hit, got %q", got)
	}
	if backend.gets != 1 {
		t.Fatalf("promotion failed: backend read again (%d reads)", backend.gets)
	}
}

func TestSetWritesBothTiers(t *testing.T) {
	clock := newFakeClock(time.Now())
	backend := newFakeBackend()
	c := newTestCache(backend, PolicyLatch, clock)
	ctx := context.Background()

	c.Set(ctx, "ns", "k", []byte("v"), time.Minute)
	if backend.sets != 1 {
		t.Fatalf("expected backend write, got %d", backend.sets)
	}
}

func TestLatchPolicyDegradesForever(t *testing.T) {
	clock := newFakeClock(time.Now())
	backend := newFakeBackend()
	c := newTestCache(backend, PolicyLatch, clock)
	ctx := context.Background()

	backend.setFailing(true)
	c.Set(ctx, "ns", "k", []byte("v"), time.Minute)

	// Memory tier still serves.
	if got := c.Get(ctx, "ns", "k"); string(got) != "v" {
		t.Fatalf("memory tier should serve after degrade, got %q", got)
	}

	// Backend recovers, but the latch never re-probes.
	backend.setFailing(false)
	backend.sets = 0
	c.Set(ctx, "ns", "k2", []byte("v2"), time.Minute)
	if backend.sets != 0 {
		t.Fatal("latched cache must not touch the backend again")
	}
	c.probeBackend(ctx)
	if c.backendAvailable() {
		t.Fatal("latch policy must not restore via probe path")
	}
}

func TestProbePolicyRestoresBackend(t *testing.T) {
	clock := newFakeClock(time.Now())
	backend := newFakeBackend()
	c := newTestCache(backend, PolicyProbe, clock)
	ctx := context.Background()

	backend.setFailing(true)
	c.Set(ctx, "ns", "k", []byte("v"), time.Minute)
	if c.backendAvailable() {
		t.Fatal("backend should be degraded")
	}

	// Probe while still failing: stays degraded.
	c.probeBackend(ctx)
	if c.backendAvailable() {
		t.Fatal("probe against a failing backend must not restore")
	}

	backend.setFailing(false)
	c.probeBackend(ctx)
	if !c.backendAvailable() {
		t.Fatal("probe should restore a recovered backend")
	}

	backend.sets = 0
	c.Set(ctx, "ns", "k3", []byte("v3"), time.Minute)
	if backend.sets != 1 {
		t.Fatal("restored backend should receive writes again")
	}
}

// fakeDegradeRecorder captures availability changes.
type fakeDegradeRecorder struct {
	mu     sync.Mutex
	values []bool
}

func (r *fakeDegradeRecorder) SetCacheDegraded(degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, degraded)
}

func TestDegradeReportedToMetrics(t *testing.T) {
	clock := newFakeClock(time.Now())
	backend := newFakeBackend()
	c := newTestCache(backend, PolicyProbe, clock)
	rec := &fakeDegradeRecorder{}
	c.SetMetrics(rec)
	ctx := context.Background()

	backend.setFailing(true)
	c.Set(ctx, "ns", "k", []byte("v"), time.Minute)

	if len(rec.values) != 1 || !rec.values[0] {
		t.Fatalf("expected degraded=true recorded, got %v", rec.values)
	}

	// Further failures while already degraded record nothing new.
	c.Set(ctx, "ns", "k2", []byte("v2"), time.Minute)
	if len(rec.values) != 1 {
		t.Fatalf("repeated degrade recorded again: %v", rec.values)
	}

	backend.setFailing(false)
	c.probeBackend(ctx)
	if len(rec.values) != 2 || rec.values[1] {
		t.Fatalf("expected degraded=false after restore, got %v", rec.values)
	}
}

func TestStatsPrefersBackend(t *testing.T) {
	clock := newFakeClock(time.Now())
	backend := newFakeBackend()
	c := newTestCache(backend, PolicyLatch, clock)
	ctx := context.Background()

	c.Set(ctx, "ns", "a", []byte("1"), time.Minute)
	c.Set(ctx, "ns", "b", []byte("2"), time.Minute)

	stats := c.Stats(ctx, "ns")
	if stats.Total != 2 {
		t.Fatalf("expected backend stats, got %+v", stats)
	}

	// Degraded: falls back to memory counts.
	backend.setFailing(true)
	c.Set(ctx, "ns", "c", []byte("3"), time.Minute)
	stats = c.Stats(ctx, "ns")
	if stats.Total != 3 || stats.Active != 3 {
		t.Fatalf("expected memory stats after degrade, got %+v", stats)
	}
}

func TestExpiredBackendEntryNotServed(t *testing.T) {
	clock := newFakeClock(time.Now())
	backend := newFakeBackend()
	c := newTestCache(backend, PolicyLatch, clock)
	ctx := context.Background()

	backend.Set(ctx, "ns", "k", []byte("v"), clock.Now().Add(-time.Second))
	if got := c.Get(ctx, "ns", "k"); got != nil {
		t.Fatalf("expired backend entry must not be served, got %q", got)
	}
}

func TestConcurrentSetGet(t *testing.T) {
	clock := newFakeClock(time.Now())
	c := newTestCache(nil, PolicyLatch, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Set(ctx, "ns", "k", []byte("v"), time.Minute)
		}()
		go func() {
			defer wg.Done()
			c.Get(ctx, "ns", "k")
		}()
	}
	wg.Wait()

	if got := c.Get(ctx, "ns", "k"); string(got) != "v" {
		t.Fatalf("expected v, got %q", got)
	}
}
