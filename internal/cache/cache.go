package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DegradePolicy decides what happens to the persistent tier after a failure.
type DegradePolicy string

const (
	// PolicyLatch disables the persistent tier for the process lifetime after
	// the first failure. This mirrors the historical behavior.
	PolicyLatch DegradePolicy = "latch"
	// PolicyProbe periodically re-checks a degraded persistent tier and
	// restores it once it responds again.
	PolicyProbe DegradePolicy = "probe"
)

// Options configure a Tiered cache.
type Options struct {
	Backend       Backend // nil for memory-only
	DegradePolicy DegradePolicy
	SweepInterval time.Duration
	ProbeInterval time.Duration
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Tiered is a two-tier cache: a synchronous in-memory map backed by an
// optional persistent Backend. Reads check memory first and promote backend
// hits into memory. Writes always land in memory; backend writes are
// best-effort and a failure degrades the cache to memory-only according to
// the configured policy.
type Tiered struct {
	backend       Backend
	degradePolicy DegradePolicy
	sweepInterval time.Duration
	probeInterval time.Duration
	metrics       DegradeRecorder

	mu      sync.RWMutex
	entries map[string]map[string]memoryEntry // namespace -> key -> entry

	availMu   sync.Mutex
	available bool

	now func() time.Time // injectable clock for testing
}

// DegradeRecorder is an optional sink for persistent-tier availability
// changes.
type DegradeRecorder interface {
	SetCacheDegraded(degraded bool)
}

// NewTiered creates a Tiered cache. A nil backend yields a memory-only cache.
func NewTiered(opts Options) *Tiered {
	if opts.DegradePolicy == "" {
		opts.DegradePolicy = PolicyProbe
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	return &Tiered{
		backend:       opts.Backend,
		degradePolicy: opts.DegradePolicy,
		sweepInterval: opts.SweepInterval,
		probeInterval: opts.ProbeInterval,
		entries:       make(map[string]map[string]memoryEntry),
		available:     opts.Backend != nil,
		now:           time.Now,
	}
}

// SetMetrics sets the optional availability sink.
func (t *Tiered) SetMetrics(m DegradeRecorder) {
	t.metrics = m
}

// backendAvailable reports whether the persistent tier is currently usable.
func (t *Tiered) backendAvailable() bool {
	if t.backend == nil {
		return false
	}
	t.availMu.Lock()
	defer t.availMu.Unlock()
	return t.available
}

// degrade marks the persistent tier unavailable after an operation failure.
// Logged once per transition; under the probe policy the tier may recover.
func (t *Tiered) degrade(op string, err error) {
	t.availMu.Lock()
	defer t.availMu.Unlock()
	if !t.available {
		return
	}
	t.available = false
	if t.metrics != nil {
		t.metrics.SetCacheDegraded(true)
	}
	slog.Warn("persistent cache tier degraded, serving from memory",
		"op", op, "policy", string(t.degradePolicy), "error", err)
}

// Degraded reports whether a configured persistent tier is unavailable.
func (t *Tiered) Degraded() bool {
	return t.backend != nil && !t.backendAvailable()
}

// restore marks the persistent tier available again (probe policy only).
func (t *Tiered) restore() {
	t.availMu.Lock()
	defer t.availMu.Unlock()
	if t.available {
		return
	}
	t.available = true
	if t.metrics != nil {
		t.metrics.SetCacheDegraded(false)
	}
	slog.Info("persistent cache tier restored")
}

// Get returns the payload for (namespace, key), or nil on miss. Entries past
// their stored expiry are never returned. A backend hit is promoted into the
// memory tier before returning.
func (t *Tiered) Get(ctx context.Context, namespace, key string) []byte {
	now := t.now()

	t.mu.RLock()
	entry, ok := t.entries[namespace][key]
	t.mu.RUnlock()
	if ok {
		if now.Before(entry.expiresAt) {
			return entry.payload
		}
		t.mu.Lock()
		delete(t.entries[namespace], key)
		t.mu.Unlock()
	}

	if !t.backendAvailable() {
		return nil
	}

	payload, expiresAt, err := t.backend.Get(ctx, namespace, key)
	if err != nil {
		t.degrade("get", err)
		return nil
	}
	if payload == nil || !now.Before(expiresAt) {
		return nil
	}

	// Promote into memory.
	t.mu.Lock()
	t.namespaceLocked(namespace)[key] = memoryEntry{payload: payload, expiresAt: expiresAt}
	t.mu.Unlock()

	return payload
}

// Set stores payload under (namespace, key) with the given TTL. The memory
// write is synchronous; the backend write is attempted and degrades the
// persistent tier on failure.
func (t *Tiered) Set(ctx context.Context, namespace, key string, payload []byte, ttl time.Duration) {
	expiresAt := t.now().Add(ttl)

	t.mu.Lock()
	t.namespaceLocked(namespace)[key] = memoryEntry{payload: payload, expiresAt: expiresAt}
	t.mu.Unlock()

	if !t.backendAvailable() {
		return
	}
	if err := t.backend.Set(ctx, namespace, key, payload, expiresAt); err != nil {
		t.degrade("set", err)
	}
}

// Delete removes (namespace, key) from both tiers.
func (t *Tiered) Delete(ctx context.Context, namespace, key string) {
	t.mu.Lock()
	delete(t.entries[namespace], key)
	t.mu.Unlock()

	if !t.backendAvailable() {
		return
	}
	if err := t.backend.Delete(ctx, namespace, key); err != nil {
		t.degrade("delete", err)
	}
}

// Clear removes all entries in namespace, or every entry when namespace is
// empty.
func (t *Tiered) Clear(ctx context.Context, namespace string) {
	t.mu.Lock()
	if namespace == "" {
		t.entries = make(map[string]map[string]memoryEntry)
	} else {
		delete(t.entries, namespace)
	}
	t.mu.Unlock()

	if !t.backendAvailable() {
		return
	}
	if err := t.backend.Clear(ctx, namespace); err != nil {
		t.degrade("clear", err)
	}
}

// Cleanup deletes expired entries from both tiers and returns the number
// removed.
func (t *Tiered) Cleanup(ctx context.Context) int {
	now := t.now()
	removed := 0

	t.mu.Lock()
	for ns, keys := range t.entries {
		for key, entry := range keys {
			if !now.Before(entry.expiresAt) {
				delete(keys, key)
				removed++
			}
		}
		if len(keys) == 0 {
			delete(t.entries, ns)
		}
	}
	t.mu.Unlock()

	if t.backendAvailable() {
		n, err := t.backend.Cleanup(ctx, now)
		if err != nil {
			t.degrade("cleanup", err)
		} else {
			removed += n
		}
	}

	return removed
}

// Stats reports entry counts for namespace. Counts come from the backend when
// it is available, else from the memory tier.
func (t *Tiered) Stats(ctx context.Context, namespace string) Stats {
	if t.backendAvailable() {
		stats, err := t.backend.Stats(ctx, namespace)
		if err != nil {
			t.degrade("stats", err)
		} else {
			return stats
		}
	}

	now := t.now()
	var stats Stats
	t.mu.RLock()
	for _, entry := range t.entries[namespace] {
		stats.Total++
		if now.Before(entry.expiresAt) {
			stats.Active++
		} else {
			stats.Expired++
		}
	}
	t.mu.RUnlock()
	return stats
}

// Run executes the background sweep (and, under the probe policy, the
// persistent-tier health probe) until ctx is cancelled. It never blocks
// request handling.
func (t *Tiered) Run(ctx context.Context) {
	sweep := time.NewTicker(t.sweepInterval)
	defer sweep.Stop()

	var probe <-chan time.Time
	if t.backend != nil && t.degradePolicy == PolicyProbe {
		ticker := time.NewTicker(t.probeInterval)
		defer ticker.Stop()
		probe = ticker.C
	}

	for {
		select {
		case <-sweep.C:
			if n := t.Cleanup(ctx); n > 0 {
				slog.Info("cache sweep removed expired entries", "count", n)
			}
		case <-probe:
			t.probeBackend(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// probeBackend pings a degraded backend and restores it on success. Under the
// latch policy degradation is final and the probe is a no-op.
func (t *Tiered) probeBackend(ctx context.Context) {
	if t.backend == nil || t.degradePolicy != PolicyProbe {
		return
	}
	t.availMu.Lock()
	degraded := !t.available
	t.availMu.Unlock()
	if !degraded {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.backend.Ping(probeCtx); err == nil {
		t.restore()
	}
}

// namespaceLocked returns the key map for namespace, creating it if needed.
// Must be called with t.mu held for writing.
func (t *Tiered) namespaceLocked(namespace string) map[string]memoryEntry {
	keys, ok := t.entries[namespace]
	if !ok {
		keys = make(map[string]memoryEntry)
		t.entries[namespace] = keys
	}
	return keys
}
