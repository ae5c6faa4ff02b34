package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// window is one fixed counting window. It resets wholesale when its size has
// elapsed; there is no sliding log.
type window struct {
	start time.Time
	count int
}

type entry struct {
	short window
	long  window
}

// Options configure a Controller. LongOverrides maps agent keys to custom
// long-window limits.
type Options struct {
	ShortLimit    int
	ShortWindow   time.Duration
	LongLimit     int
	LongWindow    time.Duration
	LongOverrides map[string]int
}

// Controller enforces two fixed-window request budgets per admission key: a
// short burst window and a long daily-style window. A request is rejected the
// moment either window would exceed its limit.
type Controller struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options

	now func() time.Time // injectable clock for testing
}

// New creates a Controller with the given window configuration.
func New(opts Options) *Controller {
	if opts.ShortLimit <= 0 {
		opts.ShortLimit = 100
	}
	if opts.ShortWindow <= 0 {
		opts.ShortWindow = time.Minute
	}
	if opts.LongLimit <= 0 {
		opts.LongLimit = 1000
	}
	if opts.LongWindow <= 0 {
		opts.LongWindow = 24 * time.Hour
	}
	return &Controller{
		entries: make(map[string]*entry),
		opts:    opts,
		now:     time.Now,
	}
}

// Decision reports the outcome of an admission check along with the header
// values for the tightest window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // only set when rejected
	Limit      int
	Remaining  int
	Window     time.Duration
	Policy     string
}

// longLimitFor resolves the long-window limit for key, honoring per-agent
// overrides.
func (c *Controller) longLimitFor(key string) int {
	if limit, ok := c.opts.LongOverrides[key]; ok && limit > 0 {
		return limit
	}
	return c.opts.LongLimit
}

// resetIfElapsed restarts w when its window size has elapsed.
func resetIfElapsed(w *window, now time.Time, size time.Duration) {
	if now.Sub(w.start) >= size {
		w.start = now
		w.count = 0
	}
}

// Allow admits or rejects one request for key. Counters only advance when the
// request is admitted, so a window count never exceeds its limit.
func (c *Controller) Allow(key string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	longLimit := c.longLimitFor(key)

	e, ok := c.entries[key]
	if !ok {
		e = &entry{short: window{start: now}, long: window{start: now}}
		c.entries[key] = e
	}
	resetIfElapsed(&e.short, now, c.opts.ShortWindow)
	resetIfElapsed(&e.long, now, c.opts.LongWindow)

	policy := c.policy(longLimit)

	if e.short.count >= c.opts.ShortLimit {
		return Decision{
			RetryAfter: e.short.start.Add(c.opts.ShortWindow).Sub(now),
			Limit:      c.opts.ShortLimit,
			Remaining:  0,
			Window:     c.opts.ShortWindow,
			Policy:     policy,
		}
	}
	if e.long.count >= longLimit {
		return Decision{
			RetryAfter: e.long.start.Add(c.opts.LongWindow).Sub(now),
			Limit:      longLimit,
			Remaining:  0,
			Window:     c.opts.LongWindow,
			Policy:     policy,
		}
	}

	e.short.count++
	e.long.count++

	// Report the tighter of the two windows.
	shortLeft := c.opts.ShortLimit - e.short.count
	longLeft := longLimit - e.long.count
	d := Decision{
		Allowed:   true,
		Limit:     c.opts.ShortLimit,
		Remaining: shortLeft,
		Window:    c.opts.ShortWindow,
		Policy:    policy,
	}
	if longLeft < shortLeft {
		d.Limit = longLimit
		d.Remaining = longLeft
		d.Window = c.opts.LongWindow
	}
	return d
}

// policy renders both windows in "limit;w=seconds" form.
func (c *Controller) policy(longLimit int) string {
	return fmt.Sprintf("%d;w=%d, %d;w=%d",
		c.opts.ShortLimit, int(c.opts.ShortWindow.Seconds()),
		longLimit, int(c.opts.LongWindow.Seconds()))
}

// Run prunes stale entries on a timer until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Prune()
		case <-ctx.Done():
			return
		}
	}
}

// Prune drops entries whose long window has fully elapsed. Called from a
// periodic timer so idle keys do not accumulate.
func (c *Controller) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.long.start) >= c.opts.LongWindow {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
