package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/grokipedia-api/internal/article"
)

// DefaultPeriod is the length of a quota window.
const DefaultPeriod = time.Minute

// Decision is the outcome of counting one request against a window.
type Decision struct {
	Allowed bool
	// Count is the number of admitted requests in the window, including this
	// one when Allowed. Rejected requests never add to it.
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Window counts requests per identity in fixed, clock-aligned windows.
type Window interface {
	Allow(ctx context.Context, identity string, limit int) (Decision, error)
}

type counter struct {
	start time.Time
	count int
}

// MemoryWindow keeps counters in process. Windows are created lazily on the
// first request for an identity and replaced once they expire.
type MemoryWindow struct {
	mu      sync.Mutex
	clock   article.Clock
	period  time.Duration
	windows map[string]*counter
}

// NewMemoryWindow builds a MemoryWindow; period defaults to one minute.
func NewMemoryWindow(period time.Duration, clock article.Clock) *MemoryWindow {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &MemoryWindow{
		clock:   clock,
		period:  period,
		windows: make(map[string]*counter),
	}
}

// Allow admits the request if the identity has used fewer than limit requests
// in the current window. Rejected requests are not counted.
func (w *MemoryWindow) Allow(_ context.Context, identity string, limit int) (Decision, error) {
	now := w.clock.Now()
	start := now.Truncate(w.period)

	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.windows[identity]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		w.windows[identity] = c
	}
	d := Decision{Limit: limit, ResetAt: start.Add(w.period)}
	if c.count >= limit {
		d.Count = c.count
		return d, nil
	}
	c.count++
	d.Allowed = true
	d.Count = c.count
	d.Remaining = limit - c.count
	return d, nil
}

// Sweep drops expired windows and returns how many were removed.
func (w *MemoryWindow) Sweep() int {
	cutoff := w.clock.Now().Truncate(w.period)
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for id, c := range w.windows {
		if c.start.Before(cutoff) {
			delete(w.windows, id)
			removed++
		}
	}
	return removed
}

// Len reports how many identities currently hold a window.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.windows)
}
