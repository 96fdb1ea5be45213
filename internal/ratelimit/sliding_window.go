package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultWindow is the trailing window requests are counted in.
const DefaultWindow = time.Second

// SlidingWindow counts requests per key (source IP) over a trailing window and
// rejects once a key has reached its limit inside that window.
//
// Each key keeps at most limit timestamps, and the set of keys is an LRU so a
// spray of spoofed sources cannot grow memory without bound. Keys whose newest
// timestamp has left the window are removed by Sweep. When a new key finds the
// LRU full, idle keys are swept first so a source still inside its window is
// only evicted when every tracked key is live.
type SlidingWindow struct {
	mu sync.Mutex

	clock  clock.Clock
	limit  int
	window time.Duration

	maxSources int
	sources    *lru.Cache[string, *sourceWindow]
	// lastSweep rate-limits the sweep a full LRU triggers to once per window.
	lastSweep time.Time
}

type sourceWindow struct {
	// stamps is ordered oldest first.
	stamps []time.Time
}

// NewSlidingWindow returns a limiter allowing limit requests per key per
// window. limit <= 0 disables limiting.
func NewSlidingWindow(clk clock.Clock, limit, maxSources int, window time.Duration) (*SlidingWindow, error) {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if maxSources <= 0 {
		return nil, fmt.Errorf("ratelimit: maxSources must be > 0, got %d", maxSources)
	}
	sources, err := lru.New[string, *sourceWindow](maxSources)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	return &SlidingWindow{
		clock:      clk,
		limit:      limit,
		window:     window,
		maxSources: maxSources,
		sources:    sources,
	}, nil
}

// Allow records a request for key and reports whether it is within the limit.
// A rejected request is not recorded.
func (l *SlidingWindow) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.sources.Get(key)
	if !ok {
		if l.sources.Len() >= l.maxSources && now.Sub(l.lastSweep) >= l.window {
			l.sweepLocked(now)
		}
		w = &sourceWindow{stamps: make([]time.Time, 0, 4)}
		l.sources.Add(key, w)
	}
	w.prune(now, l.window)

	if len(w.stamps) >= l.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Count returns the number of requests recorded for key inside the current
// window.
func (l *SlidingWindow) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.sources.Peek(key)
	if !ok {
		return 0
	}
	w.prune(l.clock.Now(), l.window)
	return len(w.stamps)
}

// Len returns the number of tracked keys.
func (l *SlidingWindow) Len() int {
	return l.sources.Len()
}

// Sweep removes keys with no requests inside the window and returns how many
// were removed.
func (l *SlidingWindow) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.clock.Now())
}

func (l *SlidingWindow) sweepLocked(now time.Time) int {
	l.lastSweep = now
	removed := 0
	for _, key := range l.sources.Keys() {
		w, ok := l.sources.Peek(key)
		if !ok {
			continue
		}
		w.prune(now, l.window)
		if len(w.stamps) == 0 {
			l.sources.Remove(key)
			removed++
		}
	}
	return removed
}

// Run sweeps stale keys every interval until ctx is done.
func (l *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.window
	}
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (w *sourceWindow) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(w.stamps) && now.Sub(w.stamps[i]) >= window {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(w.stamps) {
		w.stamps = w.stamps[:0]
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}
