package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// unitsPerToken is the fixed-point scale: a rate of R tokens/sec adds exactly
// R units per elapsed nanosecond, so integer rates never drift.
const unitsPerToken = int64(time.Second)

const maxUnits = int64(^uint64(0) >> 1)

// TokenBucket meters RTP packets for one relayed call. It refills at rate
// tokens per second and holds at most burst tokens, so a call can absorb a
// jitter-buffer flush without raising its sustained rate.
type TokenBucket struct {
	mu    sync.Mutex
	clock clock.Clock

	rate  int64 // tokens/sec
	burst int64 // units

	units  int64
	last   time.Time
	denied uint64
}

// NewTokenBucket returns a full bucket refilling at rate tokens/sec and
// holding at most burst tokens. burst <= 0 sizes the bucket to one second of
// rate.
func NewTokenBucket(clk clock.Clock, rate, burst int64) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	if rate < 0 {
		rate = 0
	}
	if burst <= 0 {
		burst = rate
	}
	capacity := toUnits(burst)
	return &TokenBucket{
		clock: clk,
		rate:  rate,
		burst: capacity,
		units: capacity,
		last:  clk.Now(),
	}
}

// Allow takes n tokens if the bucket holds them. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toUnits(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.units < cost {
		b.denied++
		return false
	}
	b.units -= cost
	return true
}

// Tokens reports the whole tokens available now.
func (b *TokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	return b.units / unitsPerToken
}

// Denied counts the Allow calls refused so far.
func (b *TokenBucket) Denied() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.denied
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := int64(now.Sub(b.last))
	// A clock stepping backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.units >= b.burst {
		return
	}
	missing := b.burst - b.units
	if elapsed > missing/b.rate {
		b.units = b.burst
		return
	}
	b.units += elapsed * b.rate
}

func toUnits(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxUnits/unitsPerToken {
		return maxUnits
	}
	return tokens * unitsPerToken
}
