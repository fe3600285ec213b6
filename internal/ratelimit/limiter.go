package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long an unused key keeps its bucket before Sweep
// discards it.
const DefaultIdleTTL = 10 * time.Minute

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// KeyedLimiter enforces an independent token bucket per key (typically a
// client IP).
//
// A limit of 0 disables the limiter: Allow always succeeds.
type KeyedLimiter struct {
	clock   Clock
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a limiter allowing perMinute events per key with the
// given burst. perMinute <= 0 disables limiting.
func NewKeyedLimiter(clock Clock, perMinute, burst int) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if burst <= 0 {
		burst = 1
	}
	l := rate.Limit(0)
	if perMinute > 0 {
		l = rate.Limit(float64(perMinute) / 60.0)
	}
	return &KeyedLimiter{
		clock:   clock,
		limit:   l,
		burst:   burst,
		idleTTL: DefaultIdleTTL,
		entries: make(map[string]*keyedEntry),
	}
}

func (k *KeyedLimiter) Enabled() bool {
	return k != nil && k.limit > 0
}

// Allow consumes one token from key's bucket.
func (k *KeyedLimiter) Allow(key string) bool {
	if !k.Enabled() {
		return true
	}
	now := k.clock.Now()

	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = entry
	}
	entry.lastSeen = now
	k.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Len reports how many keys currently hold a bucket.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Sweep discards buckets that have been idle longer than the idle TTL and
// returns how many were removed.
func (k *KeyedLimiter) Sweep() int {
	cutoff := k.clock.Now().Add(-k.idleTTL)
	removed := 0

	k.mu.Lock()
	defer k.mu.Unlock()
	for key, entry := range k.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(k.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every interval until ctx is done.
func (k *KeyedLimiter) Run(ctx context.Context, interval time.Duration) {
	if !k.Enabled() {
		return
	}
	if interval <= 0 {
		interval = k.idleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Sweep()
		}
	}
}

// MessageLimiter is a per-connection message budget: perSecond sustained with
// an equal burst. perSecond <= 0 returns nil, which callers treat as
// unlimited.
type MessageLimiter struct {
	clock   Clock
	limiter *rate.Limiter
}

func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if perSecond <= 0 {
		return nil
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &MessageLimiter{
		clock:   clock,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

func (m *MessageLimiter) Allow() bool {
	if m == nil {
		return true
	}
	return m.limiter.AllowN(m.clock.Now(), 1)
}
