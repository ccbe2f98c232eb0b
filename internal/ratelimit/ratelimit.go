// Package ratelimit implements a per-client sliding-window rate limiter.
// Thread-safe. Expired timestamps are purged lazily on each Allow call;
// idle clients are dropped by Sweep or by the bounded client index.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Window is the span over which requests are counted.
const Window = 60 * time.Second

// DefaultMaxClients bounds the number of tracked client windows.
const DefaultMaxClients = 10000

// Config configures the sliding-window rate limiter.
type Config struct {
	RequestsPerMinute int // Admitted requests per client per Window. 0 = unlimited.
	MaxClients        int // Tracked clients before least-recently-used eviction. 0 = DefaultMaxClients.
}

// Limiter admits at most RequestsPerMinute requests per client in any
// trailing Window. Each client has an independent window; one client
// cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex // guards lookup-or-create on clients
	clients *lru.Cache[string, *window]
	limit   int
	now     func() time.Time
}

type window struct {
	mu      sync.Mutex
	hits    []time.Time // ascending
	removed bool        // set on Sweep or eviction; holders must look the client up again
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	size := cfg.MaxClients
	if size <= 0 {
		size = DefaultMaxClients
	}
	// lru.NewWithEvict only fails for a non-positive size. The callback
	// runs outside the cache lock; it fires for Sweep removals too.
	clients, _ := lru.NewWithEvict(size, func(_ string, w *window) {
		w.mu.Lock()
		w.removed = true
		w.mu.Unlock()
	})
	return &Limiter{
		clients: clients,
		limit:   cfg.RequestsPerMinute,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Limit returns the configured requests per Window.
func (l *Limiter) Limit() int { return l.limit }

// Allow reports whether a request from clientID is admitted now.
// An admitted request is recorded; a rejected one is not.
func (l *Limiter) Allow(clientID string) bool {
	if l.limit <= 0 {
		return true
	}
	for {
		w, now := l.lookup(clientID)
		w.mu.Lock()
		if w.removed {
			w.mu.Unlock()
			continue
		}
		w.purge(now)
		if len(w.hits) >= l.limit {
			w.mu.Unlock()
			return false
		}
		w.hits = append(w.hits, now)
		w.mu.Unlock()
		return true
	}
}

// Remaining returns how many more requests clientID may make in the
// current window without being rejected.
func (l *Limiter) Remaining(clientID string) int {
	if l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	w, ok := l.clients.Peek(clientID)
	now := l.now()
	l.mu.Unlock()
	if !ok {
		return l.limit
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(now)
	return max(l.limit-len(w.hits), 0)
}

// Sweep drops clients whose window holds no timestamps younger than
// Window and returns how many were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for _, id := range l.clients.Keys() {
		w, ok := l.clients.Peek(id)
		if !ok {
			continue
		}
		w.mu.Lock()
		w.purge(now)
		idle := len(w.hits) == 0
		if idle {
			w.removed = true
		}
		w.mu.Unlock()
		// Remove after unlocking: the eviction callback takes w.mu.
		if idle {
			l.clients.Remove(id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	return l.clients.Len()
}

func (l *Limiter) lookup(clientID string) (*window, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if w, ok := l.clients.Get(clientID); ok {
		return w, now
	}
	w := &window{}
	l.clients.Add(clientID, w)
	return w, now
}

// purge drops timestamps at least Window old. Caller holds w.mu.
func (w *window) purge(now time.Time) {
	cut := 0
	for cut < len(w.hits) && now.Sub(w.hits[cut]) >= Window {
		cut++
	}
	if cut > 0 {
		w.hits = append(w.hits[:0], w.hits[cut:]...)
	}
}
