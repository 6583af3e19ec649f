package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const (
	// DefaultWindow is the fixed window size W.
	DefaultWindow = 60 * time.Second
	// DefaultLimit is the maximum number of requests per window.
	DefaultLimit int64 = 100
	// maxBackoff caps the exponential backoff helper.
	maxBackoff = 60 * time.Second
)

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter enforces per-principal fixed windows on an in-memory store.
// Principals are independent; there is no shared counter.
type Limiter struct {
	mu        sync.RWMutex
	store     limiter.Store
	window    time.Duration
	limit     int64
	def       *limiter.Limiter
	overrides map[string]*limiter.Limiter
	lastSeen  map[string]time.Time
	now       func() time.Time
}

func New(window time.Duration, limit int64) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	store := memory.NewStore()
	return &Limiter{
		store:     store,
		window:    window,
		limit:     limit,
		def:       limiter.New(store, limiter.Rate{Period: window, Limit: limit}),
		overrides: make(map[string]*limiter.Limiter),
		lastSeen:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetLimit installs a per-principal maximum, replacing the default for that
// principal only.
func (l *Limiter) SetLimit(principal string, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.overrides, principal)
		return
	}
	l.overrides[principal] = limiter.New(l.store, limiter.Rate{Period: l.window, Limit: limit})
}

func (l *Limiter) limiterFor(principal string) *limiter.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lim, ok := l.overrides[principal]; ok {
		return lim
	}
	return l.def
}

// Check consumes one request slot for the principal and reports whether it
// was allowed. When denied, RetryAfter holds the time until the window ends.
func (l *Limiter) Check(ctx context.Context, principal string) (Result, error) {
	lctx, err := l.limiterFor(principal).Get(ctx, principal)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check failed for %q: %w", principal, err)
	}
	l.mu.Lock()
	l.lastSeen[principal] = l.now()
	l.mu.Unlock()
	res := Result{
		Allowed:   !lctx.Reached,
		Remaining: lctx.Remaining,
	}
	if lctx.Reached {
		if retryAfter := time.Until(time.Unix(lctx.Reset, 0)); retryAfter > 0 {
			res.RetryAfter = retryAfter
		} else {
			res.RetryAfter = time.Millisecond
		}
	}
	return res, nil
}

// Backoff computes min(base * 2^attempt * (1 + jitter), 60s), jitter in
// [0, 0.2).
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= 2
		if time.Duration(d) >= maxBackoff {
			return maxBackoff
		}
	}
	d *= 1 + rand.Float64()*0.2
	if time.Duration(d) > maxBackoff {
		return maxBackoff
	}
	return time.Duration(d)
}

// Cleanup drops bookkeeping for principals whose window has expired. The
// store itself expires its counters on its own schedule; configured
// per-principal limits are kept.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for principal, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.lastSeen, principal)
		}
	}
}

// Tracked returns the number of principals with live window bookkeeping.
func (l *Limiter) Tracked() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lastSeen)
}
