package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

type rateLimitWindow struct {
	mu       sync.Mutex
	requests []time.Time
	retired  bool // removed from the limiter; callers must fetch a fresh window
}

// trim drops requests at or before cutoff. Callers hold w.mu.
func (w *rateLimitWindow) trim(cutoff time.Time) {
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
}

// allow drops requests older than window and records now if fewer than
// limit remain. ok is false on a retired window.
func (w *rateLimitWindow) allow(now time.Time, window time.Duration, limit int) (allowed, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.retired {
		return false, false
	}
	w.trim(now.Add(-window))
	if len(w.requests) >= limit {
		return false, true
	}
	w.requests = append(w.requests, now)
	return true, true
}

// retireIfIdle marks the window retired when no request falls after cutoff.
func (w *rateLimitWindow) retireIfIdle(cutoff time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(cutoff)
	if len(w.requests) == 0 {
		w.retired = true
	}
	return w.retired
}

// RateLimiter enforces a sliding one-minute request budget per client IP.
// The client is identified by RemoteAddr only.
type RateLimiter struct {
	perMinute int
	windows   sync.Map // client IP -> *rateLimitWindow

	pruneMu   sync.Mutex
	lastPrune time.Time

	// Clock function for testing.
	nowFunc func() time.Time
}

// NewRateLimiter allows perMinute requests per client per minute. Zero or
// less disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{perMinute: perMinute, nowFunc: time.Now}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl.perMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := rl.nowFunc()
		rl.maybePrune(now)
		if !rl.allow(ClientIP(r), now) {
			w.Header().Set("Retry-After", strconv.Itoa(60))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "Rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string, now time.Time) bool {
	for {
		val, _ := rl.windows.LoadOrStore(key, &rateLimitWindow{})
		win := val.(*rateLimitWindow)
		allowed, ok := win.allow(now, time.Minute, rl.perMinute)
		if ok {
			return allowed
		}
		// Lost a race with prune; drop the retired window if still mapped.
		rl.windows.CompareAndDelete(key, win)
	}
}

// maybePrune runs prune at most once per minute.
func (rl *RateLimiter) maybePrune(now time.Time) {
	rl.pruneMu.Lock()
	if now.Sub(rl.lastPrune) < time.Minute {
		rl.pruneMu.Unlock()
		return
	}
	rl.lastPrune = now
	rl.pruneMu.Unlock()
	rl.prune(now)
}

// prune removes windows with no request in the last minute.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	rl.windows.Range(func(key, val any) bool {
		win := val.(*rateLimitWindow)
		if win.retireIfIdle(cutoff) {
			rl.windows.CompareAndDelete(key, win)
		}
		return true
	})
}
