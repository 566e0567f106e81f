package github

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jparise/gh-mine/internal/retry"
	"golang.org/x/time/rate"
)

// Fallback pacing used when the API has not reported quota information.
const (
	DefaultFallbackDelay = time.Second
	DefaultResetMargin   = time.Second

	// secondaryLimitBackoff is the wait after a secondary rate limit
	// response that carries neither Retry-After nor a reset time.
	secondaryLimitBackoff = time.Minute
)

// RateInfo is the quota metadata carried by an API response.
type RateInfo struct {
	Present    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	Resource   string
	RetryAfter time.Duration
}

// ParseRateInfo reads the X-RateLimit-* and Retry-After headers.
func ParseRateInfo(h http.Header) RateInfo {
	var info RateInfo
	if h == nil {
		return info
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			info.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	remaining, errRemaining := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	reset, errReset := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if errRemaining != nil || errReset != nil {
		return info
	}
	info.Present = true
	info.Remaining = remaining
	info.Reset = time.Unix(reset, 0)
	info.Limit, _ = strconv.Atoi(h.Get("X-RateLimit-Limit"))
	info.Resource = h.Get("X-RateLimit-Resource")
	return info
}

// retryAt returns when a rate-limited request may be repeated.
func (i RateInfo) retryAt(now time.Time) time.Time {
	switch {
	case i.RetryAfter > 0:
		return now.Add(i.RetryAfter)
	case i.Present && i.Remaining == 0:
		return i.Reset
	default:
		return now.Add(secondaryLimitBackoff)
	}
}

// RateLimiterStats summarizes a limiter's state.
type RateLimiterStats struct {
	Known     bool
	Remaining int
	Reset     time.Time
	Waits     int64
}

// RateLimiter gates requests against one quota bucket. While the API reports
// quota it admits at most the reported remaining count until the reset time;
// otherwise it paces requests at a fixed conservative rate.
//
// A RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu        sync.Mutex
	known     bool
	remaining int
	reset     time.Time
	waits     int64

	margin   time.Duration
	fallback *rate.Limiter
	now      func() time.Time

	// OnWait, if set, is called before each wait for a quota reset.
	OnWait func(d time.Duration)
}

// NewRateLimiter creates a limiter that paces unknown quota at one request
// per fallbackDelay and waits margin past each reported reset.
func NewRateLimiter(fallbackDelay, margin time.Duration) *RateLimiter {
	limit := rate.Inf
	if fallbackDelay > 0 {
		limit = rate.Every(fallbackDelay)
	}
	return &RateLimiter{
		margin:   margin,
		fallback: rate.NewLimiter(limit, 1),
		now:      time.Now,
	}
}

// Acquire blocks until a request may be issued or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		if !r.known {
			r.mu.Unlock()
			return r.fallback.Wait(ctx)
		}
		if r.remaining > 0 {
			r.remaining--
			r.mu.Unlock()
			return nil
		}
		now := r.now()
		wake := r.reset.Add(r.margin)
		if !now.Before(wake) {
			// The window has rolled over without fresh data.
			r.known = false
			r.mu.Unlock()
			continue
		}
		r.waits++
		onWait := r.OnWait
		r.mu.Unlock()

		d := wake.Sub(now)
		if onWait != nil {
			onWait(d)
		}
		if err := retry.Sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Update refreshes the limiter from response metadata. Responses without
// quota headers leave the state unchanged.
func (r *RateLimiter) Update(info RateInfo) {
	if !info.Present {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known = true
	r.remaining = max(info.Remaining, 0)
	r.reset = info.Reset
}

// Exhaust blocks further requests until the given time.
func (r *RateLimiter) Exhaust(until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known = true
	r.remaining = 0
	r.reset = until
}

// Stats returns a snapshot of the limiter state.
func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimiterStats{
		Known:     r.known,
		Remaining: r.remaining,
		Reset:     r.reset,
		Waits:     r.waits,
	}
}
