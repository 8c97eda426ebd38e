// Package ratelimit provides per-host token-bucket limiting for the
// archive and live HTTP clients, including Retry-After penalty windows
// pushed back by 429 responses.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per upstream host plus any active
// Retry-After penalties. A single Limiter serves one endpoint family; the
// live client shares one across its spot and futures hosts.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	penalty  map[string]time.Time
	rps      float64
	burst    int
}

// NewLimiter creates a limiter that grants rps tokens per second with the
// given burst capacity to every host it meets.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		penalty:  make(map[string]time.Time),
		rps:      rps,
		burst:    burst,
	}
}

// getLimiter returns or creates the bucket for a host.
func (l *Limiter) getLimiter(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[host]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if limiter, exists := l.limiters[host]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[host] = limiter
	return limiter
}

// penaltyRemaining returns how long the host is still serving a
// Retry-After penalty, zero if none.
func (l *Limiter) penaltyRemaining(host string, now time.Time) time.Duration {
	l.mu.RLock()
	until, ok := l.penalty[host]
	l.mu.RUnlock()
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

// NotifyRetryAfter records a server-imposed pause for a host. Subsequent
// Wait calls block until the penalty window has passed.
func (l *Limiter) NotifyRetryAfter(host string, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	if existing, ok := l.penalty[host]; !ok || until.After(existing) {
		l.penalty[host] = until
	}
	l.mu.Unlock()
}

// Allow reports whether a request for the host may proceed right now.
func (l *Limiter) Allow(host string) bool {
	if l.penaltyRemaining(host, time.Now()) > 0 {
		return false
	}
	return l.getLimiter(host).Allow()
}

// Wait blocks until a request for the host is allowed or the context is
// cancelled. An active Retry-After penalty is served before the bucket.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if remaining := l.penaltyRemaining(host, time.Now()); remaining > 0 {
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < remaining {
			return fmt.Errorf("rate limit penalty on %s outlasts context deadline (%s remaining)", host, remaining)
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.getLimiter(host).Wait(ctx)
}

// SetRPS updates the refill rate for every known host.
func (l *Limiter) SetRPS(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rps = rps
	for _, limiter := range l.limiters {
		limiter.SetLimit(rate.Limit(rps))
	}
}

// SetBurst updates the burst capacity for every known host.
func (l *Limiter) SetBurst(burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.burst = burst
	for _, limiter := range l.limiters {
		limiter.SetBurst(burst)
	}
}

// HostStats describes the current state of one host bucket.
type HostStats struct {
	Host            string        `json:"host"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	NextAllowedAt   time.Time     `json:"next_allowed_at"`
	Delay           time.Duration `json:"delay"`
	PenaltyUntil    time.Time     `json:"penalty_until,omitempty"`
}

// IsThrottled reports whether requests would currently be delayed.
func (s *HostStats) IsThrottled() bool {
	return s.Delay > 0 || s.PenaltyUntil.After(time.Now())
}

// Stats probes every known host bucket without consuming tokens.
func (l *Limiter) Stats() map[string]HostStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]HostStats)
	now := time.Now()

	for host, limiter := range l.limiters {
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel() // probe only

		s := HostStats{
			Host:            host,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.Tokens(),
			NextAllowedAt:   now.Add(delay),
			Delay:           delay,
		}
		if until, ok := l.penalty[host]; ok && until.After(now) {
			s.PenaltyUntil = until
		}
		stats[host] = s
	}

	return stats
}

// Reset drops all host buckets and penalties.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limiters = make(map[string]*rate.Limiter)
	l.penalty = make(map[string]time.Time)
}
