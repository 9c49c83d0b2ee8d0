// Package ratelimit spaces out requests to the same host with one token
// bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/metrics"
)

// Limiter manages per-host rate limits. Reservations are taken against the
// injected clock and waited out with the injected sleeper, so tests can drive
// it without real time passing.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	clock    harvest.Clock
	sleeper  harvest.Sleeper
}

// Config holds rate limiter configuration.
type Config struct {
	// Interval is the minimum spacing between two requests to one host.
	// Zero disables throttling.
	Interval time.Duration
	Burst    int
}

// New creates a new Limiter.
func New(cfg Config, clock harvest.Clock, sleeper harvest.Sleeper) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(cfg.Interval),
		burst:    burst,
		clock:    clock,
		sleeper:  sleeper,
	}
}

// Wait blocks until a token is available for the URL's host and returns how
// long it waited.
func (l *Limiter) Wait(ctx context.Context, rawURL string) (time.Duration, error) {
	host := HostKey(rawURL)
	limiter := l.limiterFor(host)

	now := l.clock.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return 0, fmt.Errorf("rate limit reservation refused for %s", host)
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return 0, nil
	}
	if err := l.sleeper.Sleep(ctx, delay); err != nil {
		reservation.CancelAt(l.clock.Now())
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}
	metrics.ObserveThrottleWait(host, delay)
	return delay, nil
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

// HostKey normalizes the host portion of rawURL for per-host bookkeeping.
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}
