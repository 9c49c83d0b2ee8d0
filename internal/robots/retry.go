package robots

import (
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseDelay = 250 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
	maxRetryAfter    = 2 * time.Minute
)

// RetryPolicy bounds attempts and computes jittered exponential backoff.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy allowing attempts total tries, backing off
// from base.
func NewRetryPolicy(attempts int, base time.Duration) *RetryPolicy {
	if attempts <= 0 {
		attempts = 1
	}
	if base <= 0 {
		base = defaultBaseDelay
	}
	return &RetryPolicy{
		maxAttempts: attempts,
		baseDelay:   base,
		maxDelay:    defaultMaxDelay,
	}
}

// MaxAttempts returns the total number of tries, including the first.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether a failed attempt is worth repeating. attempt is
// the number of attempts already made. Cancellation of the caller's context
// must be checked before asking.
func (p *RetryPolicy) ShouldRetry(err error, status int, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	if err != nil {
		return true
	}
	return retryableStatus(status)
}

// Backoff returns the wait before the attempt following the given one.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500 && code <= 599
}

// parseRetryAfter reads a Retry-After header given either as seconds or as an
// HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	var wait time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		wait = at.Sub(now)
	}
	if wait < 0 {
		return 0
	}
	if wait > maxRetryAfter {
		return maxRetryAfter
	}
	return wait
}
