package remote

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"
)

// RetryConfig tunes the transport-wide retry policy.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryStatusSet []int
}

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
// Every request issued by Client goes through the same policy.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	statuses    map[int]struct{}
}

var defaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// NewRetryPolicy fills unset fields with defaults: 3 attempts, 1s base delay,
// 10s cap, and 429/500/502/503/504 as retryable statuses.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if len(cfg.RetryStatusSet) == 0 {
		cfg.RetryStatusSet = defaultRetryStatuses
	}
	statuses := make(map[int]struct{}, len(cfg.RetryStatusSet))
	for _, code := range cfg.RetryStatusSet {
		statuses[code] = struct{}{}
	}
	return &RetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		statuses:    statuses,
	}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
// Either err or status describes the failed attempt.
func (p *RetryPolicy) ShouldRetry(err error, status int, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return netErr.Timeout()
		}
		return true
	}
	_, ok := p.statuses[status]
	return ok
}

// Backoff returns the wait before attempt+1: half the exponential delay plus
// random jitter up to the other half.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + jitter(time.Duration(delay)/2)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
