// Package ratelimit paces remote calls per account: a token bucket spaces
// consecutive pages and a daily counter enforces each account's request quota.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/metrics"
)

// ErrQuotaExhausted is returned once an account has used its daily allowance.
var ErrQuotaExhausted = errors.New("daily request quota exhausted")

// Config holds rate limiter configuration.
type Config struct {
	// Interval is the minimum spacing between calls on one account. Zero
	// disables spacing.
	Interval time.Duration
	// DefaultDailyQuota applies when a credential does not set its own limit.
	// Zero means unlimited.
	DefaultDailyQuota int
}

type accountState struct {
	limiter *rate.Limiter
	day     string
	used    int
}

// Limiter manages per-account rate limits.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*accountState
	limit    rate.Limit
	quota    int
	clock    harvest.Clock
}

// New creates a new Limiter.
func New(cfg Config, clock harvest.Clock) *Limiter {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Limiter{
		accounts: make(map[string]*accountState),
		limit:    limit,
		quota:    cfg.DefaultDailyQuota,
		clock:    clock,
	}
}

// Wait blocks until cred may issue another call or ctx ends. It returns
// ErrQuotaExhausted without waiting when the account's daily quota is used up.
func (l *Limiter) Wait(ctx context.Context, cred harvest.Credential) error {
	state, err := l.reserve(cred)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := state.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

func (l *Limiter) reserve(cred harvest.Credential) (*accountState, error) {
	day := l.clock.Now().UTC().Format(time.DateOnly)

	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.accounts[cred.Email]
	if !ok {
		state = &accountState{limiter: rate.NewLimiter(l.limit, 1), day: day}
		l.accounts[cred.Email] = state
	}
	if state.day != day {
		state.day = day
		state.used = 0
	}
	quota := cred.MaxDailyRequests
	if quota <= 0 {
		quota = l.quota
	}
	if quota > 0 && state.used >= quota {
		return nil, fmt.Errorf("account %s: %w", cred.Email, ErrQuotaExhausted)
	}
	state.used++
	return state, nil
}

// Used reports how many calls account made today.
func (l *Limiter) Used(account string) int {
	day := l.clock.Now().UTC().Format(time.DateOnly)
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.accounts[account]
	if !ok || state.day != day {
		return 0
	}
	return state.used
}
