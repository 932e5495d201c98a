// Package system provides the wall clock used outside of tests.
package system

import (
	"context"
	"fmt"
	"time"
)

// Clock implements harvest.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

// Sleep is the context-aware pause shared by every component that waits
// between remote calls.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep: %w", ctx.Err())
	}
}
