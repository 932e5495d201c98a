// Package simple contains a pacing policy that never waits.
package simple

import (
	"context"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

// Policy lets every call through immediately. It backs test runs and
// deployments that disable pacing.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns ctx's error if it is already done, otherwise nil.
func (Policy) Wait(ctx context.Context, _ harvest.Credential) error {
	return ctx.Err()
}
