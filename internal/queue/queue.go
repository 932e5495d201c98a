// Package queue defines the hand-off between run submission and the workers
// that execute harvest runs.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue buffers submitted run requests.
type Queue interface {
	Enqueue(ctx context.Context, req harvest.RunRequest) error
	Dequeue(ctx context.Context) (harvest.RunRequest, error)
}
