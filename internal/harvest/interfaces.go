// Package harvest holds the shared model of a multi-session harvesting run:
// records, credentials, run requests and results, plus the pure building
// blocks (deduplication, keyword matching, concurrency planning) the
// orchestrator composes.
package harvest

import (
	"context"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// ExportSink persists an ordered record set under a sheet reference and returns
// the created resource identifier.
type ExportSink interface {
	Export(ctx context.Context, sheet string, label ExportLabel, records []Record) (string, error)
}

// IDCache persists the dedup set between runs.
type IDCache interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, ids []string) error
}

// Publisher announces finished runs to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
