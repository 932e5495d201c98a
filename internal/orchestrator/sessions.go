package orchestrator

import (
	"context"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/remote"
)

// RemoteSessions opens sessions against the listing service.
type RemoteSessions struct {
	Factory *remote.Factory
}

// Open implements SessionOpener.
func (r RemoteSessions) Open(ctx context.Context, cred harvest.Credential) (Session, error) {
	sess, err := r.Factory.Authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
