// Package sync mirrors server-held entities into the local store and keeps
// the sync status read model.
package sync

import (
	"context"

	"github.com/dinovending/dino/backend/internal/remote"
	"github.com/dinovending/dino/backend/internal/session"
)

// SessionProvider supplies the signed-in user and resolves their tenant.
// session.Manager implements it.
type SessionProvider interface {
	// Current returns the active session, or nil when signed out.
	Current() *session.Session

	// ResolveTenant returns the tenant of the active session. It returns ""
	// and no error when signed out.
	ResolveTenant(ctx context.Context, ds remote.DataService) (string, error)
}

// Downloader pulls server state into the local store. Puller implements it;
// the orchestrator depends on this interface so tests can substitute it.
type Downloader interface {
	// Pull runs one download pass. It never fails; problems are reported in
	// the result and the logs.
	Pull(ctx context.Context) *PullResult
}

var _ SessionProvider = (*session.Manager)(nil)
