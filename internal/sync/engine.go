package sync

import (
	"context"
	"time"

	"github.com/dinovending/dino/backend/internal/connectivity"
	"github.com/dinovending/dino/backend/internal/db"
	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/remote"
)

// DefaultRequestTimeout bounds a remote call when none is configured.
const DefaultRequestTimeout = 15 * time.Second

// Client carries the collaborators shared by the download, upload and
// orchestration components. It is built once at startup.
type Client struct {
	Store   *db.Store
	Remote  remote.DataService
	Session SessionProvider
	// Network may be nil, meaning always online.
	Network connectivity.Source
	Logger  *logging.Logger
	// RequestTimeout bounds every remote call. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Now returns the current time. nil means time.Now.
	Now func() time.Time
}

// Online reports the connectivity flag.
func (c *Client) Online() bool {
	return c.Network == nil || c.Network.Online()
}

// RequestContext derives the context for a single remote call.
func (c *Client) RequestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// ResolveTenant resolves the tenant of the current session under a request
// timeout.
func (c *Client) ResolveTenant(ctx context.Context) (string, error) {
	if c.Session == nil {
		return "", nil
	}
	reqCtx, cancel := c.RequestContext(ctx)
	defer cancel()
	return c.Session.ResolveTenant(reqCtx, c.Remote)
}

// Log returns the logger for a component.
func (c *Client) Log(component string) *logging.Logger {
	l := c.Logger
	if l == nil {
		l = logging.Get()
	}
	return l.Component(component)
}

// CurrentTime returns the client's notion of now.
func (c *Client) CurrentTime() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
