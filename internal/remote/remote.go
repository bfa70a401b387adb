// Package remote defines the contract of the hosted tabular data service the
// sync core pulls from and replays mutations against.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/models"
)

// DataService is a generic per-table query and mutate interface. Tenant
// isolation is enforced by the service; callers still filter by tenant.
type DataService interface {
	// Select returns rows of table matching q. columns is a select list in
	// the service's syntax; "" means all columns.
	Select(ctx context.Context, table models.Table, columns string, q Query) ([]models.Record, error)

	// Insert inserts rows and returns them as stored.
	Insert(ctx context.Context, table models.Table, rows ...models.Record) ([]models.Record, error)

	// Update applies changes to the row whose id matches.
	Update(ctx context.Context, table models.Table, changes models.Record, id string) error

	// Delete removes the row whose id matches.
	Delete(ctx context.Context, table models.Table, id string) error
}

// Error is a failure reported by the remote service.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote error %d", e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Rejected reports whether the service refused the request itself, as
// opposed to a transport or server failure.
func (e *Error) Rejected() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// Classify wraps a remote call failure in the application error taxonomy:
// timeouts become SYNC_TIMEOUT, auth failures SYNC_AUTH_FAILED, rejected
// requests REMOTE_REJECTED and everything else SYNC_FAILED. All of them are
// retried by the queue.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, op, err)
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		switch {
		case remoteErr.Status == http.StatusUnauthorized || remoteErr.Status == http.StatusForbidden:
			return apperrors.Wrap(apperrors.ErrSyncAuthFailed, op, err)
		case remoteErr.Rejected():
			return apperrors.Wrap(apperrors.ErrRemoteRejected, op, err)
		}
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, op, err)
}
