// Package conflict decides what a pull may overwrite in the local store.
package conflict

import (
	"context"
	"fmt"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/models"
)

// ResolutionStrategy defines how pulled rows meet unreplayed local edits.
type ResolutionStrategy string

const (
	// ResolutionStrategyKeepPending leaves rows with an unreplayed queue
	// entry untouched until the entry is replayed.
	ResolutionStrategyKeepPending ResolutionStrategy = "keep_pending"
	// ResolutionStrategyLastWriteWins lets the pulled row overwrite the
	// local one unconditionally.
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// ParseStrategy parses a configured strategy name. "" selects keep_pending.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case "", ResolutionStrategyKeepPending:
		return ResolutionStrategyKeepPending, nil
	case ResolutionStrategyLastWriteWins:
		return ResolutionStrategyLastWriteWins, nil
	}
	return "", apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown conflict strategy %q", s))
}

// PendingSource lists the row ids of a table that have queued mutations.
// db.Store implements it.
type PendingSource interface {
	PendingIDs(ctx context.Context, table models.Table) (map[string]bool, error)
}

// Resolver handles pulled rows according to its strategy.
type Resolver struct {
	strategy ResolutionStrategy
	pending  PendingSource
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy, pending PendingSource) *Resolver {
	return &Resolver{
		strategy: strategy,
		pending:  pending,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Resolution splits a pulled batch.
type Resolution struct {
	// Apply holds the rows to write locally.
	Apply []models.Record
	// Kept holds the ids whose local copy was preserved.
	Kept []string
}

// Resolve filters rows pulled for table.
func (r *Resolver) Resolve(ctx context.Context, table models.Table, rows []models.Record) (*Resolution, error) {
	if r.strategy == ResolutionStrategyLastWriteWins || r.pending == nil || len(rows) == 0 {
		return &Resolution{Apply: rows}, nil
	}

	pending, err := r.pending.PendingIDs(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &Resolution{Apply: rows}, nil
	}

	res := &Resolution{Apply: make([]models.Record, 0, len(rows))}
	for _, row := range rows {
		if pending[row.ID()] {
			res.Kept = append(res.Kept, row.ID())
			continue
		}
		res.Apply = append(res.Apply, row)
	}

	if len(res.Kept) > 0 {
		logging.Debug("kept local rows with pending mutations", map[string]interface{}{
			"table": string(table),
			"ids":   res.Kept,
		})
	}
	return res, nil
}
