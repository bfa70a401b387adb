package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/models"
)

const queueColumns = `id, table_name, action_type, payload, status, created_at,
	COALESCE(updated_at, created_at), attempts, COALESCE(last_error, ''), next_retry_at`

// ApplyAndEnqueue applies a mutation to the local copy and appends the
// matching pending queue entry in one transaction, so a crash cannot leave
// one without the other.
//
// INSERT puts the payload, UPDATE merges it into the stored row and DELETE
// removes the row. An UPDATE of a row that is not mirrored locally is still
// queued and reported with applied=false.
func (s *Store) ApplyAndEnqueue(ctx context.Context, table models.Table, action models.ActionType, payload models.Record) (entry *models.SyncQueueEntry, applied bool, err error) {
	if err := checkMirrored(table); err != nil {
		return nil, false, err
	}
	id := payload.ID()
	if id == "" {
		return nil, false, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s payload for %s must carry an id", action, table))
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		applied = true
		switch action {
		case models.ActionInsert:
			if err := s.put(ctx, tx, table, payload); err != nil {
				return err
			}
		case models.ActionUpdate:
			if err := s.update(ctx, tx, table, id, payload); err != nil {
				if !apperrors.Is(err, apperrors.ErrNotFound) {
					return err
				}
				applied = false
			}
		case models.ActionDelete:
			if err := s.delete(ctx, tx, table, id); err != nil {
				return err
			}
		default:
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown action type %q", action))
		}

		entry, err = s.appendQueueEntry(ctx, tx, table, action, payload)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if !applied {
		logging.Warn("update queued for a row missing locally", map[string]interface{}{
			"table": string(table),
			"id":    id,
		})
	}
	s.feed.notify(table, models.TableSyncQueue)
	return entry, applied, nil
}

// AppendQueueEntry appends a pending entry without touching the mirrored
// tables.
func (s *Store) AppendQueueEntry(ctx context.Context, table models.Table, action models.ActionType, payload models.Record) (*models.SyncQueueEntry, error) {
	entry, err := s.appendQueueEntry(ctx, s.db, table, action, payload)
	if err != nil {
		return nil, err
	}
	s.feed.notify(models.TableSyncQueue)
	return entry, nil
}

func (s *Store) appendQueueEntry(ctx context.Context, ex execer, table models.Table, action models.ActionType, payload models.Record) (*models.SyncQueueEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode queue payload", err)
	}
	now := s.now()
	res, err := ex.ExecContext(ctx, `
	INSERT INTO sync_queue (table_name, action_type, payload, status, created_at, updated_at, attempts)
	VALUES (?, ?, ?, ?, ?, ?, 0)`,
		string(table), string(action), string(data), string(models.QueueStatusPending), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "append queue entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "append queue entry", err)
	}
	return &models.SyncQueueEntry{
		ID:         id,
		TableName:  table,
		ActionType: action,
		Payload:    payload,
		Status:     models.QueueStatusPending,
		CreatedAt:  time.UnixMilli(now.UnixMilli()),
		UpdatedAt:  time.UnixMilli(now.UnixMilli()),
	}, nil
}

// PendingEntries returns the pending entries due at now, oldest first.
// Entries created in the same millisecond keep their insertion order.
func (s *Store) PendingEntries(ctx context.Context, now time.Time) ([]*models.SyncQueueEntry, error) {
	return s.queryQueue(ctx, `SELECT `+queueColumns+` FROM sync_queue
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC, id ASC`,
		string(models.QueueStatusPending), now.UnixMilli())
}

// ListQueue returns entries with the given status, or all entries when
// status is empty.
func (s *Store) ListQueue(ctx context.Context, status models.QueueStatus) ([]*models.SyncQueueEntry, error) {
	if status == "" {
		return s.queryQueue(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at ASC, id ASC`)
	}
	return s.queryQueue(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
}

// GetQueueEntry returns a single queue entry.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*models.SyncQueueEntry, error) {
	entries, err := s.queryQueue(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue entry %d not found", id))
	}
	return entries[0], nil
}

func (s *Store) queryQueue(ctx context.Context, query string, args ...interface{}) ([]*models.SyncQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query sync queue", err)
	}
	defer rows.Close()

	var entries []*models.SyncQueueEntry
	for rows.Next() {
		var (
			e                    models.SyncQueueEntry
			table, action, state string
			payload              string
			created, updated     int64
			nextRetry            sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &table, &action, &payload, &state, &created, &updated, &e.Attempts, &e.LastError, &nextRetry); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan sync queue", err)
		}
		e.TableName = models.Table(table)
		e.ActionType = models.ActionType(action)
		e.Status = models.QueueStatus(state)
		e.CreatedAt = time.UnixMilli(created)
		e.UpdatedAt = time.UnixMilli(updated)
		if nextRetry.Valid {
			t := time.UnixMilli(nextRetry.Int64)
			e.NextRetryAt = &t
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("decode payload of queue entry %d", e.ID), err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query sync queue", err)
	}
	return entries, nil
}

// DeleteQueueEntry removes an entry after the remote confirmed it.
func (s *Store) DeleteQueueEntry(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("delete queue entry %d", id), err)
	}
	s.feed.notify(models.TableSyncQueue)
	return nil
}

// QueueFailure records a failed replay attempt.
type QueueFailure struct {
	ID          int64
	Error       string
	NextRetryAt *time.Time
	// Dead moves the entry to the failed status.
	Dead bool
}

// MarkQueueEntryFailed increments the attempt counter and stores the error.
func (s *Store) MarkQueueEntryFailed(ctx context.Context, f QueueFailure) error {
	status := models.QueueStatusPending
	if f.Dead {
		status = models.QueueStatusFailed
	}
	var next interface{}
	if f.NextRetryAt != nil {
		next = f.NextRetryAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
	UPDATE sync_queue
	SET attempts = attempts + 1, last_error = ?, next_retry_at = ?, status = ?, updated_at = ?
	WHERE id = ?`,
		f.Error, next, string(status), s.now().UnixMilli(), f.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("mark queue entry %d failed", f.ID), err)
	}
	s.feed.notify(models.TableSyncQueue)
	return nil
}

// RetryFailed returns every failed entry to pending with a fresh attempt
// budget.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = ?, attempts = 0, next_retry_at = NULL, updated_at = ?
	WHERE status = ?`,
		string(models.QueueStatusPending), s.now().UnixMilli(), string(models.QueueStatusFailed))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "retry failed queue entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "retry failed queue entries", err)
	}
	if n > 0 {
		s.feed.notify(models.TableSyncQueue)
	}
	return n, nil
}

// PendingCount returns the number of entries still waiting for replay.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue WHERE status = ?", string(models.QueueStatusPending)).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count pending entries", err)
	}
	return n, nil
}

// QueueStats counts entries per status.
func (s *Store) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "queue stats", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "queue stats", err)
		}
		switch models.QueueStatus(status) {
		case models.QueueStatusPending:
			stats.Pending = n
		case models.QueueStatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// PendingIDs returns the ids of table rows that still have an unreplayed
// queue entry, pending or failed.
func (s *Store) PendingIDs(ctx context.Context, table models.Table) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT DISTINCT CAST(json_extract(payload, '$.id') AS TEXT)
	FROM sync_queue
	WHERE table_name = ? AND json_extract(payload, '$.id') IS NOT NULL`, string(table))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "pending ids", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "pending ids", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
