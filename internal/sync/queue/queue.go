// Package queue records local mutations and replays them against the
// remote service in FIFO order.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/db"
	"github.com/dinovending/dino/backend/internal/models"
	"github.com/dinovending/dino/backend/internal/remote"
	syncpkg "github.com/dinovending/dino/backend/internal/sync"
	"github.com/dinovending/dino/backend/internal/uuid"
)

// RetryPolicy controls what happens to an entry whose replay failed. The
// zero value retries forever on every run without delay.
type RetryPolicy struct {
	// MaxAttempts moves an entry to the failed status after this many
	// attempts. Zero means unlimited.
	MaxAttempts int
	// BaseBackoff delays the next attempt by BaseBackoff * 2^(attempts-1).
	// Zero disables backoff.
	BaseBackoff time.Duration
	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration
}

// backoff returns the delay before the next attempt after the given number
// of failed attempts.
func (p RetryPolicy) backoff(attempts int) time.Duration {
	if p.BaseBackoff <= 0 || attempts <= 0 {
		return 0
	}
	delay := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// exhausted reports whether an entry with attempts failures is dead.
func (p RetryPolicy) exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// ProcessResult summarises a replay run.
type ProcessResult struct {
	Skipped  string `json:"skipped,omitempty"`
	Replayed int    `json:"replayed"`
	Failed   int    `json:"failed"`
	Dead     int    `json:"dead"`
	Error    string `json:"error,omitempty"`
}

// Queue is the upstream half of sync.
type Queue struct {
	client *syncpkg.Client
	policy RetryPolicy

	running atomic.Bool
	rerun   atomic.Bool

	mu      sync.RWMutex
	trigger func()
}

// NewQueue creates a Queue.
func NewQueue(client *syncpkg.Client, policy RetryPolicy) *Queue {
	return &Queue{client: client, policy: policy}
}

// Policy returns the retry policy.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// SetTrigger installs the function called after an online enqueue. It must
// not block. The orchestrator uses it to schedule an upload.
func (q *Queue) SetTrigger(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trigger = fn
}

// Enqueue applies a mutation to the local copy and records it for replay.
// INSERT payloads without an id get a new one; UPDATE and DELETE payloads
// must carry the id of their target. The returned entry holds the payload
// as queued.
func (q *Queue) Enqueue(ctx context.Context, table models.Table, action models.ActionType, payload models.Record) (*models.SyncQueueEntry, error) {
	if !table.IsMirrored() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("table %q cannot be mutated", table))
	}
	action, err := models.ParseActionType(string(action))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid action", err)
	}
	if payload == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "payload is required")
	}

	payload = payload.Clone()
	if payload.ID() == "" {
		if action.RequiresID() {
			return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s on %s requires an id", action, table))
		}
		payload["id"] = uuid.New()
	}

	entry, _, err := q.client.Store.ApplyAndEnqueue(ctx, table, action, payload)
	if err != nil {
		return nil, err
	}

	q.client.Log("queue").Debug("mutation queued", map[string]interface{}{
		"entry_id": entry.ID,
		"table":    string(table),
		"action":   string(action),
		"id":       payload.ID(),
	})

	q.signal()
	return entry, nil
}

// signal calls the trigger when online.
func (q *Queue) signal() {
	if !q.client.Online() {
		return
	}
	q.mu.RLock()
	trigger := q.trigger
	q.mu.RUnlock()
	if trigger != nil {
		trigger()
	}
}

// Process replays due pending entries in created_at order. It is a no-op
// while offline. One failed entry never stops the others. When a run is
// already in flight the request is folded into it: the running loop makes
// another pass before returning.
func (q *Queue) Process(ctx context.Context) *ProcessResult {
	res := &ProcessResult{}
	if !q.client.Online() {
		res.Skipped = "offline"
		return res
	}

	first := true
	for {
		if !q.running.CompareAndSwap(false, true) {
			q.rerun.Store(true)
			// The owner may have released between the CAS and the store
			// above without seeing rerun; take the run over in that case.
			if !q.running.Load() {
				continue
			}
			if first {
				res.Skipped = "already running"
			}
			return res
		}
		first = false
		q.rerun.Store(false)
		q.drain(ctx, res)
		q.running.Store(false)

		if !q.rerun.Load() || ctx.Err() != nil || !q.client.Online() {
			return res
		}
	}
}

// drain replays one snapshot of due entries.
func (q *Queue) drain(ctx context.Context, res *ProcessResult) {
	log := q.client.Log("queue")

	entries, err := q.client.Store.PendingEntries(ctx, q.client.CurrentTime())
	if err != nil {
		res.Error = err.Error()
		log.Error("failed to load pending entries", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	log.Info("replaying queued mutations", map[string]interface{}{"count": len(entries)})

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !q.client.Online() {
			log.Info("connectivity lost, stopping replay")
			return
		}

		if err := q.dispatch(ctx, entry); err != nil {
			q.recordFailure(ctx, entry, err, res)
			continue
		}
		if err := q.client.Store.DeleteQueueEntry(ctx, entry.ID); err != nil {
			// Replayed again next run
			log.Error("failed to remove replayed entry", err, map[string]interface{}{"entry_id": entry.ID})
			res.Error = err.Error()
			continue
		}
		res.Replayed++
	}

	log.Info("replay completed", map[string]interface{}{
		"replayed": res.Replayed,
		"failed":   res.Failed,
	})
}

// dispatch sends one entry to the remote under a request timeout.
func (q *Queue) dispatch(ctx context.Context, entry *models.SyncQueueEntry) error {
	reqCtx, cancel := q.client.RequestContext(ctx)
	defer cancel()

	table := entry.TableName
	var err error
	switch entry.ActionType {
	case models.ActionInsert:
		_, err = q.client.Remote.Insert(reqCtx, table, entry.Payload)
	case models.ActionUpdate:
		err = q.client.Remote.Update(reqCtx, table, entry.Payload.Without("id"), entry.TargetID())
	case models.ActionDelete:
		err = q.client.Remote.Delete(reqCtx, table, entry.TargetID())
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown action type %q", entry.ActionType))
	}
	return remote.Classify(fmt.Sprintf("replay %s %s", entry.ActionType, table), err)
}

// recordFailure stores the attempt and schedules the next one per policy.
func (q *Queue) recordFailure(ctx context.Context, entry *models.SyncQueueEntry, cause error, res *ProcessResult) {
	attempts := entry.Attempts + 1
	failure := db.QueueFailure{
		ID:    entry.ID,
		Error: cause.Error(),
		Dead:  q.policy.exhausted(attempts),
	}
	if delay := q.policy.backoff(attempts); delay > 0 && !failure.Dead {
		next := q.client.CurrentTime().Add(delay)
		failure.NextRetryAt = &next
	}

	res.Failed++
	if failure.Dead {
		res.Dead++
	}

	q.client.Log("queue").ErrorWithCode("queued mutation failed", string(apperrors.CodeOf(cause)), cause, map[string]interface{}{
		"entry_id": entry.ID,
		"table":    string(entry.TableName),
		"action":   string(entry.ActionType),
		"attempts": attempts,
		"dead":     failure.Dead,
	})

	if err := q.client.Store.MarkQueueEntryFailed(ctx, failure); err != nil {
		q.client.Log("queue").Error("failed to record replay failure", err, map[string]interface{}{"entry_id": entry.ID})
	}
}

// RetryFailed returns dead entries to the pending state and triggers an
// upload when online.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	n, err := q.client.Store.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.client.Log("queue").Info("reset failed entries for retry", map[string]interface{}{"count": n})
		q.signal()
	}
	return n, nil
}

// List returns entries with the given status, or all when status is "".
func (q *Queue) List(ctx context.Context, status models.QueueStatus) ([]*models.SyncQueueEntry, error) {
	return q.client.Store.ListQueue(ctx, status)
}

// Stats counts entries per status.
func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.client.Store.QueueStats(ctx)
}

// PendingCount returns the number of entries awaiting replay.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.client.Store.PendingCount(ctx)
}
