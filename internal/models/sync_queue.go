package models

import (
	"fmt"
	"strings"
	"time"
)

// ActionType is the kind of mutation recorded in the sync queue.
type ActionType string

const (
	ActionInsert ActionType = "INSERT"
	ActionUpdate ActionType = "UPDATE"
	ActionDelete ActionType = "DELETE"
)

// ParseActionType validates an action name. Lowercase input is accepted.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// RequiresID reports whether the payload must carry an id to target the
// remote row.
func (a ActionType) RequiresID() bool {
	return a == ActionUpdate || a == ActionDelete
}

// QueueStatus is the state of a sync queue entry. Successful entries are
// removed, so there is no completed state.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusFailed is only reached when the retry policy caps attempts.
	QueueStatusFailed QueueStatus = "failed"
)

// SyncQueueEntry is a locally originated mutation awaiting remote
// confirmation.
type SyncQueueEntry struct {
	ID          int64       `json:"id"`
	TableName   Table       `json:"table_name"`
	ActionType  ActionType  `json:"action_type"`
	Payload     Record      `json:"payload"`
	Status      QueueStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
}

// TargetID returns the id of the row the entry mutates.
func (e *SyncQueueEntry) TargetID() string {
	return e.Payload.ID()
}

// QueueStats summarizes the queue by status.
type QueueStats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}
