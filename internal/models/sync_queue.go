package models

import (
	"encoding/json"
	"time"
)

// OperationType is the kind of a queued mutation.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationQueueItem is one local write pending remote confirmation. Items
// are removed only after the remote call succeeds.
type MutationQueueItem struct {
	ID            string          `db:"id" json:"id"`
	Seq           int64           `db:"seq" json:"seq"`
	OperationType OperationType   `db:"operation_type" json:"operation_type"`
	EntityTable   string          `db:"table_name" json:"entity_table"`
	RecordID      string          `db:"record_id" json:"record_id"`
	Payload       json.RawMessage `db:"data" json:"payload"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastError     string          `db:"error_message" json:"last_error,omitempty"`
	LastRetryAt   int64           `db:"last_retry_at" json:"last_retry_at,omitempty"`
	NextRetryAt   int64           `db:"next_retry_at" json:"next_retry_at,omitempty"`
	// Permanent marks items that can never succeed, such as unmapped
	// operations. They stay visible but are not retried.
	Permanent bool  `db:"permanent" json:"permanent"`
	CreatedAt int64 `db:"created_at" json:"created_at"`
}

// TableName returns the table name for MutationQueueItem.
func (MutationQueueItem) TableName() string {
	return "sync_queue"
}

// Validate rejects malformed items.
func (q *MutationQueueItem) Validate() error {
	if q.ID == "" {
		return invalid("sync queue", "id is required")
	}
	if !q.OperationType.Valid() {
		return invalid("sync queue", "unknown operation_type "+string(q.OperationType))
	}
	if q.EntityTable == "" || q.RecordID == "" {
		return invalid("sync queue", "table_name and record_id are required")
	}
	if len(q.Payload) > 0 && !json.Valid(q.Payload) {
		return invalid("sync queue", "payload is not valid JSON")
	}
	return nil
}

// Due reports whether the item may be attempted at now.
func (q *MutationQueueItem) Due(now time.Time) bool {
	return !q.Permanent && (q.NextRetryAt == 0 || q.NextRetryAt <= now.Unix())
}

// Conflict resolution policies reported by the server.
const (
	PolicyServerWins     = "server_wins"
	PolicyMostRecentWins = "most_recent_wins"
	PolicyClientWins     = "client_wins"
	PolicyManual         = "manual"
)

// Conflict is a per-field disagreement reported by the server while merging
// offline progress. It is data for display, not an error.
type Conflict struct {
	Entity       string          `json:"entity"`
	EntityID     string          `json:"entity_id"`
	Field        string          `json:"field"`
	ServerValue  json.RawMessage `json:"server_value,omitempty"`
	OfflineValue json.RawMessage `json:"offline_value,omitempty"`
	Resolution   string          `json:"resolution"`
	Message      string          `json:"message,omitempty"`
}

// SyncProgressResult is the server's answer to an offline progress batch.
type SyncProgressResult struct {
	Success          bool       `json:"success"`
	ContentSynced    int        `json:"content_synced"`
	ModulesSynced    int        `json:"modules_synced"`
	AttemptsSynced   int        `json:"attempts_synced"`
	Conflicts        []Conflict `json:"conflicts"`
	Warnings         []string   `json:"warnings"`
	ServerTime       int64      `json:"server_time,omitempty"`
	EnrollmentStatus string     `json:"enrollment_status,omitempty"`
}

// MutationResult is the server's answer to a replayed mutation. ID carries
// the canonical id when the server assigned one.
type MutationResult struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}
