package outbox

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/chatsync/internal/store"
)

// CollectionName is the store collection holding queue entries.
const CollectionName = "offlineRequests"

// Index names on the queue collection.
const (
	IndexStatus         = "status"
	IndexOwnerTimestamp = "ownerId_timestamp"
	IndexStatusOrder    = "status_order"
)

// Collection declares the queue collection. status_order sorts entries of one
// status by descending priority, then by id, which is creation order.
func Collection() store.Collection {
	return store.Collection{
		Name:    CollectionName,
		KeyPath: []string{"id"},
		Indexes: []store.Index{
			{Name: IndexStatus, KeyPath: []string{"status"}},
			{Name: IndexOwnerTimestamp, KeyPath: []string{"ownerId", "timestamp"}},
			{Name: IndexStatusOrder, KeyPath: []string{"status", "rank", "id"}},
		},
	}
}

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) canTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// EntityRef points at the cached record a queued mutation will reconcile.
type EntityRef struct {
	Collection string          `json:"collection"`
	Key        json.RawMessage `json:"key"`
}

// Operation is a remote mutation to be queued.
type Operation struct {
	TargetURL   string
	Method      string
	Payload     json.RawMessage
	OwnerID     string
	Priority    int
	Entity      *EntityRef
	BaseVersion int64
}

// Entry is a persisted queue entry.
type Entry struct {
	ID           string          `json:"id"`
	TargetURL    string          `json:"targetUrl"`
	Method       string          `json:"method"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OwnerID      string          `json:"ownerId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	Timestamp    int64           `json:"timestamp"`
	Status       Status          `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	RetryCount   int             `json:"retryCount"`
	Priority     int             `json:"priority,omitempty"`
	Rank         int             `json:"rank"`
	ProcessingAt *time.Time      `json:"processingAt,omitempty"`
	FailedAt     *time.Time      `json:"failedAt,omitempty"`
	Permanent    bool            `json:"permanent,omitempty"`
	Entity       *EntityRef      `json:"entity,omitempty"`
	BaseVersion  int64           `json:"baseVersion,omitempty"`
}

// Stats counts entries per status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total is the number of entries in the queue.
func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
