package coordinator

import (
	"time"

	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/internal/store"
)

// Cached entity collections.
const (
	SessionsCollection = "sessions"
	MessagesCollection = "messages"
)

// Index names on the messages collection.
const (
	IndexConversationTimestamp = "conversationId_timestamp"
	IndexMessageStatus         = "status"
	IndexSyncStatus            = "syncStatus"
)

// Collections returns the cached entity collections.
func Collections() []store.Collection {
	return []store.Collection{
		{
			Name:    SessionsCollection,
			KeyPath: []string{"id"},
			Indexes: []store.Index{
				{Name: IndexSyncStatus, KeyPath: []string{"syncStatus"}},
			},
		},
		{
			Name:    MessagesCollection,
			KeyPath: []string{"id"},
			Indexes: []store.Index{
				{Name: IndexConversationTimestamp, KeyPath: []string{"conversationId", "timestamp"}},
				{Name: IndexMessageStatus, KeyPath: []string{"status"}},
				{Name: IndexSyncStatus, KeyPath: []string{"syncStatus"}},
			},
		},
	}
}

// Schema returns the store schema at version: the cached entity collections,
// the outbox collection and any extra application collections.
func Schema(version int, extra ...store.Collection) (store.Schema, error) {
	return store.Merge(
		store.Schema{Version: version, Collections: Collections()},
		store.Schema{Collections: []store.Collection{outbox.Collection()}},
		store.Schema{Collections: extra},
	)
}

// SyncStatus is stamped on cached records in the "syncStatus" field.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncFailed  SyncStatus = "failed"
)

// MessageStatus is the lifecycle of a streamed message.
type MessageStatus string

const (
	MessageStreaming  MessageStatus = "streaming"
	MessageComplete   MessageStatus = "complete"
	MessageTruncated  MessageStatus = "truncated"
	MessageIncomplete MessageStatus = "incomplete"
	MessageError      MessageStatus = "error"
)

// Message is the cached record a stream is reconciled into.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Progress       float64        `json:"progress,omitempty"`
	Status         MessageStatus  `json:"status"`
	Error          string         `json:"error,omitempty"`
	SyncStatus     SyncStatus     `json:"syncStatus"`
	Timestamp      int64          `json:"timestamp"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Version        int64          `json:"version"`
}
