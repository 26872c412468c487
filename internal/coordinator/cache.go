package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/chatsync/internal/store"
)

// EvictMessages deletes settled, synced messages created before the given
// time. Streaming messages and those with unsynced changes are kept.
func (c *Coordinator) EvictMessages(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UnixMilli()
	var keys []any
	for raw, err := range c.store.Query(ctx, MessagesCollection, store.Query{}) {
		if err != nil {
			return 0, err
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return 0, fmt.Errorf("decode message: %w", err)
		}
		if m.Status == MessageStreaming || m.SyncStatus != SyncSynced || m.Timestamp >= cutoff {
			continue
		}
		keys = append(keys, m.ID)
	}
	return c.store.DeleteBulk(ctx, MessagesCollection, keys)
}

// ConversationMessages returns a conversation's cached messages, oldest
// first.
func (c *Coordinator) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	q := store.Query{Index: IndexConversationTimestamp, Prefix: []any{conversationID}}
	var out []Message
	for raw, err := range c.store.Query(ctx, MessagesCollection, q) {
		if err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
