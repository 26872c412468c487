package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/internal/remote"
	"github.com/hyperengineering/chatsync/internal/store"
)

// Mutation is a domain write against the remote service, optionally mirrored
// into a cached record.
type Mutation struct {
	Method string
	Path   string
	Body   json.RawMessage

	// Collection names the cache collection the mutation affects. Empty
	// means nothing is cached.
	Collection string
	// Key is the cached record key. When nil it is read from Record using
	// the collection's key path.
	Key any
	// Record is the optimistic cached state; Body when nil. A DELETE
	// removes the cached record instead.
	Record json.RawMessage

	OwnerID     string
	Priority    int
	BaseVersion int64
}

func (m Mutation) record() json.RawMessage {
	if len(m.Record) > 0 {
		return m.Record
	}
	return m.Body
}

func (m Mutation) deletes() bool {
	return m.Method == http.MethodDelete
}

// MutationResult reports how a mutation was handled.
type MutationResult struct {
	// Queued is true when the mutation waits in the outbox.
	Queued  bool
	QueueID string
	// Data is the remote response of a direct delivery.
	Data json.RawMessage
}

// Mutate applies m. Online, it is delivered directly and the response is
// cached as synced; a network-class failure falls back to the outbox.
// Offline, it is queued and the record is cached optimistically as pending.
// Non-network failures are returned and nothing is queued.
func (c *Coordinator) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if m.Method == "" || m.Path == "" {
		return nil, fmt.Errorf("%w: method and path are required", ErrInvalidMutation)
	}

	if !c.Enabled() {
		resp, err := c.caller.Call(ctx, m.Method, m.Path, m.Body)
		if err != nil {
			return nil, err
		}
		return &MutationResult{Data: resp.Data}, nil
	}

	if c.monitor.Online() {
		resp, err := c.caller.Call(ctx, m.Method, m.Path, m.Body)
		if err == nil {
			if m.Collection != "" {
				if err := c.cacheDelivered(ctx, m.Collection, m.Key, m.record(), resp.Data, m.deletes()); err != nil {
					c.logger.Warn("cache update after delivery failed",
						"collection", m.Collection, "path", m.Path, "error", err)
				}
			}
			return &MutationResult{Data: resp.Data}, nil
		}
		if !remote.IsNetwork(err) {
			return nil, err
		}
		c.logger.Info("delivery failed, queueing mutation", "path", m.Path, "error", err)
	}

	return c.enqueue(ctx, m)
}

func (c *Coordinator) enqueue(ctx context.Context, m Mutation) (*MutationResult, error) {
	op := outbox.Operation{
		TargetURL:   m.Path,
		Method:      m.Method,
		Payload:     m.Body,
		OwnerID:     m.OwnerID,
		Priority:    m.Priority,
		BaseVersion: m.BaseVersion,
	}

	if m.Collection != "" {
		key, err := c.recordKey(m.Collection, m.Key, m.record())
		if err != nil {
			return nil, err
		}
		rawKey, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("encode key: %w", err)
		}
		op.Entity = &outbox.EntityRef{Collection: m.Collection, Key: rawKey}

		if m.deletes() {
			err = c.store.Delete(ctx, m.Collection, key)
		} else {
			err = c.cachePending(ctx, m.Collection, key, m.record(), m.BaseVersion)
		}
		if err != nil {
			return nil, err
		}
	}

	id, err := c.queue.Enqueue(ctx, op)
	if err != nil {
		if op.Entity != nil && !m.deletes() {
			c.markFailed(ctx, op.Entity, err)
		}
		return nil, err
	}
	return &MutationResult{Queued: true, QueueID: id}, nil
}

// recordKey returns key, or reads it from record along the collection's key
// path.
func (c *Coordinator) recordKey(collection string, key any, record json.RawMessage) (any, error) {
	if key != nil {
		return key, nil
	}
	def, ok := c.store.Schema().Collection(collection)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownCollection, collection)
	}
	if len(def.KeyPath) == 0 {
		return nil, fmt.Errorf("%w: collection %s needs an explicit key", store.ErrMissingKey, collection)
	}
	parts := make([]any, 0, len(def.KeyPath))
	for _, p := range def.KeyPath {
		v := gjson.GetBytes(record, p)
		if !v.Exists() {
			return nil, fmt.Errorf("%w: %s", store.ErrMissingKey, p)
		}
		parts = append(parts, v.Value())
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts, nil
}

func (c *Coordinator) cachePending(ctx context.Context, collection string, key any, record json.RawMessage, baseVersion int64) error {
	rec, err := stamp(record, SyncPending)
	if err != nil {
		return err
	}
	if baseVersion > 0 {
		if rec, err = sjson.SetBytes(rec, "version", baseVersion); err != nil {
			return fmt.Errorf("stamp version: %w", err)
		}
	}
	return c.store.Upsert(ctx, collection, json.RawMessage(rec), key)
}

// cacheDelivered records a successfully delivered mutation. The response
// object is cached when it carries the record; otherwise the optimistic
// record is cached.
func (c *Coordinator) cacheDelivered(ctx context.Context, collection string, key any, record, response json.RawMessage, deleted bool) error {
	key, err := c.recordKey(collection, key, record)
	if err != nil && !errors.Is(err, store.ErrMissingKey) {
		return err
	}
	if key == nil {
		key, err = c.recordKey(collection, nil, response)
		if err != nil {
			return err
		}
	}
	if deleted {
		return c.store.Delete(ctx, collection, key)
	}

	if gjson.ParseBytes(response).IsObject() {
		if rec, err := stamp(response, SyncSynced); err == nil {
			if respKey, err := c.recordKey(collection, nil, response); err == nil && sameKey(respKey, key) {
				return c.store.Upsert(ctx, collection, json.RawMessage(rec), key)
			}
		}
	}
	if len(record) == 0 {
		return nil
	}
	rec, err := stamp(record, SyncSynced)
	if err != nil {
		return err
	}
	return c.store.Upsert(ctx, collection, json.RawMessage(rec), key)
}

// markFailed stamps a cached record as failed with the delivery error.
func (c *Coordinator) markFailed(ctx context.Context, ref *outbox.EntityRef, cause error) {
	key, err := entityKey(ref)
	if err != nil {
		c.logger.Warn("bad entity key", "collection", ref.Collection, "error", err)
		return
	}
	cur, err := c.store.Get(ctx, ref.Collection, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("read cached record failed", "collection", ref.Collection, "error", err)
		}
		return
	}
	rec, err := stamp(cur, SyncFailed)
	if err == nil {
		rec, err = sjson.SetBytes(rec, "syncError", cause.Error())
	}
	if err == nil {
		err = c.store.Upsert(ctx, ref.Collection, json.RawMessage(rec), key)
	}
	if err != nil {
		c.logger.Warn("mark cached record failed", "collection", ref.Collection, "error", err)
	}
}

func stamp(record json.RawMessage, status SyncStatus) ([]byte, error) {
	if !gjson.ParseBytes(record).IsObject() {
		return nil, ErrInvalidRecord
	}
	rec, err := sjson.SetBytes(record, "syncStatus", string(status))
	if err != nil {
		return nil, fmt.Errorf("stamp sync status: %w", err)
	}
	if status != SyncFailed && gjson.GetBytes(rec, "syncError").Exists() {
		if rec, err = sjson.DeleteBytes(rec, "syncError"); err != nil {
			return nil, fmt.Errorf("clear sync error: %w", err)
		}
	}
	return rec, nil
}

func entityKey(ref *outbox.EntityRef) (any, error) {
	var key any
	if err := json.Unmarshal(ref.Key, &key); err != nil {
		return nil, fmt.Errorf("decode entity key: %w", err)
	}
	return key, nil
}

func sameKey(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
