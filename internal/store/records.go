package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const insertIndexEntrySQL = `
	INSERT INTO index_entries (collection, index_name, ikey, pk)
	VALUES (?, ?, ?, ?)`

// Get returns the record stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection string, key any) (json.RawMessage, error) {
	db, _, err := s.handle(collection)
	if err != nil {
		return nil, opError("get", collection, err)
	}
	pk, err := encodeKey(key)
	if err != nil {
		return nil, opError("get", collection, err)
	}

	var body string
	err = db.QueryRowContext(ctx,
		`SELECT body FROM records WHERE collection = ? AND pk = ?`, collection, pk).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, opError("get", collection, err)
	}
	return json.RawMessage(body), nil
}

// GetInto decodes the record stored under key into out.
func (s *Store) GetInto(ctx context.Context, collection string, key any, out any) error {
	raw, err := s.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return opError("get", collection, fmt.Errorf("%w: %v", ErrSerialization, err))
	}
	return nil
}

// Put inserts or overwrites record, taking its primary key from the
// collection's key path.
func (s *Store) Put(ctx context.Context, collection string, record any) error {
	return s.write(ctx, "put", collection, record, nil)
}

// Upsert inserts or overwrites record under an explicit key. Writing an
// existing key is never an error.
func (s *Store) Upsert(ctx context.Context, collection string, record any, key any) error {
	if key == nil {
		return opError("upsert", collection, ErrMissingKey)
	}
	return s.write(ctx, "upsert", collection, record, key)
}

func (s *Store) write(ctx context.Context, op, collection string, record any, key any) error {
	db, def, err := s.handle(collection)
	if err != nil {
		return opError(op, collection, err)
	}

	body, err := marshalRecord(record)
	if err != nil {
		return opError(op, collection, err)
	}
	if s.maxRecordBytes > 0 && len(body) > s.maxRecordBytes {
		return opError(op, collection, fmt.Errorf("%w: %d bytes > %d", ErrQuotaExceeded, len(body), s.maxRecordBytes))
	}

	if key == nil {
		if len(def.KeyPath) == 0 {
			return opError(op, collection, ErrMissingKey)
		}
		k, ok := extractKey(body, def.KeyPath)
		if !ok {
			return opError(op, collection, ErrMissingKey)
		}
		key = singleKey(k)
	}
	pk, err := encodeKey(key)
	if err != nil {
		return opError(op, collection, err)
	}

	if err := writeRecord(ctx, db, def, pk, body); err != nil {
		return opError(op, collection, err)
	}

	s.publish(Change{Collection: collection, Key: key, Op: ChangePut, Record: json.RawMessage(body)})
	return nil
}

// writeRecord replaces the record and its index entries in one transaction.
func writeRecord(ctx context.Context, db *sql.DB, def Collection, pk, body []byte) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	type entry struct {
		index string
		ikey  []byte
	}
	var entries []entry
	for _, idx := range def.Indexes {
		k, ok := extractKey(body, idx.KeyPath)
		if !ok {
			continue
		}
		ikey, err := encodeKey(k)
		if err != nil {
			continue
		}
		if idx.Unique {
			if err := checkUnique(ctx, tx, def.Name, idx.Name, ikey, pk); err != nil {
				return err
			}
		}
		entries = append(entries, entry{index: idx.Name, ikey: ikey})
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, pk, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, pk) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, def.Name, pk, string(body), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_entries WHERE collection = ? AND pk = ?`, def.Name, pk); err != nil {
		return fmt.Errorf("clear index entries: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, insertIndexEntrySQL, def.Name, e.index, e.ikey, pk); err != nil {
			return fmt.Errorf("write index %s: %w", e.index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func checkUnique(ctx context.Context, tx *sql.Tx, collection, index string, ikey, pk []byte) error {
	var owner []byte
	err := tx.QueryRowContext(ctx, `
		SELECT pk FROM index_entries
		WHERE collection = ? AND index_name = ? AND ikey = ? AND pk <> ?
		LIMIT 1
	`, collection, index, ikey, pk).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check unique %s: %w", index, err)
	}
	return fmt.Errorf("%w: %s", ErrUniqueViolation, index)
}

// Delete removes the record stored under key. Deleting an absent key is not
// an error.
func (s *Store) Delete(ctx context.Context, collection string, key any) error {
	_, err := s.deleteKeys(ctx, "delete", collection, []any{key})
	return err
}

// DeleteBulk removes every listed key in one transaction and returns how
// many records existed.
func (s *Store) DeleteBulk(ctx context.Context, collection string, keys []any) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.deleteKeys(ctx, "delete_bulk", collection, keys)
}

func (s *Store) deleteKeys(ctx context.Context, op, collection string, keys []any) (int, error) {
	db, _, err := s.handle(collection)
	if err != nil {
		return 0, opError(op, collection, err)
	}

	pks := make([][]byte, len(keys))
	for i, k := range keys {
		pk, err := encodeKey(k)
		if err != nil {
			return 0, opError(op, collection, err)
		}
		pks[i] = pk
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, opError(op, collection, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	var deleted []int
	for i, pk := range pks {
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND pk = ?`, collection, pk)
		if err != nil {
			return 0, opError(op, collection, fmt.Errorf("delete record: %w", err))
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM index_entries WHERE collection = ? AND pk = ?`, collection, pk); err != nil {
			return 0, opError(op, collection, fmt.Errorf("delete index entries: %w", err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted = append(deleted, i)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, opError(op, collection, fmt.Errorf("commit transaction: %w", err))
	}

	for _, i := range deleted {
		s.publish(Change{Collection: collection, Key: keys[i], Op: ChangeDelete})
	}
	return len(deleted), nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	db, _, err := s.handle(collection)
	if err != nil {
		return 0, opError("count", collection, err)
	}
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, opError("count", collection, err)
	}
	return n, nil
}

// marshalRecord serializes a record, accepting pre-encoded JSON as is. Only
// JSON objects are storable.
func marshalRecord(record any) ([]byte, error) {
	var body []byte
	switch r := record.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil record", ErrSerialization)
	case json.RawMessage:
		body = []byte(r)
	case []byte:
		body = r
	default:
		b, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		body = b
	}
	body = bytes.TrimSpace(body)
	if !json.Valid(body) || len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("%w: record must be a JSON object", ErrSerialization)
	}
	return body, nil
}
