package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Schema declares the collections of a store at a given version. Raising the
// version may only add collections or indices.
type Schema struct {
	Version     int          `json:"version"`
	Collections []Collection `json:"collections"`
}

// Collection is a named partition of the store. KeyPath names the record
// fields forming the primary key; an empty KeyPath means records are always
// written with an explicit key via Upsert.
type Collection struct {
	Name    string   `json:"name"`
	KeyPath []string `json:"keyPath,omitempty"`
	Indexes []Index  `json:"indexes,omitempty"`
}

// Index is a queryable projection of a collection keyed by one or more
// record fields.
type Index struct {
	Name    string   `json:"name"`
	KeyPath []string `json:"keyPath"`
	Unique  bool     `json:"unique,omitempty"`
}

// Collection returns the named collection definition.
func (s Schema) Collection(name string) (Collection, bool) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// Index returns the named index definition.
func (c Collection) Index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Merge combines several schemas into one. The highest version wins and
// collections are concatenated; duplicate collection names are rejected.
func Merge(schemas ...Schema) (Schema, error) {
	var out Schema
	seen := make(map[string]bool)
	for _, s := range schemas {
		if s.Version > out.Version {
			out.Version = s.Version
		}
		for _, c := range s.Collections {
			if seen[c.Name] {
				return Schema{}, fmt.Errorf("duplicate collection %q", c.Name)
			}
			seen[c.Name] = true
			out.Collections = append(out.Collections, c)
		}
	}
	return out, nil
}

func (s Schema) validate() error {
	if s.Version <= 0 {
		return fmt.Errorf("schema version must be positive, got %d", s.Version)
	}
	names := make(map[string]bool)
	for _, c := range s.Collections {
		if c.Name == "" {
			return errors.New("collection name is required")
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate collection %q", c.Name)
		}
		names[c.Name] = true

		indexNames := make(map[string]bool)
		for _, idx := range c.Indexes {
			if idx.Name == "" || len(idx.KeyPath) == 0 {
				return fmt.Errorf("collection %q: index requires a name and key path", c.Name)
			}
			if indexNames[idx.Name] {
				return fmt.Errorf("collection %q: duplicate index %q", c.Name, idx.Name)
			}
			indexNames[idx.Name] = true
		}
	}
	return nil
}

// additiveOver reports whether s only adds to prev: every previous collection
// and index must still exist with the same definition.
func (s Schema) additiveOver(prev Schema) error {
	for _, old := range prev.Collections {
		cur, ok := s.Collection(old.Name)
		if !ok {
			return fmt.Errorf("%w: collection %q removed", ErrIncompatibleSchema, old.Name)
		}
		if !slices.Equal(cur.KeyPath, old.KeyPath) {
			return fmt.Errorf("%w: collection %q key path changed", ErrIncompatibleSchema, old.Name)
		}
		for _, oldIdx := range old.Indexes {
			idx, ok := cur.Index(oldIdx.Name)
			if !ok {
				return fmt.Errorf("%w: index %s.%s removed", ErrIncompatibleSchema, old.Name, oldIdx.Name)
			}
			if !slices.Equal(idx.KeyPath, oldIdx.KeyPath) || idx.Unique != oldIdx.Unique {
				return fmt.Errorf("%w: index %s.%s changed", ErrIncompatibleSchema, old.Name, oldIdx.Name)
			}
		}
	}
	return nil
}

// newIndexes lists indexes present in s but not in prev, keyed by collection.
func (s Schema) newIndexes(prev Schema) map[string][]Index {
	added := make(map[string][]Index)
	for _, c := range s.Collections {
		old, existed := prev.Collection(c.Name)
		if !existed {
			continue
		}
		for _, idx := range c.Indexes {
			if _, ok := old.Index(idx.Name); !ok {
				added[c.Name] = append(added[c.Name], idx)
			}
		}
	}
	return added
}

// readSchema loads the persisted schema. ok is false for a fresh database.
func readSchema(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (Schema, bool, error) {
	var definition string
	err := q.QueryRowContext(ctx, `SELECT definition FROM store_schema WHERE id = 1`).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return Schema{}, false, nil
	}
	if err != nil {
		return Schema{}, false, fmt.Errorf("read schema: %w", err)
	}
	var s Schema
	if err := json.Unmarshal([]byte(definition), &s); err != nil {
		return Schema{}, false, fmt.Errorf("decode schema: %w", err)
	}
	return s, true, nil
}

// applySchema reconciles the persisted schema with the declared one:
// first-time creation, no-op, or an additive upgrade that backfills new
// indexes from existing records.
func applySchema(ctx context.Context, db *sql.DB, declared Schema) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, exists, err := readSchema(ctx, tx)
	if err != nil {
		return err
	}

	if exists {
		switch {
		case stored.Version > declared.Version:
			return fmt.Errorf("%w: persisted version %d is newer than declared version %d",
				ErrSchemaVersionConflict, stored.Version, declared.Version)
		case stored.Version == declared.Version:
			if err := declared.additiveOver(stored); err != nil {
				return err
			}
			if err := stored.additiveOver(declared); err != nil {
				return fmt.Errorf("%w: schema changed without a version bump", ErrIncompatibleSchema)
			}
			return nil
		}
		if err := declared.additiveOver(stored); err != nil {
			return err
		}
		for collection, indexes := range declared.newIndexes(stored) {
			if err := backfillIndexes(ctx, tx, collection, indexes); err != nil {
				return err
			}
		}
	}

	definition, err := json.Marshal(declared)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO store_schema (id, version, definition, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version,
			definition = excluded.definition, updated_at = excluded.updated_at
	`, declared.Version, string(definition), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist schema: %w", err)
	}

	return tx.Commit()
}

// backfillIndexes builds entries for indexes added to an existing collection.
func backfillIndexes(ctx context.Context, tx *sql.Tx, collection string, indexes []Index) error {
	rows, err := tx.QueryContext(ctx, `SELECT pk, body FROM records WHERE collection = ?`, collection)
	if err != nil {
		return fmt.Errorf("scan %s for backfill: %w", collection, err)
	}
	type row struct {
		pk   []byte
		body []byte
	}
	var existing []row
	for rows.Next() {
		var r row
		var body string
		if err := rows.Scan(&r.pk, &body); err != nil {
			rows.Close()
			return fmt.Errorf("scan record: %w", err)
		}
		r.body = []byte(body)
		existing = append(existing, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range existing {
		for _, idx := range indexes {
			key, ok := extractKey(r.body, idx.KeyPath)
			if !ok {
				continue
			}
			ikey, err := encodeKey(key)
			if err != nil {
				continue
			}
			if idx.Unique {
				if err := checkUnique(ctx, tx, collection, idx.Name, ikey, r.pk); err != nil {
					return fmt.Errorf("backfill %s.%s: %w", collection, idx.Name, err)
				}
			}
			if _, err := tx.ExecContext(ctx, insertIndexEntrySQL, collection, idx.Name, ikey, r.pk); err != nil {
				return fmt.Errorf("backfill %s.%s: %w", collection, idx.Name, err)
			}
		}
	}
	return nil
}
