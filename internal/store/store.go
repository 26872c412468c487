// Package store implements the local persistent key-value store: named
// collections of JSON records with declared primary key paths and secondary
// indexes, backed by SQLite.
//
// Every operation is individually atomic. The store offers no multi-record
// transactions; a record and its index entries are written together, nothing
// more.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store is the shared local store handle. It is safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	maxRecordBytes int
	watchSchema    bool

	mu       sync.RWMutex
	db       *sql.DB
	schema   Schema
	disabled error

	subsMu sync.Mutex
	subs   map[int]*subscription
	nextID int

	sourceID string

	watchMu     sync.Mutex
	stopWatcher context.CancelFunc
	watcherDone chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxRecordBytes limits the serialized size of a single record. Zero
// disables the limit.
func WithMaxRecordBytes(n int) Option {
	return func(s *Store) {
		s.maxRecordBytes = n
	}
}

// WithSchemaWatch enables detection of schema upgrades performed by another
// process on the same database file.
func WithSchemaWatch(enabled bool) Option {
	return func(s *Store) {
		s.watchSchema = enabled
	}
}

// Open opens or creates the store at path, applying the declared schema.
// A declared version older than the persisted one fails with
// ErrSchemaVersionConflict and leaves nothing open.
func Open(ctx context.Context, path string, schema Schema, opts ...Option) (*Store, error) {
	if err := schema.validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	s := &Store{
		path:     path,
		logger:   slog.Default(),
		subs:     make(map[int]*subscription),
		sourceID: ulid.Make().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	db, err := openDatabase(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.schema = schema

	if s.watchSchema && !isMemoryPath(path) {
		if err := s.startWatcher(); err != nil {
			s.logger.Warn("schema watch disabled", "error", err)
		}
	}

	s.logger.Info("store opened", "path", path, "version", schema.Version,
		"collections", len(schema.Collections))
	return s, nil
}

// openDatabase opens the SQLite handle, runs migrations, and reconciles the
// logical schema.
func openDatabase(ctx context.Context, path string, schema Schema) (*sql.DB, error) {
	if !isMemoryPath(path) {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("%w: create database directory: %v", ErrStoreUnavailable, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStoreUnavailable, err)
	}
	// One connection serializes writes, so writes to the same key apply in
	// call order and an in-memory database is shared by every call.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := enablePragmas(db, path); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable pragmas: %v", ErrStoreUnavailable, err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: run migrations: %v", ErrStoreUnavailable, err)
	}

	if err := applySchema(ctx, db, schema); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB, path string) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	if !isMemoryPath(path) {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Close releases the handle. Subscriptions are closed.
func (s *Store) Close() error {
	s.stopWatching()

	s.mu.Lock()
	db := s.db
	s.db = nil
	if s.disabled == nil {
		s.disabled = errors.New("store closed")
	}
	s.mu.Unlock()

	s.closeSubscriptions()

	if db == nil {
		return nil
	}
	return db.Close()
}

// Reopen reopens a disabled store with the given schema, typically the newer
// schema another writer upgraded to.
func (s *Store) Reopen(ctx context.Context, schema Schema) error {
	if err := schema.validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	s.stopWatching()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	db, err := openDatabase(ctx, s.path, schema)
	if err != nil {
		return err
	}
	s.db = db
	s.schema = schema
	s.disabled = nil

	if s.watchSchema && !isMemoryPath(s.path) {
		if err := s.startWatcher(); err != nil {
			s.logger.Warn("schema watch disabled", "error", err)
		}
	}
	s.logger.Info("store reopened", "path", s.path, "version", schema.Version)
	return nil
}

// Schema returns the schema the store is currently open with.
func (s *Store) Schema() Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// Version returns the open schema version.
func (s *Store) Version() int {
	return s.Schema().Version
}

// Disabled reports the reason the store is unusable, or nil.
func (s *Store) Disabled() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled
}

// SourceID identifies this store handle in change notifications.
func (s *Store) SourceID() string {
	return s.sourceID
}

// disable closes the handle and rejects further calls until Reopen.
func (s *Store) disable(reason error) {
	s.mu.Lock()
	if s.disabled != nil {
		s.mu.Unlock()
		return
	}
	s.disabled = reason
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if db != nil {
		db.Close()
	}
	s.logger.Warn("store disabled", "reason", reason)
}

// handle returns the open database and collection definition, or the reason
// neither is usable.
func (s *Store) handle(collection string) (*sql.DB, Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.disabled != nil {
		return nil, Collection{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, s.disabled)
	}
	if s.db == nil {
		return nil, Collection{}, ErrStoreUnavailable
	}
	c, ok := s.schema.Collection(collection)
	if !ok {
		return nil, Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return s.db, c, nil
}

// checkSchemaVersion compares the persisted version with the open one and
// disables the store when another writer has upgraded it.
func (s *Store) checkSchemaVersion(ctx context.Context) {
	s.mu.RLock()
	db := s.db
	version := s.schema.Version
	s.mu.RUnlock()
	if db == nil {
		return
	}

	var persisted int
	if err := db.QueryRowContext(ctx, `SELECT version FROM store_schema WHERE id = 1`).Scan(&persisted); err != nil {
		s.logger.Debug("schema version check failed", "error", err)
		return
	}
	if persisted > version {
		s.disable(fmt.Errorf("%w: schema upgraded to version %d by another writer", ErrSchemaVersionConflict, persisted))
	}
}
