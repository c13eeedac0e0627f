// Package sqlite implements kestrel.RecordStore on pure-Go SQLite.
// Zero CGO required. One database file holds any number of named record
// collections, so the todo and notes tools can share a single file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrel-ai/kestrel"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing. If not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store owns one SQLite database file. Obtain per-collection RecordStore
// views with Collection. The Store, not the collections, owns the database
// handle; callers close it once when done.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the records table. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS records (
		collection TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	s.logger.Debug("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Collection returns a RecordStore view over one named record. Distinct
// names are fully independent; the same name always resolves to the same
// row.
func (s *Store) Collection(name string) *Collection {
	return &Collection{store: s, name: name}
}

// DB returns the underlying *sql.DB for sharing with other components.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection. Collections obtained
// from this Store become unusable.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// Collection is one named record inside a Store, exposed through the
// kestrel.RecordStore interface.
type Collection struct {
	store *Store
	name  string
}

var _ kestrel.RecordStore = (*Collection)(nil)

// Load reads the record into v. A collection that has never been saved
// leaves v untouched and returns nil. Corrupt stored JSON fails with
// *kestrel.ErrParse.
func (c *Collection) Load(ctx context.Context, v any) error {
	start := time.Now()
	s := c.store

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ?`, c.name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: load empty", "collection", c.name, "duration", time.Since(start))
		return nil
	}
	if err != nil {
		s.logger.Error("sqlite: load failed", "collection", c.name, "error", err, "duration", time.Since(start))
		return fmt.Errorf("load record: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return &kestrel.ErrParse{What: "record " + c.name, Err: err}
	}
	s.logger.Debug("sqlite: load ok", "collection", c.name, "bytes", len(data), "duration", time.Since(start))
	return nil
}

// Save replaces the record with the JSON encoding of v.
func (c *Collection) Save(ctx context.Context, v any) error {
	start := time.Now()
	s := c.store

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (collection, data, updated_at) VALUES (?, ?, ?)`,
		c.name, string(data), kestrel.NowUnix(),
	)
	if err != nil {
		s.logger.Error("sqlite: save failed", "collection", c.name, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save record: %w", err)
	}
	s.logger.Debug("sqlite: save ok", "collection", c.name, "bytes", len(data), "duration", time.Since(start))
	return nil
}

// Close is a no-op: the owning Store holds the database handle and must be
// closed by whoever created it, since several collections share it.
func (c *Collection) Close() error { return nil }
