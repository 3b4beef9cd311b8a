// Package postgres stores proxy cache entries in a single PostgreSQL table keyed
// by cache.Key.Location().
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/any-hub/caching-proxy/internal/cache"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error.
	ErrPingFailed = errors.New("ping returned error")
	// ErrNilDB is returned when New is called without a database handle.
	ErrNilDB = errors.New("nil database handle")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed fetch_by_location.sql
	queryFetchByLocation string
	//go:embed upsert_entry.sql
	queryUpsertEntry string
	//go:embed delete_all.sql
	queryDeleteAll string
)

// Store implements cache.Store on top of PostgreSQL.
type Store struct {
	db *sql.DB

	now func() time.Time
}

var _ cache.Store = (*Store)(nil)

// Open connects with the lib/pq driver and prepares the table.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	store, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New verifies the connection and creates the entries table when missing.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}
	if _, err := db.ExecContext(ctx, queryCreateTable); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Get returns the stored payload. A missing row is a miss, not an error.
func (s *Store) Get(ctx context.Context, key cache.Key) (json.RawMessage, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, queryFetchByLocation, key.Location()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.NewStorageError("get", key.Location(), err)
	}
	if err := cache.ValidatePayload([]byte(payload)); err != nil {
		return nil, false, cache.NewStorageError("get", key.Location(), err)
	}
	return json.RawMessage(payload), true, nil
}

// Put upserts the payload; the statement is atomic so readers see the old or new row.
func (s *Store) Put(ctx context.Context, key cache.Key, value json.RawMessage) error {
	if err := cache.ValidatePayload(value); err != nil {
		return cache.NewStorageError("put", key.Location(), err)
	}
	_, err := s.db.ExecContext(ctx, queryUpsertEntry, key.Location(), key.Namespace, string(value), s.now().UTC())
	return cache.NewStorageError("put", key.Location(), err)
}

// Clear removes every entry. Deleting from an empty table succeeds.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, queryDeleteAll)
	return cache.NewStorageError("clear", "", err)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
