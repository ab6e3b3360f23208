// Package storage is the PostgreSQL-backed persistence layer for the outbox
// publisher, the idempotency store, and the distributed lock. It follows the
// schema-bootstrap and FOR UPDATE SKIP LOCKED claim idioms of relaycore's
// original message-table transport.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	relaycoreerrors "github.com/relaycore/relaycore/internal/runtime/errors"
)

const (
	// DefaultMaxOpenConns bounds the connection pool size.
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns bounds idle connections retained in the pool.
	DefaultMaxIdleConns = 5
)

// Config holds the settings needed to open the storage layer.
type Config struct {
	// ConnectionString is the PostgreSQL DSN.
	ConnectionString string
	// SchemaName groups the outbox, inbox, and lock tables. Defaults to "relaycore".
	SchemaName string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = "relaycore"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	return c
}

// Store owns the database connection and schema for the outbox publisher
// (C7), the command-side and query-side idempotency stores (C3), and the
// distributed lock (C4).
type Store struct {
	db     *sql.DB
	schema string
}

// Open connects to PostgreSQL and bootstraps the schema idempotently.
func Open(cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("relaycore: postgres connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("relaycore: open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaycore: ping postgres: %w", err)
	}

	s := &Store{db: db, schema: cfg.SchemaName}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaycore: init schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying connection pool for callers (such as the unit of
// work managers) that need to open transactions directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewForTest builds a Store around an already-open connection, skipping
// Open's dial and schema bootstrap. It exists so packages that depend on
// storage.Store (the dispatch engine, the outbox publisher) can drive it
// against a sqlmock.DB in their own tests without a real PostgreSQL server.
func NewForTest(db *sql.DB, schema string) *Store {
	if schema == "" {
		schema = "relaycore"
	}
	return &Store{db: db, schema: schema}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	_, err := s.db.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema))
	if err != nil {
		return err
	}

	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload BYTEA NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_events_active_created
		ON %[1]s.events(created_at ASC)
		WHERE is_active = TRUE;

	CREATE TABLE IF NOT EXISTS %[1]s.consumer_events_command (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		count_of_retry INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS %[1]s.consumer_events_query (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		count_of_retry INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS %[1]s.distributed_locks (
		lock_key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	`, s.schema)

	_, err = s.db.Exec(schema)
	return err
}

// Event mirrors an outbox row.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InsertEvent inserts an outbox row inside the caller's transaction, so the
// event commits atomically with the business state change it represents.
func (s *Store) InsertEvent(ctx context.Context, tx *sql.Tx, ev Event) error {
	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	query := fmt.Sprintf(`
		INSERT INTO %s.events (id, type, payload, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW(), NOW())
	`, s.schema)
	_, err := tx.ExecContext(ctx, query, ev.ID, ev.Type, ev.Payload)
	return err
}

// ClaimPendingEvents locks and returns up to limit pending events in
// CreatedAt ascending order, skipping rows already locked by a concurrent
// outbox pass on another instance. Pending includes both Active rows
// awaiting publish and Inactive rows awaiting deletion: the outbox
// publisher reads both states in one pass and branches per row.
func (s *Store) ClaimPendingEvents(ctx context.Context, tx *sql.Tx, limit int) ([]Event, error) {
	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	query := fmt.Sprintf(`
		SELECT id, type, payload, is_active, created_at, updated_at
		FROM %s.events
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, s.schema)

	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Payload, &ev.IsActive, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeactivateEvent transitions an event Active -> Inactive. It never runs the
// reverse transition.
func (s *Store) DeactivateEvent(ctx context.Context, tx *sql.Tx, id string) error {
	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	query := fmt.Sprintf(`UPDATE %s.events SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND is_active = TRUE`, s.schema)
	_, err := tx.ExecContext(ctx, query, id)
	return err
}

// DeleteEvent removes a single Inactive row by id inside the outbox
// publisher's per-row lock. Used in place of DeleteInactiveEvents when the
// publisher already holds the row's distributed lock and wants to delete
// exactly the row it just claimed, not every Inactive row in the table.
func (s *Store) DeleteEvent(ctx context.Context, tx *sql.Tx, id string) error {
	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	query := fmt.Sprintf(`DELETE FROM %s.events WHERE id = $1`, s.schema)
	_, err := tx.ExecContext(ctx, query, id)
	return err
}

// DeleteInactiveEvents removes events already transitioned to Inactive,
// eligible for removal on the following outbox pass.
func (s *Store) DeleteInactiveEvents(ctx context.Context, tx *sql.Tx) (int64, error) {
	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	query := fmt.Sprintf(`DELETE FROM %s.events WHERE is_active = FALSE`, s.schema)
	result, err := tx.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TransactionSide selects which unit-of-work's idempotency table a message
// belongs to.
type TransactionSide int

const (
	// SideCommand routes to the command-side idempotency table.
	SideCommand TransactionSide = iota
	// SideQuery routes to the query-side idempotency table.
	SideQuery
)

func (s *Store) inboxTable(side TransactionSide) string {
	if side == SideCommand {
		return s.schema + ".consumer_events_command"
	}
	return s.schema + ".consumer_events_query"
}

// ExistsByMessageID reports whether a message id has already been recorded
// as processed on the given side.
func (s *Store) ExistsByMessageID(ctx context.Context, tx *sql.Tx, side TransactionSide, id string) (bool, error) {
	// #nosec G201 - table name derived from a fixed schema and side enum, not user input
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, s.inboxTable(side))
	var exists bool
	err := tx.QueryRowContext(ctx, query, id).Scan(&exists)
	return exists, err
}

// RecordProcessed inserts the idempotency marker inside the consumer's
// business transaction, so the marker and the handler's side-effects commit
// or roll back together.
func (s *Store) RecordProcessed(ctx context.Context, tx *sql.Tx, side TransactionSide, id, msgType string, countOfRetry int) error {
	// #nosec G201 - table name derived from a fixed schema and side enum, not user input
	query := fmt.Sprintf(`
		INSERT INTO %s (id, type, count_of_retry, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO NOTHING
	`, s.inboxTable(side))
	result, err := tx.ExecContext(ctx, query, id, msgType, countOfRetry)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return relaycoreerrors.ErrEventAlreadyProcessed
	}
	return nil
}

// AcquireLock implements the distributed lock's SET-IF-NOT-EXISTS primitive
// with a Postgres UPSERT: the lock is granted only if the row is absent or
// its TTL has already expired.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	query := fmt.Sprintf(`
		INSERT INTO %s.distributed_locks (lock_key, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE %[1]s.distributed_locks.expires_at < NOW()
	`, s.schema)

	result, err := s.db.ExecContext(ctx, query, key, owner, time.Now().Add(ttl))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return relaycoreerrors.ErrLockNotAcquired
	}
	return nil
}

// ReleaseLock releases a lock previously acquired by owner. Releasing a lock
// held by a different owner (for example, after TTL expiry and reacquisition
// by another instance) is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) error {
	// #nosec G201 - schema name is validated/defaulted via withDefaults()
	query := fmt.Sprintf(`DELETE FROM %s.distributed_locks WHERE lock_key = $1 AND owner = $2`, s.schema)
	_, err := s.db.ExecContext(ctx, query, key, owner)
	return err
}
