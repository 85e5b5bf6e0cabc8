// Package store persists cache snapshots so a session can start from the
// last collections it saw.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/dataport/pkg/canonicalize"
)

var (
	// ErrNotFound is returned by Get for unknown keys.
	ErrNotFound = errors.New("snapshot not found")
	// ErrChecksum is returned when a stored body does not match its checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")
)

// Snapshot is one persisted cache entry. Key is the canonical cache key,
// Body the JSON of the cached value.
type Snapshot struct {
	Key      string
	Resource string
	Body     []byte
	Checksum string
	SavedAt  time.Time
}

// SnapshotStore saves and loads snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, key string) (Snapshot, error)
	// List returns the snapshots of resource, or of every resource when
	// resource is empty, oldest first.
	List(ctx context.Context, resource string) ([]Snapshot, error)
	Delete(ctx context.Context, resource string) (int64, error)
	Close() error
}

// Dialect selects placeholder syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// SQLStore implements SnapshotStore on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ SnapshotStore = (*SQLStore)(nil)

// Open opens a store from a DSN: "sqlite:<path>" (":memory:" works) or a
// postgres:// URL.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	var (
		driver  string
		source  string
		dialect Dialect
	)
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		driver, source, dialect = "sqlite", strings.TrimPrefix(dsn, "sqlite:"), SQLite
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		driver, source, dialect = "postgres", dsn, Postgres
	default:
		return nil, fmt.Errorf("unsupported snapshot dsn %q", dsn)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == SQLite {
		// One writer; also keeps a :memory: database alive across calls.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps db and creates the snapshot table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate snapshot store: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS cache_snapshots (
		cache_key TEXT PRIMARY KEY,
		resource TEXT NOT NULL,
		body TEXT NOT NULL,
		checksum TEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL
	)`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS cache_snapshots_resource ON cache_snapshots (resource)`)
	return err
}

// rebind rewrites ? placeholders for the dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save upserts a snapshot. Checksum and SavedAt are filled in when empty.
func (s *SQLStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.Key == "" || snap.Resource == "" {
		return fmt.Errorf("save snapshot: key and resource are required")
	}
	if snap.Checksum == "" {
		snap.Checksum = canonicalize.HashBytes(snap.Body)
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now().UTC()
	}
	query := s.rebind(`
		INSERT INTO cache_snapshots (cache_key, resource, body, checksum, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			resource = EXCLUDED.resource,
			body = EXCLUDED.body,
			checksum = EXCLUDED.checksum,
			saved_at = EXCLUDED.saved_at`)
	if _, err := s.db.ExecContext(ctx, query, snap.Key, snap.Resource, string(snap.Body), snap.Checksum, snap.SavedAt); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Resource, err)
	}
	return nil
}

// Get loads one snapshot by key.
func (s *SQLStore) Get(ctx context.Context, key string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT cache_key, resource, body, checksum, saved_at FROM cache_snapshots WHERE cache_key = ?`), key)
	snap, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, verify(snap)
}

// List implements SnapshotStore. Rows failing their checksum are skipped.
func (s *SQLStore) List(ctx context.Context, resource string) ([]Snapshot, error) {
	query := `SELECT cache_key, resource, body, checksum, saved_at FROM cache_snapshots`
	var args []any
	if resource != "" {
		query += ` WHERE resource = ?`
		args = append(args, resource)
	}
	query += ` ORDER BY saved_at ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		snap, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if verify(snap) != nil {
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

// Delete removes every snapshot of resource.
func (s *SQLStore) Delete(ctx context.Context, resource string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM cache_snapshots WHERE resource = ?`), resource)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (Snapshot, error) {
	var (
		snap Snapshot
		body string
	)
	if err := r.Scan(&snap.Key, &snap.Resource, &body, &snap.Checksum, &snap.SavedAt); err != nil {
		return Snapshot{}, err
	}
	snap.Body = []byte(body)
	return snap, nil
}

func verify(snap Snapshot) error {
	if canonicalize.HashBytes(snap.Body) != snap.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksum, snap.Key)
	}
	return nil
}
