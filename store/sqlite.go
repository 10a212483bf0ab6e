package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps snapshots in a local SQLite database in WAL mode. It is
// the on-device cache that lets a room start offline.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS snapshots (
		room_id    TEXT PRIMARY KEY,
		items      TEXT NOT NULL,
		pending    TEXT NOT NULL,
		actor      INTEGER NOT NULL,
		seq        INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	var items, pending, updatedAt string
	snap := Snapshot{RoomID: roomID}
	err := s.db.QueryRowContext(ctx,
		`SELECT items, pending, actor, seq, updated_at FROM snapshots WHERE room_id = ?`, roomID,
	).Scan(&items, &pending, &snap.Actor, &snap.Seq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &snap.Items); err != nil {
		return nil, fmt.Errorf("room %q: decode items: %w", roomID, err)
	}
	if err := json.Unmarshal([]byte(pending), &snap.Pending); err != nil {
		return nil, fmt.Errorf("room %q: decode pending ops: %w", roomID, err)
	}
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &snap, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.RoomID == "" {
		return fmt.Errorf("save snapshot: empty room id")
	}
	items, err := json.Marshal(nonNil(snap.Items))
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	pending, err := json.Marshal(nonNil(snap.Pending))
	if err != nil {
		return fmt.Errorf("encode pending ops: %w", err)
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO snapshots (room_id, items, pending, actor, seq, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(room_id) DO UPDATE SET
			   items = excluded.items, pending = excluded.pending,
			   actor = excluded.actor, seq = excluded.seq, updated_at = excluded.updated_at`,
			snap.RoomID, string(items), string(pending), snap.Actor, snap.Seq,
			updatedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, roomID string) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE room_id = ?`, roomID)
		return err
	})
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room_id FROM snapshots ORDER BY room_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// retryOnContention retries writes that failed on transient SQLite lock
// errors (BUSY, LOCKED, IOERR_SHORT_READ) with exponential backoff.
func retryOnContention(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
