package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/imjasonh/pushregistry/webpush"
)

// SQLite implements the registry with one row per user, so concurrent writes
// for different users touch different rows and never conflict.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Registry = (*SQLite)(nil)

// NewSQLite creates a new SQLite registry.
// dsn is the data source name, e.g., "subscriptions.db" or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	if dsn != ":memory:" {
		// Per-connection pragmas; concurrent writers wait instead of failing
		// with SQLITE_BUSY.
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dsn == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			user_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			vapid_key TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vapid_key ON subscriptions(vapid_key);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

const selectColumns = `SELECT user_id, id, endpoint, p256dh, auth, vapid_key, created_at, updated_at FROM subscriptions`

// GetAll returns every entry.
func (s *SQLite) GetAll(ctx context.Context) (map[string]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns)
	if err != nil {
		return nil, fmt.Errorf("%w: querying subscriptions: %w", ErrRead, err)
	}
	defer rows.Close()

	out := map[string]*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRead, err)
		}
		out[r.UserID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows: %w", ErrRead, err)
	}
	return out, nil
}

// Get returns the user's entry.
func (s *SQLite) Get(ctx context.Context, userID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE user_id = ?`, userID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return r, nil
}

// Upsert replaces the user's subscription. The row's ID and creation time are
// kept on overwrite.
func (s *SQLite) Upsert(ctx context.Context, userID string, sub *webpush.Subscription, vapidKey string) error {
	if err := validate(userID, sub); err != nil {
		return err
	}
	now := s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, id, endpoint, p256dh, auth, vapid_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			vapid_key = excluded.vapid_key,
			updated_at = excluded.updated_at
	`,
		userID,
		uuid.NewString(),
		sub.Endpoint,
		sub.Keys.P256dh,
		sub.Keys.Auth,
		vapidKey,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("%w: saving subscription: %w", ErrWrite, err)
	}
	return nil
}

// Remove deletes the user's entry if present.
func (s *SQLite) Remove(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("%w: deleting subscription: %w", ErrWrite, err)
	}
	return nil
}

// RemoveEndpoint deletes the user's entry if it still has endpoint.
func (s *SQLite) RemoveEndpoint(ctx context.Context, userID, endpoint string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE user_id = ? AND endpoint = ?", userID, endpoint)
	if err != nil {
		return false, fmt.Errorf("%w: deleting subscription: %w", ErrWrite, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: checking rows affected: %w", ErrWrite, err)
	}
	return n > 0, nil
}

// CountByVAPIDKey returns the number of subscriptions for a specific VAPID key.
func (s *SQLite) CountByVAPIDKey(ctx context.Context, vapidKey string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions WHERE vapid_key = ?", vapidKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: counting subscriptions: %w", ErrRead, err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r   Record
		sub webpush.Subscription
	)
	err := row.Scan(&r.UserID, &r.ID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &r.VAPIDKey, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	r.Subscription = &sub
	return &r, nil
}
