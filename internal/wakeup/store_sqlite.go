package wakeup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteEndpoints keeps push subscriptions in a SQLite table. It shares the
// *sql.DB opened for the directory so a single file holds all server state.
type SQLiteEndpoints struct {
	db *sql.DB
}

// NewSQLiteEndpoints creates the endpoints table if needed.
func NewSQLiteEndpoints(db *sql.DB) (*SQLiteEndpoints, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS wakeup_endpoints (
		identity    TEXT PRIMARY KEY,
		endpoint    TEXT NOT NULL,
		p256dh      TEXT NOT NULL,
		auth        TEXT NOT NULL,
		updated_at  INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return nil, fmt.Errorf("create wakeup_endpoints: %w", err)
	}
	return &SQLiteEndpoints{db: db}, nil
}

func (s *SQLiteEndpoints) Get(ctx context.Context, identity string) (Endpoint, error) {
	var (
		ep      = Endpoint{Identity: identity}
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT endpoint, p256dh, auth, updated_at FROM wakeup_endpoints WHERE identity = ?`, identity,
	).Scan(&ep.Subscription.Endpoint, &ep.Subscription.Keys.P256dh, &ep.Subscription.Keys.Auth, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Endpoint{}, ErrNoEndpoint
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("wakeup: get endpoint: %w", err)
	}
	ep.UpdatedAt = time.UnixMilli(updated).UTC()
	return ep, nil
}

func (s *SQLiteEndpoints) Put(ctx context.Context, ep Endpoint) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO wakeup_endpoints (identity, endpoint, p256dh, auth, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			endpoint=excluded.endpoint,
			p256dh=excluded.p256dh,
			auth=excluded.auth,
			updated_at=excluded.updated_at`,
		ep.Identity, ep.Subscription.Endpoint, ep.Subscription.Keys.P256dh, ep.Subscription.Keys.Auth,
		ep.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("wakeup: put endpoint: %w", err)
	}
	return nil
}

func (s *SQLiteEndpoints) Delete(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM wakeup_endpoints WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("wakeup: delete endpoint: %w", err)
	}
	return nil
}
