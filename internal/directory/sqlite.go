package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps directory records in a SQLite file. Expired rows are
// invisible to reads at once and deleted by the sweeper on its next pass.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// OpenSQLite opens (or creates) the database at path. A nil clock means the
// wall clock.
func OpenSQLite(path string, clk clock.Clock) (*SQLiteStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS directory (
			id              TEXT PRIMARY KEY,
			invite_code     TEXT NOT NULL,
			owner_identity  TEXT NOT NULL,
			permanent       INTEGER NOT NULL DEFAULT 0,
			privacy         TEXT NOT NULL DEFAULT 'public',
			expire_at       INTEGER,
			updated_at      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS directory_owner ON directory (owner_identity)`,
		`CREATE INDEX IF NOT EXISTS directory_expire ON directory (expire_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteStore{db: db, clock: clk}, nil
}

// sqliteDSN applies the pragmas on every pooled connection, not just the
// first one. WAL lets the sweeper and request handlers run side by side;
// busy_timeout makes concurrent writers wait instead of failing.
func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// DB exposes the handle so other tables (push endpoints) can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const selectRecord = `SELECT id, invite_code, owner_identity, permanent, privacy, expire_at, updated_at FROM directory`

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		selectRecord+` WHERE id = ? AND (expire_at IS NULL OR expire_at > ?)`,
		id, s.nowMillis())
	return scanRecord(row, "find by id")
}

func (s *SQLiteStore) FindByOwner(ctx context.Context, owner string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		selectRecord+` WHERE owner_identity = ? AND (expire_at IS NULL OR expire_at > ?)
			ORDER BY updated_at DESC LIMIT 1`,
		owner, s.nowMillis())
	return scanRecord(row, "find by owner")
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	var expire sql.NullInt64
	if rec.ExpireAt != nil {
		expire = sql.NullInt64{Int64: rec.ExpireAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO directory (id, invite_code, owner_identity, permanent, privacy, expire_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			invite_code=excluded.invite_code,
			owner_identity=excluded.owner_identity,
			permanent=excluded.permanent,
			privacy=excluded.privacy,
			expire_at=COALESCE(excluded.expire_at, directory.expire_at),
			updated_at=excluded.updated_at`,
		rec.ID, rec.InviteCode, rec.OwnerIdentity, rec.Permanent, string(rec.Privacy),
		expire, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

func (s *SQLiteStore) ClearExpiry(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE directory SET expire_at = NULL WHERE id = ?`, id); err != nil {
		return storeErr("clear expiry", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteByOwner(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM directory WHERE owner_identity = ?`, owner); err != nil {
		return storeErr("delete by owner", err)
	}
	return nil
}

// Sweep deletes every row whose expiry has passed and returns the count.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM directory WHERE expire_at IS NOT NULL AND expire_at <= ?`, s.nowMillis())
	if err != nil {
		return 0, storeErr("sweep", err)
	}
	return res.RowsAffected()
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *SQLiteStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Warnw("expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				log.Debugw("expired records removed", "count", n)
			}
		}
	}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

func scanRecord(row *sql.Row, op string) (Record, error) {
	var (
		rec     Record
		privacy string
		expire  sql.NullInt64
		updated int64
	)
	err := row.Scan(&rec.ID, &rec.InviteCode, &rec.OwnerIdentity, &rec.Permanent, &privacy, &expire, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: no record", ErrNotFound)
	}
	if err != nil {
		return Record{}, storeErr(op, err)
	}
	rec.Privacy = Privacy(privacy)
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	if expire.Valid {
		t := time.UnixMilli(expire.Int64).UTC()
		rec.ExpireAt = &t
	}
	return rec, nil
}
