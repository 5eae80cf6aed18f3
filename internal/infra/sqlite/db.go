// Package sqlite provides SQLite-based persistent storage for PeerLink.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/peerlink-network/peerlink/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
// It implements domain.PeerStore, MessageStore, GroupStore and TransferStore.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ domain.PeerStore     = (*DB)(nil)
	_ domain.MessageStore  = (*DB)(nil)
	_ domain.GroupStore    = (*DB)(nil)
	_ domain.TransferStore = (*DB)(nil)
)

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout, then makes
// sure the reserved self peer exists.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db, now: time.Now}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := d.EnsureSelf(context.Background(), ""); err != nil {
		db.Close()
		return nil, fmt.Errorf("create self peer: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// PingContext is Ping bounded by ctx.
func (d *DB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Peers: identity, trust, reachability. Identifiers are a JSON object
		// keyed by transport type.
		`CREATE TABLE IF NOT EXISTS peers (
			peer_id            TEXT PRIMARY KEY,
			display_name       TEXT NOT NULL,
			avatar             TEXT NOT NULL DEFAULT '',
			identifiers        TEXT NOT NULL DEFAULT '{}',
			trust_level        TEXT NOT NULL DEFAULT 'unverified',
			status             TEXT NOT NULL DEFAULT 'offline',
			blocked            BOOLEAN DEFAULT 0,
			transfers_sent     INTEGER NOT NULL DEFAULT 0,
			transfers_received INTEGER NOT NULL DEFAULT 0,
			last_transfer_at   INTEGER,
			created_at         INTEGER NOT NULL,
			last_seen          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_seen ON peers(last_seen)`,

		// Direct messages. created_at is Unix microseconds and unique, the
		// other timestamps are Unix milliseconds.
		`CREATE TABLE IF NOT EXISTS messages (
			message_id   TEXT PRIMARY KEY,
			from_peer_id TEXT NOT NULL,
			to_peer_id   TEXT NOT NULL,
			content      TEXT NOT NULL,
			transport    TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			sent_at      INTEGER,
			delivered_at INTEGER,
			read_at      INTEGER,
			error        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(from_peer_id, to_peer_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(to_peer_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,

		// Groups and membership
		`CREATE TABLE IF NOT EXISTS peer_groups (
			group_id             TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			description          TEXT NOT NULL DEFAULT '',
			owner                TEXT NOT NULL,
			allow_member_invites BOOLEAN DEFAULT 0,
			require_encryption   BOOLEAN DEFAULT 0,
			default_transport    TEXT NOT NULL DEFAULT '',
			created_at           INTEGER NOT NULL,
			last_activity        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id  TEXT NOT NULL,
			peer_id   TEXT NOT NULL,
			role      TEXT NOT NULL DEFAULT 'member',
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (group_id, peer_id),
			FOREIGN KEY (group_id) REFERENCES peer_groups(group_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_peer ON group_members(peer_id)`,

		// Transfer references. Contents live in the document store.
		`CREATE TABLE IF NOT EXISTS transfers (
			transfer_id  TEXT NOT NULL,
			peer_id      TEXT NOT NULL,
			document_id  TEXT NOT NULL DEFAULT '',
			direction    TEXT NOT NULL,
			type         TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			transport    TEXT NOT NULL DEFAULT '',
			size_bytes   INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			delivered_at INTEGER,
			PRIMARY KEY (transfer_id, peer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_peer ON transfers(peer_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// EnsureSelf creates the reserved self peer if it is missing. A non-empty
// displayName renames it.
func (d *DB) EnsureSelf(ctx context.Context, displayName string) error {
	now := d.now().UnixMilli()
	name := displayName
	if name == "" {
		name = domain.SelfPeerID
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO peers (peer_id, display_name, trust_level, status, created_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO NOTHING`,
		domain.SelfPeerID, name, domain.TrustTrusted, domain.PeerOnline, now, now,
	)
	if err != nil {
		return err
	}
	if displayName == "" {
		return nil
	}
	_, err = d.db.ExecContext(ctx,
		`UPDATE peers SET display_name = ? WHERE peer_id = ?`, displayName, domain.SelfPeerID)
	return err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

// rowsAffected reports whether the statement touched at least one row.
func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
