package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/peerlink-network/peerlink/internal/domain"
)

// ─── Message Repository ─────────────────────────────────────────────────────

const messageColumns = `message_id, from_peer_id, to_peer_id, content, transport, status,
	created_at, sent_at, delivered_at, read_at, error`

// InsertMessage stores a new message. created_at is in microseconds and lands
// at least two after the newest stored message; m.CreatedAt is updated to it.
func (d *DB) InsertMessage(ctx context.Context, m *domain.Message) error {
	var createdAt int64
	err := d.db.QueryRowContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?,
			MAX(?, COALESCE((SELECT MAX(created_at) FROM messages), 0) + 2),
			?, ?, ?, ?)
		 RETURNING created_at`,
		m.ID, m.FromPeerID, m.ToPeerID, m.Content, m.Transport, m.Status,
		m.CreatedAt.UnixMicro(), nullableMillis(m.SentAt), nullableMillis(m.DeliveredAt),
		nullableMillis(m.ReadAt), m.Error,
	).Scan(&createdAt)
	if err != nil {
		return err
	}
	m.CreatedAt = time.UnixMicro(createdAt)
	return nil
}

// GetMessage retrieves a single message by id.
func (d *DB) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, id)
	return scanMessage(row)
}

// UpdateMessage writes back the mutable delivery fields of a message.
func (d *DB) UpdateMessage(ctx context.Context, m domain.Message) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE messages SET transport = ?, status = ?, sent_at = ?, delivered_at = ?, read_at = ?, error = ?
		 WHERE message_id = ?`,
		m.Transport, m.Status, nullableMillis(m.SentAt), nullableMillis(m.DeliveredAt),
		nullableMillis(m.ReadAt), m.Error, m.ID,
	)
	if err != nil {
		return err
	}
	ok, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrMessageNotFound
	}
	return nil
}

// Conversation returns messages exchanged between a and b, newest first.
// Ties on created_at are broken by message_id so pages are stable.
func (d *DB) Conversation(ctx context.Context, a, b string, before time.Time, limit int) ([]domain.Message, error) {
	var cutoff int64
	if !before.IsZero() {
		cutoff = before.UnixMicro()
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE ((from_peer_id = ? AND to_peer_id = ?) OR (from_peer_id = ? AND to_peer_id = ?))
		   AND (? = 0 OR created_at < ?)
		 ORDER BY created_at DESC, message_id DESC
		 LIMIT ?`,
		a, b, b, a, cutoff, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CountUnread counts messages to peerID that have not been read.
func (d *DB) CountUnread(ctx context.Context, peerID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE to_peer_id = ? AND status != ?`,
		peerID, domain.MessageRead,
	).Scan(&n)
	return n, err
}

func scanMessage(s scanner) (*domain.Message, error) {
	var (
		m           domain.Message
		createdAt   int64
		sentAt      sql.NullInt64
		deliveredAt sql.NullInt64
		rdAt        sql.NullInt64
	)
	err := s.Scan(&m.ID, &m.FromPeerID, &m.ToPeerID, &m.Content, &m.Transport, &m.Status,
		&createdAt, &sentAt, &deliveredAt, &rdAt, &m.Error)
	if isNoRows(err) {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMicro(createdAt)
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	m.ReadAt = timePtr(rdAt)
	return &m, nil
}
