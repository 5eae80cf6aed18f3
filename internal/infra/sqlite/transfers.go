package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/peerlink-network/peerlink/internal/domain"
)

// ─── Transfer References ────────────────────────────────────────────────────

// InsertTransfer records a transfer and folds it into the peer's aggregate.
// Transfers are keyed by (transfer id, peer id).
func (d *DB) InsertTransfer(ctx context.Context, t domain.TransferRef) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transfers (transfer_id, peer_id, document_id, direction, type, status, transport, size_bytes, created_at, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PeerID, t.DocumentID, t.Direction, t.Type, t.Status, t.Transport, t.SizeBytes,
		millis(t.CreatedAt), nullableMillis(t.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}

	counter := "transfers_sent"
	if t.Direction == domain.TransferInbound {
		counter = "transfers_received"
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE peers SET `+counter+` = `+counter+` + 1,
			last_transfer_at = MAX(COALESCE(last_transfer_at, 0), ?)
		 WHERE peer_id = ?`,
		millis(t.CreatedAt), t.PeerID,
	)
	if err != nil {
		return fmt.Errorf("update peer aggregate: %w", err)
	}
	return tx.Commit()
}

// ListTransfers returns transfers with peerID, newest first.
func (d *DB) ListTransfers(ctx context.Context, peerID string, f domain.TransferFilter) ([]domain.TransferRef, error) {
	where := []string{"peer_id = ?"}
	args := []any{peerID}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := d.db.QueryContext(ctx,
		`SELECT transfer_id, peer_id, document_id, direction, type, status, transport, size_bytes, created_at, delivered_at
		 FROM transfers WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC, transfer_id DESC
		 LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TransferRef
	for rows.Next() {
		var (
			t           domain.TransferRef
			createdAt   int64
			deliveredAt sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.PeerID, &t.DocumentID, &t.Direction, &t.Type, &t.Status, &t.Transport,
			&t.SizeBytes, &createdAt, &deliveredAt); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(createdAt)
		t.DeliveredAt = timePtr(deliveredAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
