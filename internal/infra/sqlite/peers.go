package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/peerlink-network/peerlink/internal/domain"
)

// ─── Peer Repository ────────────────────────────────────────────────────────

const peerColumns = `peer_id, display_name, avatar, identifiers, trust_level, status, blocked,
	transfers_sent, transfers_received, last_transfer_at, created_at, last_seen`

// UpsertPeer inserts or updates a peer record. Creation time and the
// transfer aggregate are owned by the store and never overwritten here.
func (d *DB) UpsertPeer(ctx context.Context, p domain.Peer) error {
	if p.ID == "" {
		return domain.ErrInvalidPeer
	}
	p.Normalize(d.now())
	ids, err := json.Marshal(p.Identifiers)
	if err != nil {
		return fmt.Errorf("encode identifiers: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO peers (peer_id, display_name, avatar, identifiers, trust_level, status, blocked, created_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
			display_name=excluded.display_name,
			avatar=excluded.avatar,
			identifiers=excluded.identifiers,
			trust_level=excluded.trust_level,
			status=excluded.status,
			blocked=excluded.blocked,
			last_seen=excluded.last_seen`,
		p.ID, p.DisplayName, p.Avatar, string(ids), p.TrustLevel, p.Status, p.Blocked,
		millis(p.CreatedAt), millis(p.LastSeen),
	)
	return err
}

// GetPeer retrieves a single peer by id.
func (d *DB) GetPeer(ctx context.Context, id string) (*domain.Peer, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE peer_id = ?`, id)
	return scanPeer(row)
}

// ListPeers returns stored peers, most recently seen first.
func (d *DB) ListPeers(ctx context.Context, f domain.PeerFilter) ([]domain.Peer, error) {
	var (
		where []string
		args  []any
	)
	if f.Query != "" {
		like := "%" + strings.ToLower(f.Query) + "%"
		where = append(where, `(lower(peer_id) LIKE ? OR lower(display_name) LIKE ? OR lower(identifiers) LIKE ?)`)
		args = append(args, like, like, like)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	if f.VerifiedOnly {
		where = append(where, `trust_level != ?`)
		args = append(args, domain.TrustUnverified)
	}
	if !f.IncludeBlocked {
		where = append(where, `blocked = 0`)
	}

	q := `SELECT ` + peerColumns + ` FROM peers`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY last_seen DESC, peer_id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []domain.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, *p)
	}
	return peers, rows.Err()
}

// UpdatePeerTrust sets the trust level of an existing peer.
func (d *DB) UpdatePeerTrust(ctx context.Context, id string, level domain.TrustLevel) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE peers SET trust_level = ? WHERE peer_id = ?`, level, id)
	return peerUpdated(res, err)
}

// UpdatePeerStatus records an observed status and bumps last_seen.
func (d *DB) UpdatePeerStatus(ctx context.Context, id string, status domain.PeerStatus, seen time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE peers SET status = ?, last_seen = MAX(last_seen, ?) WHERE peer_id = ?`,
		status, millis(seen), id)
	return peerUpdated(res, err)
}

// SetPeerBlocked flips the blocked flag. Blocked peers are kept.
func (d *DB) SetPeerBlocked(ctx context.Context, id string, blocked bool) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE peers SET blocked = ? WHERE peer_id = ?`, blocked, id)
	return peerUpdated(res, err)
}

func peerUpdated(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	ok, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrPeerNotFound
	}
	return nil
}

func scanPeer(s scanner) (*domain.Peer, error) {
	var (
		p            domain.Peer
		ids          string
		lastTransfer sql.NullInt64
		createdAt    int64
		lastSeen     int64
	)
	err := s.Scan(&p.ID, &p.DisplayName, &p.Avatar, &ids, &p.TrustLevel, &p.Status, &p.Blocked,
		&p.Transfers.Sent, &p.Transfers.Received, &lastTransfer, &createdAt, &lastSeen)
	if isNoRows(err) {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	p.Identifiers = map[domain.TransportType]string{}
	if err := json.Unmarshal([]byte(ids), &p.Identifiers); err != nil {
		return nil, fmt.Errorf("decode identifiers for %s: %w", p.ID, err)
	}
	p.Transfers.LastTransferAt = timePtr(lastTransfer)
	p.CreatedAt = fromMillis(createdAt)
	p.LastSeen = fromMillis(lastSeen)
	return &p, nil
}
