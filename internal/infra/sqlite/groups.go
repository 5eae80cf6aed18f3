package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/peerlink-network/peerlink/internal/domain"
)

// ─── Group Repository ───────────────────────────────────────────────────────

const groupColumns = `group_id, name, description, owner, allow_member_invites, require_encryption,
	default_transport, created_at, last_activity`

// CreateGroup inserts the group and its initial members in one transaction.
func (d *DB) CreateGroup(ctx context.Context, g domain.Group, members []domain.GroupMember) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO peer_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.Owner,
		g.Settings.AllowMemberInvites, g.Settings.RequireEncryption, g.Settings.DefaultTransport,
		millis(g.CreatedAt), millis(g.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	for _, m := range members {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, peer_id, role, joined_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(group_id, peer_id) DO UPDATE SET role=excluded.role`,
			g.ID, m.PeerID, m.Role, millis(m.JoinedAt),
		)
		if err != nil {
			return fmt.Errorf("insert member %s: %w", m.PeerID, err)
		}
	}
	return tx.Commit()
}

// GetGroup retrieves a group by id.
func (d *DB) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM peer_groups WHERE group_id = ?`, id)
	return scanGroup(row)
}

// ListGroupsForPeer returns the groups peerID belongs to, most active first.
func (d *DB) ListGroupsForPeer(ctx context.Context, peerID string) ([]domain.Group, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT g.group_id, g.name, g.description, g.owner, g.allow_member_invites, g.require_encryption,
			g.default_transport, g.created_at, g.last_activity
		 FROM peer_groups g JOIN group_members m ON m.group_id = g.group_id
		 WHERE m.peer_id = ?
		 ORDER BY g.last_activity DESC, g.group_id`, peerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// TouchGroup bumps last_activity.
func (d *DB) TouchGroup(ctx context.Context, id string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE peer_groups SET last_activity = MAX(last_activity, ?) WHERE group_id = ?`,
		millis(at), id)
	return err
}

// DeleteGroup removes a group; membership rows go with it.
func (d *DB) DeleteGroup(ctx context.Context, id string) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM peer_groups WHERE group_id = ?`, id)
	if err != nil {
		return false, err
	}
	deleted, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return deleted, tx.Commit()
}

// ─── Membership ─────────────────────────────────────────────────────────────

// AddGroupMember inserts a membership row. An existing row is left as is.
func (d *DB) AddGroupMember(ctx context.Context, m domain.GroupMember) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, peer_id, role, joined_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(group_id, peer_id) DO NOTHING`,
		m.GroupID, m.PeerID, m.Role, millis(m.JoinedAt),
	)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// RemoveGroupMember deletes a membership row and reports whether one existed.
func (d *DB) RemoveGroupMember(ctx context.Context, groupID, peerID string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = ? AND peer_id = ?`, groupID, peerID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// GetGroupMembers lists members in join order.
func (d *DB) GetGroupMembers(ctx context.Context, groupID string) ([]domain.GroupMember, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT group_id, peer_id, role, joined_at FROM group_members
		 WHERE group_id = ? ORDER BY joined_at, rowid`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.GroupMember
	for rows.Next() {
		var (
			m        domain.GroupMember
			joinedAt int64
		)
		if err := rows.Scan(&m.GroupID, &m.PeerID, &m.Role, &joinedAt); err != nil {
			return nil, err
		}
		m.JoinedAt = fromMillis(joinedAt)
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanGroup(s scanner) (*domain.Group, error) {
	var (
		g            domain.Group
		createdAt    int64
		lastActivity int64
	)
	err := s.Scan(&g.ID, &g.Name, &g.Description, &g.Owner,
		&g.Settings.AllowMemberInvites, &g.Settings.RequireEncryption, &g.Settings.DefaultTransport,
		&createdAt, &lastActivity)
	if isNoRows(err) {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt = fromMillis(createdAt)
	g.LastActivity = fromMillis(lastActivity)
	return &g, nil
}
