// ABOUTME: Group, membership and friendship persistence used by the permission filter and fan-out
// ABOUTME: The ingest core only reads these rows; mutation helpers serve admin surfaces and tests

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateGroup inserts a group row
func (s *SQLiteStore) CreateGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, owner_uid, name, notice, member_count, max_members, all_muted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.OwnerUID, g.Name, g.Notice, g.MemberCount, g.MaxMembers, g.AllMuted, formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("creating group: %w", err)
	}
	return nil
}

// GetGroup fetches a group by id
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	g := &Group{}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_uid, name, notice, member_count, max_members, all_muted, created_at
		 FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.OwnerUID, &g.Name, &g.Notice, &g.MemberCount, &g.MaxMembers, &g.AllMuted, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting group: %w", err)
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return g, nil
}

// AddMember inserts or replaces a membership row and refreshes member_count
func (s *SQLiteStore) AddMember(ctx context.Context, m *GroupMember) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, role, status, joined_at, mute_until)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id, user_id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			joined_at = excluded.joined_at,
			mute_until = excluded.mute_until`,
		m.GroupID, m.UserID, string(m.Role), string(m.Status), formatTime(m.JoinedAt), nullTime(m.MuteUntil))
	if err != nil {
		return fmt.Errorf("adding group member: %w", err)
	}
	return s.refreshMemberCount(ctx, m.GroupID)
}

// GetMember fetches one membership row
func (s *SQLiteStore) GetMember(ctx context.Context, groupID, userID string) (*GroupMember, error) {
	m := &GroupMember{}
	var role, status, joinedAt string
	var muteUntil sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, user_id, role, status, joined_at, mute_until
		 FROM group_members WHERE group_id = ? AND user_id = ?`,
		groupID, userID).
		Scan(&m.GroupID, &m.UserID, &role, &status, &joinedAt, &muteUntil)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting group member: %w", err)
	}
	m.Role = MemberRole(role)
	m.Status = MemberStatus(status)
	if m.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, fmt.Errorf("parsing joined_at: %w", err)
	}
	if m.MuteUntil, err = scanNullTime(muteUntil); err != nil {
		return nil, fmt.Errorf("parsing mute_until: %w", err)
	}
	return m, nil
}

// ListJoinedMemberIDs returns the ids of every joined member of a group
func (s *SQLiteStore) ListJoinedMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM group_members
		 WHERE group_id = ? AND status = 'joined'
		 ORDER BY user_id`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("listing group members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning member id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating member rows: %w", err)
	}
	return ids, nil
}

// SetMemberStatus changes a membership status and refreshes member_count
func (s *SQLiteStore) SetMemberStatus(ctx context.Context, groupID, userID string, status MemberStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE group_members SET status = ? WHERE group_id = ? AND user_id = ?`,
		string(status), groupID, userID)
	if err != nil {
		return fmt.Errorf("setting member status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.refreshMemberCount(ctx, groupID)
}

// SetMemberMuteUntil mutes a member until the given time (nil clears the mute)
func (s *SQLiteStore) SetMemberMuteUntil(ctx context.Context, groupID, userID string, until *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE group_members SET mute_until = ? WHERE group_id = ? AND user_id = ?`,
		nullTime(until), groupID, userID)
	if err != nil {
		return fmt.Errorf("setting member mute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) refreshMemberCount(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE groups SET member_count =
			(SELECT COUNT(*) FROM group_members WHERE group_id = ? AND status = 'joined')
		 WHERE id = ?`,
		groupID, groupID)
	if err != nil {
		return fmt.Errorf("refreshing member count: %w", err)
	}
	return nil
}

// UpsertFriendship creates or updates a directed friendship edge
func (s *SQLiteStore) UpsertFriendship(ctx context.Context, f *Friendship) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO friendships (user_id, target_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, target_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		f.UserID, f.TargetID, string(f.Status), formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting friendship: %w", err)
	}
	return nil
}

// GetFriendship fetches the edge from userID to targetID
func (s *SQLiteStore) GetFriendship(ctx context.Context, userID, targetID string) (*Friendship, error) {
	f := &Friendship{}
	var status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, target_id, status, created_at, updated_at
		 FROM friendships WHERE user_id = ? AND target_id = ?`,
		userID, targetID).
		Scan(&f.UserID, &f.TargetID, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting friendship: %w", err)
	}
	f.Status = FriendshipStatus(status)
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return f, nil
}

// ListBlockedBy reports, for each target, whether owner has blocked it.
func (s *SQLiteStore) ListBlockedBy(ctx context.Context, userID string, targets []string) (map[string]bool, error) {
	result := make(map[string]bool, len(targets))
	for _, t := range targets {
		result[t] = false
	}
	if len(targets) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(targets))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{userID}
	for _, t := range targets {
		args = append(args, t)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id FROM friendships
		 WHERE user_id = ? AND status = 'blocked' AND target_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing blocked targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning blocked target: %w", err)
		}
		result[t] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocked rows: %w", err)
	}
	return result, nil
}
