package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateWorkspace inserts the workspace, the owner's membership and every
// seeded feature with its initial document in a single transaction.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws Workspace, seeds []FeatureSeed) error {
	return s.withTx(ctx, "create workspace", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (id, name, description, icon, banner, owner_id, is_public, invite_code, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, ws.ID, ws.Name, ws.Description, ws.Icon, ws.Banner, ws.OwnerID, ws.IsPublic, ws.InviteCode, ws.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert workspace: %w", ErrConflict)
			}
			return fmt.Errorf("insert workspace: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (workspace_id, user_id, role, joined_at)
			VALUES ($1, $2, 'owner', $3)
		`, ws.ID, ws.OwnerID, ws.CreatedAt); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}

		for _, seed := range seeds {
			f := seed.Feature
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO features (id, workspace_id, name, type, icon, position, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, f.ID, ws.ID, f.Name, f.Type, f.Icon, f.Position, ws.CreatedAt); err != nil {
				return fmt.Errorf("insert feature %s: %w", f.Type, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO feature_documents (feature_id, content, version, updated_at)
				VALUES ($1, $2, 1, $3)
			`, f.ID, []byte(seed.Content), ws.CreatedAt); err != nil {
				return fmt.Errorf("insert feature document %s: %w", f.Type, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, icon, banner, owner_id, is_public, invite_code, created_at
		FROM workspaces
		WHERE id=$1
	`, workspaceID).Scan(&ws.ID, &ws.Name, &ws.Description, &ws.Icon, &ws.Banner, &ws.OwnerID, &ws.IsPublic, &ws.InviteCode, &ws.CreatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

// ListUserWorkspaces returns the user's workspaces in the order they joined.
func (s *PostgresStore) ListUserWorkspaces(ctx context.Context, userID string) ([]WorkspaceMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.description, w.icon, w.banner, w.owner_id, w.is_public, w.invite_code, w.created_at,
			m.role, m.joined_at
		FROM workspaces w
		JOIN memberships m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY m.joined_at, w.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]WorkspaceMembership, 0)
	for rows.Next() {
		var item WorkspaceMembership
		if err := rows.Scan(
			&item.ID, &item.Name, &item.Description, &item.Icon, &item.Banner, &item.OwnerID, &item.IsPublic, &item.InviteCode, &item.CreatedAt,
			&item.Role, &item.JoinedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user workspaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, workspaceID, userID string) (Membership, error) {
	var m Membership
	var invitedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, user_id, role, invited_by, joined_at
		FROM memberships
		WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&m.WorkspaceID, &m.UserID, &m.Role, &invitedBy, &m.JoinedAt)
	if err != nil {
		return Membership{}, err
	}
	m.InvitedBy = stringPtr(invitedBy)
	return m, nil
}

// UpdateMembershipRole changes a non-owner member's role. It reports false
// when no such member exists or the member is the owner.
func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, workspaceID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memberships
		SET role=$3
		WHERE workspace_id=$1 AND user_id=$2 AND role <> 'owner'
	`, workspaceID, userID, role)
	if err != nil {
		return false, fmt.Errorf("update membership role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update membership role rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeleteMembership removes a non-owner member. It reports false when nothing
// was removed.
func (s *PostgresStore) DeleteMembership(ctx context.Context, workspaceID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memberships
		WHERE workspace_id=$1 AND user_id=$2 AND role <> 'owner'
	`, workspaceID, userID)
	if err != nil {
		return false, fmt.Errorf("delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete membership rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.nickname, u.avatar, m.role, m.joined_at
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id = $1
		ORDER BY m.joined_at, u.username
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.UserID, &item.Username, &item.Nickname, &item.Avatar, &item.Role, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

// ListFeatures returns the features of the given workspaces ordered by
// position, then creation time.
func (s *PostgresStore) ListFeatures(ctx context.Context, workspaceIDs []string) ([]Feature, error) {
	items := make([]Feature, 0)
	if len(workspaceIDs) == 0 {
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, type, icon, position, created_at
		FROM features
		WHERE workspace_id = ANY($1)
		ORDER BY workspace_id, position, created_at
	`, workspaceIDs)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Feature
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Type, &item.Icon, &item.Position, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate features: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFeature(ctx context.Context, featureID string) (Feature, error) {
	var item Feature
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, type, icon, position, created_at
		FROM features
		WHERE id=$1
	`, featureID).Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Type, &item.Icon, &item.Position, &item.CreatedAt)
	if err != nil {
		return Feature{}, err
	}
	return item, nil
}
