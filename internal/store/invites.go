package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *PostgresStore) CreateInvite(ctx context.Context, invite Invite) error {
	maxUses := invite.MaxUses
	if maxUses < 1 {
		maxUses = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (id, workspace_id, inviter_id, code, max_uses, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, invite.ID, invite.WorkspaceID, invite.InviterID, invite.Code, maxUses, invite.ExpiresAt, invite.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert invite: %w", ErrConflict)
		}
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

// AcceptInvite redeems code for userID. The invite row is locked for the
// whole check-and-consume span, so a single-use code admits exactly one
// member. It returns ErrInviteUnavailable for unknown, used or expired codes
// and ErrAlreadyMember when the user already belongs to the workspace.
func (s *PostgresStore) AcceptInvite(ctx context.Context, code, userID string, now time.Time) (Invite, error) {
	var invite Invite
	err := s.withTx(ctx, "accept invite", func(tx *sql.Tx) error {
		var usedAt sql.NullTime
		var usedBy sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT id, workspace_id, inviter_id, code, max_uses, current_uses, expires_at, used_at, used_by, created_at
			FROM invites
			WHERE code=$1
			FOR UPDATE
		`, code).Scan(&invite.ID, &invite.WorkspaceID, &invite.InviterID, &invite.Code, &invite.MaxUses, &invite.CurrentUses,
			&invite.ExpiresAt, &usedAt, &usedBy, &invite.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInviteUnavailable
		}
		if err != nil {
			return fmt.Errorf("lock invite: %w", err)
		}
		if usedAt.Valid || !invite.ExpiresAt.After(now) || invite.CurrentUses >= invite.MaxUses {
			return ErrInviteUnavailable
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM memberships WHERE workspace_id=$1 AND user_id=$2)
		`, invite.WorkspaceID, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if exists {
			return ErrAlreadyMember
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (workspace_id, user_id, role, invited_by, joined_at)
			VALUES ($1, $2, 'member', $3, $4)
		`, invite.WorkspaceID, userID, invite.InviterID, now); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyMember
			}
			return fmt.Errorf("insert membership: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE invites
			SET used_at=$2, used_by=$3, current_uses=current_uses + 1
			WHERE id=$1
		`, invite.ID, now, userID); err != nil {
			return fmt.Errorf("consume invite: %w", err)
		}
		usedAtValue := now
		invite.UsedAt = &usedAtValue
		invite.UsedBy = &userID
		invite.CurrentUses++
		return nil
	})
	if err != nil {
		return Invite{}, err
	}
	return invite, nil
}
