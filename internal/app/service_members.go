package app

import (
	"context"
	"database/sql"
	"errors"

	"circles/api/internal/rbac"
)

// MemberView is one row of getServerMembers.
type MemberView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Role     string `json:"role"`
	JoinedAt string `json:"joinedAt"`
}

// CheckRole returns userID's role in the workspace, or Unauthorized when
// the user is not a member.
func (s *Service) CheckRole(ctx context.Context, workspaceID, userID string) (rbac.Role, error) {
	membership, err := s.store.GetMembership(ctx, workspaceID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", Unauthorized("not a member of this server")
		}
		return "", err
	}
	role, ok := rbac.Parse(membership.Role)
	if !ok {
		return "", Unauthorized("unknown role")
	}
	return role, nil
}

func (s *Service) requirePermission(ctx context.Context, id Identity, workspaceID string, action rbac.Action, denied string) (rbac.Role, error) {
	role, err := s.CheckRole(ctx, workspaceID, id.UserID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(role, action) {
		return "", Unauthorized(denied)
	}
	return role, nil
}

// SetRole changes target's role. Only owners and admins may do so and the
// owner's role is fixed.
func (s *Service) SetRole(ctx context.Context, id Identity, workspaceID, targetID, roleName string) error {
	if workspaceID == "" || targetID == "" || roleName == "" {
		return Validation("serverId, userId and role are required")
	}
	role, ok := rbac.Parse(roleName)
	if !ok || !rbac.Assignable(role) {
		return Validation("invalid role")
	}
	actorRole, err := s.requirePermission(ctx, id, workspaceID, rbac.ActionManageMembers, "insufficient permissions to change roles")
	if err != nil {
		return err
	}
	targetRole, err := s.memberRole(ctx, workspaceID, targetID)
	if err != nil {
		return err
	}
	if !rbac.CanChangeRole(actorRole, targetRole) {
		return Unauthorized("cannot change the owner's role")
	}

	updated, err := s.store.UpdateMembershipRole(ctx, workspaceID, targetID, string(role))
	if err != nil {
		return err
	}
	if !updated {
		return NotFound("user is not a member of this server")
	}
	s.logger.Info().
		Str("server_id", workspaceID).
		Str("actor_id", id.UserID).
		Str("user_id", targetID).
		Str("role", string(role)).
		Msg("member role changed")
	return nil
}

// KickMember removes target from the workspace.
func (s *Service) KickMember(ctx context.Context, id Identity, workspaceID, targetID string) error {
	if workspaceID == "" || targetID == "" {
		return Validation("serverId and userId are required")
	}
	actorRole, err := s.requirePermission(ctx, id, workspaceID, rbac.ActionManageMembers, "insufficient permissions to remove members")
	if err != nil {
		return err
	}
	targetRole, err := s.memberRole(ctx, workspaceID, targetID)
	if err != nil {
		return err
	}
	if !rbac.CanRemove(actorRole, targetRole) {
		return Unauthorized("cannot remove this member")
	}

	removed, err := s.store.DeleteMembership(ctx, workspaceID, targetID)
	if err != nil {
		return err
	}
	if !removed {
		return NotFound("user is not a member of this server")
	}
	s.logger.Info().
		Str("server_id", workspaceID).
		Str("actor_id", id.UserID).
		Str("user_id", targetID).
		Msg("member removed")
	return nil
}

func (s *Service) memberRole(ctx context.Context, workspaceID, userID string) (rbac.Role, error) {
	membership, err := s.store.GetMembership(ctx, workspaceID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NotFound("user is not a member of this server")
		}
		return "", err
	}
	role, _ := rbac.Parse(membership.Role)
	return role, nil
}

// ListMembers returns the workspace's members in join order. The caller
// must be a member.
func (s *Service) ListMembers(ctx context.Context, id Identity, workspaceID string) ([]MemberView, error) {
	if workspaceID == "" {
		return nil, Validation("serverId is required")
	}
	if _, err := s.CheckRole(ctx, workspaceID, id.UserID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	members := make([]MemberView, 0, len(rows))
	for _, row := range rows {
		members = append(members, MemberView{
			ID:       row.UserID,
			Username: row.Username,
			Nickname: displayName(row.Nickname, row.Username),
			Avatar:   row.Avatar,
			Role:     row.Role,
			JoinedAt: formatTime(row.JoinedAt),
		})
	}
	return members, nil
}
