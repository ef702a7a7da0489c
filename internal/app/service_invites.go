package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"circles/api/internal/rbac"
	"circles/api/internal/store"
	"circles/api/internal/util"
)

const (
	inviteTTL        = 24 * time.Hour
	inviteCodeBytes  = 8
	inviteMaxUses    = 1
	inviteCodeTrials = 3
)

type InviteView struct {
	InviteID   string `json:"inviteId"`
	InviteCode string `json:"inviteCode"`
	ExpiresAt  string `json:"expiresAt"`
}

// CreateInvite issues a single-use invite code valid for a day.
func (s *Service) CreateInvite(ctx context.Context, id Identity, workspaceID string) (InviteView, error) {
	if workspaceID == "" {
		return InviteView{}, Validation("serverId is required")
	}
	if _, err := s.requirePermission(ctx, id, workspaceID, rbac.ActionInvite, "insufficient permissions to create invites"); err != nil {
		return InviteView{}, err
	}

	now := s.now()
	for attempt := 0; ; attempt++ {
		code, err := util.NewToken(inviteCodeBytes)
		if err != nil {
			return InviteView{}, fmt.Errorf("generate invite code: %w", err)
		}
		invite := store.Invite{
			ID:          util.NewID("invite"),
			WorkspaceID: workspaceID,
			InviterID:   id.UserID,
			Code:        code,
			MaxUses:     inviteMaxUses,
			ExpiresAt:   now.Add(inviteTTL),
			CreatedAt:   now,
		}
		err = s.store.CreateInvite(ctx, invite)
		if errors.Is(err, store.ErrConflict) && attempt+1 < inviteCodeTrials {
			continue
		}
		if err != nil {
			return InviteView{}, err
		}
		s.logger.Info().Str("server_id", workspaceID).Str("invite_id", invite.ID).Msg("invite created")
		return InviteView{
			InviteID:   invite.ID,
			InviteCode: invite.Code,
			ExpiresAt:  formatTime(invite.ExpiresAt),
		}, nil
	}
}

// AcceptInvite joins the caller to the invite's workspace as a member and
// returns the refreshed snapshot.
func (s *Service) AcceptInvite(ctx context.Context, id Identity, code string) (Snapshot, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Snapshot{}, Validation("inviteCode is required")
	}
	invite, err := s.store.AcceptInvite(ctx, code, id.UserID, s.now())
	if err != nil {
		return Snapshot{}, err
	}
	s.logger.Info().Str("server_id", invite.WorkspaceID).Str("user_id", id.UserID).Msg("invite accepted")
	return s.BuildUserState(ctx, id.UserID)
}
