package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"circles/api/internal/store"
	"circles/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

// RecoveryTicket is handed back to the user who asked for recovery. The token
// must reach the partner out of band.
type RecoveryTicket struct {
	Token     string
	ExpiresAt time.Time
}

// RequestRecovery opens a recovery request that partnerUsername must approve
func (s *Service) RequestRecovery(ctx context.Context, username, partnerUsername string) (RecoveryTicket, error) {
	username = strings.TrimSpace(username)
	partnerUsername = strings.TrimSpace(partnerUsername)
	if username == "" || partnerUsername == "" {
		return RecoveryTicket{}, ErrMissingCredentials
	}

	user, err := s.lookupUser(ctx, username)
	if err != nil {
		return RecoveryTicket{}, err
	}
	partner, err := s.lookupUser(ctx, partnerUsername)
	if err != nil {
		return RecoveryTicket{}, err
	}
	if user.ID == partner.ID {
		return RecoveryTicket{}, ErrSelfRecovery
	}

	token, err := util.NewToken(recoveryTokenBytes)
	if err != nil {
		return RecoveryTicket{}, fmt.Errorf("generate recovery token: %w", err)
	}
	now := s.now()
	ticket := RecoveryTicket{Token: token, ExpiresAt: now.Add(RecoveryTTL)}

	err = s.store.CreateRecoveryRequest(ctx, store.RecoveryRequest{
		ID:          util.NewID("recovery"),
		UserID:      user.ID,
		PartnerID:   partner.ID,
		InitiatedBy: user.ID,
		Token:       token,
		ExpiresAt:   ticket.ExpiresAt,
	}, now)
	if errors.Is(err, store.ErrRecoveryPending) {
		return RecoveryTicket{}, ErrRecoveryPending
	}
	if err != nil {
		return RecoveryTicket{}, fmt.Errorf("create recovery request: %w", err)
	}

	if s.notifier != nil && partner.Email != "" {
		if err := s.notifier.NotifyRecoveryPartner(ctx, partner, user, ticket.ExpiresAt); err != nil {
			s.logger.Warn().Err(err).Str("partner_id", partner.ID).Msg("recovery partner notice failed")
		}
	}
	return ticket, nil
}

// ApproveRecovery records the partner's approval of a pending request
func (s *Service) ApproveRecovery(ctx context.Context, partnerID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidRecoveryToken
	}

	req, err := s.store.GetRecoveryByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidRecoveryToken
	}
	if err != nil {
		return fmt.Errorf("lookup recovery request: %w", err)
	}
	if req.PartnerID != partnerID || req.Status != store.RecoveryPending {
		return ErrInvalidRecoveryToken
	}

	now := s.now()
	if !req.ExpiresAt.After(now) {
		return ErrRecoveryExpired
	}

	ok, err := s.store.ApproveRecoveryRequest(ctx, token, partnerID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidRecoveryToken
	}
	return nil
}

// ResetPassword redeems an approved request and sets the new password
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidRecoveryToken
	}
	if len(newPassword) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	req, err := s.store.GetRecoveryByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidRecoveryToken
	}
	if err != nil {
		return fmt.Errorf("lookup recovery request: %w", err)
	}

	now := s.now()
	switch req.Status {
	case store.RecoveryApproved, store.RecoveryPending:
		if !req.ExpiresAt.After(now) {
			return ErrRecoveryExpired
		}
		if req.Status == store.RecoveryPending {
			return ErrRecoveryNotApproved
		}
	default:
		return ErrInvalidRecoveryToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if _, err := s.store.CompleteRecoveryRequest(ctx, token, string(hash), now); err != nil {
		if errors.Is(err, store.ErrRecoveryUnavailable) {
			return ErrInvalidRecoveryToken
		}
		return err
	}
	return nil
}

func (s *Service) lookupUser(ctx context.Context, username string) (store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrUserNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}
