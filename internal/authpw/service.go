// Package authpw provides username/password accounts and the partner-approved
// password recovery workflow.
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
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinUsernameLength = 3
	MinPasswordLength = 6

	// RecoveryTTL is how long a recovery request stays usable.
	RecoveryTTL = 24 * time.Hour

	recoveryTokenBytes = 32
)

var (
	ErrMissingCredentials   = errors.New("username and password required")
	ErrUsernameTooShort     = fmt.Errorf("username must be at least %d characters", MinUsernameLength)
	ErrPasswordTooShort     = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrUsernameTaken        = errors.New("Username already exists")
	ErrUsernameNotFound     = errors.New("username not found")
	ErrWrongPassword        = errors.New("wrong password")
	ErrUserNotFound         = errors.New("user not found")
	ErrSelfRecovery         = errors.New("recovery partner must be a different user")
	ErrRecoveryPending      = errors.New("recovery request already pending")
	ErrInvalidRecoveryToken = errors.New("invalid recovery token")
	ErrRecoveryExpired      = errors.New("recovery request expired")
	ErrRecoveryNotApproved  = errors.New("recovery not approved")
)

// Service provides account registration, login and password recovery
type Service struct {
	store    UserStore
	notifier PartnerNotifier
	logger   zerolog.Logger
	cost     int
	now      func() time.Time
}

// UserStore defines the storage interface for accounts and recovery requests
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
	CreateRecoveryRequest(ctx context.Context, req store.RecoveryRequest, now time.Time) error
	GetRecoveryByToken(ctx context.Context, token string) (store.RecoveryRequest, error)
	ApproveRecoveryRequest(ctx context.Context, token, partnerID string, now time.Time) (bool, error)
	CompleteRecoveryRequest(ctx context.Context, token, passwordHash string, now time.Time) (string, error)
}

// PartnerNotifier tells a recovery partner that someone asked them to vouch
// for a password reset. It never receives the recovery token.
type PartnerNotifier interface {
	NotifyRecoveryPartner(ctx context.Context, partner, requester store.User, expiresAt time.Time) error
}

// NewService creates a new account service. notifier may be nil.
func NewService(store UserStore, notifier PartnerNotifier, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
	}
}

// Register creates a new account
func (s *Service) Register(ctx context.Context, username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, ErrMissingCredentials
	}
	if len([]rune(username)) < MinUsernameLength {
		return store.User{}, ErrUsernameTooShort
	}
	if len(password) < MinPasswordLength {
		return store.User{}, ErrPasswordTooShort
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return store.User{}, ErrUsernameTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		ID:           util.NewID("user"),
		Username:     username,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrConflict) {
		return store.User{}, ErrUsernameTaken
	}
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login checks credentials and stamps the user's last login time
func (s *Service) Login(ctx context.Context, username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, ErrMissingCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrUsernameNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrWrongPassword
	}

	now := s.now()
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		return store.User{}, err
	}
	user.LastLogin = &now
	return user, nil
}
