package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"circles/api/internal/auth"
	"circles/api/internal/authpw"
	"circles/api/internal/blob"
	"circles/api/internal/config"
	"circles/api/internal/export"
	"circles/api/internal/history"
	"circles/api/internal/search"
	"circles/api/internal/session"
	"circles/api/internal/store"
	"circles/api/internal/util"
	"github.com/rs/zerolog"
)

// Identity is the caller of a request, resolved once from the session
// cookie. The zero value is an anonymous caller.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// SessionGrant is a freshly issued session cookie value.
type SessionGrant struct {
	Token     string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	UpdateUserProfile(context.Context, string, store.ProfileUpdate) error
	CreateWorkspace(context.Context, store.Workspace, []store.FeatureSeed) error
	GetWorkspace(context.Context, string) (store.Workspace, error)
	ListUserWorkspaces(context.Context, string) ([]store.WorkspaceMembership, error)
	GetMembership(context.Context, string, string) (store.Membership, error)
	UpdateMembershipRole(context.Context, string, string, string) (bool, error)
	DeleteMembership(context.Context, string, string) (bool, error)
	ListMembers(context.Context, string) ([]store.Member, error)
	ListFeatures(context.Context, []string) ([]store.Feature, error)
	GetFeature(context.Context, string) (store.Feature, error)
	GetDocument(context.Context, string) (store.FeatureDocument, error)
	ListDocuments(context.Context, []string) ([]store.FeatureDocument, error)
	PutDocument(context.Context, string, json.RawMessage) (store.FeatureDocument, error)
	MutateDocument(context.Context, string, func(json.RawMessage) (json.RawMessage, error)) (store.FeatureDocument, error)
	InsertFileAsset(context.Context, store.FileAsset) error
	DeleteFileAsset(context.Context, string) error
	ListFileAssets(context.Context, []string) ([]store.FileAsset, error)
	GetFileAssetByStoredName(context.Context, string) (store.FileAsset, error)
	IncrementDownloadCount(context.Context, string) error
	CreateInvite(context.Context, store.Invite) error
	AcceptInvite(context.Context, string, string, time.Time) (store.Invite, error)
}

// SessionStore persists login sessions by token hash. The Postgres store and
// the Redis session store both satisfy it.
type SessionStore interface {
	SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (string, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

type accountService interface {
	Register(ctx context.Context, username, password string) (store.User, error)
	Login(ctx context.Context, username, password string) (store.User, error)
	RequestRecovery(ctx context.Context, username, partnerUsername string) (authpw.RecoveryTicket, error)
	ApproveRecovery(ctx context.Context, partnerID, token string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

type revisionArchive interface {
	Record(featureID string, content json.RawMessage, version int64, author string) (history.Revision, error)
	Log(featureID string, limit int) ([]history.Revision, error)
	Content(featureID, revision string) (json.RawMessage, history.Revision, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexDocument(record search.DocumentRecord)
}

type pageExporter interface {
	WikiPagePDF(ctx context.Context, page export.WikiPage) (*export.Result, error)
}

// Deps are the collaborators of a Service. History, Search and Export are
// optional; the actions that need them fail when they are missing.
type Deps struct {
	Store    dataStore
	Sessions SessionStore
	Accounts accountService
	Blobs    blob.Store
	History  revisionArchive
	Search   searchIndex
	Export   pageExporter
	Logger   zerolog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	accounts accountService
	blobs    blob.Store
	history  revisionArchive
	search   searchIndex
	export   pageExporter
	logger   zerolog.Logger
	now      func() time.Time
}

const (
	defaultSessionTTL     = 7 * 24 * time.Hour
	defaultMaxUploadBytes = 10 << 20
)

func New(cfg config.Config, deps Deps) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		accounts: deps.Accounts,
		blobs:    deps.Blobs,
		history:  deps.History,
		search:   deps.Search,
		export:   deps.Export,
		logger:   deps.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the session backend when it supports it.
func (s *Service) PingSessions(ctx context.Context) error {
	pinger, ok := s.sessions.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return pinger.Ping(ctx)
}

func (s *Service) Register(ctx context.Context, username, password string) error {
	user, err := s.accounts.Register(ctx, username, password)
	if err != nil {
		return err
	}
	s.logger.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	return nil
}

// Login verifies credentials, opens a session and returns the user's
// snapshot together with the cookie value for the new session.
func (s *Service) Login(ctx context.Context, username, password string) (Snapshot, SessionGrant, error) {
	user, err := s.accounts.Login(ctx, username, password)
	if err != nil {
		return Snapshot{}, SessionGrant{}, err
	}
	grant, err := s.startSession(ctx, user.ID)
	if err != nil {
		return Snapshot{}, SessionGrant{}, err
	}
	state, err := s.BuildUserState(ctx, user.ID)
	if err != nil {
		return Snapshot{}, SessionGrant{}, err
	}
	return state, grant, nil
}

func (s *Service) startSession(ctx context.Context, userID string) (SessionGrant, error) {
	sid, err := util.NewToken(32)
	if err != nil {
		return SessionGrant{}, fmt.Errorf("generate session id: %w", err)
	}
	expiresAt := s.now().Add(s.cfg.SessionTTL)
	if err := s.sessions.SaveSession(ctx, auth.HashToken(sid), userID, expiresAt); err != nil {
		return SessionGrant{}, fmt.Errorf("save session: %w", err)
	}
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{SID: sid, Exp: expiresAt.Unix()})
	if err != nil {
		return SessionGrant{}, fmt.Errorf("issue session token: %w", err)
	}
	return SessionGrant{Token: token, ExpiresAt: expiresAt}, nil
}

// ResolveIdentity maps a session cookie value to the signed-in user. A
// missing, forged, expired or revoked session yields an anonymous identity;
// only backend failures are returned as errors.
func (s *Service) ResolveIdentity(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, nil
	}
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Identity{}, nil
	}
	userID, err := s.sessions.LookupSession(ctx, auth.HashToken(claims.SID))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return Identity{}, nil
		}
		return Identity{}, fmt.Errorf("lookup session: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, nil
		}
		return Identity{}, fmt.Errorf("load session user: %w", err)
	}
	return Identity{UserID: user.ID, Username: user.Username, SessionID: claims.SID}, nil
}

func (s *Service) Logout(ctx context.Context, id Identity) error {
	if id.SessionID == "" {
		return nil
	}
	if err := s.sessions.DeleteSession(ctx, auth.HashToken(id.SessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CheckSession reports whether the caller is signed in and, when so,
// includes the caller's snapshot.
func (s *Service) CheckSession(ctx context.Context, id Identity) (map[string]any, error) {
	if !id.Authenticated() {
		return map[string]any{"loggedIn": false}, nil
	}
	state, err := s.BuildUserState(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"loggedIn": true, "state": state}, nil
}

func (s *Service) RequestPasswordRecovery(ctx context.Context, username, partnerUsername string) (authpw.RecoveryTicket, error) {
	if username == "" || partnerUsername == "" {
		return authpw.RecoveryTicket{}, Validation("username and partnerUsername are required")
	}
	return s.accounts.RequestRecovery(ctx, username, partnerUsername)
}

func (s *Service) ApprovePasswordRecovery(ctx context.Context, id Identity, token string) error {
	if token == "" {
		return Validation("recoveryToken is required")
	}
	return s.accounts.ApproveRecovery(ctx, id.UserID, token)
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return Validation("recoveryToken is required")
	}
	return s.accounts.ResetPassword(ctx, token, newPassword)
}

// UpdateProfile applies the non-empty profile fields and returns the
// refreshed snapshot.
func (s *Service) UpdateProfile(ctx context.Context, id Identity, update store.ProfileUpdate) (Snapshot, error) {
	if update.Empty() {
		return Snapshot{}, Validation("no fields to update")
	}
	if err := s.store.UpdateUserProfile(ctx, id.UserID, update); err != nil {
		return Snapshot{}, err
	}
	return s.BuildUserState(ctx, id.UserID)
}
