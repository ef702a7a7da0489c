package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"circles/api/internal/authpw"
	"circles/api/internal/blob"
	"circles/api/internal/config"
	"circles/api/internal/export"
	"circles/api/internal/search"
	"circles/api/internal/session"
	"circles/api/internal/store"
	"circles/api/internal/util"
	"github.com/rs/zerolog"
)

// memStore is an in-memory dataStore with the same ordering and error
// contracts as the Postgres store.
var (
	_ dataStore    = (*memStore)(nil)
	_ dataStore    = (*store.PostgresStore)(nil)
	_ SessionStore = (*memSessions)(nil)
	_ SessionStore = (*store.PostgresStore)(nil)
)

type memStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	workspaces  map[string]store.Workspace
	memberships []store.Membership
	features    map[string]store.Feature
	documents   map[string]store.FeatureDocument
	files       []store.FileAsset
	invites     map[string]store.Invite

	pingFn   func(context.Context) error
	mutateFn func(featureID string) error
}

func newMemStore() *memStore {
	return &memStore{
		users:      map[string]store.User{},
		workspaces: map[string]store.Workspace{},
		features:   map[string]store.Feature{},
		documents:  map[string]store.FeatureDocument{},
		invites:    map[string]store.Invite{},
	}
}

func (m *memStore) addUser(username string) store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := store.User{ID: util.NewID("user"), Username: username, CreatedAt: time.Now().UTC()}
	m.users[user.ID] = user
	return user
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) UpdateUserProfile(_ context.Context, userID string, update store.ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&user.Nickname, update.Nickname)
	set(&user.Email, update.Email)
	set(&user.Major, update.Major)
	set(&user.StudentID, update.StudentID)
	set(&user.Bio, update.Bio)
	set(&user.Theme, update.Theme)
	set(&user.UIScale, update.UIScale)
	set(&user.Language, update.Language)
	set(&user.Timezone, update.Timezone)
	if update.AdmissionYear != nil {
		user.AdmissionYear = update.AdmissionYear
	}
	if update.GraduationYear != nil {
		user.GraduationYear = update.GraduationYear
	}
	m.users[userID] = user
	return nil
}

func (m *memStore) CreateWorkspace(_ context.Context, ws store.Workspace, seeds []store.FeatureSeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workspaces[ws.ID]; exists {
		return store.ErrConflict
	}
	m.workspaces[ws.ID] = ws
	m.memberships = append(m.memberships, store.Membership{
		WorkspaceID: ws.ID,
		UserID:      ws.OwnerID,
		Role:        "owner",
		JoinedAt:    ws.CreatedAt,
	})
	for _, seed := range seeds {
		feature := seed.Feature
		feature.WorkspaceID = ws.ID
		m.features[feature.ID] = feature
		m.documents[feature.ID] = store.FeatureDocument{
			FeatureID: feature.ID,
			Content:   seed.Content,
			Version:   1,
			UpdatedAt: ws.CreatedAt,
		}
	}
	return nil
}

func (m *memStore) GetWorkspace(_ context.Context, workspaceID string) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return ws, nil
}

func (m *memStore) ListUserWorkspaces(_ context.Context, userID string) ([]store.WorkspaceMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.WorkspaceMembership, 0)
	for _, membership := range m.memberships {
		if membership.UserID != userID {
			continue
		}
		items = append(items, store.WorkspaceMembership{
			Workspace: m.workspaces[membership.WorkspaceID],
			Role:      membership.Role,
			JoinedAt:  membership.JoinedAt,
		})
	}
	return items, nil
}

func (m *memStore) membershipIndex(workspaceID, userID string) int {
	for i, membership := range m.memberships {
		if membership.WorkspaceID == workspaceID && membership.UserID == userID {
			return i
		}
	}
	return -1
}

func (m *memStore) GetMembership(_ context.Context, workspaceID, userID string) (store.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.membershipIndex(workspaceID, userID)
	if i < 0 {
		return store.Membership{}, sql.ErrNoRows
	}
	return m.memberships[i], nil
}

func (m *memStore) UpdateMembershipRole(_ context.Context, workspaceID, userID, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.membershipIndex(workspaceID, userID)
	if i < 0 || m.memberships[i].Role == "owner" {
		return false, nil
	}
	m.memberships[i].Role = role
	return true, nil
}

func (m *memStore) DeleteMembership(_ context.Context, workspaceID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.membershipIndex(workspaceID, userID)
	if i < 0 || m.memberships[i].Role == "owner" {
		return false, nil
	}
	m.memberships = append(m.memberships[:i], m.memberships[i+1:]...)
	return true, nil
}

func (m *memStore) ListMembers(_ context.Context, workspaceID string) ([]store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Member, 0)
	for _, membership := range m.memberships {
		if membership.WorkspaceID != workspaceID {
			continue
		}
		user := m.users[membership.UserID]
		items = append(items, store.Member{
			UserID:   user.ID,
			Username: user.Username,
			Nickname: user.Nickname,
			Avatar:   user.Avatar,
			Role:     membership.Role,
			JoinedAt: membership.JoinedAt,
		})
	}
	return items, nil
}

func (m *memStore) ListFeatures(_ context.Context, workspaceIDs []string) ([]store.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range workspaceIDs {
		wanted[id] = true
	}
	items := make([]store.Feature, 0)
	for _, feature := range m.features {
		if wanted[feature.WorkspaceID] {
			items = append(items, feature)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].WorkspaceID != items[j].WorkspaceID {
			return items[i].WorkspaceID < items[j].WorkspaceID
		}
		return items[i].Position < items[j].Position
	})
	return items, nil
}

func (m *memStore) GetFeature(_ context.Context, featureID string) (store.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	feature, ok := m.features[featureID]
	if !ok {
		return store.Feature{}, sql.ErrNoRows
	}
	return feature, nil
}

func (m *memStore) GetDocument(_ context.Context, featureID string) (store.FeatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[featureID]
	if !ok {
		return store.FeatureDocument{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) ListDocuments(_ context.Context, featureIDs []string) ([]store.FeatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.FeatureDocument, 0)
	for _, id := range featureIDs {
		if doc, ok := m.documents[id]; ok {
			items = append(items, doc)
		}
	}
	return items, nil
}

func (m *memStore) PutDocument(_ context.Context, featureID string, content json.RawMessage) (store.FeatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.documents[featureID]
	doc.FeatureID = featureID
	doc.Content = content
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	m.documents[featureID] = doc
	return doc, nil
}

// MutateDocument holds the store lock across fn, like the row lock.
func (m *memStore) MutateDocument(_ context.Context, featureID string, fn func(json.RawMessage) (json.RawMessage, error)) (store.FeatureDocument, error) {
	if m.mutateFn != nil {
		if err := m.mutateFn(featureID); err != nil {
			return store.FeatureDocument{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[featureID]
	if !ok {
		return store.FeatureDocument{}, sql.ErrNoRows
	}
	next, err := fn(doc.Content)
	if err != nil {
		return store.FeatureDocument{}, err
	}
	doc.Content = next
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	m.documents[featureID] = doc
	return doc, nil
}

func (m *memStore) InsertFileAsset(_ context.Context, asset store.FileAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.files {
		if existing.StoredName == asset.StoredName {
			return store.ErrConflict
		}
	}
	asset.UploaderName = m.users[asset.UploadedBy].Username
	m.files = append([]store.FileAsset{asset}, m.files...)
	return nil
}

func (m *memStore) DeleteFileAsset(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.files[:0]
	for _, asset := range m.files {
		if asset.ID != fileID {
			kept = append(kept, asset)
		}
	}
	m.files = kept
	return nil
}

func (m *memStore) ListFileAssets(_ context.Context, workspaceIDs []string) ([]store.FileAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range workspaceIDs {
		wanted[id] = true
	}
	items := make([]store.FileAsset, 0)
	for _, asset := range m.files {
		if asset.WorkspaceID != nil && wanted[*asset.WorkspaceID] {
			items = append(items, asset)
		}
	}
	return items, nil
}

func (m *memStore) GetFileAssetByStoredName(_ context.Context, storedName string) (store.FileAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, asset := range m.files {
		if asset.StoredName == storedName {
			return asset, nil
		}
	}
	return store.FileAsset{}, sql.ErrNoRows
}

func (m *memStore) IncrementDownloadCount(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.files {
		if m.files[i].ID == fileID {
			m.files[i].DownloadCount++
		}
	}
	return nil
}

func (m *memStore) CreateInvite(_ context.Context, invite store.Invite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.invites[invite.Code]; exists {
		return store.ErrConflict
	}
	m.invites[invite.Code] = invite
	return nil
}

func (m *memStore) AcceptInvite(_ context.Context, code, userID string, now time.Time) (store.Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	invite, ok := m.invites[code]
	if !ok || invite.UsedAt != nil || !invite.ExpiresAt.After(now) || invite.CurrentUses >= invite.MaxUses {
		return store.Invite{}, store.ErrInviteUnavailable
	}
	if m.membershipIndex(invite.WorkspaceID, userID) >= 0 {
		return store.Invite{}, store.ErrAlreadyMember
	}
	inviter := invite.InviterID
	m.memberships = append(m.memberships, store.Membership{
		WorkspaceID: invite.WorkspaceID,
		UserID:      userID,
		Role:        "member",
		InvitedBy:   &inviter,
		JoinedAt:    now,
	})
	usedBy := userID
	invite.UsedAt = &now
	invite.UsedBy = &usedBy
	invite.CurrentUses++
	m.invites[code] = invite
	return invite, nil
}

type memSessions struct {
	mu      sync.Mutex
	records map[string]string
}

func newMemSessions() *memSessions {
	return &memSessions{records: map[string]string{}}
}

func (m *memSessions) SaveSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[tokenHash] = userID
	return nil
}

func (m *memSessions) LookupSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.records[tokenHash]
	if !ok {
		return "", session.ErrNotFound
	}
	return userID, nil
}

func (m *memSessions) DeleteSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tokenHash)
	return nil
}

// fakeAccounts checks passwords against a map and creates users in the
// backing memStore.
type fakeAccounts struct {
	store     *memStore
	passwords map[string]string

	requestRecoveryFn func(context.Context, string, string) (authpw.RecoveryTicket, error)
	approveRecoveryFn func(context.Context, string, string) error
	resetPasswordFn   func(context.Context, string, string) error
}

func (f *fakeAccounts) Register(_ context.Context, username, password string) (store.User, error) {
	if username == "" || password == "" {
		return store.User{}, authpw.ErrMissingCredentials
	}
	if _, exists := f.passwords[username]; exists {
		return store.User{}, authpw.ErrUsernameTaken
	}
	f.passwords[username] = password
	return f.store.addUser(username), nil
}

func (f *fakeAccounts) Login(_ context.Context, username, password string) (store.User, error) {
	want, ok := f.passwords[username]
	if !ok {
		return store.User{}, authpw.ErrUsernameNotFound
	}
	if want != password {
		return store.User{}, authpw.ErrWrongPassword
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, user := range f.store.users {
		if user.Username == username {
			return user, nil
		}
	}
	return store.User{}, authpw.ErrUsernameNotFound
}

func (f *fakeAccounts) RequestRecovery(ctx context.Context, username, partnerUsername string) (authpw.RecoveryTicket, error) {
	if f.requestRecoveryFn != nil {
		return f.requestRecoveryFn(ctx, username, partnerUsername)
	}
	return authpw.RecoveryTicket{Token: "recovery-token", ExpiresAt: time.Now().Add(authpw.RecoveryTTL)}, nil
}

func (f *fakeAccounts) ApproveRecovery(ctx context.Context, partnerID, token string) error {
	if f.approveRecoveryFn != nil {
		return f.approveRecoveryFn(ctx, partnerID, token)
	}
	return nil
}

func (f *fakeAccounts) ResetPassword(ctx context.Context, token, newPassword string) error {
	if f.resetPasswordFn != nil {
		return f.resetPasswordFn(ctx, token, newPassword)
	}
	return nil
}

type fakeSearch struct {
	mu       sync.Mutex
	queries  []search.Query
	indexed  []search.DocumentRecord
	response search.Response
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	resp := f.response
	resp.Query = q.Text
	return resp
}

func (f *fakeSearch) IndexDocument(record search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

type fakeExporter struct {
	pages []export.WikiPage
	err   error
}

func (f *fakeExporter) WikiPagePDF(_ context.Context, page export.WikiPage) (*export.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.pages = append(f.pages, page)
	return &export.Result{Data: []byte("%PDF-1.4"), Filename: "welcome.pdf", MimeType: "application/pdf"}, nil
}

type testEnv struct {
	svc      *Service
	store    *memStore
	sessions *memSessions
	accounts *fakeAccounts
	search   *fakeSearch
	export   *fakeExporter
	blobDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobDir := t.TempDir()
	blobs, err := blob.NewLocalStore(blobDir)
	if err != nil {
		t.Fatalf("local blob store: %v", err)
	}
	mem := newMemStore()
	env := &testEnv{
		blobDir:  blobDir,
		store:    mem,
		sessions: newMemSessions(),
		accounts: &fakeAccounts{store: mem, passwords: map[string]string{}},
		search:   &fakeSearch{},
		export:   &fakeExporter{},
	}
	env.svc = New(config.Config{SessionSecret: "test-secret"}, Deps{
		Store:    mem,
		Sessions: env.sessions,
		Accounts: env.accounts,
		Blobs:    blobs,
		Search:   env.search,
		Export:   env.export,
		Logger:   zerolog.Nop(),
	})
	return env
}

// register creates a user and returns its identity.
func (e *testEnv) register(t *testing.T, username string) Identity {
	t.Helper()
	user, err := e.accounts.Register(context.Background(), username, "secret1")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return Identity{UserID: user.ID, Username: user.Username}
}

// createServer creates a server owned by id and returns its id.
func (e *testEnv) createServer(t *testing.T, id Identity, name string) string {
	t.Helper()
	state, err := e.svc.CreateWorkspace(context.Background(), id, name, "", "")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	for _, server := range state.Servers {
		if server.Name == name {
			return server.ID
		}
	}
	t.Fatalf("server %q missing from snapshot", name)
	return ""
}

// featureID finds the feature of the given type in a server.
func (e *testEnv) featureID(t *testing.T, serverID, featureType string) string {
	t.Helper()
	features, err := e.store.ListFeatures(context.Background(), []string{serverID})
	if err != nil {
		t.Fatalf("list features: %v", err)
	}
	for _, feature := range features {
		if feature.Type == featureType {
			return feature.ID
		}
	}
	t.Fatalf("no %s feature in %s", featureType, serverID)
	return ""
}

func (e *testEnv) join(t *testing.T, owner, member Identity, serverID string) {
	t.Helper()
	invite, err := e.svc.CreateInvite(context.Background(), owner, serverID)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if _, err := e.svc.AcceptInvite(context.Background(), member, invite.InviteCode); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
}

func codeOf(err error) string {
	if err == nil {
		return ""
	}
	return mapError(err).Code
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}
