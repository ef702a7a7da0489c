package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"circles/api/internal/features"
	"circles/api/internal/store"
)

// Snapshot is everything a signed-in user can see, returned after every
// mutating action.
type Snapshot struct {
	Servers     ServerMap                  `json:"servers"`
	ServerOrder []string                   `json:"serverOrder"`
	Features    map[string][]FeatureView   `json:"features"`
	Content     map[string]json.RawMessage `json:"content"`
	Files       []FileView                 `json:"files"`
	CurrentUser *UserView                  `json:"currentUser"`
	LoggedIn    bool                       `json:"loggedIn"`
}

type ServerView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Banner      string `json:"banner"`
	OwnerID     string `json:"owner_id"`
	IsPublic    bool   `json:"is_public"`
	InviteCode  string `json:"invite_code"`
	UserRole    string `json:"userRole"`
	JoinedAt    string `json:"joinedAt"`
}

// ServerMap encodes as a JSON object keyed by server id, keeping the order
// in which the user joined.
type ServerMap []ServerView

func (m ServerMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, server := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(server.ID)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(server)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type FeatureView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Icon     string `json:"icon"`
	ServerID string `json:"server_id"`
	Position int    `json:"position"`
}

type FileView struct {
	ID             string  `json:"id"`
	Filename       string  `json:"filename"`
	StoredFilename string  `json:"storedFilename"`
	URL            string  `json:"url"`
	ServerID       *string `json:"serverId"`
	FeatureID      *string `json:"featureId"`
	Size           int64   `json:"size"`
	UploadedBy     string  `json:"uploadedBy"`
	UploadedAt     string  `json:"uploadedAt"`
	MimeType       string  `json:"mimeType"`
	DownloadCount  int     `json:"downloadCount"`
}

type UserView struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Nickname       string `json:"nickname"`
	Email          string `json:"email"`
	AdmissionYear  *int   `json:"admission_year"`
	GraduationYear *int   `json:"graduation_year"`
	Major          string `json:"major"`
	StudentID      string `json:"student_id"`
	Bio            string `json:"bio"`
	Avatar         string `json:"avatar"`
	UIScale        string `json:"ui_scale"`
	Theme          string `json:"theme"`
	Language       string `json:"language"`
	Timezone       string `json:"timezone"`
}

var emptyObject = json.RawMessage(`{}`)

// BuildUserState assembles the snapshot for userID. A user without any
// membership gets empty collections, not an error.
func (s *Service) BuildUserState(ctx context.Context, userID string) (Snapshot, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}

	memberships, err := s.store.ListUserWorkspaces(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	state := Snapshot{
		Servers:     make(ServerMap, 0, len(memberships)),
		ServerOrder: make([]string, 0, len(memberships)),
		Features:    map[string][]FeatureView{},
		Content:     map[string]json.RawMessage{},
		Files:       make([]FileView, 0),
		CurrentUser: userView(user),
		LoggedIn:    true,
	}
	workspaceIDs := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		workspaceIDs = append(workspaceIDs, membership.ID)
		state.ServerOrder = append(state.ServerOrder, membership.ID)
		state.Servers = append(state.Servers, ServerView{
			ID:          membership.ID,
			Name:        membership.Name,
			Description: membership.Description,
			Icon:        membership.Icon,
			Banner:      membership.Banner,
			OwnerID:     membership.OwnerID,
			IsPublic:    membership.IsPublic,
			InviteCode:  membership.InviteCode,
			UserRole:    membership.Role,
			JoinedAt:    formatTime(membership.JoinedAt),
		})
		state.Features[membership.ID] = make([]FeatureView, 0)
	}
	if len(workspaceIDs) == 0 {
		return state, nil
	}

	featureRows, err := s.store.ListFeatures(ctx, workspaceIDs)
	if err != nil {
		return Snapshot{}, err
	}
	featureIDs := make([]string, 0, len(featureRows))
	kinds := make(map[string]store.Feature, len(featureRows))
	for _, feature := range featureRows {
		featureIDs = append(featureIDs, feature.ID)
		kinds[feature.ID] = feature
		state.Features[feature.WorkspaceID] = append(state.Features[feature.WorkspaceID], FeatureView{
			ID:       feature.ID,
			Name:     feature.Name,
			Type:     feature.Type,
			Icon:     feature.Icon,
			ServerID: feature.WorkspaceID,
			Position: feature.Position,
		})
	}

	documents, err := s.store.ListDocuments(ctx, featureIDs)
	if err != nil {
		return Snapshot{}, err
	}
	for _, doc := range documents {
		feature, ok := kinds[doc.FeatureID]
		if !ok {
			continue
		}
		content, err := s.renderContent(ctx, feature, doc.Content)
		if err != nil {
			return Snapshot{}, err
		}
		state.Content[doc.FeatureID] = content
	}

	files, err := s.store.ListFileAssets(ctx, workspaceIDs)
	if err != nil {
		return Snapshot{}, err
	}
	for _, file := range files {
		state.Files = append(state.Files, fileView(file))
	}
	return state, nil
}

// renderContent returns the stored document bytes unchanged. Malformed
// stored content renders as an empty object; members documents get the
// member map filled from membership rows.
func (s *Service) renderContent(ctx context.Context, feature store.Feature, raw json.RawMessage) (json.RawMessage, error) {
	if !isJSONObject(raw) {
		return emptyObject, nil
	}
	kind, err := features.ParseKind(feature.Type)
	if err != nil {
		return raw, nil
	}
	if _, err := features.Decode(kind, raw); err != nil {
		s.logger.Warn().Err(err).Str("feature_id", feature.ID).Msg("stored document is malformed")
		return emptyObject, nil
	}
	if kind != features.KindMembers {
		return raw, nil
	}
	rows, err := s.store.ListMembers(ctx, feature.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return withMembers(raw, memberEntries(rows))
}

// withMembers sets the derived members map on a stored members document and
// leaves every other key as stored.
func withMembers(raw json.RawMessage, members map[string]features.MemberEntry) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode members document: %w", err)
	}
	encoded, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("encode members: %w", err)
	}
	fields["members"] = encoded
	return json.Marshal(fields)
}

func memberEntries(rows []store.Member) map[string]features.MemberEntry {
	entries := make(map[string]features.MemberEntry, len(rows))
	for _, row := range rows {
		entries[row.UserID] = features.MemberEntry{
			UserID:   row.UserID,
			Username: row.Username,
			Nickname: displayName(row.Nickname, row.Username),
			Role:     row.Role,
			JoinedAt: formatTime(row.JoinedAt),
		}
	}
	return entries
}

func userView(user store.User) *UserView {
	return &UserView{
		ID:             user.ID,
		Username:       user.Username,
		Nickname:       user.DisplayName(),
		Email:          user.Email,
		AdmissionYear:  user.AdmissionYear,
		GraduationYear: user.GraduationYear,
		Major:          user.Major,
		StudentID:      user.StudentID,
		Bio:            user.Bio,
		Avatar:         user.Avatar,
		UIScale:        user.UIScale,
		Theme:          user.Theme,
		Language:       user.Language,
		Timezone:       user.Timezone,
	}
}

func fileView(file store.FileAsset) FileView {
	return FileView{
		ID:             file.ID,
		Filename:       file.OriginalName,
		StoredFilename: file.StoredName,
		URL:            uploadURL(file.StoredName),
		ServerID:       file.WorkspaceID,
		FeatureID:      file.FeatureID,
		Size:           file.SizeBytes,
		UploadedBy:     file.UploaderName,
		UploadedAt:     formatTime(file.CreatedAt),
		MimeType:       file.MimeType,
		DownloadCount:  file.DownloadCount,
	}
}

func displayName(nickname, username string) string {
	if nickname != "" {
		return nickname
	}
	return username
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
