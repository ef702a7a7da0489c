package app

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"circles/api/internal/export"
	"circles/api/internal/features"
	"circles/api/internal/history"
	"circles/api/internal/rbac"
	"circles/api/internal/search"
	"circles/api/internal/store"
	"circles/api/internal/util"
)

const (
	defaultServerIcon   = "🎯"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// CreateWorkspace creates a server owned by the caller with every catalog
// feature seeded, then returns the caller's snapshot.
func (s *Service) CreateWorkspace(ctx context.Context, id Identity, name, description, icon string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Snapshot{}, Validation("Server name is required")
	}
	inviteCode, err := util.NewToken(inviteCodeBytes)
	if err != nil {
		return Snapshot{}, fmt.Errorf("generate invite code: %w", err)
	}

	now := s.now()
	ws := store.Workspace{
		ID:          util.NewID("server"),
		Name:        name,
		Description: strings.TrimSpace(description),
		Icon:        util.TrimmedOrDefault(icon, defaultServerIcon),
		OwnerID:     id.UserID,
		InviteCode:  inviteCode,
		CreatedAt:   now,
	}
	seeds := make([]store.FeatureSeed, 0, len(features.Catalog))
	for position, def := range features.Catalog {
		doc, err := features.InitialContent(def.Kind, now)
		if err != nil {
			return Snapshot{}, err
		}
		content, err := features.Encode(doc)
		if err != nil {
			return Snapshot{}, err
		}
		seeds = append(seeds, store.FeatureSeed{
			Feature: store.Feature{
				ID:          util.NewID("feature"),
				WorkspaceID: ws.ID,
				Name:        def.Name,
				Type:        string(def.Kind),
				Icon:        def.Icon,
				Position:    position,
				CreatedAt:   now,
			},
			Content: content,
		})
	}
	if err := s.store.CreateWorkspace(ctx, ws, seeds); err != nil {
		return Snapshot{}, err
	}
	s.logger.Info().Str("server_id", ws.ID).Str("owner_id", id.UserID).Msg("server created")

	for _, seed := range seeds {
		s.afterWrite(seed.Feature, store.FeatureDocument{
			FeatureID: seed.Feature.ID,
			Content:   seed.Content,
			Version:   1,
			UpdatedAt: now,
		}, id.Username)
	}
	return s.BuildUserState(ctx, id.UserID)
}

// authorizeFeature loads the feature and checks the caller may perform
// action in its workspace.
func (s *Service) authorizeFeature(ctx context.Context, id Identity, featureID string, action rbac.Action) (store.Feature, error) {
	if featureID == "" {
		return store.Feature{}, Validation("featureId is required")
	}
	feature, err := s.store.GetFeature(ctx, featureID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Feature{}, NotFound("feature not found")
		}
		return store.Feature{}, err
	}
	if _, err := s.requirePermission(ctx, id, feature.WorkspaceID, action, "insufficient permissions"); err != nil {
		return store.Feature{}, err
	}
	return feature, nil
}

// mutateFeature applies fn to the feature's typed document under the
// document's row lock and returns the caller's snapshot.
func (s *Service) mutateFeature(ctx context.Context, id Identity, featureID string, fn func(features.Document) error) (Snapshot, error) {
	feature, err := s.authorizeFeature(ctx, id, featureID, rbac.ActionWrite)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.applyMutation(ctx, id, feature, fn); err != nil {
		return Snapshot{}, err
	}
	return s.BuildUserState(ctx, id.UserID)
}

func (s *Service) applyMutation(ctx context.Context, id Identity, feature store.Feature, fn func(features.Document) error) error {
	kind, err := features.ParseKind(feature.Type)
	if err != nil {
		return err
	}
	doc, err := s.store.MutateDocument(ctx, feature.ID, func(current json.RawMessage) (json.RawMessage, error) {
		decoded, err := features.Decode(kind, current)
		if err != nil {
			return nil, err
		}
		if err := fn(decoded); err != nil {
			return nil, err
		}
		return features.Encode(decoded)
	})
	if err != nil {
		return err
	}
	s.afterWrite(feature, doc, id.Username)
	return nil
}

// afterWrite records the new revision and refreshes the search index. Both
// run after commit; failures are logged and never fail the request.
func (s *Service) afterWrite(feature store.Feature, doc store.FeatureDocument, author string) {
	if s.history != nil {
		if _, err := s.history.Record(feature.ID, doc.Content, doc.Version, author); err != nil {
			s.logger.Warn().Err(err).Str("feature_id", feature.ID).Msg("record feature revision")
		}
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			ID:          feature.ID,
			WorkspaceID: feature.WorkspaceID,
			FeatureName: feature.Name,
			FeatureType: feature.Type,
			Text:        search.Flatten(doc.Content),
			Version:     doc.Version,
		})
	}
}

func (s *Service) AddSubItem(ctx context.Context, id Identity, featureID, name, itemType string) (Snapshot, error) {
	if strings.TrimSpace(name) == "" {
		return Snapshot{}, Validation("name is required")
	}
	itemType = util.TrimmedOrDefault(itemType, features.SubItemChannel)
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		_, err := features.AddSubItem(doc, strings.TrimSpace(name), itemType)
		return err
	})
}

func (s *Service) PostMessage(ctx context.Context, id Identity, featureID, subItemID, content string) (Snapshot, error) {
	if subItemID == "" {
		return Snapshot{}, Validation("subItemId is required")
	}
	if strings.TrimSpace(content) == "" {
		return Snapshot{}, Validation("content is required")
	}
	user, err := s.store.GetUserByID(ctx, id.UserID)
	if err != nil {
		return Snapshot{}, err
	}
	author := features.Author{ID: user.Username, Name: user.DisplayName()}
	now := s.now()
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		_, err := features.PostMessage(doc, subItemID, author, content, now)
		return err
	})
}

func (s *Service) AddWhiteboard(ctx context.Context, id Identity, featureID, name string) (Snapshot, error) {
	if strings.TrimSpace(name) == "" {
		return Snapshot{}, Validation("name is required")
	}
	now := s.now()
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		_, err := features.AddBoard(doc, strings.TrimSpace(name), id.Username, now)
		return err
	})
}

func (s *Service) SaveWhiteboard(ctx context.Context, id Identity, featureID, boardID, elements string) (Snapshot, error) {
	if boardID == "" {
		return Snapshot{}, Validation("boardId is required")
	}
	if !json.Valid([]byte(elements)) {
		return Snapshot{}, Validation("elements must be valid JSON")
	}
	now := s.now()
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		return features.SaveBoardElements(doc, boardID, json.RawMessage(elements), id.Username, now)
	})
}

func (s *Service) CreateSurvey(ctx context.Context, id Identity, featureID, title, questions string) (Snapshot, error) {
	if strings.TrimSpace(title) == "" {
		return Snapshot{}, Validation("title is required")
	}
	if !json.Valid([]byte(questions)) {
		return Snapshot{}, Validation("questions must be valid JSON")
	}
	now := s.now()
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		_, err := features.CreateSurvey(doc, strings.TrimSpace(title), json.RawMessage(questions), id.Username, now)
		return err
	})
}

func (s *Service) SubmitSurveyResponse(ctx context.Context, id Identity, featureID, surveyID, responses string) (Snapshot, error) {
	if surveyID == "" {
		return Snapshot{}, Validation("surveyId is required")
	}
	if !json.Valid([]byte(responses)) {
		return Snapshot{}, Validation("responses must be valid JSON")
	}
	now := s.now()
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		return features.SubmitSurveyResponse(doc, surveyID, json.RawMessage(responses), id.Username, now)
	})
}

func (s *Service) CreateProject(ctx context.Context, id Identity, featureID, name, description string) (Snapshot, error) {
	if strings.TrimSpace(name) == "" {
		return Snapshot{}, Validation("name is required")
	}
	now := s.now()
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		_, err := features.CreateProject(doc, strings.TrimSpace(name), description, id.Username, now)
		return err
	})
}

func (s *Service) CreateTask(ctx context.Context, id Identity, featureID, projectID, title, description, priority string) (Snapshot, error) {
	if projectID == "" {
		return Snapshot{}, Validation("projectId is required")
	}
	if strings.TrimSpace(title) == "" {
		return Snapshot{}, Validation("title is required")
	}
	priority = util.TrimmedOrDefault(priority, features.PriorityMedium)
	now := s.now()
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		_, err := features.CreateTask(doc, projectID, strings.TrimSpace(title), description, priority, id.Username, now)
		return err
	})
}

func (s *Service) UpdateTaskStatus(ctx context.Context, id Identity, featureID, taskID, status string) (Snapshot, error) {
	if taskID == "" || status == "" {
		return Snapshot{}, Validation("taskId and status are required")
	}
	now := s.now()
	return s.mutateFeature(ctx, id, featureID, func(doc features.Document) error {
		return features.UpdateTaskStatus(doc, taskID, status, now)
	})
}

// UpdateFeatureContent replaces a feature document wholesale after checking
// it against the feature's declared shape.
func (s *Service) UpdateFeatureContent(ctx context.Context, id Identity, featureID, content string) (Snapshot, error) {
	if !json.Valid([]byte(content)) {
		return Snapshot{}, Validation("Invalid JSON data")
	}
	feature, err := s.authorizeFeature(ctx, id, featureID, rbac.ActionWrite)
	if err != nil {
		return Snapshot{}, err
	}
	kind, err := features.ParseKind(feature.Type)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := features.DecodeStrict(kind, []byte(content)); err != nil {
		return Snapshot{}, err
	}
	stored, err := s.store.PutDocument(ctx, featureID, json.RawMessage(content))
	if err != nil {
		return Snapshot{}, err
	}
	s.afterWrite(feature, stored, id.Username)
	return s.BuildUserState(ctx, id.UserID)
}

// GetFeatureContent returns the rendered document, or an empty object when
// the feature has none yet.
func (s *Service) GetFeatureContent(ctx context.Context, id Identity, featureID string) (json.RawMessage, error) {
	feature, err := s.authorizeFeature(ctx, id, featureID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, featureID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return emptyObject, nil
		}
		return nil, err
	}
	return s.renderContent(ctx, feature, doc.Content)
}

func (s *Service) FeatureHistory(ctx context.Context, id Identity, featureID string, limit int) ([]history.Revision, error) {
	if _, err := s.authorizeFeature(ctx, id, featureID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, unavailable("revision history is not configured")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.history.Log(featureID, limit)
}

// FeatureRevision returns the document as it was at revision.
func (s *Service) FeatureRevision(ctx context.Context, id Identity, featureID, revision string) (map[string]any, error) {
	if strings.TrimSpace(revision) == "" {
		return nil, Validation("revision is required")
	}
	if _, err := s.authorizeFeature(ctx, id, featureID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, unavailable("revision history is not configured")
	}
	content, rev, err := s.history.Content(featureID, strings.TrimSpace(revision))
	if err != nil {
		return nil, err
	}
	return map[string]any{"revision": rev, "content": content}, nil
}

// Search looks for text in the documents of the caller's servers, or of a
// single server when serverID is set.
func (s *Service) Search(ctx context.Context, id Identity, text, serverID string, limit int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, Validation("query is required")
	}
	if s.search == nil {
		return search.Response{}, unavailable("search is not configured")
	}
	var scope []string
	if serverID != "" {
		if _, err := s.CheckRole(ctx, serverID, id.UserID); err != nil {
			return search.Response{}, err
		}
		scope = []string{serverID}
	} else {
		memberships, err := s.store.ListUserWorkspaces(ctx, id.UserID)
		if err != nil {
			return search.Response{}, err
		}
		for _, membership := range memberships {
			scope = append(scope, membership.ID)
		}
	}
	return s.search.Search(search.Query{Text: text, WorkspaceIDs: scope, Limit: limit}), nil
}

// ExportWikiPage renders one wiki page to PDF. The payload is base64 so it
// fits the JSON envelope.
func (s *Service) ExportWikiPage(ctx context.Context, id Identity, featureID, pageID string) (map[string]any, error) {
	if pageID == "" {
		return nil, Validation("pageId is required")
	}
	feature, err := s.authorizeFeature(ctx, id, featureID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if feature.Type != string(features.KindWiki) {
		return nil, Validation("feature is not a wiki")
	}
	if s.export == nil {
		return nil, unavailable("export is not configured")
	}
	stored, err := s.store.GetDocument(ctx, featureID)
	if err != nil {
		return nil, err
	}
	doc, err := features.Decode(features.KindWiki, stored.Content)
	if err != nil {
		return nil, err
	}
	page, ok := doc.(*features.WikiDocument).Pages[pageID]
	if !ok {
		return nil, NotFound("wiki page not found")
	}
	ws, err := s.store.GetWorkspace(ctx, feature.WorkspaceID)
	if err != nil {
		return nil, err
	}

	result, err := s.export.WikiPagePDF(ctx, export.WikiPage{
		Title:       page.Title,
		Content:     page.Content,
		Author:      page.Author,
		Tags:        page.Tags,
		UpdatedAt:   fromEpoch(page.UpdatedAt),
		ServerName:  ws.Name,
		FeatureName: feature.Name,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"filename": result.Filename,
		"mimeType": result.MimeType,
		"data":     base64.StdEncoding.EncodeToString(result.Data),
	}, nil
}

func fromEpoch(seconds float64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
}

func unavailable(message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, "UNAVAILABLE", message, nil)
}
