package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"circles/api/internal/features"
	"circles/api/internal/rbac"
	"circles/api/internal/store"
	"circles/api/internal/util"
	"github.com/google/uuid"
)

const (
	uploadsPath     = "/files/uploads/"
	filesPath       = "/files/"
	pngDataURLStart = "data:image/png;base64,"
)

var (
	storedNamePattern = regexp.MustCompile(`^[0-9a-f-]{36}(\.[A-Za-z0-9]{1,10})?$`)
	extensionPattern  = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)
)

// Upload is one file received by uploadFile.
type Upload struct {
	ServerID    string
	FeatureID   string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type UploadView struct {
	FileID           string `json:"fileId"`
	OriginalFilename string `json:"originalFilename"`
	StoredFilename   string `json:"storedFilename"`
	FileSize         int64  `json:"fileSize"`
	URL              string `json:"url"`
}

type WhiteboardImageView struct {
	ImageID   string `json:"imageId"`
	ImagePath string `json:"imagePath"`
}

func uploadURL(storedName string) string {
	return uploadsPath + storedName
}

// storedNameFor returns a fresh server-side name keeping a safe extension of
// the client's file name.
func storedNameFor(original string) string {
	ext := filepath.Ext(original)
	if !extensionPattern.MatchString(ext) {
		ext = ""
	}
	return uuid.New().String() + strings.ToLower(ext)
}

// UploadFile stores a file for a server, or for a feature of that server.
func (s *Service) UploadFile(ctx context.Context, id Identity, upload Upload) (UploadView, error) {
	if upload.Body == nil || strings.TrimSpace(upload.Filename) == "" {
		return UploadView{}, Validation("file is required")
	}
	if upload.Size > s.cfg.MaxUploadBytes {
		return UploadView{}, Validation(fmt.Sprintf("file exceeds the %d byte upload limit", s.cfg.MaxUploadBytes))
	}

	serverID := upload.ServerID
	if upload.FeatureID != "" {
		feature, err := s.authorizeFeature(ctx, id, upload.FeatureID, rbac.ActionWrite)
		if err != nil {
			return UploadView{}, err
		}
		if serverID != "" && serverID != feature.WorkspaceID {
			return UploadView{}, Validation("featureId does not belong to serverId")
		}
		serverID = feature.WorkspaceID
	} else {
		if serverID == "" {
			return UploadView{}, Validation("serverId is required")
		}
		if _, err := s.requirePermission(ctx, id, serverID, rbac.ActionWrite, "insufficient permissions"); err != nil {
			return UploadView{}, err
		}
	}

	original := filepath.Base(upload.Filename)
	asset := store.FileAsset{
		ID:           util.NewID("file"),
		StoredName:   storedNameFor(original),
		OriginalName: original,
		SizeBytes:    upload.Size,
		MimeType:     util.TrimmedOrDefault(upload.ContentType, "application/octet-stream"),
		UploadedBy:   id.UserID,
		WorkspaceID:  &serverID,
		CreatedAt:    s.now(),
	}
	if upload.FeatureID != "" {
		featureID := upload.FeatureID
		asset.FeatureID = &featureID
	}
	if err := s.storeAsset(ctx, asset, upload.Body); err != nil {
		return UploadView{}, err
	}
	s.logger.Info().
		Str("file_id", asset.ID).
		Str("server_id", serverID).
		Int64("size", asset.SizeBytes).
		Msg("file uploaded")

	return UploadView{
		FileID:           asset.ID,
		OriginalFilename: asset.OriginalName,
		StoredFilename:   asset.StoredName,
		FileSize:         asset.SizeBytes,
		URL:              uploadURL(asset.StoredName),
	}, nil
}

// storeAsset writes the blob and then its row. The blob is removed again
// when the row cannot be written.
func (s *Service) storeAsset(ctx context.Context, asset store.FileAsset, body io.Reader) error {
	if err := s.blobs.Put(ctx, asset.StoredName, body, asset.SizeBytes, asset.MimeType); err != nil {
		return fmt.Errorf("store file: %w", err)
	}
	if err := s.store.InsertFileAsset(ctx, asset); err != nil {
		if delErr := s.blobs.Delete(ctx, asset.StoredName); delErr != nil {
			s.logger.Warn().Err(delErr).Str("stored_name", asset.StoredName).Msg("remove orphaned file")
		}
		return err
	}
	return nil
}

// discardAsset removes an asset nothing links to. Failures are logged only.
func (s *Service) discardAsset(ctx context.Context, asset store.FileAsset) {
	if err := s.store.DeleteFileAsset(ctx, asset.ID); err != nil {
		s.logger.Warn().Err(err).Str("file_id", asset.ID).Msg("remove orphaned file row")
	}
	if err := s.blobs.Delete(ctx, asset.StoredName); err != nil {
		s.logger.Warn().Err(err).Str("stored_name", asset.StoredName).Msg("remove orphaned file")
	}
}

// SaveWhiteboardImage stores a PNG rendering of a board and links it from
// the board.
func (s *Service) SaveWhiteboardImage(ctx context.Context, id Identity, featureID, boardID, imageData string) (WhiteboardImageView, error) {
	if boardID == "" {
		return WhiteboardImageView{}, Validation("boardId is required")
	}
	png, err := decodePNGDataURL(imageData)
	if err != nil {
		return WhiteboardImageView{}, err
	}
	if int64(len(png)) > s.cfg.MaxUploadBytes {
		return WhiteboardImageView{}, Validation(fmt.Sprintf("image exceeds the %d byte upload limit", s.cfg.MaxUploadBytes))
	}

	feature, err := s.authorizeFeature(ctx, id, featureID, rbac.ActionWrite)
	if err != nil {
		return WhiteboardImageView{}, err
	}
	if feature.Type != string(features.KindWhiteboard) {
		return WhiteboardImageView{}, Validation("feature is not a whiteboard")
	}
	if err := s.requireBoard(ctx, featureID, boardID); err != nil {
		return WhiteboardImageView{}, err
	}

	featureRef := feature.ID
	workspaceRef := feature.WorkspaceID
	asset := store.FileAsset{
		ID:           util.NewID("file"),
		StoredName:   uuid.New().String() + ".png",
		OriginalName: "whiteboard_" + boardID + ".png",
		SizeBytes:    int64(len(png)),
		MimeType:     "image/png",
		UploadedBy:   id.UserID,
		WorkspaceID:  &workspaceRef,
		FeatureID:    &featureRef,
		CreatedAt:    s.now(),
	}
	if err := s.storeAsset(ctx, asset, bytes.NewReader(png)); err != nil {
		return WhiteboardImageView{}, err
	}

	imagePath := filesPath + asset.StoredName
	now := s.now()
	err = s.applyMutation(ctx, id, feature, func(doc features.Document) error {
		return features.AttachBoardImage(doc, boardID, asset.ID, imagePath, id.Username, now)
	})
	if err != nil {
		s.discardAsset(ctx, asset)
		return WhiteboardImageView{}, err
	}
	return WhiteboardImageView{ImageID: asset.ID, ImagePath: imagePath}, nil
}

func (s *Service) requireBoard(ctx context.Context, featureID, boardID string) error {
	stored, err := s.store.GetDocument(ctx, featureID)
	if err != nil {
		return err
	}
	doc, err := features.Decode(features.KindWhiteboard, stored.Content)
	if err != nil {
		return err
	}
	if _, ok := doc.(*features.WhiteboardDocument).Boards[boardID]; !ok {
		return NotFound("board not found")
	}
	return nil
}

func decodePNGDataURL(value string) ([]byte, error) {
	if !strings.HasPrefix(value, pngDataURLStart) {
		return nil, Validation("imageData must be a base64 PNG data URL")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, pngDataURLStart))
	if err != nil || len(data) == 0 {
		return nil, Validation("imageData is not valid base64")
	}
	return data, nil
}

// OpenFile streams a stored file by its server-generated name and counts
// the download. Callers must close the reader.
func (s *Service) OpenFile(ctx context.Context, storedName string) (io.ReadCloser, store.FileAsset, error) {
	if !storedNamePattern.MatchString(storedName) {
		return nil, store.FileAsset{}, NotFound("file not found")
	}
	asset, err := s.store.GetFileAssetByStoredName(ctx, storedName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.FileAsset{}, NotFound("file not found")
		}
		return nil, store.FileAsset{}, err
	}
	body, err := s.blobs.Open(ctx, storedName)
	if err != nil {
		return nil, store.FileAsset{}, err
	}
	if err := s.store.IncrementDownloadCount(ctx, asset.ID); err != nil {
		s.logger.Warn().Err(err).Str("file_id", asset.ID).Msg("count download")
	}
	return body, asset, nil
}
