package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) InsertFileAsset(ctx context.Context, asset FileAsset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_assets (id, stored_name, original_name, size_bytes, mime_type, uploaded_by, workspace_id, feature_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, asset.ID, asset.StoredName, asset.OriginalName, asset.SizeBytes, asset.MimeType, asset.UploadedBy,
		nullableString(asset.WorkspaceID), nullableString(asset.FeatureID), asset.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert file asset: %w", ErrConflict)
		}
		return fmt.Errorf("insert file asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFileAsset(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_assets WHERE id=$1`, fileID); err != nil {
		return fmt.Errorf("delete file asset: %w", err)
	}
	return nil
}

const fileAssetColumns = `
	f.id, f.stored_name, f.original_name, f.size_bytes, f.mime_type, f.uploaded_by, COALESCE(u.username, ''),
	f.workspace_id, f.feature_id, f.download_count, f.created_at
`

func scanFileAsset(row rowScanner) (FileAsset, error) {
	var asset FileAsset
	var workspaceID, featureID sql.NullString
	if err := row.Scan(&asset.ID, &asset.StoredName, &asset.OriginalName, &asset.SizeBytes, &asset.MimeType, &asset.UploadedBy,
		&asset.UploaderName, &workspaceID, &featureID, &asset.DownloadCount, &asset.CreatedAt); err != nil {
		return FileAsset{}, err
	}
	asset.WorkspaceID = stringPtr(workspaceID)
	asset.FeatureID = stringPtr(featureID)
	return asset, nil
}

// ListFileAssets returns the files of the given workspaces, newest first.
func (s *PostgresStore) ListFileAssets(ctx context.Context, workspaceIDs []string) ([]FileAsset, error) {
	items := make([]FileAsset, 0)
	if len(workspaceIDs) == 0 {
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileAssetColumns+`
		FROM file_assets f
		LEFT JOIN users u ON u.id = f.uploaded_by
		WHERE f.workspace_id = ANY($1)
		ORDER BY f.created_at DESC, f.id
	`, workspaceIDs)
	if err != nil {
		return nil, fmt.Errorf("list file assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		asset, err := scanFileAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file asset: %w", err)
		}
		items = append(items, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file assets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFileAssetByStoredName(ctx context.Context, storedName string) (FileAsset, error) {
	return scanFileAsset(s.db.QueryRowContext(ctx, `
		SELECT `+fileAssetColumns+`
		FROM file_assets f
		LEFT JOIN users u ON u.id = f.uploaded_by
		WHERE f.stored_name=$1
	`, storedName))
}

func (s *PostgresStore) IncrementDownloadCount(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE file_assets SET download_count=download_count + 1 WHERE id=$1`, fileID); err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	return nil
}
