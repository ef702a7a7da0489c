package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func (s *PostgresStore) GetDocument(ctx context.Context, featureID string) (FeatureDocument, error) {
	var doc FeatureDocument
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT feature_id, content, version, updated_at
		FROM feature_documents
		WHERE feature_id=$1
	`, featureID).Scan(&doc.FeatureID, &content, &doc.Version, &doc.UpdatedAt)
	if err != nil {
		return FeatureDocument{}, err
	}
	doc.Content = json.RawMessage(content)
	return doc, nil
}

// ListDocuments returns the documents of the given features. Features without
// a document row are absent from the result.
func (s *PostgresStore) ListDocuments(ctx context.Context, featureIDs []string) ([]FeatureDocument, error) {
	items := make([]FeatureDocument, 0)
	if len(featureIDs) == 0 {
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT feature_id, content, version, updated_at
		FROM feature_documents
		WHERE feature_id = ANY($1)
	`, featureIDs)
	if err != nil {
		return nil, fmt.Errorf("list feature documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item FeatureDocument
		var content []byte
		if err := rows.Scan(&item.FeatureID, &content, &item.Version, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan feature document: %w", err)
		}
		item.Content = json.RawMessage(content)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feature documents: %w", err)
	}
	return items, nil
}

// PutDocument replaces a feature's whole document, creating the row if it
// does not exist yet.
func (s *PostgresStore) PutDocument(ctx context.Context, featureID string, content json.RawMessage) (FeatureDocument, error) {
	var doc FeatureDocument
	var stored []byte
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feature_documents (feature_id, content, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (feature_id) DO UPDATE
			SET content=EXCLUDED.content, version=feature_documents.version + 1, updated_at=NOW()
		RETURNING feature_id, content, version, updated_at
	`, featureID, []byte(content)).Scan(&doc.FeatureID, &stored, &doc.Version, &doc.UpdatedAt)
	if err != nil {
		return FeatureDocument{}, fmt.Errorf("put feature document: %w", err)
	}
	doc.Content = json.RawMessage(stored)
	return doc, nil
}

// MutateDocument applies fn to the current document while holding its row
// lock, so concurrent mutations of one document are serialized and none is
// lost. An error from fn aborts the write and is returned unchanged.
func (s *PostgresStore) MutateDocument(ctx context.Context, featureID string, fn func(current json.RawMessage) (json.RawMessage, error)) (FeatureDocument, error) {
	var doc FeatureDocument
	err := s.withTx(ctx, "mutate document", func(tx *sql.Tx) error {
		var current []byte
		if err := tx.QueryRowContext(ctx, `
			SELECT content FROM feature_documents WHERE feature_id=$1 FOR UPDATE
		`, featureID).Scan(&current); err != nil {
			return err
		}

		next, err := fn(json.RawMessage(current))
		if err != nil {
			return err
		}

		var stored []byte
		if err := tx.QueryRowContext(ctx, `
			UPDATE feature_documents
			SET content=$2, version=version + 1, updated_at=NOW()
			WHERE feature_id=$1
			RETURNING feature_id, content, version, updated_at
		`, featureID, []byte(next)).Scan(&doc.FeatureID, &stored, &doc.Version, &doc.UpdatedAt); err != nil {
			return fmt.Errorf("write feature document: %w", err)
		}
		doc.Content = json.RawMessage(stored)
		return nil
	})
	if err != nil {
		return FeatureDocument{}, err
	}
	return doc, nil
}
