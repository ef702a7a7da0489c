package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated tsvector column on
// feature_documents.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.WorkspaceIDs) == 0 {
		return nil, 0, nil
	}
	ctx := context.Background()
	const where = `d.fts @@ plainto_tsquery('simple', $1) AND f.workspace_id = ANY($2)`

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM feature_documents d
		JOIN features f ON f.id = d.feature_id
		WHERE `+where, q.Text, q.WorkspaceIDs).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT f.id, f.workspace_id, f.name, f.type,
			ts_headline('simple', d.content::text, plainto_tsquery('simple', $1),
				'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet
		FROM feature_documents d
		JOIN features f ON f.id = d.feature_id
		WHERE `+where+`
		ORDER BY ts_rank(d.fts, plainto_tsquery('simple', $1)) DESC, f.id
		LIMIT $3`, q.Text, q.WorkspaceIDs, normalizeLimit(q.Limit))
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.FeatureID, &r.ServerID, &r.FeatureName, &r.FeatureType, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Snippet = truncate(r.Snippet)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every feature document for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT f.id, f.workspace_id, f.name, f.type, d.content, d.version
		FROM feature_documents d
		JOIN features f ON f.id = d.feature_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load feature documents: %w", err)
	}
	defer rows.Close()

	records := make([]DocumentRecord, 0)
	for rows.Next() {
		var (
			r       DocumentRecord
			content []byte
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.FeatureName, &r.FeatureType, &content, &r.Version); err != nil {
			return nil, fmt.Errorf("scan feature document: %w", err)
		}
		r.Text = Flatten(json.RawMessage(content))
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feature documents: %w", err)
	}
	return records, nil
}
