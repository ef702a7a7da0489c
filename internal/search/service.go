package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  Searcher
	logger zerolog.Logger

	// pushMu serializes index pushes; indexed holds the newest version pushed
	// per feature id.
	pushMu  sync.Mutex
	indexed map[string]int64
	push    func([]DocumentRecord) error
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts Searcher, logger zerolog.Logger) *Service {
	svc := &Service{meili: meili, pgfts: pgfts, logger: logger, indexed: make(map[string]int64)}
	if meili != nil {
		svc.push = meili.IndexDocuments
	}
	return svc
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	q.Limit = normalizeLimit(q.Limit)
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument pushes one feature document to Meilisearch in the
// background. PG FTS needs no indexing step. A record older than one already
// pushed for the same feature is dropped.
func (s *Service) IndexDocument(record DocumentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go s.indexRecords([]DocumentRecord{record})
}

// ReindexAllFromPG reloads every feature document into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, source *PgFTS) {
	if s.meili == nil || !s.meili.Healthy() || source == nil {
		return
	}
	records, err := source.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.indexRecords(records); err != nil {
		s.logger.Error().Err(err).Msg("reindex feature documents")
		return
	}
	s.logger.Info().Int("count", len(records)).Msg("reindexed feature documents")
}

func (s *Service) indexRecords(records []DocumentRecord) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	fresh := make([]DocumentRecord, 0, len(records))
	for _, record := range records {
		if last, ok := s.indexed[record.ID]; ok && record.Version <= last {
			s.logger.Debug().Str("feature_id", record.ID).Int64("version", record.Version).
				Int64("indexed_version", last).Msg("skip stale search record")
			continue
		}
		fresh = append(fresh, record)
	}
	if len(fresh) == 0 || s.push == nil {
		return nil
	}
	if err := s.push(fresh); err != nil {
		s.logger.Warn().Err(err).Int("count", len(fresh)).Msg("index feature documents")
		return err
	}
	for _, record := range fresh {
		s.indexed[record.ID] = record.Version
	}
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
