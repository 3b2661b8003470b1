package search

import (
	"context"

	"issuetracker/api/internal/logging"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		logging.Warn(ctx, "search: meilisearch error, falling back to pgfts", "error", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		logging.Warn(ctx, "search: pgfts error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexing() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// IndexIssue indexes an issue (fire-and-forget to Meilisearch).
func (s *Service) IndexIssue(rec IssueRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexIssue(rec); err != nil {
			logging.Warn(context.Background(), "search: index issue", "issue_id", rec.ID, "error", err)
		}
	}()
}

// DeleteIssue removes an issue from the search index (fire-and-forget).
func (s *Service) DeleteIssue(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteIssue(id); err != nil {
			logging.Warn(context.Background(), "search: delete issue", "issue_id", id, "error", err)
		}
	}()
}

// ReindexAllFromPG reindexes every issue from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexing() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllIssues(ctx)
	if err != nil {
		logging.Warn(ctx, "search: reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexIssues(records); err != nil {
		logging.Warn(ctx, "search: reindex issues", "error", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
