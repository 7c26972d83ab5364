package search

import (
	"context"

	"remark/api/internal/logger"
	"remark/api/internal/store"
)

type searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

type indexer interface {
	Healthy() bool
	IndexComments(records []CommentRecord) error
	DeleteComment(id int64) error
}

type engine interface {
	searcher
	indexer
}

type fallback interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili engine
	pgfts fallback
	log   *logger.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log *logger.Logger) *Service {
	s := &Service{pgfts: pgfts, log: log}
	if meili != nil {
		s.meili = meili
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	return s
}

func (s *Service) primary() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", "error", err)
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Query: q.Text, Backend: "pgfts"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "pgfts"}
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c store.Comment) {
	if !s.primary() {
		return
	}
	record := RecordFor(c)
	go func() {
		if err := s.meili.IndexComments([]CommentRecord{record}); err != nil {
			s.log.Warn("index comment", "comment_id", c.ID, "error", err)
		}
	}()
}

// DeleteComment removes a comment from the search index (fire-and-forget).
func (s *Service) DeleteComment(id int64) {
	if !s.primary() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(id); err != nil {
			s.log.Warn("delete comment from index", "comment_id", id, "error", err)
		}
	}()
}

// ReindexAll pushes every comment to Meilisearch. Called at startup.
func (s *Service) ReindexAll(comments []store.Comment) {
	if !s.primary() || len(comments) == 0 {
		return
	}
	records := make([]CommentRecord, 0, len(comments))
	for _, c := range comments {
		records = append(records, RecordFor(c))
	}
	if err := s.meili.IndexComments(records); err != nil {
		s.log.Warn("reindex comments", "count", len(records), "error", err)
		return
	}
	s.log.Info("comments reindexed", "count", len(records))
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
