package search

import (
	"context"

	"labdesk/api/internal/logger"
)

// Service is the facade that tries Meilisearch first and falls back to
// the database searcher.
type Service struct {
	meili    *Meili
	fallback *DBSearch
	log      *logger.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, fallback *DBSearch, log *logger.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.With("component", "search")}
}

// Search tries Meilisearch if healthy, otherwise falls back to the database.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to database", "error", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error("database search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexReport indexes a lab report (fire-and-forget to Meilisearch).
func (s *Service) IndexReport(r ReportRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexReport(r); err != nil {
			s.log.Warn("index report", "id", r.ID, "error", err)
		}
	}()
}

// IndexQuestion indexes a question (fire-and-forget to Meilisearch).
func (s *Service) IndexQuestion(q QuestionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexQuestion(q); err != nil {
			s.log.Warn("index question", "id", q.ID, "error", err)
		}
	}()
}

// IndexSubtopic indexes a subtopic (fire-and-forget to Meilisearch).
func (s *Service) IndexSubtopic(sub SubtopicRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSubtopic(sub); err != nil {
			s.log.Warn("index subtopic", "id", sub.ID, "error", err)
		}
	}()
}

// DeleteReport removes a lab report from the search index (fire-and-forget).
func (s *Service) DeleteReport(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteReport(id); err != nil {
			s.log.Warn("delete report from index", "id", id, "error", err)
		}
	}()
}

// DeleteQuestion removes a question from the search index (fire-and-forget).
func (s *Service) DeleteQuestion(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteQuestion(id); err != nil {
			s.log.Warn("delete question from index", "id", id, "error", err)
		}
	}()
}

// DeleteSubtopic removes a subtopic from the search index (fire-and-forget).
func (s *Service) DeleteSubtopic(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSubtopic(id); err != nil {
			s.log.Warn("delete subtopic from index", "id", id, "error", err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch.
func (s *Service) ReindexAll(reports []ReportRecord, questions []QuestionRecord, subtopics []SubtopicRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(reports) > 0 {
		if err := s.meili.IndexReports(reports); err != nil {
			s.log.Warn("reindex reports", "error", err)
		}
	}
	if len(questions) > 0 {
		if err := s.meili.IndexQuestions(questions); err != nil {
			s.log.Warn("reindex questions", "error", err)
		}
	}
	if len(subtopics) > 0 {
		if err := s.meili.IndexSubtopics(subtopics); err != nil {
			s.log.Warn("reindex subtopics", "error", err)
		}
	}
}

// ReindexAllFromStore reads every searchable entity from the database and
// pushes the lot to Meilisearch. Called at startup when Meilisearch is up.
func (s *Service) ReindexAllFromStore(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.fallback == nil {
		return
	}
	reports, questions, subtopics, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", "error", err)
		return
	}
	s.ReindexAll(reports, questions, subtopics)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
