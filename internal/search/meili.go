package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"labdesk/api/internal/logger"
)

const (
	idxReports   = "labdesk_reports"
	idxQuestions = "labdesk_questions"
	idxSubtopics = "labdesk_subtopics"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. A failed
// initial connection is not fatal, the health loop keeps retrying.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log.With("component", "search"),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxReports,
			primaryKey: "id",
			filterable: []string{"id"},
			searchable: []string{"number", "statement", "authors"},
		},
		{
			uid:        idxQuestions,
			primaryKey: "id",
			filterable: []string{"report_id"},
			searchable: []string{"number", "statement"},
		},
		{
			uid:        idxSubtopics,
			primaryKey: "id",
			filterable: []string{"report_id", "question_id"},
			searchable: []string{"title", "procedures", "explanation", "citations", "figure_description"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			m.log.Debug("create index (may already exist)", "index", idx.uid, "error", err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			m.log.Warn("update filterable attrs", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn("update searchable attrs", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxReports, ResultReport},
		{idxQuestions, ResultQuestion},
		{idxSubtopics, ResultSubtopic},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		if q.FilterReportID != "" {
			// The reports index stores no parent, so the scope filter
			// matches the report's own id there.
			if ti.rtyp == ResultReport {
				sr.Filter = []string{fmt.Sprintf("id = %q", q.FilterReportID)}
			} else {
				sr.Filter = []string{fmt.Sprintf("report_id = %q", q.FilterReportID)}
			}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxReports:
		return ResultReport
	case idxQuestions:
		return ResultQuestion
	case idxSubtopics:
		return ResultSubtopic
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ReportID = decodeString(hit, "report_id")

	switch rtyp {
	case ResultReport:
		r.Title = firstNonBlank(decodeFormattedString(hit, "number"), decodeString(hit, "number"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "statement"), decodeString(hit, "statement"))
		r.ReportID = r.ID // report's own ID
	case ResultQuestion:
		r.Title = firstNonBlank(decodeFormattedString(hit, "number"), decodeString(hit, "number"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "statement"), decodeString(hit, "statement"))
	case ResultSubtopic:
		r.QuestionID = decodeString(hit, "question_id")
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(
			decodeFormattedString(hit, "explanation"),
			decodeFormattedString(hit, "procedures"),
			decodeString(hit, "explanation"),
		)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexReport adds or updates a lab report in the search index.
func (m *Meili) IndexReport(r ReportRecord) error {
	_, err := m.client.Index(idxReports).AddDocuments([]ReportRecord{r}, nil)
	return err
}

// IndexQuestion adds or updates a question in the search index.
func (m *Meili) IndexQuestion(q QuestionRecord) error {
	_, err := m.client.Index(idxQuestions).AddDocuments([]QuestionRecord{q}, nil)
	return err
}

// IndexSubtopic adds or updates a subtopic in the search index.
func (m *Meili) IndexSubtopic(s SubtopicRecord) error {
	_, err := m.client.Index(idxSubtopics).AddDocuments([]SubtopicRecord{s}, nil)
	return err
}

// DeleteReport removes a lab report from the search index.
func (m *Meili) DeleteReport(id string) error {
	_, err := m.client.Index(idxReports).DeleteDocument(id, nil)
	return err
}

// DeleteQuestion removes a question from the search index.
func (m *Meili) DeleteQuestion(id string) error {
	_, err := m.client.Index(idxQuestions).DeleteDocument(id, nil)
	return err
}

// DeleteSubtopic removes a subtopic from the search index.
func (m *Meili) DeleteSubtopic(id string) error {
	_, err := m.client.Index(idxSubtopics).DeleteDocument(id, nil)
	return err
}

// IndexReports bulk-indexes lab reports.
func (m *Meili) IndexReports(reports []ReportRecord) error {
	if len(reports) == 0 {
		return nil
	}
	_, err := m.client.Index(idxReports).AddDocuments(reports, nil)
	return err
}

// IndexQuestions bulk-indexes questions.
func (m *Meili) IndexQuestions(questions []QuestionRecord) error {
	if len(questions) == 0 {
		return nil
	}
	_, err := m.client.Index(idxQuestions).AddDocuments(questions, nil)
	return err
}

// IndexSubtopics bulk-indexes subtopics.
func (m *Meili) IndexSubtopics(subtopics []SubtopicRecord) error {
	if len(subtopics) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSubtopics).AddDocuments(subtopics, nil)
	return err
}
