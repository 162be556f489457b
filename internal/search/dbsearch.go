package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DBSearch implements Searcher with LIKE queries against the primary
// database. It is the fallback when Meilisearch is not available and
// works on both SQLite and PostgreSQL.
type DBSearch struct {
	db *sql.DB
}

// NewDBSearch creates a database-backed searcher.
func NewDBSearch(db *sql.DB) *DBSearch {
	return &DBSearch{db: db}
}

// Healthy always returns true. If the database is down, the whole app is down.
func (d *DBSearch) Healthy() bool {
	return true
}

// Search scans lab reports, questions, and subtopics for a case-insensitive
// substring match and pages through the merged result set.
func (d *DBSearch) Search(q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := likePattern(needle)
	ctx := context.Background()

	merged := make([]Result, 0)

	if q.FilterType == "" || q.FilterType == ResultReport {
		reports, err := d.searchReports(ctx, pattern, needle, q.FilterReportID)
		if err != nil {
			return nil, 0, err
		}
		merged = append(merged, reports...)
	}
	if q.FilterType == "" || q.FilterType == ResultQuestion {
		questions, err := d.searchQuestions(ctx, pattern, needle, q.FilterReportID)
		if err != nil {
			return nil, 0, err
		}
		merged = append(merged, questions...)
	}
	if q.FilterType == "" || q.FilterType == ResultSubtopic {
		subtopics, err := d.searchSubtopics(ctx, pattern, needle, q.FilterReportID)
		if err != nil {
			return nil, 0, err
		}
		merged = append(merged, subtopics...)
	}

	total := len(merged)
	if offset >= total {
		return []Result{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return merged[offset:end], total, nil
}

func (d *DBSearch) searchReports(ctx context.Context, pattern, needle, filterReportID string) ([]Result, error) {
	query := `SELECT id, number, statement, authors FROM lab_reports
		WHERE (LOWER(number) LIKE $1 ESCAPE '\' OR LOWER(statement) LIKE $2 ESCAPE '\' OR LOWER(authors) LIKE $3 ESCAPE '\')`
	args := []any{pattern, pattern, pattern}
	if filterReportID != "" {
		query += " AND id = $4"
		args = append(args, filterReportID)
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search reports: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var id, number, statement, authors string
		if err := rows.Scan(&id, &number, &statement, &authors); err != nil {
			return nil, fmt.Errorf("scan report hit: %w", err)
		}
		results = append(results, Result{
			Type:     ResultReport,
			ID:       id,
			Title:    number,
			Snippet:  matchSnippet(needle, statement, authors, number),
			ReportID: id,
		})
	}
	return results, rows.Err()
}

func (d *DBSearch) searchQuestions(ctx context.Context, pattern, needle, filterReportID string) ([]Result, error) {
	query := `SELECT id, number, statement, lab_report_id FROM questions
		WHERE (LOWER(number) LIKE $1 ESCAPE '\' OR LOWER(statement) LIKE $2 ESCAPE '\')`
	args := []any{pattern, pattern}
	if filterReportID != "" {
		query += " AND lab_report_id = $3"
		args = append(args, filterReportID)
	}
	query += " ORDER BY created_at, id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search questions: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var id, number, statement, reportID string
		if err := rows.Scan(&id, &number, &statement, &reportID); err != nil {
			return nil, fmt.Errorf("scan question hit: %w", err)
		}
		results = append(results, Result{
			Type:     ResultQuestion,
			ID:       id,
			Title:    number,
			Snippet:  matchSnippet(needle, statement, number),
			ReportID: reportID,
		})
	}
	return results, rows.Err()
}

func (d *DBSearch) searchSubtopics(ctx context.Context, pattern, needle, filterReportID string) ([]Result, error) {
	query := `SELECT s.id, s.title, s.procedures, s.explanation, s.citations, s.figure_description, s.question_id, q.lab_report_id
		FROM subtopics s
		JOIN questions q ON q.id = s.question_id
		WHERE (LOWER(s.title) LIKE $1 ESCAPE '\' OR LOWER(s.procedures) LIKE $2 ESCAPE '\'
			OR LOWER(s.explanation) LIKE $3 ESCAPE '\' OR LOWER(s.citations) LIKE $4 ESCAPE '\'
			OR LOWER(s.figure_description) LIKE $5 ESCAPE '\')`
	args := []any{pattern, pattern, pattern, pattern, pattern}
	if filterReportID != "" {
		query += " AND q.lab_report_id = $6"
		args = append(args, filterReportID)
	}
	query += " ORDER BY s.created_at, s.id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search subtopics: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var id, title, procedures, explanation, citations, figureDescription, questionID, reportID string
		if err := rows.Scan(&id, &title, &procedures, &explanation, &citations, &figureDescription, &questionID, &reportID); err != nil {
			return nil, fmt.Errorf("scan subtopic hit: %w", err)
		}
		results = append(results, Result{
			Type:       ResultSubtopic,
			ID:         id,
			Title:      title,
			Snippet:    matchSnippet(needle, explanation, procedures, citations, figureDescription, title),
			ReportID:   reportID,
			QuestionID: questionID,
		})
	}
	return results, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (d *DBSearch) LoadAllRecords(ctx context.Context) ([]ReportRecord, []QuestionRecord, []SubtopicRecord, error) {
	reportRows, err := d.db.QueryContext(ctx, `
		SELECT id, number, statement, authors
		FROM lab_reports
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load reports: %w", err)
	}
	defer reportRows.Close()

	reports := make([]ReportRecord, 0)
	for reportRows.Next() {
		var r ReportRecord
		if err := reportRows.Scan(&r.ID, &r.Number, &r.Statement, &r.Authors); err != nil {
			return nil, nil, nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := reportRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate reports: %w", err)
	}

	questionRows, err := d.db.QueryContext(ctx, `
		SELECT id, number, statement, lab_report_id
		FROM questions
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load questions: %w", err)
	}
	defer questionRows.Close()

	questions := make([]QuestionRecord, 0)
	for questionRows.Next() {
		var q QuestionRecord
		if err := questionRows.Scan(&q.ID, &q.Number, &q.Statement, &q.ReportID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	if err := questionRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate questions: %w", err)
	}

	subtopicRows, err := d.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.procedures, s.explanation, s.citations, s.figure_description, s.question_id, q.lab_report_id
		FROM subtopics s
		JOIN questions q ON q.id = s.question_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load subtopics: %w", err)
	}
	defer subtopicRows.Close()

	subtopics := make([]SubtopicRecord, 0)
	for subtopicRows.Next() {
		var s SubtopicRecord
		if err := subtopicRows.Scan(&s.ID, &s.Title, &s.Procedures, &s.Explanation, &s.Citations, &s.FigureDescription, &s.QuestionID, &s.ReportID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan subtopic: %w", err)
		}
		subtopics = append(subtopics, s)
	}
	if err := subtopicRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate subtopics: %w", err)
	}

	return reports, questions, subtopics, nil
}

// likePattern wraps the lowercased needle in wildcards, escaping any
// wildcard characters the user typed.
func likePattern(needle string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(needle)
	return "%" + escaped + "%"
}

// matchSnippet picks the first field containing the needle and trims it
// to a short excerpt around the match. Falls back to the first non-blank
// field when nothing matched, which happens when the hit came from a
// field not worth quoting, like an id.
func matchSnippet(needle string, fields ...string) string {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return excerpt(field, needle)
		}
	}
	for _, field := range fields {
		if strings.TrimSpace(field) != "" {
			return excerpt(field, needle)
		}
	}
	return ""
}

func excerpt(value, needle string) string {
	const window = 160

	idx := strings.Index(strings.ToLower(value), needle)
	if idx < 0 {
		idx = 0
	}
	start := idx - 40
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(value) {
		end = len(value)
	}
	for start > 0 && !utf8.RuneStart(value[start]) {
		start--
	}
	for end < len(value) && !utf8.RuneStart(value[end]) {
		end++
	}

	out := strings.TrimSpace(value[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(value) {
		out += "..."
	}
	return out
}
