package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"labdesk/api/internal/store"
)

func openSeededSearch(t *testing.T) *DBSearch {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, "sqlite://:memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.CreateSchema(ctx, db); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	s := store.NewSQLStore(db)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := s.CreateUser(ctx, store.User{Username: "avery", PasswordHash: "x", CreatedAt: base}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	reports := []store.Report{
		{ID: "rep-1", Number: "3", Statement: "Determine the enthalpy of neutralization by titration", Authors: "Avery Park", CreatedBy: "avery", CreatedAt: base},
		{ID: "rep-2", Number: "4", Statement: "Measure the resistivity of copper wire", Authors: "Blake Nguyen", CreatedBy: "avery", CreatedAt: base.Add(time.Minute)},
	}
	for _, r := range reports {
		if err := s.InsertReport(ctx, r); err != nil {
			t.Fatalf("InsertReport(%s) error = %v", r.ID, err)
		}
	}
	questions := []store.Question{
		{ID: "q-1", ReportID: "rep-1", Number: "1", Statement: "Why does the titration curve flatten near the endpoint?", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "q-2", ReportID: "rep-2", Number: "1", Statement: "How does temperature affect resistivity?", CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, q := range questions {
		if err := s.InsertQuestion(ctx, q); err != nil {
			t.Fatalf("InsertQuestion(%s) error = %v", q.ID, err)
		}
	}
	subtopics := []store.Subtopic{
		{
			ID: "st-1", QuestionID: "q-1", Title: "Indicator choice",
			Procedures:  "Add three drops of phenolphthalein before the titration begins.",
			Explanation: "Phenolphthalein changes color in the pH range where the titration equivalence point falls.",
			CreatedAt:   base.Add(4 * time.Minute),
		},
		{
			ID: "st-2", QuestionID: "q-2", Title: "Four-point probe",
			Explanation: "A four-point probe removes contact resistance from the measurement.",
			CreatedAt:   base.Add(5 * time.Minute),
		},
	}
	for _, sub := range subtopics {
		if err := s.InsertSubtopic(ctx, sub); err != nil {
			t.Fatalf("InsertSubtopic(%s) error = %v", sub.ID, err)
		}
	}

	return NewDBSearch(db)
}

func TestDBSearchFindsAllEntityTypes(t *testing.T) {
	d := openSeededSearch(t)

	results, total, err := d.Search(Query{Text: "titration"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 hits, got %d: %+v", total, results)
	}

	byType := make(map[ResultType]Result)
	for _, r := range results {
		byType[r.Type] = r
	}
	if _, ok := byType[ResultReport]; !ok {
		t.Errorf("expected a lab report hit")
	}
	if _, ok := byType[ResultQuestion]; !ok {
		t.Errorf("expected a question hit")
	}
	if _, ok := byType[ResultSubtopic]; !ok {
		t.Errorf("expected a subtopic hit")
	}

	if got := byType[ResultReport].ReportID; got != "rep-1" {
		t.Errorf("report hit ReportID = %q, want rep-1", got)
	}
	if got := byType[ResultQuestion].ReportID; got != "rep-1" {
		t.Errorf("question hit ReportID = %q, want rep-1", got)
	}
	if got := byType[ResultSubtopic].QuestionID; got != "q-1" {
		t.Errorf("subtopic hit QuestionID = %q, want q-1", got)
	}
	if snippet := byType[ResultSubtopic].Snippet; !strings.Contains(strings.ToLower(snippet), "titration") {
		t.Errorf("subtopic snippet %q does not contain the match", snippet)
	}
}

func TestDBSearchIsCaseInsensitive(t *testing.T) {
	d := openSeededSearch(t)

	_, total, err := d.Search(Query{Text: "TITRATION"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 hits for uppercase query, got %d", total)
	}
}

func TestDBSearchScopesToReport(t *testing.T) {
	d := openSeededSearch(t)

	results, total, err := d.Search(Query{Text: "resistivity", FilterReportID: "rep-2"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 hits scoped to rep-2, got %d: %+v", total, results)
	}
	for _, r := range results {
		if r.ReportID != "rep-2" {
			t.Errorf("hit %s/%s leaked out of rep-2 scope", r.Type, r.ID)
		}
	}

	_, total, err = d.Search(Query{Text: "resistivity", FilterReportID: "rep-1"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no resistivity hits in rep-1, got %d", total)
	}
}

func TestDBSearchFilterType(t *testing.T) {
	d := openSeededSearch(t)

	results, total, err := d.Search(Query{Text: "titration", FilterType: ResultQuestion})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 question hit, got %d", total)
	}
	if results[0].Type != ResultQuestion || results[0].ID != "q-1" {
		t.Errorf("unexpected hit %+v", results[0])
	}
}

func TestDBSearchPagination(t *testing.T) {
	d := openSeededSearch(t)

	page, total, err := d.Search(Query{Text: "titration", Limit: 2})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("expected total 3 with page of 2, got total %d page %d", total, len(page))
	}

	rest, total, err := d.Search(Query{Text: "titration", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 3 || len(rest) != 1 {
		t.Fatalf("expected total 3 with final page of 1, got total %d page %d", total, len(rest))
	}

	empty, total, err := d.Search(Query{Text: "titration", Limit: 2, Offset: 10})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 3 || len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got total %d page %d", total, len(empty))
	}
}

func TestDBSearchBlankQueryReturnsNothing(t *testing.T) {
	d := openSeededSearch(t)

	results, total, err := d.Search(Query{Text: "   "})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 0 || len(results) != 0 {
		t.Fatalf("expected no hits for blank query, got %d", total)
	}
}

func TestLikePatternEscapesWildcards(t *testing.T) {
	if got := likePattern("100% pure"); got != `%100\% pure%` {
		t.Errorf("likePattern(%%) = %q", got)
	}
	if got := likePattern("a_b"); got != `%a\_b%` {
		t.Errorf("likePattern(_) = %q", got)
	}
}

func TestExcerptWindowsAroundMatch(t *testing.T) {
	long := strings.Repeat("lead ", 30) + "the titration endpoint " + strings.Repeat("tail ", 30)

	out := excerpt(long, "titration")
	if !strings.Contains(out, "titration") {
		t.Fatalf("excerpt lost the match: %q", out)
	}
	if !strings.HasPrefix(out, "...") || !strings.HasSuffix(out, "...") {
		t.Errorf("expected ellipses on both sides, got %q", out)
	}
	if len(out) > 200 {
		t.Errorf("excerpt too long: %d bytes", len(out))
	}

	if got := excerpt("short text", "short"); got != "short text" {
		t.Errorf("short value should come back whole, got %q", got)
	}
}
