package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, "sqlite://:memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := CreateSchema(ctx, db); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewSQLStore(db)
}

func seedUser(t *testing.T, s *SQLStore, username string) {
	t.Helper()
	err := s.CreateUser(context.Background(), User{
		Username:     username,
		PasswordHash: "not-a-real-hash",
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func TestTimestampLayoutOrdersLexicographically(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 53, 500_000_000, time.UTC)
	earlier := formatTime(base)
	later := formatTime(base.Add(time.Nanosecond))
	if !(earlier < later) {
		t.Fatalf("expected %q < %q", earlier, later)
	}
	parsed, err := parseTime(earlier)
	if err != nil {
		t.Fatalf("parse formatted timestamp: %v", err)
	}
	if !parsed.Equal(base) {
		t.Fatalf("round trip changed instant: %v != %v", parsed, base)
	}
}

func TestReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedUser(t, s, "avery")

	created := time.Date(2026, 3, 14, 10, 0, 0, 123_456_789, time.FixedZone("CET", 3600))
	report := Report{
		ID:        "rep-1",
		Number:    "L1",
		Statement: "Measure the spring constant",
		Authors:   "Avery, Sam",
		CreatedBy: "avery",
		CreatedAt: created,
	}
	if err := s.InsertReport(ctx, report); err != nil {
		t.Fatalf("insert report: %v", err)
	}

	got, err := s.GetReport(ctx, "rep-1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.Number != "L1" || got.Statement != report.Statement || got.Authors != report.Authors || got.CreatedBy != "avery" {
		t.Fatalf("unexpected report: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed instant: %v != %v", got.CreatedAt, created)
	}

	report.Statement = "Measure the damping coefficient"
	if err := s.UpdateReport(ctx, report); err != nil {
		t.Fatalf("update report: %v", err)
	}
	got, err = s.GetReport(ctx, "rep-1")
	if err != nil {
		t.Fatalf("get report after update: %v", err)
	}
	if got.Statement != "Measure the damping coefficient" {
		t.Fatalf("update not applied: %q", got.Statement)
	}
}

func TestGetReportMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetReport(context.Background(), "rep-missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestUpdateReportMissing(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateReport(context.Background(), Report{ID: "rep-missing", Number: "L9"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestListReportsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedUser(t, s, "avery")

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"rep-a", "rep-b", "rep-c"} {
		err := s.InsertReport(ctx, Report{
			ID: id, Number: "L1", Statement: "s", Authors: "a",
			CreatedBy: "avery", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert report %s: %v", id, err)
		}
	}

	items, err := s.ListReports(ctx)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(items))
	}
	if items[0].ID != "rep-c" || items[2].ID != "rep-a" {
		t.Fatalf("expected newest first, got %s %s %s", items[0].ID, items[1].ID, items[2].ID)
	}
}

func TestQuestionsKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedUser(t, s, "avery")
	if err := s.InsertReport(ctx, Report{ID: "rep-1", Number: "L1", Statement: "s", Authors: "a", CreatedBy: "avery", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("insert report: %v", err)
	}

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"q-1", "q-2", "q-3"} {
		err := s.InsertQuestion(ctx, Question{
			ID: id, ReportID: "rep-1", Number: "Q", Statement: "s",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("insert question %s: %v", id, err)
		}
	}

	items, err := s.ListQuestionsByReport(ctx, "rep-1")
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(items))
	}
	for i, want := range []string{"q-1", "q-2", "q-3"} {
		if items[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, items[i].ID)
		}
	}

	count, err := s.CountQuestions(ctx, "rep-1")
	if err != nil {
		t.Fatalf("count questions: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
}

func TestGetReportQuestionScopedToReport(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedUser(t, s, "avery")
	now := time.Now()
	for _, id := range []string{"rep-1", "rep-2"} {
		if err := s.InsertReport(ctx, Report{ID: id, Number: "L", Statement: "s", Authors: "a", CreatedBy: "avery", CreatedAt: now}); err != nil {
			t.Fatalf("insert report %s: %v", id, err)
		}
	}
	if err := s.InsertQuestion(ctx, Question{ID: "q-1", ReportID: "rep-1", Number: "Q1", Statement: "s", CreatedAt: now}); err != nil {
		t.Fatalf("insert question: %v", err)
	}

	if _, err := s.GetReportQuestion(ctx, "rep-1", "q-1"); err != nil {
		t.Fatalf("expected question under its own report: %v", err)
	}
	_, err := s.GetReportQuestion(ctx, "rep-2", "q-1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for question under wrong report, got %v", err)
	}
}

func seedTree(t *testing.T, s *SQLStore) {
	t.Helper()
	ctx := context.Background()
	seedUser(t, s, "avery")
	now := time.Now()
	if err := s.InsertReport(ctx, Report{ID: "rep-1", Number: "L1", Statement: "s", Authors: "a", CreatedBy: "avery", CreatedAt: now}); err != nil {
		t.Fatalf("insert report: %v", err)
	}
	for _, qid := range []string{"q-1", "q-2"} {
		if err := s.InsertQuestion(ctx, Question{ID: qid, ReportID: "rep-1", Number: qid, Statement: "s", CreatedAt: now}); err != nil {
			t.Fatalf("insert question %s: %v", qid, err)
		}
	}
	for _, pair := range [][2]string{{"st-1", "q-1"}, {"st-2", "q-1"}, {"st-3", "q-2"}} {
		if err := s.InsertSubtopic(ctx, Subtopic{ID: pair[0], QuestionID: pair[1], Title: "t", CreatedAt: now}); err != nil {
			t.Fatalf("insert subtopic %s: %v", pair[0], err)
		}
	}
}

func countRows(t *testing.T, s *SQLStore, table string) int {
	t.Helper()
	var count int
	if err := s.db.QueryRow("SELECT COUNT(1) FROM " + table).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func TestDeleteReportCascade(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedTree(t, s)

	if err := s.DeleteReportCascade(ctx, "rep-1"); err != nil {
		t.Fatalf("delete report cascade: %v", err)
	}
	if got := countRows(t, s, "lab_reports"); got != 0 {
		t.Fatalf("expected 0 reports, got %d", got)
	}
	if got := countRows(t, s, "questions"); got != 0 {
		t.Fatalf("expected 0 questions, got %d", got)
	}
	if got := countRows(t, s, "subtopics"); got != 0 {
		t.Fatalf("expected 0 subtopics, got %d", got)
	}
	if got := countRows(t, s, "users"); got != 1 {
		t.Fatalf("cascade must not touch users, got %d", got)
	}
}

func TestDeleteReportCascadeMissing(t *testing.T) {
	s := openTestStore(t)
	err := s.DeleteReportCascade(context.Background(), "rep-missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestDeleteQuestionCascadeLeavesSiblings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedTree(t, s)

	if err := s.DeleteQuestionCascade(ctx, "q-1"); err != nil {
		t.Fatalf("delete question cascade: %v", err)
	}
	if got := countRows(t, s, "questions"); got != 1 {
		t.Fatalf("expected 1 question left, got %d", got)
	}
	subtopics, err := s.ListSubtopicsByQuestion(ctx, "q-2")
	if err != nil {
		t.Fatalf("list sibling subtopics: %v", err)
	}
	if len(subtopics) != 1 || subtopics[0].ID != "st-3" {
		t.Fatalf("sibling subtopics disturbed: %+v", subtopics)
	}
	if got := countRows(t, s, "subtopics"); got != 1 {
		t.Fatalf("expected 1 subtopic left, got %d", got)
	}
}

func TestSubtopicRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedTree(t, s)

	item := Subtopic{
		ID:         "st-1",
		Title:      "Calibration",
		Procedures: "Zero the balance",
	}
	got, err := s.GetQuestionSubtopic(ctx, "q-1", "st-1")
	if err != nil {
		t.Fatalf("get subtopic: %v", err)
	}
	item.QuestionID = got.QuestionID
	item.CreatedAt = got.CreatedAt
	item.Explanation = "The offset drifts with temperature"
	item.ImageURL = "https://figures.local/st-1.png"
	if err := s.UpdateSubtopic(ctx, item); err != nil {
		t.Fatalf("update subtopic: %v", err)
	}

	got, err = s.GetQuestionSubtopic(ctx, "q-1", "st-1")
	if err != nil {
		t.Fatalf("get subtopic after update: %v", err)
	}
	if got.Title != "Calibration" || got.Explanation != item.Explanation || got.ImageURL != item.ImageURL {
		t.Fatalf("unexpected subtopic: %+v", got)
	}

	if err := s.DeleteSubtopic(ctx, "st-1"); err != nil {
		t.Fatalf("delete subtopic: %v", err)
	}
	_, err = s.GetQuestionSubtopic(ctx, "q-1", "st-1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	err := s.InsertReport(ctx, Report{
		ID: "rep-1", Number: "L1", Statement: "s", Authors: "a",
		CreatedBy: "ghost", CreatedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected foreign key violation for unknown user")
	}
}

func TestRefreshSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedUser(t, s, "avery")

	if err := s.SaveRefreshSession(ctx, "hash-1", "avery", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save refresh session: %v", err)
	}
	user, err := s.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("lookup refresh session: %v", err)
	}
	if user.Username != "avery" {
		t.Fatalf("expected avery, got %s", user.Username)
	}

	if err := s.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("revoke refresh session: %v", err)
	}
	if _, err := s.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after revoke, got %v", err)
	}

	if err := s.SaveRefreshSession(ctx, "hash-2", "avery", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("save expired refresh session: %v", err)
	}
	if _, err := s.LookupRefreshSession(ctx, "hash-2"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for expired session, got %v", err)
	}
}

func TestAccessTokenRevocation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("check revoked token: %v", err)
	}
	if revoked {
		t.Fatal("token should not start revoked")
	}

	exp := time.Now().Add(time.Hour)
	if err := s.RevokeAccessToken(ctx, "jti-1", exp); err != nil {
		t.Fatalf("revoke access token: %v", err)
	}
	if err := s.RevokeAccessToken(ctx, "jti-1", exp); err != nil {
		t.Fatalf("revoking twice must be a no-op: %v", err)
	}

	revoked, err = s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("check revoked token: %v", err)
	}
	if !revoked {
		t.Fatal("token should be revoked")
	}
}
