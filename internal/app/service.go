// Package app implements the document service for lab reports. It owns
// the report/question/subtopic hierarchy rules, session handling, and
// the dispatch to snapshots, search indexing, and change notification
// that follows every successful mutation.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"labdesk/api/internal/auth"
	"labdesk/api/internal/authpw"
	"labdesk/api/internal/config"
	"labdesk/api/internal/email"
	"labdesk/api/internal/export"
	"labdesk/api/internal/figures"
	"labdesk/api/internal/logger"
	"labdesk/api/internal/notify"
	"labdesk/api/internal/search"
	"labdesk/api/internal/snapshot"
	"labdesk/api/internal/store"
	"labdesk/api/internal/util"
)

// SubtopicDoc is the wire shape of a subtopic.
type SubtopicDoc struct {
	ID                string `json:"id"`
	QuestionID        string `json:"question_id"`
	Title             string `json:"title"`
	Procedures        string `json:"procedures"`
	Explanation       string `json:"explanation"`
	Citations         string `json:"citations"`
	ImageURL          string `json:"image_url"`
	FigureDescription string `json:"figure_description"`
	CreatedAt         string `json:"created_at"`
}

// QuestionDoc is the wire shape of a question with its subtopics.
type QuestionDoc struct {
	ID        string        `json:"id"`
	ReportID  string        `json:"lab_report_id"`
	Number    string        `json:"number"`
	Statement string        `json:"statement"`
	CreatedAt string        `json:"created_at"`
	Subtopics []SubtopicDoc `json:"subtopics"`
}

// ReportDoc is the fully nested wire shape of a lab report.
type ReportDoc struct {
	ID        string        `json:"id"`
	Number    string        `json:"number"`
	Statement string        `json:"statement"`
	Authors   string        `json:"authors"`
	CreatedBy string        `json:"created_by"`
	CreatedAt string        `json:"created_at"`
	Questions []QuestionDoc `json:"questions"`
}

// ReportSummary is the listing shape, children counted rather than loaded.
type ReportSummary struct {
	ID            string `json:"id"`
	Number        string `json:"number"`
	Statement     string `json:"statement"`
	Authors       string `json:"authors"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at"`
	QuestionCount int    `json:"question_count"`
}

// HistoryEntry is one snapshot commit of a report.
type HistoryEntry struct {
	Hash      string `json:"hash"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at"`
}

// FigureUpload is the result of storing a figure image.
type FigureUpload struct {
	ImageURL    string `json:"image_url"`
	ContentType string `json:"content_type"`
}

type CreateReportInput struct {
	Number    string `json:"number"`
	Statement string `json:"statement"`
	Authors   string `json:"authors"`
}

// UpdateReportInput carries scalar report fields. Nil means unchanged.
type UpdateReportInput struct {
	Number    *string `json:"number"`
	Statement *string `json:"statement"`
	Authors   *string `json:"authors"`
}

type AddQuestionInput struct {
	Number    string `json:"number"`
	Statement string `json:"statement"`
}

type UpdateQuestionInput struct {
	Number    *string `json:"number"`
	Statement *string `json:"statement"`
}

type AddSubtopicInput struct {
	Title             string `json:"title"`
	Procedures        string `json:"procedures"`
	Explanation       string `json:"explanation"`
	Citations         string `json:"citations"`
	ImageURL          string `json:"image_url"`
	FigureDescription string `json:"figure_description"`
}

type UpdateSubtopicInput struct {
	Title             *string `json:"title"`
	Procedures        *string `json:"procedures"`
	Explanation       *string `json:"explanation"`
	Citations         *string `json:"citations"`
	ImageURL          *string `json:"image_url"`
	FigureDescription *string `json:"figure_description"`
}

// entityRef is the delete event payload, identifier only.
type entityRef struct {
	ID string `json:"id"`
}

// subtopicEnvelope wraps subtopic events with their parent question id.
type subtopicEnvelope struct {
	QuestionID string      `json:"question_id"`
	Subtopic   SubtopicDoc `json:"subtopic"`
}

// Session is an issued token pair.
type Session struct {
	Token        string
	RefreshToken string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore persists refresh sessions. The SQL store implements it;
// a Redis store can replace it per deployment.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, username string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type dataStore interface {
	SessionStore

	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByUsername(ctx context.Context, username string) (store.User, error)

	InsertReport(ctx context.Context, item store.Report) error
	GetReport(ctx context.Context, reportID string) (store.Report, error)
	ListReports(ctx context.Context) ([]store.Report, error)
	UpdateReport(ctx context.Context, item store.Report) error
	DeleteReportCascade(ctx context.Context, reportID string) error

	InsertQuestion(ctx context.Context, item store.Question) error
	GetReportQuestion(ctx context.Context, reportID, questionID string) (store.Question, error)
	ListQuestionsByReport(ctx context.Context, reportID string) ([]store.Question, error)
	CountQuestions(ctx context.Context, reportID string) (int, error)
	UpdateQuestion(ctx context.Context, item store.Question) error
	DeleteQuestionCascade(ctx context.Context, questionID string) error

	InsertSubtopic(ctx context.Context, item store.Subtopic) error
	GetQuestionSubtopic(ctx context.Context, questionID, subtopicID string) (store.Subtopic, error)
	ListSubtopicsByQuestion(ctx context.Context, questionID string) ([]store.Subtopic, error)
	UpdateSubtopic(ctx context.Context, item store.Subtopic) error
	DeleteSubtopic(ctx context.Context, subtopicID string) error

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Notifier publishes change events. Both the in-process hub and the
// Redis bus publisher satisfy it.
type Notifier interface {
	Publish(evt notify.Event)
}

type snapshotStore interface {
	EnsureRepo(reportID string, payload []byte, author string) error
	Commit(reportID string, payload []byte, author, message string) (snapshot.CommitInfo, error)
	History(reportID string, limit int) ([]snapshot.CommitInfo, error)
	SnapshotAt(reportID, hash string) ([]byte, error)
	Remove(reportID string) error
}

// Service is the single application object handlers call into.
type Service struct {
	log       *logger.Logger
	store     dataStore
	sessions  SessionStore
	notifier  Notifier
	snapshots snapshotStore
	search    *search.Service
	auth      *authpw.Service
	mailer    *email.Service
	figures   *figures.Store

	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu          sync.Mutex
	reportLocks map[string]*sync.Mutex
}

func New(cfg config.Config, st dataStore, notifier Notifier, snapshots snapshotStore, searchSvc *search.Service, log *logger.Logger) *Service {
	return &Service{
		log:         log.With("component", "app"),
		store:       st,
		sessions:    st,
		notifier:    notifier,
		snapshots:   snapshots,
		search:      searchSvc,
		auth:        authpw.NewService(st),
		jwtSecret:   []byte(cfg.JWTSecret),
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		reportLocks: make(map[string]*sync.Mutex),
	}
}

// NewWithSessionStore builds a service whose refresh sessions live
// outside the SQL store, typically Redis.
func NewWithSessionStore(cfg config.Config, st dataStore, sessions SessionStore, notifier Notifier, snapshots snapshotStore, searchSvc *search.Service, log *logger.Logger) *Service {
	svc := New(cfg, st, notifier, snapshots, searchSvc, log)
	svc.sessions = sessions
	return svc
}

// UseMailer enables sharing reports by email.
func (s *Service) UseMailer(mailer *email.Service) {
	s.mailer = mailer
}

// UseFigureStore enables figure uploads.
func (s *Service) UseFigureStore(figs *figures.Store) {
	s.figures = figs
}

func (s *Service) PingStore(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// lockReport serializes mutations under one report so subscribers see
// events in store order.
func (s *Service) lockReport(reportID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.reportLocks[reportID]
	if !ok {
		mu = &sync.Mutex{}
		s.reportLocks[reportID] = mu
	}
	return mu
}

// ----- documents -----

func (s *Service) CreateReport(ctx context.Context, in CreateReportInput, actor string) (ReportDoc, error) {
	number := strings.TrimSpace(in.Number)
	if number == "" {
		return ReportDoc{}, validationError("number is required", nil)
	}
	if strings.TrimSpace(actor) == "" {
		return ReportDoc{}, validationError("actor is required", nil)
	}

	item := store.Report{
		ID:        util.NewEntityID(),
		Number:    number,
		Statement: in.Statement,
		Authors:   in.Authors,
		CreatedBy: actor,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertReport(ctx, item); err != nil {
		return ReportDoc{}, fmt.Errorf("create report: %w", err)
	}

	doc := reportDoc(item, []QuestionDoc{})
	s.indexReport(item)
	s.snapshotCreate(doc, actor)
	// No event: the topic cannot have subscribers before the id exists.
	return doc, nil
}

func (s *Service) ListReports(ctx context.Context) ([]ReportSummary, error) {
	items, err := s.store.ListReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	summaries := make([]ReportSummary, 0, len(items))
	for _, item := range items {
		count, err := s.store.CountQuestions(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("count questions: %w", err)
		}
		summaries = append(summaries, ReportSummary{
			ID:            item.ID,
			Number:        item.Number,
			Statement:     item.Statement,
			Authors:       item.Authors,
			CreatedBy:     item.CreatedBy,
			CreatedAt:     isoTimestamp(item.CreatedAt),
			QuestionCount: count,
		})
	}
	return summaries, nil
}

func (s *Service) GetReport(ctx context.Context, reportID string) (ReportDoc, error) {
	return s.getReportDoc(ctx, reportID)
}

func (s *Service) UpdateReport(ctx context.Context, reportID string, in UpdateReportInput, actor string) (ReportDoc, error) {
	mu := s.lockReport(reportID)
	mu.Lock()
	defer mu.Unlock()

	item, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return ReportDoc{}, err
	}

	changed := false
	if in.Number != nil {
		number := strings.TrimSpace(*in.Number)
		if number == "" {
			return ReportDoc{}, validationError("number must not be blank", nil)
		}
		item.Number = number
		changed = true
	}
	if in.Statement != nil {
		item.Statement = *in.Statement
		changed = true
	}
	if in.Authors != nil {
		item.Authors = *in.Authors
		changed = true
	}
	if !changed {
		return ReportDoc{}, validationError("no fields to update", nil)
	}

	if err := s.store.UpdateReport(ctx, item); err != nil {
		return ReportDoc{}, fmt.Errorf("update report: %w", err)
	}

	doc, err := s.getReportDoc(ctx, reportID)
	if err != nil {
		return ReportDoc{}, fmt.Errorf("reload report: %w", err)
	}
	s.indexReport(item)
	s.snapshotCommit(ctx, reportID, actor, "Update report")
	s.publish(reportID, notify.EventReportUpdated, doc)
	return doc, nil
}

func (s *Service) DeleteReport(ctx context.Context, reportID, actor string) error {
	mu := s.lockReport(reportID)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.getReportDoc(ctx, reportID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteReportCascade(ctx, reportID); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}

	s.unindexReportTree(doc)
	s.snapshotRemove(reportID)
	s.publish(reportID, notify.EventReportDeleted, entityRef{ID: reportID})
	return nil
}

func (s *Service) AddQuestion(ctx context.Context, reportID string, in AddQuestionInput, actor string) (QuestionDoc, error) {
	mu := s.lockReport(reportID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return QuestionDoc{}, err
	}
	number := strings.TrimSpace(in.Number)
	if number == "" {
		return QuestionDoc{}, validationError("number is required", nil)
	}

	item := store.Question{
		ID:        util.NewEntityID(),
		ReportID:  reportID,
		Number:    number,
		Statement: in.Statement,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertQuestion(ctx, item); err != nil {
		return QuestionDoc{}, fmt.Errorf("add question: %w", err)
	}

	doc := questionDoc(item, []SubtopicDoc{})
	s.indexQuestion(item)
	s.snapshotCommit(ctx, reportID, actor, fmt.Sprintf("Add question %s", number))
	s.publish(reportID, notify.EventQuestionAdded, doc)
	return doc, nil
}

func (s *Service) UpdateQuestion(ctx context.Context, reportID, questionID string, in UpdateQuestionInput, actor string) (QuestionDoc, error) {
	mu := s.lockReport(reportID)
	mu.Lock()
	defer mu.Unlock()

	item, err := s.store.GetReportQuestion(ctx, reportID, questionID)
	if err != nil {
		return QuestionDoc{}, err
	}

	changed := false
	if in.Number != nil {
		number := strings.TrimSpace(*in.Number)
		if number == "" {
			return QuestionDoc{}, validationError("number must not be blank", nil)
		}
		item.Number = number
		changed = true
	}
	if in.Statement != nil {
		item.Statement = *in.Statement
		changed = true
	}
	if !changed {
		return QuestionDoc{}, validationError("no fields to update", nil)
	}

	if err := s.store.UpdateQuestion(ctx, item); err != nil {
		return QuestionDoc{}, fmt.Errorf("update question: %w", err)
	}

	doc, err := s.questionWithSubtopics(ctx, item)
	if err != nil {
		return QuestionDoc{}, fmt.Errorf("reload question: %w", err)
	}
	s.indexQuestion(item)
	s.snapshotCommit(ctx, reportID, actor, fmt.Sprintf("Update question %s", item.Number))
	s.publish(reportID, notify.EventQuestionUpdated, doc)
	return doc, nil
}

func (s *Service) DeleteQuestion(ctx context.Context, reportID, questionID, actor string) error {
	mu := s.lockReport(reportID)
	mu.Lock()
	defer mu.Unlock()

	item, err := s.store.GetReportQuestion(ctx, reportID, questionID)
	if err != nil {
		return err
	}
	subs, err := s.store.ListSubtopicsByQuestion(ctx, questionID)
	if err != nil {
		return fmt.Errorf("list subtopics: %w", err)
	}
	if err := s.store.DeleteQuestionCascade(ctx, questionID); err != nil {
		return fmt.Errorf("delete question: %w", err)
	}

	if s.search != nil {
		s.search.DeleteQuestion(questionID)
		for _, sub := range subs {
			s.search.DeleteSubtopic(sub.ID)
		}
	}
	s.snapshotCommit(ctx, reportID, actor, fmt.Sprintf("Delete question %s", item.Number))
	s.publish(reportID, notify.EventQuestionDeleted, entityRef{ID: questionID})
	return nil
}

func (s *Service) AddSubtopic(ctx context.Context, reportID, questionID string, in AddSubtopicInput, actor string) (SubtopicDoc, error) {
	mu := s.lockReport(reportID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetReportQuestion(ctx, reportID, questionID); err != nil {
		return SubtopicDoc{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return SubtopicDoc{}, validationError("title is required", nil)
	}

	item := store.Subtopic{
		ID:                util.NewEntityID(),
		QuestionID:        questionID,
		Title:             title,
		Procedures:        in.Procedures,
		Explanation:       in.Explanation,
		Citations:         in.Citations,
		ImageURL:          in.ImageURL,
		FigureDescription: in.FigureDescription,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.InsertSubtopic(ctx, item); err != nil {
		return SubtopicDoc{}, fmt.Errorf("add subtopic: %w", err)
	}

	doc := subtopicDoc(item)
	s.indexSubtopic(item, reportID)
	s.snapshotCommit(ctx, reportID, actor, fmt.Sprintf("Add subtopic %s", title))
	s.publish(reportID, notify.EventSubtopicAdded, subtopicEnvelope{QuestionID: questionID, Subtopic: doc})
	return doc, nil
}

func (s *Service) UpdateSubtopic(ctx context.Context, reportID, questionID, subtopicID string, in UpdateSubtopicInput, actor string) (SubtopicDoc, error) {
	mu := s.lockReport(reportID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetReportQuestion(ctx, reportID, questionID); err != nil {
		return SubtopicDoc{}, err
	}
	item, err := s.store.GetQuestionSubtopic(ctx, questionID, subtopicID)
	if err != nil {
		return SubtopicDoc{}, err
	}

	changed := false
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return SubtopicDoc{}, validationError("title must not be blank", nil)
		}
		item.Title = title
		changed = true
	}
	if in.Procedures != nil {
		item.Procedures = *in.Procedures
		changed = true
	}
	if in.Explanation != nil {
		item.Explanation = *in.Explanation
		changed = true
	}
	if in.Citations != nil {
		item.Citations = *in.Citations
		changed = true
	}
	if in.ImageURL != nil {
		item.ImageURL = *in.ImageURL
		changed = true
	}
	if in.FigureDescription != nil {
		item.FigureDescription = *in.FigureDescription
		changed = true
	}
	if !changed {
		return SubtopicDoc{}, validationError("no fields to update", nil)
	}

	if err := s.store.UpdateSubtopic(ctx, item); err != nil {
		return SubtopicDoc{}, fmt.Errorf("update subtopic: %w", err)
	}

	doc := subtopicDoc(item)
	s.indexSubtopic(item, reportID)
	s.snapshotCommit(ctx, reportID, actor, fmt.Sprintf("Update subtopic %s", item.Title))
	s.publish(reportID, notify.EventSubtopicUpdated, subtopicEnvelope{QuestionID: questionID, Subtopic: doc})
	return doc, nil
}

func (s *Service) DeleteSubtopicEntry(ctx context.Context, reportID, questionID, subtopicID, actor string) error {
	mu := s.lockReport(reportID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetReportQuestion(ctx, reportID, questionID); err != nil {
		return err
	}
	item, err := s.store.GetQuestionSubtopic(ctx, questionID, subtopicID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubtopic(ctx, subtopicID); err != nil {
		return fmt.Errorf("delete subtopic: %w", err)
	}

	if s.search != nil {
		s.search.DeleteSubtopic(subtopicID)
	}
	s.snapshotCommit(ctx, reportID, actor, fmt.Sprintf("Delete subtopic %s", item.Title))
	s.publish(reportID, notify.EventSubtopicDeleted, entityRef{ID: subtopicID})
	return nil
}

// ----- history -----

func (s *Service) ReportHistory(ctx context.Context, reportID string, limit int) ([]HistoryEntry, error) {
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	commits, err := s.snapshots.History(reportID, limit)
	if err != nil {
		return nil, fmt.Errorf("report history: %w", err)
	}
	entries := make([]HistoryEntry, 0, len(commits))
	for _, c := range commits {
		entries = append(entries, HistoryEntry{
			Hash:      c.Hash,
			Message:   c.Message,
			Author:    c.Author,
			CreatedAt: isoTimestamp(c.CreatedAt),
		})
	}
	return entries, nil
}

// ReportSnapshotAt returns the nested report JSON as it was at the
// given commit.
func (s *Service) ReportSnapshotAt(ctx context.Context, reportID, hash string) (json.RawMessage, error) {
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	payload, err := s.snapshots.SnapshotAt(reportID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Snapshot not found", nil)
	}
	return json.RawMessage(payload), nil
}

// ----- export, share, figures, search -----

func (s *Service) ExportReport(ctx context.Context, reportID string, format export.Format) (*export.Result, error) {
	data, err := s.exportData(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return export.Export(data, format)
}

func (s *Service) ShareReport(ctx context.Context, reportID string, recipients []string, message, actor string) error {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return unavailable("EMAIL_UNAVAILABLE", "Email delivery is not configured")
	}
	data, err := s.exportData(ctx, reportID)
	if err != nil {
		return err
	}
	html, err := export.RenderHTML(data)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	err = s.mailer.SendReportShareEmail(recipients, email.ShareData{
		ReportNumber: data.Number,
		SharedBy:     actor,
		Message:      message,
		ReportHTML:   template.HTML(html),
	})
	if err != nil {
		return fmt.Errorf("send share email: %w", err)
	}
	return nil
}

func (s *Service) UploadFigure(ctx context.Context, reportID, filename string, size int64, r io.Reader) (FigureUpload, error) {
	if s.figures == nil {
		return FigureUpload{}, unavailable("FIGURES_UNAVAILABLE", "Figure storage is not configured")
	}
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return FigureUpload{}, err
	}
	contentType, err := figures.ContentTypeForFilename(filename)
	if err != nil {
		return FigureUpload{}, validationError("unsupported image type", nil)
	}

	key := reportID + "/" + util.NewID("fig") + strings.ToLower(path.Ext(filename))
	url, err := s.figures.Upload(ctx, key, r, size, contentType)
	if err != nil {
		return FigureUpload{}, fmt.Errorf("upload figure: %w", err)
	}
	return FigureUpload{ImageURL: url, ContentType: contentType}, nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// ----- auth -----

func (s *Service) Register(ctx context.Context, username, password string) (Session, error) {
	user, err := s.auth.Register(ctx, authpw.RegisterRequest{Username: username, Password: password})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrUsernameTaken):
			return Session{}, constraintViolation("Username already taken")
		case errors.Is(err, authpw.ErrInvalidInput):
			return Session{}, validationError(inputMessage(err), nil)
		}
		return Session{}, fmt.Errorf("register: %w", err)
	}
	return s.issueSession(ctx, user.Username)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.auth.Login(ctx, username, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password", nil)
		}
		return Session{}, fmt.Errorf("login: %w", err)
	}
	return s.issueSession(ctx, user.Username)
}

// Refresh rotates the refresh token: the presented one is revoked and a
// fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return Session{}, fmt.Errorf("revoke refresh session: %w", err)
	}
	return s.issueSession(ctx, user.Username)
}

// SessionFromToken validates an access token and rejects revoked JTIs.
func (s *Service) SessionFromToken(ctx context.Context, token string) (auth.Claims, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return auth.Claims{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("check revoked token: %w", err)
	}
	if revoked {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return claims, nil
}

// Logout revokes best effort. A bad token still logs the client out.
func (s *Service) Logout(ctx context.Context, token, refreshToken string) error {
	if claims, err := auth.ParseToken(s.jwtSecret, token); err == nil {
		_ = s.store.RevokeAccessToken(ctx, claims.ID, claims.ExpiresAt.Time)
	}
	if strings.TrimSpace(refreshToken) != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, username string) (Session, error) {
	jti := util.NewID("jti")
	expiresAt := time.Now().Add(s.accessTTL)
	token, err := auth.IssueToken(s.jwtSecret, username, jti, expiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), username, time.Now().Add(s.refreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		Username:     username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// ----- dispatch -----

func (s *Service) publish(topic, name string, data any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(notify.Event{Topic: topic, Name: name, Data: data})
}

func (s *Service) snapshotCreate(doc ReportDoc, actor string) {
	if s.snapshots == nil {
		return
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.log.Warn("snapshot marshal failed", "report", doc.ID, "err", err)
		return
	}
	if err := s.snapshots.EnsureRepo(doc.ID, payload, actor); err != nil {
		s.log.Warn("snapshot init failed", "report", doc.ID, "err", err)
	}
}

// snapshotCommit records the post-mutation state of the whole report.
// Failures are logged, never surfaced to the caller.
func (s *Service) snapshotCommit(ctx context.Context, reportID, actor, message string) {
	if s.snapshots == nil {
		return
	}
	doc, err := s.getReportDoc(ctx, reportID)
	if err != nil {
		s.log.Warn("snapshot skipped, report not readable", "report", reportID, "err", err)
		return
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.log.Warn("snapshot marshal failed", "report", reportID, "err", err)
		return
	}
	if err := s.snapshots.EnsureRepo(reportID, payload, actor); err != nil {
		s.log.Warn("snapshot init failed", "report", reportID, "err", err)
		return
	}
	if _, err := s.snapshots.Commit(reportID, payload, actor, message); err != nil {
		s.log.Warn("snapshot commit failed", "report", reportID, "err", err)
	}
}

func (s *Service) snapshotRemove(reportID string) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Remove(reportID); err != nil {
		s.log.Warn("snapshot remove failed", "report", reportID, "err", err)
	}
}

func (s *Service) indexReport(item store.Report) {
	if s.search == nil {
		return
	}
	s.search.IndexReport(search.ReportRecord{
		ID:        item.ID,
		Number:    item.Number,
		Statement: item.Statement,
		Authors:   item.Authors,
	})
}

func (s *Service) indexQuestion(item store.Question) {
	if s.search == nil {
		return
	}
	s.search.IndexQuestion(search.QuestionRecord{
		ID:        item.ID,
		Number:    item.Number,
		Statement: item.Statement,
		ReportID:  item.ReportID,
	})
}

func (s *Service) indexSubtopic(item store.Subtopic, reportID string) {
	if s.search == nil {
		return
	}
	s.search.IndexSubtopic(search.SubtopicRecord{
		ID:                item.ID,
		Title:             item.Title,
		Procedures:        item.Procedures,
		Explanation:       item.Explanation,
		Citations:         item.Citations,
		FigureDescription: item.FigureDescription,
		QuestionID:        item.QuestionID,
		ReportID:          reportID,
	})
}

func (s *Service) unindexReportTree(doc ReportDoc) {
	if s.search == nil {
		return
	}
	s.search.DeleteReport(doc.ID)
	for _, q := range doc.Questions {
		s.search.DeleteQuestion(q.ID)
		for _, sub := range q.Subtopics {
			s.search.DeleteSubtopic(sub.ID)
		}
	}
}

// ----- assembly -----

func (s *Service) getReportDoc(ctx context.Context, reportID string) (ReportDoc, error) {
	item, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return ReportDoc{}, err
	}
	questions, err := s.store.ListQuestionsByReport(ctx, reportID)
	if err != nil {
		return ReportDoc{}, fmt.Errorf("list questions: %w", err)
	}
	docs := make([]QuestionDoc, 0, len(questions))
	for _, q := range questions {
		doc, err := s.questionWithSubtopics(ctx, q)
		if err != nil {
			return ReportDoc{}, err
		}
		docs = append(docs, doc)
	}
	return reportDoc(item, docs), nil
}

func (s *Service) questionWithSubtopics(ctx context.Context, item store.Question) (QuestionDoc, error) {
	subs, err := s.store.ListSubtopicsByQuestion(ctx, item.ID)
	if err != nil {
		return QuestionDoc{}, fmt.Errorf("list subtopics: %w", err)
	}
	subDocs := make([]SubtopicDoc, 0, len(subs))
	for _, sub := range subs {
		subDocs = append(subDocs, subtopicDoc(sub))
	}
	return questionDoc(item, subDocs), nil
}

func (s *Service) exportData(ctx context.Context, reportID string) (export.ReportData, error) {
	item, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return export.ReportData{}, err
	}
	questions, err := s.store.ListQuestionsByReport(ctx, reportID)
	if err != nil {
		return export.ReportData{}, fmt.Errorf("list questions: %w", err)
	}

	qs := make([]export.QuestionData, 0, len(questions))
	for _, q := range questions {
		subs, err := s.store.ListSubtopicsByQuestion(ctx, q.ID)
		if err != nil {
			return export.ReportData{}, fmt.Errorf("list subtopics: %w", err)
		}
		subData := make([]export.SubtopicData, 0, len(subs))
		for _, sub := range subs {
			subData = append(subData, export.SubtopicData{
				Title:             sub.Title,
				Procedures:        sub.Procedures,
				Explanation:       sub.Explanation,
				Citations:         sub.Citations,
				ImageURL:          sub.ImageURL,
				FigureDescription: sub.FigureDescription,
			})
		}
		qs = append(qs, export.QuestionData{
			Number:    q.Number,
			Statement: q.Statement,
			Subtopics: subData,
		})
	}

	return export.ReportData{
		Number:    item.Number,
		Statement: item.Statement,
		Authors:   item.Authors,
		CreatedBy: item.CreatedBy,
		CreatedAt: item.CreatedAt,
		Questions: qs,
	}, nil
}

func reportDoc(item store.Report, questions []QuestionDoc) ReportDoc {
	return ReportDoc{
		ID:        item.ID,
		Number:    item.Number,
		Statement: item.Statement,
		Authors:   item.Authors,
		CreatedBy: item.CreatedBy,
		CreatedAt: isoTimestamp(item.CreatedAt),
		Questions: questions,
	}
}

func questionDoc(item store.Question, subtopics []SubtopicDoc) QuestionDoc {
	return QuestionDoc{
		ID:        item.ID,
		ReportID:  item.ReportID,
		Number:    item.Number,
		Statement: item.Statement,
		CreatedAt: isoTimestamp(item.CreatedAt),
		Subtopics: subtopics,
	}
}

func subtopicDoc(item store.Subtopic) SubtopicDoc {
	return SubtopicDoc{
		ID:                item.ID,
		QuestionID:        item.QuestionID,
		Title:             item.Title,
		Procedures:        item.Procedures,
		Explanation:       item.Explanation,
		Citations:         item.Citations,
		ImageURL:          item.ImageURL,
		FigureDescription: item.FigureDescription,
		CreatedAt:         isoTimestamp(item.CreatedAt),
	}
}

// isoTimestamp is the one place wire timestamps are formatted.
func isoTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// inputMessage strips the sentinel prefix off an authpw input error so
// the client sees only the human part.
func inputMessage(err error) string {
	msg := err.Error()
	prefix := authpw.ErrInvalidInput.Error() + ": "
	return strings.TrimPrefix(msg, prefix)
}
