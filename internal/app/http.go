package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"labdesk/api/internal/auth"
	"labdesk/api/internal/export"
	"labdesk/api/internal/logger"
	"labdesk/api/internal/notify"
	"labdesk/api/internal/search"
)

// HTTPServer exposes the service over REST plus one SSE event stream.
// Reads are open; mutations sit behind requireAuth.
type HTTPServer struct {
	service    *Service
	hub        *notify.Hub
	log        *logger.Logger
	corsOrigin string
}

func NewHTTPServer(service *Service, hub *notify.Hub, corsOrigin string, log *logger.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		hub:        hub,
		log:        log.With("component", "http"),
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.withRequestLog)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "X-Request-ID"},
		MaxAge:         300,
	}))

	mux.Get("/api/health", s.handleHealth)
	mux.Get("/api/ready", s.handleReady)

	mux.Route("/api/auth", func(rt chi.Router) {
		rt.Post("/register", s.handleRegister)
		rt.Post("/login", s.handleLogin)
		rt.Post("/refresh", s.handleRefresh)
		rt.Post("/logout", s.handleLogout)
	})
	mux.Get("/api/session", s.handleSession)
	mux.Get("/api/search", s.handleSearch)

	mux.Route("/api/events", func(rt chi.Router) {
		rt.Get("/", s.handleEvents)
		rt.Put("/{clientID}/topics/{reportID}", s.handleJoinTopic)
		rt.Delete("/{clientID}/topics/{reportID}", s.handleLeaveTopic)
	})

	mux.Route("/api/lab-reports", func(rt chi.Router) {
		rt.Get("/", s.handleListReports)
		rt.Post("/", s.requireAuth(s.handleCreateReport))
		rt.Route("/{reportID}", func(rr chi.Router) {
			rr.Get("/", s.handleGetReport)
			rr.Put("/", s.requireAuth(s.handleUpdateReport))
			rr.Delete("/", s.requireAuth(s.handleDeleteReport))
			rr.Get("/history", s.handleReportHistory)
			rr.Get("/history/{hash}", s.handleReportSnapshot)
			rr.Get("/export", s.handleExportReport)
			rr.Post("/figures", s.requireAuth(s.handleUploadFigure))
			rr.Post("/share", s.requireAuth(s.handleShareReport))
			rr.Post("/questions", s.requireAuth(s.handleAddQuestion))
			rr.Route("/questions/{questionID}", func(rq chi.Router) {
				rq.Put("/", s.requireAuth(s.handleUpdateQuestion))
				rq.Delete("/", s.requireAuth(s.handleDeleteQuestion))
				rq.Post("/subtopics", s.requireAuth(s.handleAddSubtopic))
				rq.Put("/subtopics/{subtopicID}", s.requireAuth(s.handleUpdateSubtopic))
				rq.Delete("/subtopics/{subtopicID}", s.requireAuth(s.handleDeleteSubtopic))
			})
		})
	})

	return mux
}

// ----- health -----

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.service.PingStore(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": map[string]string{"database": "unreachable"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": map[string]string{"database": "ok"},
	})
}

// ----- auth -----

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	sess, err := s.service.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(sess))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	sess, err := s.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "refresh_token is required", nil)
		return
	}
	sess, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

// handleLogout always succeeds so clients can drop state regardless.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), bearerToken(r), body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
		return
	}
	claims, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "username": claims.Username})
}

func sessionPayload(sess Session) map[string]any {
	return map[string]any{
		"access_token":  sess.Token,
		"refresh_token": sess.RefreshToken,
		"username":      sess.Username,
		"expires_at":    isoTimestamp(sess.ExpiresAt),
	}
}

// ----- reports -----

func (s *HTTPServer) handleListReports(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListReports(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lab_reports": items})
}

func (s *HTTPServer) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var body CreateReportInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateReport(r.Context(), body, actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleGetReport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetReport(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	var body UpdateReportInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	doc, err := s.service.UpdateReport(r.Context(), chi.URLParam(r, "reportID"), body, actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReport(r.Context(), chi.URLParam(r, "reportID"), actorFrom(r.Context())); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ----- questions -----

func (s *HTTPServer) handleAddQuestion(w http.ResponseWriter, r *http.Request) {
	var body AddQuestionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	doc, err := s.service.AddQuestion(r.Context(), chi.URLParam(r, "reportID"), body, actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var body UpdateQuestionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	doc, err := s.service.UpdateQuestion(r.Context(), chi.URLParam(r, "reportID"), chi.URLParam(r, "questionID"), body, actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteQuestion(r.Context(), chi.URLParam(r, "reportID"), chi.URLParam(r, "questionID"), actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ----- subtopics -----

func (s *HTTPServer) handleAddSubtopic(w http.ResponseWriter, r *http.Request) {
	var body AddSubtopicInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	doc, err := s.service.AddSubtopic(r.Context(), chi.URLParam(r, "reportID"), chi.URLParam(r, "questionID"), body, actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleUpdateSubtopic(w http.ResponseWriter, r *http.Request) {
	var body UpdateSubtopicInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	doc, err := s.service.UpdateSubtopic(r.Context(), chi.URLParam(r, "reportID"), chi.URLParam(r, "questionID"), chi.URLParam(r, "subtopicID"), body, actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleDeleteSubtopic(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteSubtopicEntry(r.Context(), chi.URLParam(r, "reportID"), chi.URLParam(r, "questionID"), chi.URLParam(r, "subtopicID"), actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ----- history, export, figures, share, search -----

func (s *HTTPServer) handleReportHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ReportHistory(r.Context(), chi.URLParam(r, "reportID"), queryInt(r, "limit", 50))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *HTTPServer) handleReportSnapshot(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ReportSnapshotAt(r.Context(), chi.URLParam(r, "reportID"), chi.URLParam(r, "hash"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *HTTPServer) handleExportReport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	result, err := s.service.ExportReport(r.Context(), chi.URLParam(r, "reportID"), format)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleUploadFigure(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "file field is required", nil)
		return
	}
	defer file.Close()

	upload, err := s.service.UploadFigure(r.Context(), chi.URLParam(r, "reportID"), header.Filename, header.Size, file)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

func (s *HTTPServer) handleShareReport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email   string   `json:"email"`
		Emails  []string `json:"emails"`
		Message string   `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	recipients := body.Emails
	if trimmed := strings.TrimSpace(body.Email); trimmed != "" {
		recipients = append(recipients, trimmed)
	}
	if len(recipients) == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "email is required", nil)
		return
	}
	err := s.service.ShareReport(r.Context(), chi.URLParam(r, "reportID"), recipients, body.Message, actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "recipients": len(recipients)})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:           strings.TrimSpace(r.URL.Query().Get("q")),
		FilterType:     search.ResultType(r.URL.Query().Get("type")),
		FilterReportID: r.URL.Query().Get("report_id"),
		Limit:          queryInt(r, "limit", 20),
		Offset:         queryInt(r, "offset", 0),
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

// ----- events -----

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.hub.NewSubscriber()
	for _, topic := range splitTopics(r.URL.Query().Get("reports")) {
		s.hub.Subscribe(sub, topic)
	}
	defer s.hub.Close(sub)
	s.hub.ServeHTTP(w, r, sub)
}

func (s *HTTPServer) handleJoinTopic(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.hub.Get(chi.URLParam(r, "clientID"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown client", nil)
		return
	}
	s.hub.Subscribe(sub, chi.URLParam(r, "reportID"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLeaveTopic(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.hub.Get(chi.URLParam(r, "clientID"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown client", nil)
		return
	}
	s.hub.Unsubscribe(sub, chi.URLParam(r, "reportID"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func splitTopics(raw string) []string {
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			topics = append(topics, trimmed)
		}
	}
	return topics
}

// ----- middleware -----

type actorKey struct{}

type requestIDKey struct{}

// requireAuth resolves the bearer token to a username and stores it as
// the request actor. Mutating routes refuse anonymous callers.
func (s *HTTPServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
			return
		}
		claims, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "STORE_FAILURE", "Session lookup failed", nil)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, claims.Username)
		next(w, r.WithContext(ctx))
	}
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the event stream flushable through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ----- plumbing -----

func (s *HTTPServer) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer not installed", nil
	}
	return http.StatusInternalServerError, "STORE_FAILURE", "Storage failure", nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody tolerates an empty body, the zero input is validated
// downstream like any other.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
