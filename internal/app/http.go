package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"remark/api/internal/auth"
	"remark/api/internal/entity"
	"remark/api/internal/export"
	"remark/api/internal/logger"
	"remark/api/internal/policy"
	"remark/api/internal/search"
	"remark/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	jwtSecret  []byte
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin, jwtSecret string, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		jwtSecret:  []byte(jwtSecret),
		log:        log.With("component", "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Route("/api/comments", func(r chi.Router) {
		r.Get("/", s.handleListChildren)
		r.Post("/", s.handleCreateComment)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetComment)
			r.Put("/", s.handleUpdateComment)
			r.Patch("/", s.handleUpdateComment)
			r.Delete("/", s.handleDeleteComment)
			r.Get("/log", s.handleCommentLog)
			r.Get("/root", s.handleRoot)
		})
	})
	r.Get("/api/comments-descendants", s.handleDescendants)
	r.Get("/api/comments-as-file", s.handleExport)
	r.Get("/api/user-comments/{userID}", s.handleUserComments)

	r.Post("/api/subscriptions", s.handleSubscribe)
	r.Delete("/api/subscriptions", s.handleUnsubscribe)
	r.Get("/api/users/{userID}/subscriptions", s.handleListSubscriptions)

	r.Post("/api/entities/{kind}", s.handleCreateEntity)
	r.Get("/api/search", s.handleSearch)

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListChildren(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	parent, err := parseRef(query.Get("parent_type"), query.Get("parent"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	comments, err := s.service.Children(r.Context(), parent)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentList(comments))
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body struct {
		AuthorID   int64           `json:"author_id"`
		Text       string          `json:"text"`
		ParentID   int64           `json:"parent_id"`
		ParentType json.RawMessage `json:"parent_type"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	parent, err := parseRef(rawKind(body.ParentType), strconv.FormatInt(body.ParentID, 10))
	if err != nil {
		writeMappedError(w, err)
		return
	}

	comment, err := s.service.CreateComment(r.Context(), CreateCommentInput{
		AuthorID: body.AuthorID,
		Text:     body.Text,
		Parent:   parent,
	}, actor)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment.Data())
}

func (s *HTTPServer) handleGetComment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	comment, err := s.service.GetComment(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comment.Data())
}

func (s *HTTPServer) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.UpdateComment(r.Context(), id, body.Text, actor)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comment.Data())
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if _, err := s.service.DeleteComment(r.Context(), id, actor); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCommentLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	entries, err := s.service.CommentLog(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"created_at": entry.CreatedAt.UTC().Format(time.RFC3339Nano),
			"comment_id": entry.CommentID,
			"user_id":    entry.UserID,
			"event":      entry.Event,
			"changes":    entry.Changes,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	root, err := s.service.RootEntity(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    root.Kind,
		"type_id": root.TypeID(),
		"id":      root.ID,
	})
}

func (s *HTTPServer) handleDescendants(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	parent, err := parseRef(query.Get("parent_type"), query.Get("parent"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	comments, err := s.service.Descendants(r.Context(), parent,
		export.ParseDate(query.Get("date_from")),
		export.ParseDate(query.Get("date_to")),
	)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentList(comments))
}

func (s *HTTPServer) handleUserComments(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	comments, err := s.service.UserComments(r.Context(), userID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentList(comments))
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	params, err := exportParams(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	outcome, err := s.service.ExportComments(r.Context(), params)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	switch outcome.Status {
	case ExportCreated:
		writeJSON(w, http.StatusCreated, map[string]any{
			"job_id":  outcome.JobID,
			"status":  "processing",
			"message": "Export scheduled, try again later",
		})
	case ExportProcessing:
		writeJSON(w, http.StatusAlreadyReported, map[string]any{
			"job_id":  outcome.JobID,
			"status":  "processing",
			"message": "Export is still processing",
		})
	case ExportFailed:
		writeError(w, http.StatusUnprocessableEntity, "EXPORT_FAILED", outcome.Reason, map[string]any{"job_id": outcome.JobID})
	default:
		w.Header().Set("Content-Type", outcome.Result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, outcome.Result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(outcome.Result.Data)
	}
}

func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	body, target, err := subscriptionBody(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	sub, created, err := s.service.Subscribe(r.Context(), body.UserID, target)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, subscriptionJSON(sub))
}

func (s *HTTPServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	body, target, err := subscriptionBody(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if err := s.service.Unsubscribe(r.Context(), body.UserID, target); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	subs, err := s.service.Subscriptions(r.Context(), userID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		items = append(items, subscriptionJSON(sub))
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	desc, ok := entity.Parse(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown entity kind", nil)
		return
	}
	ref, err := s.service.CreateEntity(r.Context(), desc.Kind)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"kind":    ref.Kind,
		"type_id": ref.TypeID(),
		"id":      ref.ID,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{Text: strings.TrimSpace(query.Get("q"))}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	if author := query.Get("author"); author != "" {
		id, err := strconv.ParseInt(author, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "author must be an integer", nil)
			return
		}
		q.AuthorID = id
	}
	q.Limit, _ = strconv.Atoi(query.Get("limit"))
	q.Offset, _ = strconv.Atoi(query.Get("offset"))

	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

// actor returns the user behind an optional bearer token. A present but
// invalid token is answered with 401 and ok=false.
func (s *HTTPServer) actor(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	token := bearerToken(r)
	if token == "" {
		return nil, true
	}
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		writeMappedError(w, err)
		return nil, false
	}
	userID, err := claims.UserID()
	if err != nil {
		writeMappedError(w, err)
		return nil, false
	}
	return &userID, true
}

func exportParams(r *http.Request) (export.Params, error) {
	query := r.URL.Query()
	params := export.Params{
		Format:   export.Format(strings.TrimSpace(query.Get("format"))),
		DateFrom: export.ParseDate(query.Get("date_from")),
		DateTo:   export.ParseDate(query.Get("date_to")),
	}
	if author := strings.TrimSpace(query.Get("author")); author != "" {
		id, err := strconv.ParseInt(author, 10, 64)
		if err != nil {
			return export.Params{}, fmt.Errorf("%w: author must be an integer", export.ErrInvalidParameters)
		}
		params.AuthorID = &id
	}
	if query.Get("entity") != "" || query.Get("entity_type") != "" {
		ref, err := parseRef(query.Get("entity_type"), query.Get("entity"))
		if err != nil {
			return export.Params{}, fmt.Errorf("%w: %v", export.ErrInvalidParameters, err)
		}
		params.Entity = &ref
	}
	return params, nil
}

type subscriptionRequest struct {
	UserID     int64           `json:"user_id"`
	EntityKind json.RawMessage `json:"entity_kind"`
	EntityID   int64           `json:"entity_id"`
}

func subscriptionBody(r *http.Request) (subscriptionRequest, entity.Ref, error) {
	var body subscriptionRequest
	if err := decodeBody(r, &body); err != nil {
		return body, entity.Ref{}, validationError(err.Error())
	}
	ref, err := parseRef(rawKind(body.EntityKind), strconv.FormatInt(body.EntityID, 10))
	return body, ref, err
}

func subscriptionJSON(sub store.Subscription) map[string]any {
	return map[string]any{
		"id":          sub.ID,
		"user_id":     sub.UserID,
		"entity_kind": sub.EntityKind,
		"entity_id":   sub.EntityID,
		"created_at":  sub.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func commentList(comments []store.Comment) []store.CommentData {
	out := make([]store.CommentData, 0, len(comments))
	for _, c := range comments {
		out = append(out, c.Data())
	}
	return out
}

// parseRef reads a kind given as type id or name together with a numeric id.
func parseRef(kindValue, idValue string) (entity.Ref, error) {
	desc, ok := entity.Parse(kindValue)
	if !ok {
		return entity.Ref{}, validationError(fmt.Sprintf("unknown parent type %q", kindValue))
	}
	id, err := strconv.ParseInt(strings.TrimSpace(idValue), 10, 64)
	if err != nil || id <= 0 {
		return entity.Ref{}, validationError(fmt.Sprintf("invalid id %q", idValue))
	}
	return entity.NewRef(desc.Kind, id), nil
}

// rawKind unwraps a JSON value that may be a number or a string.
func rawKind(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	return strings.TrimSpace(string(raw))
}

func pathID(r *http.Request, key string) (int64, error) {
	value := chi.URLParam(r, key)
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, validationError(fmt.Sprintf("invalid %s %q", key, value))
	}
	return id, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrParentNotFound), errors.Is(err, store.ErrUnknownKind):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrInvalidParameters), errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, policy.ErrHasChildren):
		return http.StatusConflict, "HAS_CHILDREN", "Comment has replies", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
