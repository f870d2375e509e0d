package app

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"querydesk/api/internal/auth"
	"querydesk/api/internal/query"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     logrus.FieldLogger
}

func NewHTTPServer(service *Service, corsOrigin string, logger logrus.FieldLogger) *HTTPServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.WithField("component", "http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		// The service keeps answering from cache without Postgres, so a
		// failed ping is reported as degraded rather than not ready.
		status := "ready"
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "degraded"
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"status": status,
			"checks": checks,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[1] == "queries":
		s.handleQueries(w, r, session, parts[2:])
		return
	case parts[1] == "updates" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handlePoll(w, r, session)
		return
	case parts[1] == "updates" && len(parts) == 3 && parts[2] == "signal" && r.Method == http.MethodGet:
		payload, err := s.service.Signal(r.Context(), session, r.URL.Query().Get("team"), r.URL.Query().Get("device"))
		s.respond(w, http.StatusOK, payload, err)
		return
	case parts[1] == "updates" && len(parts) == 3 && parts[2] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, session)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleQueries(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body CreateQueryInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Device == "" {
			body.Device = deviceID(r)
		}
		payload, err := s.service.CreateQuery(r.Context(), session, body)
		s.respond(w, http.StatusCreated, payload, err)

	case len(rest) == 0 && r.Method == http.MethodGet:
		values := r.URL.Query()
		input := ListQueriesInput{
			Status:   values.Get("status"),
			Team:     values.Get("team"),
			Branches: values.Get("branches"),
			AppNo:    values.Get("appNo"),
		}
		if raw := strings.TrimSpace(values.Get("resolved")); raw != "" {
			resolved, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resolved must be a boolean", nil)
				return
			}
			input.Resolved = &resolved
		}
		groups, err := s.service.ListQueries(r.Context(), session, input)
		s.respond(w, http.StatusOK, map[string]any{"groups": groups}, err)

	case len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodGet:
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		payload, err := s.service.SearchQueries(r.Context(), session, r.URL.Query().Get("q"), limit)
		s.respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "update" && r.Method == http.MethodPost:
		var body UpdateQueryInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.update(w, r, session, body)

	case len(rest) == 1 && r.Method == http.MethodGet:
		group, err := s.service.GetQuery(r.Context(), session, rest[0])
		s.respond(w, http.StatusOK, map[string]any{"group": group}, err)

	case len(rest) == 1 && r.Method == http.MethodPatch:
		var body UpdateQueryInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.QueryID = rest[0]
		s.update(w, r, session, body)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) update(w http.ResponseWriter, r *http.Request, session Session, body UpdateQueryInput) {
	if body.Device == "" {
		body.Device = deviceID(r)
	}
	payload, err := s.service.UpdateQuery(r.Context(), session, body)
	s.respond(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) handlePoll(w http.ResponseWriter, r *http.Request, session Session) {
	values := r.URL.Query()
	var since time.Time
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "since must be an RFC 3339 timestamp", nil)
			return
		}
		since = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	payload, err := s.service.PollUpdates(r.Context(), session, values.Get("team"), since, limit)
	s.respond(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.WithError(err).Error("request failed")
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

// requireSession reads the bearer token. Browsers cannot set headers on a
// WebSocket handshake, so the stream endpoint also accepts ?access_token=.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" && strings.HasSuffix(r.URL.Path, "/stream") {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		// Live streams outlive any request deadline.
		if timeout := s.service.cfg.RequestTimeout; timeout > 0 && !strings.HasSuffix(r.URL.Path, "/stream") {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		requestDuration.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Observe(elapsed.Seconds())
		s.logger.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": elapsed.Milliseconds(),
		}).Info("request")
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

// Hijack lets the WebSocket handshake take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Device-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
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

func deviceID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Device-ID"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var nf *query.NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", map[string]any{"candidates": nf.Candidates}
	}
	if errors.Is(err, query.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, query.ErrInvalidTransition) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "Server error", nil
}
