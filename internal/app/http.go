package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	sessionCookieName = "circles_session"

	// formOverheadBytes is the body allowance on top of the upload limit for
	// the other form fields and multipart framing.
	formOverheadBytes = 1 << 20
	multipartMemory   = 8 << 20
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
	actions    map[string]actionHandler
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	server := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
	server.actions = server.registerActions()
	return server
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// envelope is the body of every RPC response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead
	path := r.URL.Path

	if readOnly && path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if readOnly && path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if path == "/api.cgi" || path == "/api" {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, envelope{Error: "Method not allowed", Code: "METHOD_NOT_ALLOWED"})
			return
		}
		s.handleRPC(w, r)
		return
	}

	if readOnly && strings.HasPrefix(path, filesPath) {
		s.handleFile(w, r)
		return
	}

	writeJSON(w, http.StatusNotFound, envelope{Error: "Not found", Code: "NOT_FOUND"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, ping := range map[string]func(context.Context) error{
		"database": s.service.Ping,
		"sessions": s.service.PingSessions,
	} {
		if err := ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleRPC runs one form-encoded action. Domain failures are reported in
// the envelope with HTTP 200.
func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	info := requestInfoFrom(r.Context())
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error().
				Str("request_id", info.requestID).
				Str("action", info.action).
				Interface("panic", recovered).
				Bytes("stack", debug.Stack()).
				Msg("action panicked")
			writeJSON(w, http.StatusOK, envelope{Error: fmt.Sprint(recovered), Code: "SERVER_ERROR"})
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, s.service.cfg.MaxUploadBytes+formOverheadBytes)
	if err := parseForm(r); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, info, Validation("request exceeds the upload limit"))
			return
		}
		s.fail(w, info, Validation("invalid form data"))
		return
	}

	action := r.FormValue("action")
	info.action = action
	handler, ok := s.actions[action]
	if !ok {
		s.fail(w, info, Validation("Unknown action: "+action))
		return
	}

	id, err := s.service.ResolveIdentity(r.Context(), sessionCookie(r))
	if err != nil {
		s.fail(w, info, err)
		return
	}
	if handler.requiresAuth && !id.Authenticated() {
		s.fail(w, info, errNotAuthenticated)
		return
	}
	info.userID = id.UserID

	data, err := handler.run(r.Context(), &actionContext{w: w, r: r, id: id})
	if err != nil {
		s.fail(w, info, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *HTTPServer) fail(w http.ResponseWriter, info *requestInfo, err error) {
	domainErr := mapError(err)
	if domainErr.Status >= http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("request_id", info.requestID).
			Str("action", info.action).
			Msg("action failed")
	}
	info.failure = domainErr.Code
	writeJSON(w, http.StatusOK, envelope{Error: domainErr.Message, Code: domainErr.Code})
}

func parseForm(r *http.Request) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return r.ParseMultipartForm(multipartMemory)
	}
	return r.ParseForm()
}

// handleFile streams an uploaded file by its stored name. Stored names are
// random, so knowing the name is the capability to read the file.
func (s *HTTPServer) handleFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, filesPath)
	name = strings.TrimPrefix(name, "uploads/")

	body, asset, err := s.service.OpenFile(r.Context(), name)
	if err != nil {
		domainErr := mapError(err)
		if domainErr.Status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("stored_name", name).Msg("open file")
		}
		writeJSON(w, domainErr.Status, envelope{Error: domainErr.Message, Code: domainErr.Code})
		return
	}
	defer body.Close()

	header := w.Header()
	header.Set("Content-Type", asset.MimeType)
	header.Set("Cache-Control", "private, max-age=3600")
	header.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": asset.OriginalName}))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn().Err(err).Str("stored_name", name).Msg("stream file")
	}
}

func sessionCookie(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, grant SessionGrant) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    grant.Token,
		Path:     "/",
		Expires:  grant.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		info := &requestInfo{requestID: requestID}
		r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		event := s.logger.Info()
		if info.failure != "" {
			event = s.logger.Warn().Str("error_code", info.failure)
		}
		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("action", info.action).
			Str("user_id", info.userID).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestInfoKey struct{}

// requestInfo collects what the handlers learn about a request for the
// access log line.
type requestInfo struct {
	requestID string
	action    string
	userID    string
	failure   string
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	if corsOrigin != "*" {
		header.Set("Access-Control-Allow-Credentials", "true")
		header.Add("Vary", "Origin")
	}
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
