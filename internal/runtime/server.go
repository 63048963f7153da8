package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/szaher/designs/sessiond/internal/auth"
	"github.com/szaher/designs/sessiond/internal/cleanup"
	"github.com/szaher/designs/sessiond/internal/conversation"
	"github.com/szaher/designs/sessiond/internal/filestore"
	"github.com/szaher/designs/sessiond/internal/searchindex"
	"github.com/szaher/designs/sessiond/internal/session"
	"github.com/szaher/designs/sessiond/internal/telemetry"
)

// maxUpload bounds a single uploaded file.
const maxUpload = 32 << 20

// Version is reported by /healthz.
var Version = "dev"

// Server is the HTTP surface of sessiond.
type Server struct {
	mux       *http.ServeMux
	mu        sync.Mutex
	server    *http.Server
	closed    bool
	logger    *slog.Logger
	store     *session.Store
	conv      conversation.Store
	files     filestore.Store
	index     searchindex.Index
	cleaner   *cleanup.Coordinator
	agent     Agent
	metrics   *telemetry.Metrics
	startTime time.Time
	apiKey    string
	guard     *auth.Guard
	limiter   *auth.Limiter
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey requires the key on every request except /healthz and
// /metrics.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithRateLimit limits requests per user on the /v1/users routes.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) { s.limiter = auth.NewLimiter(perSecond, burst) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Backends groups the resource stores the server reads and writes.
type Backends struct {
	Conversation conversation.Store
	Files        filestore.Store
	Index        searchindex.Index
}

// NewServer creates the HTTP server.
func NewServer(store *session.Store, backends Backends, cleaner *cleanup.Coordinator, agent Agent, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		conv:      backends.Conversation,
		files:     backends.Files,
		index:     backends.Index,
		cleaner:   cleaner,
		agent:     agent,
		logger:    slog.Default(),
		startTime: time.Now(),
		guard:     auth.NewGuard(nil),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	perUser := auth.RateLimit(s.limiter, func(r *http.Request) string { return r.PathValue("user") })
	mux.Handle("POST /v1/users/{user}/chat", perUser(http.HandlerFunc(s.handleChat)))
	mux.Handle("POST /v1/users/{user}/files", perUser(http.HandlerFunc(s.handleUpload)))
	mux.Handle("DELETE /v1/users/{user}/files/{name}", perUser(http.HandlerFunc(s.handleDeleteFile)))
	mux.HandleFunc("DELETE /v1/users/{user}", s.handleDeleteUser)
	mux.HandleFunc("GET /v1/sessions/stats", s.handleStats)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	authn := auth.Middleware(s.apiKey, []string{"/healthz", "/metrics"}, s.guard)
	return s.correlationMiddleware(authn(s.mux))
}

// ListenAndServe starts the HTTP server.
// It returns http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("server starting", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A later ListenAndServe returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(telemetry.CorrelationHeader))
		w.Header().Set(telemetry.CorrelationHeader, telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"uptime":   time.Since(s.startTime).String(),
		"sessions": s.store.Len(),
		"version":  Version,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.PathValue("user")
	logger := telemetry.RequestLogger(ctx, s.logger, userID)

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	h := s.store.GetOrCreate(userID)
	history, err := s.conv.Load(ctx, h)
	if err != nil {
		logger.Error("load history failed", "thread_id", h.ThreadID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load conversation")
		return
	}
	files, err := s.files.List(ctx, userID)
	if err != nil {
		logger.Warn("list files failed", "error", err)
	}

	reply, err := s.agent.Respond(ctx, Turn{
		UserID:  userID,
		Handle:  h,
		Message: req.Message,
		History: history,
		Files:   files,
	})
	if err != nil {
		logger.Error("agent failed", "error", err)
		writeError(w, http.StatusBadGateway, "agent_error", err.Error())
		return
	}

	if err := s.conv.Append(ctx, h,
		conversation.Message{Role: conversation.RoleUser, Content: req.Message},
		conversation.Message{Role: conversation.RoleAssistant, Content: reply},
	); err != nil {
		logger.Warn("append history failed", "thread_id", h.ThreadID, "error", err)
	}
	s.store.RecordResponse(userID, reply)

	ttl := ""
	if rec, ok := s.store.Lookup(userID); ok {
		ttl = rec.Expiry.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"output":    reply,
		"thread_id": h.ThreadID,
		"ttl":       ttl,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.PathValue("user")
	logger := telemetry.RequestLogger(ctx, s.logger, userID)

	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	}
	name := header.Filename
	if err := s.files.Put(ctx, userID, name, bytes.NewReader(data)); err != nil {
		if errors.Is(err, filestore.ErrInvalidName) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		logger.Error("store upload failed", "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not store file")
		return
	}

	indexed := false
	if utf8.Valid(data) {
		if err := s.index.Add(ctx, userID, name, string(data)); err != nil {
			logger.Warn("index upload failed", "file", name, "error", err)
		} else {
			indexed = true
		}
	}
	s.store.Touch(userID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"file":    name,
		"bytes":   len(data),
		"indexed": indexed,
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	userID, name := r.PathValue("user"), r.PathValue("name")

	found, err := s.files.Delete(r.Context(), userID, name)
	switch {
	case errors.Is(err, filestore.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	case !found:
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("File %q not found", name))
		return
	}
	s.store.Touch(userID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	found := s.store.Remove(userID)
	s.limiter.Forget(userID)
	report := s.cleaner.CleanupReport(r.Context(), userID)

	failures := make([]map[string]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		failures = append(failures, map[string]string{
			"collaborator": f.Collaborator,
			"error":        f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"session_found": found,
		"failures":      failures,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats(s.store.Now()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
