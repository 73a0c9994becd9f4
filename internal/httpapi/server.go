package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/studysync/internal/offline"
	"github.com/agentworkforce/studysync/internal/syncer"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	store       *offline.Store
	agent       *syncer.Agent
	cfg         ServerConfig
	logger      *zap.Logger
	metrics     http.Handler
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *offline.Store, agent *syncer.Agent) *Server {
	return NewServerWithConfig(store, agent, ServerConfig{})
}

func NewServerWithConfig(store *offline.Store, agent *syncer.Agent, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		agent:       agent,
		cfg:         cfg,
		logger:      cfg.Logger,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": s.agent.Online()})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodPost:
		requiredScope = "actions:write"
		route = "submit_action"
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodGet:
		requiredScope = "actions:read"
		route = "list_actions"
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodGet:
		requiredScope = "actions:read"
		route = "get_action"
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodDelete:
		requiredScope = "actions:write"
		route = "remove_action"
	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodPost:
		requiredScope = "records:write"
		route = "save_session"
	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodGet:
		requiredScope = "records:read"
		route = "list_sessions"
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodPost:
		requiredScope = "records:write"
		route = "save_note"
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodGet:
		requiredScope = "records:read"
		route = "list_notes"
	case len(parts) == 2 && parts[1] == "progress" && r.Method == http.MethodPut:
		requiredScope = "records:write"
		route = "save_progress"
	case len(parts) == 2 && parts[1] == "progress" && r.Method == http.MethodGet:
		requiredScope = "records:read"
		route = "get_progress"
	case len(parts) >= 3 && parts[1] == "cache" && r.Method == http.MethodPut:
		requiredScope = "cache:write"
		route = "put_cache"
	case len(parts) >= 3 && parts[1] == "cache" && r.Method == http.MethodGet:
		requiredScope = "cache:read"
		route = "get_cache"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "events" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_events"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync_now"
	case len(parts) == 2 && parts[1] == "offline" && r.Method == http.MethodDelete:
		requiredScope = "sync:trigger"
		route = "clear_offline"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(bearerHeader(r, route), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "submit_action":
		s.handleSubmitAction(w, r, correlationID)
	case "list_actions":
		s.handleListActions(w, r, correlationID)
	case "get_action":
		s.handleGetAction(w, r, parts[2], correlationID)
	case "remove_action":
		s.handleRemoveAction(w, r, parts[2], correlationID)
	case "save_session":
		s.handleSaveSession(w, r, correlationID)
	case "list_sessions":
		s.handleListSessions(w, r, correlationID)
	case "save_note":
		s.handleSaveNote(w, r, correlationID)
	case "list_notes":
		s.handleListNotes(w, r, correlationID)
	case "save_progress":
		s.handleSaveProgress(w, r, correlationID)
	case "get_progress":
		s.handleGetProgress(w, r, correlationID)
	case "put_cache":
		s.handlePutCache(w, r, strings.Join(parts[2:], "/"), correlationID)
	case "get_cache":
		s.handleGetCache(w, r, strings.Join(parts[2:], "/"), correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, correlationID)
	case "sync_events":
		s.handleSyncEvents(w, r, correlationID)
	case "sync_now":
		s.handleSyncNow(w, r, correlationID)
	case "clear_offline":
		s.handleClearOffline(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request, correlationID string) {
	var action offline.Action
	if !s.decodeJSONBody(w, r, correlationID, &action) {
		return
	}
	deferred := parseBool(r.URL.Query().Get("defer"), false)
	result, err := s.agent.Submit(r.Context(), action, syncer.SubmitOptions{Defer: deferred})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request, correlationID string) {
	actions, err := s.store.PendingActions(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": actions})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	action, err := s.store.GetAction(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleRemoveAction(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.store.RemoveAction(r.Context(), id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request, correlationID string) {
	var session offline.StudySession
	if !s.decodeJSONBody(w, r, correlationID, &session) {
		return
	}
	saved, err := s.store.SaveStudySession(r.Context(), session)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, correlationID string) {
	var (
		sessions []offline.StudySession
		err      error
	)
	if parseBool(r.URL.Query().Get("unsynced"), false) {
		sessions, err = s.store.UnsyncedStudySessions(r.Context())
	} else {
		sessions, err = s.store.StudySessions(r.Context())
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sessions})
}

func (s *Server) handleSaveNote(w http.ResponseWriter, r *http.Request, correlationID string) {
	var note offline.Note
	if !s.decodeJSONBody(w, r, correlationID, &note) {
		return
	}
	saved, err := s.store.SaveNote(r.Context(), note)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, correlationID string) {
	var (
		notes []offline.Note
		err   error
	)
	if parseBool(r.URL.Query().Get("unsynced"), false) {
		notes, err = s.store.UnsyncedNotes(r.Context())
	} else {
		notes, err = s.store.Notes(r.Context())
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": notes})
}

func (s *Server) handleSaveProgress(w http.ResponseWriter, r *http.Request, correlationID string) {
	var progress offline.UserProgress
	if !s.decodeJSONBody(w, r, correlationID, &progress) {
		return
	}
	saved, err := s.store.SaveUserProgress(r.Context(), progress)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request, correlationID string) {
	progress, ok, err := s.store.UserProgress(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no user progress stored", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handlePutCache(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.store.CacheResponse(r.Context(), key, body); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	maxAge, err := parseMaxAge(r.URL.Query().Get("maxAge"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid maxAge", correlationID)
		return
	}
	entry, ok, err := s.store.CachedResponse(r.Context(), key, maxAge)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no fresh cached response", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	status, err := s.agent.Status(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	resp := map[string]any{"status": status}
	if last, ok := s.agent.Syncer().LastResult(); ok {
		resp["lastResult"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request, correlationID string) {
	result, err := s.agent.Syncer().SyncOnce(r.Context())
	if errors.Is(err, syncer.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, "sync_in_progress", "a sync is already running", correlationID)
		return
	}
	resp := map[string]any{"result": result}
	if err != nil {
		s.logger.Warn("manual sync finished with errors", zap.String("correlationId", correlationID), zap.Error(err))
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearOffline(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.store.ClearOfflineData(r.Context()); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("offline data cleared", zap.String("correlationId", correlationID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var verr *offline.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "invalid_input",
			"message":       verr.Error(),
			"fields":        verr.Fields,
			"correlationId": correlationID,
		})
	case errors.Is(err, offline.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, offline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found", correlationID)
	default:
		s.logger.Error("request failed", zap.String("correlationId", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

// getCorrelationID falls back to the query string for clients, such as
// browsers opening a websocket, that cannot set headers.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("correlationId")
}

func bearerHeader(r *http.Request, route string) string {
	header := r.Header.Get("Authorization")
	if header == "" && route == "sync_events" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return "Bearer " + token
		}
	}
	return header
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

// parseMaxAge accepts a Go duration ("90s", "15m") or whole seconds. Empty
// means the store default.
func parseMaxAge(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0, errors.New("negative maxAge")
		}
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("negative maxAge")
	}
	return d, nil
}
