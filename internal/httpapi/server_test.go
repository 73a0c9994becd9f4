package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/studysync/internal/offline"
	"github.com/agentworkforce/studysync/internal/syncer"
)

var allScopes = []string{
	"actions:read", "actions:write",
	"records:read", "records:write",
	"cache:read", "cache:write",
	"sync:read", "sync:trigger",
}

type stubClient struct {
	mu    sync.Mutex
	fail  bool
	calls []string
}

func (c *stubClient) Deliver(_ context.Context, method, endpoint string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, method+" "+endpoint)
	if c.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (c *stubClient) Ping(context.Context) error { return nil }

type testEnv struct {
	server *Server
	store  *offline.Store
	client *stubClient
	online bool
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	schemas, err := offline.NewDefaultSchemaRegistry()
	require.NoError(t, err)
	store := offline.NewStoreWithOptions(offline.NewMemoryBackend(), offline.StoreOptions{Schemas: schemas})
	client := &stubClient{}
	reg := prometheus.NewRegistry()
	s, err := syncer.New(store, client, syncer.Options{Metrics: syncer.NewMetrics(reg)})
	require.NoError(t, err)
	env := &testEnv{store: store, client: client, online: true}
	agent := syncer.NewAgent(store, client, s, func() bool { return env.online }, nil)
	if cfg.Gatherer == nil {
		cfg.Gatherer = reg
	}
	env.server = NewServerWithConfig(store, agent, cfg)
	return env
}

func authHeaders(t *testing.T, scopes []string, corr string) map[string]string {
	t.Helper()
	return map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, "dev-secret", "learner_1", scopes, time.Now().Add(time.Hour)),
		"X-Correlation-Id": corr,
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok","online":true}`, resp.Body.String())
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/actions"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestTokenValidation(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	cases := []struct {
		name    string
		token   string
		status  int
		message string
	}{
		{"wrong secret", mustTestJWT(t, "other-secret", "learner_1", allScopes, time.Now().Add(time.Hour)), http.StatusUnauthorized, "jwt signature mismatch"},
		{"expired", mustTestJWT(t, "dev-secret", "learner_1", allScopes, time.Now().Add(-time.Minute)), http.StatusUnauthorized, "token expired"},
		{"wrong audience", mustTestJWTWithAudience(t, "dev-secret", "learner_1", allScopes, "billing", time.Now().Add(time.Hour)), http.StatusUnauthorized, "invalid aud claim"},
		{"garbage", "not-a-jwt", http.StatusUnauthorized, "invalid jwt format"},
		{"missing scope", mustTestJWT(t, "dev-secret", "learner_1", []string{"records:read"}, time.Now().Add(time.Hour)), http.StatusForbidden, "missing required scope: actions:read"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, env.server, request{
				method:  http.MethodGet,
				path:    "/v1/actions",
				headers: map[string]string{"Authorization": "Bearer " + tc.token, "X-Correlation-Id": "corr"},
			})
			require.Equal(t, tc.status, resp.Code, resp.Body.String())
			var payload map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			assert.Equal(t, tc.message, payload["message"])
		})
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	headers := authHeaders(t, allScopes, "")
	delete(headers, "X-Correlation-Id")
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/actions", headers: headers})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSubmitActionDeliveredOrQueued(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	body := map[string]any{
		"kind":           "todo.create",
		"targetEndpoint": "/rest/v1/todos",
		"payload":        map[string]any{"title": "Read chapter 4"},
	}

	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/actions", headers: authHeaders(t, allScopes, "c1"), body: body})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var delivered syncer.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&delivered))
	assert.True(t, delivered.Delivered)

	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/actions?defer=true", headers: authHeaders(t, allScopes, "c2"), body: body})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	var queued syncer.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queued))
	assert.True(t, queued.Queued)

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/actions", headers: authHeaders(t, allScopes, "c3")})
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Items []offline.Action `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, queued.Action.ID, list.Items[0].ID)

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/actions/" + queued.Action.ID, headers: authHeaders(t, allScopes, "c4")})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/actions/" + queued.Action.ID, headers: authHeaders(t, allScopes, "c5")})
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/actions/" + queued.Action.ID, headers: authHeaders(t, allScopes, "c6")})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSubmitActionValidationError(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/actions",
		headers: authHeaders(t, allScopes, "c1"),
		body:    map[string]any{"kind": "pet.feed", "targetEndpoint": "/rest/v1/pets", "payload": map[string]any{"petId": "p1"}},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "invalid_input", payload["code"])
	assert.NotEmpty(t, payload["fields"])
	assert.Empty(t, env.client.calls)
}

func TestRecordsAndManualSync(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.online = false

	resp := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/sessions",
		headers: authHeaders(t, allScopes, "c1"),
		body:    map[string]any{"userId": "learner_1", "kind": "pomodoro", "durationMinutes": 25, "completed": true},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	resp = doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/notes",
		headers: authHeaders(t, allScopes, "c2"),
		body:    map[string]any{"userId": "learner_1", "title": "Krebs cycle"},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	resp = doRequest(t, env.server, request{
		method:  http.MethodPut,
		path:    "/v1/progress",
		headers: authHeaders(t, allScopes, "c3"),
		body:    map[string]any{"userId": "learner_1", "xp": 340, "level": 3, "coins": 12, "petHappiness": 80},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/sync/status", headers: authHeaders(t, allScopes, "c4")})
	require.Equal(t, http.StatusOK, resp.Code)
	var before struct {
		Status offline.SyncStatus `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&before))
	assert.Equal(t, 1, before.Status.UnsyncedSessions)
	assert.Equal(t, 1, before.Status.UnsyncedNotes)
	assert.True(t, before.Status.ProgressUnsynced)
	assert.False(t, before.Status.Online)

	resp = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync", headers: authHeaders(t, allScopes, "c5")})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var synced struct {
		Result syncer.Result `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&synced))
	assert.Equal(t, 1, synced.Result.SessionsSynced)
	assert.Equal(t, 1, synced.Result.NotesSynced)
	assert.True(t, synced.Result.ProgressSynced)

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/notes?unsynced=true", headers: authHeaders(t, allScopes, "c6")})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"items":[]}`, resp.Body.String())

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/progress", headers: authHeaders(t, allScopes, "c7")})
	require.Equal(t, http.StatusOK, resp.Code)
	var progress offline.UserProgress
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&progress))
	assert.True(t, progress.Synced)
	assert.Equal(t, 340, progress.XP)
}

func TestCacheEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/cache/courses/list",
		headers: authHeaders(t, allScopes, "c1"),
		body:    []byte(`[{"id":"bio101"}]`),
	})
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/cache/courses/list?maxAge=5m", headers: authHeaders(t, allScopes, "c2")})
	require.Equal(t, http.StatusOK, resp.Code)
	var entry offline.CachedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, "courses/list", entry.Key)
	assert.JSONEq(t, `[{"id":"bio101"}]`, string(entry.Value))

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/cache/missing", headers: authHeaders(t, allScopes, "c3")})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/cache/courses/list?maxAge=soon", headers: authHeaders(t, allScopes, "c4")})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRawRequest(t, env.server, rawRequest{method: http.MethodPut, path: "/v1/cache/bad", headers: authHeaders(t, allScopes, "c5"), body: []byte(`{`)})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestClearOfflineData(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	ctx := context.Background()
	_, err := env.store.EnqueueAction(ctx, offline.Action{Kind: "k", TargetEndpoint: "/x"})
	require.NoError(t, err)
	_, err = env.store.SaveNote(ctx, offline.Note{UserID: "u", Title: "t"})
	require.NoError(t, err)

	resp := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/offline", headers: authHeaders(t, []string{"sync:read"}, "c1")})
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/offline", headers: authHeaders(t, allScopes, "c2")})
	require.Equal(t, http.StatusNoContent, resp.Code)

	status, err := env.store.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Total())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync", headers: authHeaders(t, allScopes, "c1")})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(t, env.server, request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `studysync_sync_runs_total{outcome="ok"} 1`)
}

func TestRateLimitingBySubject(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	headers := authHeaders(t, allScopes, "corr_rate")
	for i := 0; i < 2; i++ {
		resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/actions", headers: headers})
		require.Equal(t, http.StatusOK, resp.Code, "request %d", i)
	}
	denied := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/actions", headers: headers})
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "60", denied.Header().Get("Retry-After"))
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/quests", headers: authHeaders(t, allScopes, "c1")})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestParseMaxAge(t *testing.T) {
	cases := map[string]time.Duration{"": 0, "90": 90 * time.Second, "15m": 15 * time.Minute}
	for raw, want := range cases {
		got, err := parseMaxAge(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := parseMaxAge("-5")
	assert.Error(t, err)
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	claims := tokenClaims{Scopes: scopes}
	claims.Subject = subject
	claims.Audience = jwt.ClaimStrings{aud}
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}

func TestIssueTokenRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	token, err := IssueToken("s3cret", "cli", []string{"sync:read"}, time.Minute, now)
	require.NoError(t, err)
	claims, authErr := authorizeBearer("Bearer "+token, "s3cret", "sync:read", now)
	require.Nil(t, authErr)
	assert.Equal(t, "cli", claims.Subject)

	_, authErr = authorizeBearer(fmt.Sprintf("Bearer %s", token), "s3cret", "sync:read", now.Add(2*time.Minute))
	require.NotNil(t, authErr)
	assert.True(t, strings.Contains(authErr.message, "expired"))
}
