package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/studysync/internal/syncer"
)

func TestSyncEventsStream(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	httpServer := httptest.NewServer(env.server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/sync/events?correlationId=corr_ws"
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+mustTestJWT(t, "dev-secret", "learner_1", []string{"sync:read"}, time.Now().Add(time.Hour)))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	hub := env.server.agent.Syncer().Hub()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = env.server.agent.Syncer().SyncOnce(ctx)
	require.NoError(t, err)

	var started, completed syncer.Event
	require.NoError(t, wsjson.Read(ctx, conn, &started))
	require.NoError(t, wsjson.Read(ctx, conn, &completed))
	assert.Equal(t, syncer.EventSyncStarted, started.Type)
	assert.Equal(t, syncer.EventSyncCompleted, completed.Type)
	require.NotNil(t, completed.Result)
}

func TestSyncEventsRequiresScope(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "learner_1", []string{"actions:read"}, time.Now().Add(time.Hour))
	resp := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/sync/events?correlationId=c1&access_token=" + token,
	})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}
