package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourname/matchmaker-engine/internal/auth"
	"github.com/yourname/matchmaker-engine/internal/match"
	"github.com/yourname/matchmaker-engine/internal/pool"
	"github.com/yourname/matchmaker-engine/internal/session"
	"github.com/yourname/matchmaker-engine/internal/ws"
	"github.com/yourname/matchmaker-engine/pkg/types"
)

type testEnv struct {
	srv      *httptest.Server
	router   *Router
	mm       *match.Matchmaker
	shutdown chan struct{}
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	mm := match.NewMatchmaker(pool.New(), match.NewMatcher(match.DefaultMatcherConfig(), nil), match.WithNotifier(hub))
	cfg := session.DefaultConfig()
	cfg.ResolveInterval = 10 * time.Millisecond
	shutdown := make(chan struct{})
	router := NewRouter(mm, hub, Options{
		Auth:       auth.DummyProvider{},
		Ratings:    auth.StaticRating(1000),
		Session:    cfg,
		Shutdown:   shutdown,
		AdminToken: token,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, router: router, mm: mm, shutdown: shutdown}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	return c
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "")
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", "", nil).StatusCode)
}

func TestAdminToken(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/servers", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/pool", "wrong", nil).StatusCode)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/servers", "s3cret", nil).StatusCode)
}

func TestServerLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	s1 := map[string]any{"id": "s1", "address": "10.0.0.1:7777", "max_players": 4, "state": "normal"}

	assert.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/servers", "", s1).StatusCode)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/servers", "", s1).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/servers", "", map[string]any{"id": "bad"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/servers", "", map[string]any{"id": "s9", "max_players": 2, "state": "sideways"}).StatusCode)

	var list []types.ServerInfo
	resp := env.do(t, http.MethodGet, "/servers", "", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, types.ServerNormal, list[0].State)

	resp = env.do(t, http.MethodPut, "/servers/s1/state", "", map[string]string{"state": "draining"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info types.ServerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, types.ServerDraining, info.State)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/servers/s1/load", "", map[string]int{"delta": 2}).StatusCode)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/servers/s1/load", "", map[string]int{"delta": 3}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/servers/s1/load", "", map[string]int{"delta": -5}).StatusCode)
	got, _ := env.mm.Server("s1")
	assert.Equal(t, 2, got.CurrentPlayers)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/servers/s1", "", nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/servers/s1", "", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/servers/s1", "", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/servers/s1", "", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPut, "/servers/s1/state", "", map[string]string{"state": "normal"}).StatusCode)
}

func login(t *testing.T, c *websocket.Conn, id string) {
	t.Helper()
	require.NoError(t, c.WriteJSON(types.Inbound{Type: types.MsgAuthCredential, Credential: id}))
	var msg types.Outbound
	require.NoError(t, c.ReadJSON(&msg))
	require.Equal(t, types.MsgAvailableModes, msg.Type)
	require.NoError(t, c.WriteJSON(types.Inbound{Type: types.MsgMatchmakingRequest, Mode: msg.Modes[0]}))
	require.NoError(t, c.ReadJSON(&msg))
	require.Equal(t, types.MsgQueued, msg.Type)
}

func TestSessionsMatchOverWebsocket(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, env.mm.RegisterServer(context.Background(), types.ServerInfo{
		ID: "s1", Address: "10.0.0.1:7777", MaxPlayers: 2, State: types.ServerNormal,
	}))

	events := env.dial(t, "/events")
	require.Eventually(t, func() bool { return env.router.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	alice, bob := env.dial(t, "/ws/session"), env.dial(t, "/ws/session")
	login(t, alice, "alice")

	resp := env.do(t, http.MethodGet, "/pool", "", nil)
	var poolView struct {
		Waiting int `json:"waiting"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&poolView))
	assert.Equal(t, 1, poolView.Waiting)

	login(t, bob, "bob")

	for _, c := range []struct {
		conn *websocket.Conn
		peer types.PlayerID
	}{{alice, "bob"}, {bob, "alice"}} {
		var msg types.Outbound
		require.NoError(t, c.conn.ReadJSON(&msg))
		require.Equal(t, types.MsgMatchFound, msg.Type)
		assert.Equal(t, c.peer, msg.Peer)
		assert.Equal(t, "10.0.0.1:7777", msg.Server.Address)
	}

	var ev struct {
		Type    string      `json:"type"`
		Payload types.Match `json:"payload"`
	}
	for ev.Type != types.EventMatchCommitted {
		require.NoError(t, events.ReadJSON(&ev))
	}
	assert.True(t, ev.Payload.Has("alice") && ev.Payload.Has("bob"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.router.WaitSessions(ctx))
	assert.Equal(t, 0, env.mm.QueueLen())
}

func TestShutdownCancelsWaitingSessions(t *testing.T) {
	env := newTestEnv(t, "")
	c := env.dial(t, "/ws/session")
	login(t, c, "alice")

	close(env.shutdown)
	var msg types.Outbound
	require.NoError(t, c.ReadJSON(&msg))
	assert.Equal(t, types.MsgRejected, msg.Type)
	assert.Equal(t, types.ReasonServerShuttingDown, msg.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.router.WaitSessions(ctx))
	assert.Equal(t, 0, env.mm.QueueLen())
}

func TestGarbageFrameRejectedAsProtocolError(t *testing.T) {
	env := newTestEnv(t, "")
	c := env.dial(t, "/ws/session")
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var msg types.Outbound
	require.NoError(t, c.ReadJSON(&msg))
	assert.Equal(t, types.MsgRejected, msg.Type)
	assert.Equal(t, types.ReasonProtocolError, msg.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.router.WaitSessions(ctx))
	assert.Equal(t, 0, env.mm.QueueLen())
}

func TestSessionsRefusedDuringShutdown(t *testing.T) {
	for _, tc := range []struct {
		name string
		stop func(e *testEnv)
	}{
		{"shutdown signalled", func(e *testEnv) { close(e.shutdown) }},
		{"sessions draining", func(e *testEnv) { require.NoError(t, e.router.WaitSessions(context.Background())) }},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			tc.stop(env)

			_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http")+"/ws/session", nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		})
	}
}
