package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"emoguchi/internal/audio"
	"emoguchi/internal/auth"
	"emoguchi/internal/broadcast"
	"emoguchi/internal/config"
	"emoguchi/internal/dispatch"
	"emoguchi/internal/emotions"
	"emoguchi/internal/events"
	"emoguchi/internal/game"
	"emoguchi/internal/metrics"
	"emoguchi/internal/phrases"
	"emoguchi/internal/rooms"
	"emoguchi/internal/wshub"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingPrefetcher struct {
	mu    sync.Mutex
	modes []emotions.Mode
}

func (p *recordingPrefetcher) Prefetch(mode emotions.Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modes = append(p.modes, mode)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := rooms.NewStore(nil)
	hub := wshub.NewHub(nil)
	m := metrics.New()
	m.RegisterRoomGauge(store.Count)

	authMgr, err := auth.NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	cache := phrases.NewCache(phrases.NewStaticGenerator(1), phrases.DefaultOptions(), nil)
	t.Cleanup(cache.Close)

	d := dispatch.New(dispatch.Deps{
		Store:       store,
		Hub:         hub,
		Broadcaster: broadcast.NewBroadcaster(hub, nil, m),
		Phrases:     cache,
		Relay:       audio.NewRelay(store, hub, 0, m, nil),
		Metrics:     m,
	})
	t.Cleanup(d.Shutdown)

	srv := &Server{
		Cfg:      config.Config{AllowedOrigins: []string{"*"}, MaxPlayers: 8, AdminToken: "admin-token"},
		Rooms:    store,
		Hub:      hub,
		Dispatch: d,
		Auth:     authMgr,
		Metrics:  m,
		Phrases:  &recordingPrefetcher{},
		Log:      zap.NewNop(),
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func createRoom(t *testing.T, ts *httptest.Server, body any) createRoomResponse {
	t.Helper()
	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms", "", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var out createRoomResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var p events.ErrorPayload
	require.NoError(t, json.Unmarshal(data, &p))
	return p.Code
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"status":"ok"`)
}

func TestCreateRoom_Defaults(t *testing.T) {
	_, ts := newTestServer(t)

	created := createRoom(t, ts, nil)
	assert.Len(t, created.RoomID, 6)
	assert.NotEmpty(t, created.HostToken)
	assert.NotNil(t, created.ExpiresAt)
	assert.Equal(t, game.PhaseWaiting, created.Room.Phase)
	assert.Equal(t, emotions.ModeBasic, created.Room.Config.Mode)

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/api/v1/rooms/"+strings.ToLower(created.RoomID), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state game.RoomState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, created.RoomID, state.RoomID)
}

func TestCreateRoom_ExplicitIDAndConfig(t *testing.T) {
	_, ts := newTestServer(t)

	mode := "advanced"
	rounds := 3
	created := createRoom(t, ts, createRoomRequest{
		RoomID:      "party",
		ConfigPatch: events.ConfigPatch{Mode: &mode, MaxRounds: &rounds},
	})
	assert.Equal(t, "PARTY", created.RoomID)
	assert.Equal(t, emotions.ModeAdvanced, created.Room.Config.Mode)
	assert.Equal(t, 3, created.Room.MaxRounds)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms", "", map[string]string{"room_id": "PARTY"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(t, data))
}

func TestCreateRoom_InvalidConfig(t *testing.T) {
	_, ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms", "", map[string]any{"mode": "chaos"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, data))
}

func TestGetRoom_NotFound(t *testing.T) {
	_, ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/api/v1/rooms/NOPE42", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, data))
}

func TestCloseRoom_HostTokenRequired(t *testing.T) {
	_, ts := newTestServer(t)
	a := createRoom(t, ts, nil)
	b := createRoom(t, ts, nil)
	url := ts.URL + "/api/v1/rooms/" + a.RoomID

	resp, _ := doJSON(t, http.MethodDelete, url, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data := doJSON(t, http.MethodDelete, url, b.HostToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(t, data))

	resp, _ = doJSON(t, http.MethodDelete, url, a.HostToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, url, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, url, a.HostToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateConfig(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts, nil)
	url := ts.URL + "/api/v1/rooms/" + created.RoomID + "/config"

	resp, data := doJSON(t, http.MethodPut, url, created.HostToken, map[string]any{"vote_type": "8choice", "speaker_order": "random"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var state game.RoomState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, emotions.VoteType("8choice"), state.Config.VoteType)
	assert.Equal(t, game.OrderRandom, state.Config.SpeakerOrder)

	resp, data = doJSON(t, http.MethodPut, url, created.HostToken, map[string]any{"max_rounds": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, data))
}

func TestPrefetch(t *testing.T) {
	srv, ts := newTestServer(t)
	mode := "wheel"
	created := createRoom(t, ts, createRoomRequest{ConfigPatch: events.ConfigPatch{Mode: &mode}})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rooms/"+created.RoomID+"/prefetch", created.HostToken, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	p := srv.Phrases.(*recordingPrefetcher)
	assert.Equal(t, []emotions.Mode{emotions.ModeWheel}, p.modes)
}

func TestLastResult_WithoutRedis(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRoom(t, ts, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/rooms/"+created.RoomID+"/last", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	createRoom(t, ts, nil)

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "emoguchi_rooms_active 1")
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			c.Request.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(c); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestAcceptOptions(t *testing.T) {
	assert.True(t, acceptOptions([]string{"*"}).InsecureSkipVerify)
	opts := acceptOptions([]string{"https://play.example.com", "localhost:5173"})
	assert.False(t, opts.InsecureSkipVerify)
	assert.Equal(t, []string{"play.example.com", "localhost:5173"}, opts.OriginPatterns)
}

// wsClient is a thin test wrapper that reads envelopes until it finds a type.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server, session string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session=" + session
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &wsClient{t: t, conn: conn}
}

func (w *wsClient) send(event string, payload any) {
	w.t.Helper()
	data, err := events.Encode(event, payload)
	require.NoError(w.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(w.t, w.conn.Write(ctx, websocket.MessageText, data))
}

func (w *wsClient) expect(event string) events.Envelope {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := w.conn.Read(ctx)
		require.NoError(w.t, err, "waiting for %s", event)
		var env events.Envelope
		require.NoError(w.t, json.Unmarshal(data, &env))
		if env.Type == event {
			return env
		}
	}
}

func TestWebsocket_JoinAndPlay(t *testing.T) {
	srv, ts := newTestServer(t)
	rounds := 1
	created := createRoom(t, ts, createRoomRequest{ConfigPatch: events.ConfigPatch{MaxRounds: &rounds}})

	host := dial(t, ts, "host-session")
	var hello events.ConnectedPayload
	require.NoError(t, host.expect(events.Connected).Decode(&hello))
	assert.Equal(t, "host-session", hello.SessionID)

	host.send(events.StartRound, nil)
	var e events.ErrorPayload
	require.NoError(t, host.expect(events.Error).Decode(&e))
	assert.Equal(t, "FORBIDDEN", e.Code)

	host.send(events.JoinRoom, events.JoinRoomPayload{RoomID: created.RoomID, PlayerName: "Aki"})
	host.expect(events.RoomState)

	guest := dial(t, ts, "guest-session")
	guest.expect(events.Connected)
	guest.send(events.JoinRoom, events.JoinRoomPayload{RoomID: created.RoomID, PlayerName: "Ren"})
	host.expect(events.PlayerJoined)

	host.send(events.StartRound, nil)
	var emotion game.SpeakerEmotion
	require.NoError(t, host.expect(events.SpeakerEmotion).Decode(&emotion))
	var start game.RoundStart
	require.NoError(t, guest.expect(events.RoundStart).Decode(&start))
	assert.Equal(t, "Aki", start.SpeakerName)

	guest.send(events.SubmitVote, events.SubmitVotePayload{RoundID: start.RoundID, EmotionID: emotion.EmotionID})
	var result game.RoundResult
	require.NoError(t, host.expect(events.RoundResult).Decode(&result))
	assert.True(t, result.IsGameComplete)
	assert.Equal(t, 1, result.Scores["Ren"])
	host.expect(events.GameComplete)

	guest.conn.Close(websocket.StatusNormalClosure, "")
	host.expect(events.PlayerDisconnected)
	require.Eventually(t, func() bool {
		snap, ok := srv.Rooms.Snapshot(created.RoomID)
		return ok && snap.ConnectedCount == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDebugRooms_AdminTokenRequired(t *testing.T) {
	srv, ts := newTestServer(t)
	created := createRoom(t, ts, nil)
	require.NoError(t, srv.Dispatch.Apply(created.RoomID, func(r *game.Room) ([]events.Outbound, error) {
		return r.Join("secret-s1", "Aki")
	}))
	url := ts.URL + "/api/v1/debug/rooms"

	resp, _ := doJSON(t, http.MethodGet, url, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data := doJSON(t, http.MethodGet, url, created.HostToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(t, data))

	resp, data = doJSON(t, http.MethodGet, url, "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(data), "secret-s1")

	var body struct {
		Count int         `json:"count"`
		Rooms []debugRoom `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	require.Equal(t, 1, body.Count)
	room := body.Rooms[0]
	assert.Equal(t, created.RoomID, room.RoomID)
	require.Len(t, room.Players, 1)
	bound, ok := room.Sockets[room.Players[0].ID]
	assert.True(t, ok)
	assert.False(t, bound, "joined without a websocket")
}

func TestDebugCompleteRound(t *testing.T) {
	srv, ts := newTestServer(t)
	created := createRoom(t, ts, nil)
	code := created.RoomID
	require.NoError(t, srv.Dispatch.Apply(code, func(r *game.Room) ([]events.Outbound, error) {
		if _, err := r.Join("s1", "Aki"); err != nil {
			return nil, err
		}
		return r.Join("s2", "Ren")
	}))
	url := ts.URL + "/api/v1/debug/rooms/" + strings.ToLower(code) + "/complete-round"

	resp, data := doJSON(t, http.MethodPost, url, "admin-token", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(t, data))

	require.NoError(t, srv.Dispatch.Apply(code, func(r *game.Room) ([]events.Outbound, error) {
		return r.StartRound(context.Background(), "s1", nil)
	}))
	resp, data = doJSON(t, http.MethodPost, url, "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	snap, ok := srv.Rooms.Snapshot(code)
	require.True(t, ok)
	assert.Equal(t, game.PhaseResult, snap.Phase)
	assert.Equal(t, 1, snap.CompletedRounds)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/debug/rooms/NOPE42/complete-round", "admin-token", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDebugRoutesDisabledWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Cfg.AdminToken = ""
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/debug/rooms", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
