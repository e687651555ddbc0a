package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"emoguchi/internal/audio"
	"emoguchi/internal/broadcast"
	"emoguchi/internal/emotions"
	"emoguchi/internal/events"
	"emoguchi/internal/game"
	"emoguchi/internal/phrases"
	"emoguchi/internal/rooms"
	"emoguchi/internal/wshub"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct{ emotionID string }

func (f fixedSource) Pop(_ context.Context, mode emotions.Mode) phrases.Entry {
	return phrases.Entry{Phrase: "まじか", EmotionID: f.emotionID, Mode: mode}
}

type harness struct {
	d     *Dispatcher
	store *rooms.Store
	hub   *wshub.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := rooms.NewStore(nil)
	hub := wshub.NewHub(nil)
	d := New(Deps{
		Store:       store,
		Hub:         hub,
		Broadcaster: broadcast.NewBroadcaster(hub, nil, nil),
		Phrases:     fixedSource{emotionID: "joy"},
		Relay:       audio.NewRelay(store, hub, 64, nil, nil),
		MaxAudio:    64,
	})
	t.Cleanup(d.Shutdown)
	return &harness{d: d, store: store, hub: hub}
}

func (h *harness) room(t *testing.T, id string, voteTimeout int) {
	t.Helper()
	cfg := game.DefaultConfig()
	cfg.MaxRounds = 1
	cfg.VoteTimeout = voteTimeout
	_, err := h.store.Create(id, cfg)
	require.NoError(t, err)
}

func newClient(session string) *wshub.Client {
	return &wshub.Client{ID: session + "-tab", SessionID: session, Send: make(chan []byte, 64)}
}

func (h *harness) send(t *testing.T, c *wshub.Client, event string, payload any) {
	t.Helper()
	data, err := events.Encode(event, payload)
	require.NoError(t, err)
	h.d.handleFrame(context.Background(), c, websocket.MessageText, data)
}

func (h *harness) join(t *testing.T, c *wshub.Client, roomID, name string) {
	t.Helper()
	h.send(t, c, events.JoinRoom, events.JoinRoomPayload{RoomID: roomID, PlayerName: name})
	require.Equal(t, roomID, c.RoomID(), "%s should be bound after join", name)
}

func drain(c *wshub.Client) []events.Envelope {
	var out []events.Envelope
	for {
		select {
		case msg := <-c.Send:
			var env events.Envelope
			if json.Unmarshal(msg, &env) == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func find(envs []events.Envelope, event string) (events.Envelope, bool) {
	for _, e := range envs {
		if e.Type == event {
			return e, true
		}
	}
	return events.Envelope{}, false
}

func lastError(t *testing.T, c *wshub.Client) events.ErrorPayload {
	t.Helper()
	var p events.ErrorPayload
	var found bool
	for _, e := range drain(c) {
		if e.Type == events.Error {
			require.NoError(t, e.Decode(&p))
			found = true
		}
	}
	require.True(t, found, "expected an error event")
	return p
}

func TestHandle_RequiresJoin(t *testing.T) {
	h := newHarness(t)
	c := newClient("s1")
	h.send(t, c, events.StartRound, nil)
	assert.Equal(t, "FORBIDDEN", lastError(t, c).Code)
}

func TestJoin_UnknownRoom(t *testing.T) {
	h := newHarness(t)
	c := newClient("s1")
	h.send(t, c, events.JoinRoom, events.JoinRoomPayload{RoomID: "nowhere", PlayerName: "Aki"})
	assert.Equal(t, "NOT_FOUND", lastError(t, c).Code)
	assert.Empty(t, c.RoomID())
}

func TestJoin_NormalizesCodeAndSession(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ABC123", 0)
	c := newClient("generated")
	h.send(t, c, events.JoinRoom, events.JoinRoomPayload{RoomID: " abc123 ", PlayerName: "Aki", SessionID: "kept"})

	assert.Equal(t, "ABC123", c.RoomID())
	assert.Equal(t, "kept", c.SessionID)
	_, ok := find(drain(c), events.RoomState)
	assert.True(t, ok)
}

func TestJoin_FailedJoinKeepsSession(t *testing.T) {
	h := newHarness(t)
	cfg := game.DefaultConfig()
	cfg.MaxPlayers = 2
	_, err := h.store.Create("FULL", cfg)
	require.NoError(t, err)
	h.join(t, newClient("s1"), "FULL", "Aki")
	h.join(t, newClient("s2"), "FULL", "Ren")

	c := newClient("mine")
	h.send(t, c, events.JoinRoom, events.JoinRoomPayload{RoomID: "FULL", PlayerName: "Mio", SessionID: "other"})
	assert.Equal(t, "ROOM_FULL", lastError(t, c).Code)
	assert.Equal(t, "mine", c.SessionID)

	h.send(t, c, events.JoinRoom, events.JoinRoomPayload{RoomID: "NOWHERE", PlayerName: "Mio", SessionID: "other"})
	assert.Equal(t, "NOT_FOUND", lastError(t, c).Code)
	assert.Equal(t, "mine", c.SessionID)
	assert.Empty(t, c.RoomID())
}

func TestJoin_PublicIDDoesNotGrantSpeakerSeat(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 0)
	p1, p2 := newClient("s1"), newClient("s2")
	h.join(t, p1, "ROOM1", "Aki")
	h.join(t, p2, "ROOM1", "Ren")
	drain(p1)
	drain(p2)

	h.send(t, p1, events.StartRound, nil)
	seen := drain(p2)
	for _, env := range seen {
		assert.NotContains(t, string(env.Data), `"s1"`, "%s exposes the speaker session", env.Type)
	}
	stateEnv, ok := find(seen, events.RoomState)
	require.True(t, ok)
	var st game.RoomState
	require.NoError(t, stateEnv.Decode(&st))
	require.NotEmpty(t, st.CurrentSpeakerID)

	impostor := newClient("s2-tab")
	h.send(t, impostor, events.JoinRoom, events.JoinRoomPayload{RoomID: "ROOM1", PlayerName: "Ren", SessionID: st.CurrentSpeakerID})
	frames := drain(impostor)
	_, ok = find(frames, events.RoundStart)
	assert.True(t, ok, "late joiner still sees the round")
	_, ok = find(frames, events.SpeakerEmotion)
	assert.False(t, ok, "speaker_emotion reached a non-speaker")

	h.send(t, impostor, events.SubmitVote, events.SubmitVotePayload{RoundID: st.RoundID, EmotionID: "joy"})
	snap, _ := h.store.Snapshot("ROOM1")
	assert.Equal(t, game.PhaseInRound, snap.Phase, "the real listener has not voted yet")
	assert.Len(t, snap.Players, 3)
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t)
	c := newClient("s1")
	h.d.handleFrame(context.Background(), c, websocket.MessageText, []byte("{not json"))
	assert.Equal(t, "BAD_REQUEST", lastError(t, c).Code)
}

func TestFullRound(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 0)
	p1, p2 := newClient("s1"), newClient("s2")
	h.join(t, p1, "ROOM1", "Aki")
	h.join(t, p2, "ROOM1", "Ren")
	drain(p1)
	drain(p2)

	h.send(t, p1, events.StartRound, nil)
	speakerFrames := drain(p1)
	listenerFrames := drain(p2)
	_, ok := find(speakerFrames, events.SpeakerEmotion)
	assert.True(t, ok, "speaker gets the emotion")
	_, ok = find(listenerFrames, events.SpeakerEmotion)
	assert.False(t, ok, "listener never sees the emotion")

	start, ok := find(listenerFrames, events.RoundStart)
	require.True(t, ok)
	var rs game.RoundStart
	require.NoError(t, start.Decode(&rs))

	h.send(t, p2, events.SubmitVote, events.SubmitVotePayload{RoundID: rs.RoundID, EmotionID: "joy"})
	frames := drain(p1)
	res, ok := find(frames, events.RoundResult)
	require.True(t, ok)
	var result game.RoundResult
	require.NoError(t, res.Decode(&result))
	assert.True(t, result.IsGameComplete)
	assert.Equal(t, map[string]int{"Aki": 1, "Ren": 1}, result.Scores)
	_, ok = find(frames, events.GameComplete)
	assert.True(t, ok)

	h.send(t, p2, events.SubmitVote, events.SubmitVotePayload{RoundID: rs.RoundID, EmotionID: "joy"})
	assert.Equal(t, "STALE_ROUND", lastError(t, p2).Code)
}

func TestVoteTimeoutForcesClose(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 1)
	p1, p2 := newClient("s1"), newClient("s2")
	h.join(t, p1, "ROOM1", "Aki")
	h.join(t, p2, "ROOM1", "Ren")

	h.send(t, p1, events.StartRound, nil)
	require.Equal(t, 1, h.d.timers.pending())

	require.Eventually(t, func() bool {
		snap, ok := h.store.Snapshot("ROOM1")
		return ok && snap.Phase == game.PhaseResult
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, h.d.timers.pending())

	_, ok := find(drain(p2), events.RoundResult)
	assert.True(t, ok)
}

// Closing one round and opening the next race from different sockets; the
// pending deadline must always belong to the round that is open at the end.
func TestVoteTimerFollowsLatestRound(t *testing.T) {
	h := newHarness(t)
	cfg := game.DefaultConfig()
	cfg.MaxRounds = 100
	cfg.VoteTimeout = 300
	_, err := h.store.Create("ROOM1", cfg)
	require.NoError(t, err)
	clients := map[string]*wshub.Client{"s1": newClient("s1"), "s2": newClient("s2")}
	h.join(t, clients["s1"], "ROOM1", "Aki")
	h.join(t, clients["s2"], "ROOM1", "Ren")
	host := clients["s1"]

	ctx := context.Background()
	start := events.Envelope{Type: events.StartRound}
	require.NoError(t, h.d.Handle(ctx, host, start))

	for range 40 {
		snap, ok := h.store.Snapshot("ROOM1")
		require.True(t, ok)
		require.Equal(t, game.PhaseInRound, snap.Phase)
		voter := clients["s1"]
		if snap.SpeakerSession == "s1" {
			voter = clients["s2"]
		}
		vote, err := json.Marshal(events.SubmitVotePayload{RoundID: snap.RoundID, EmotionID: "joy"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.d.Handle(ctx, voter, events.Envelope{Type: events.SubmitVote, Data: vote}))
		}()
		go func() {
			defer wg.Done()
			for h.d.Handle(ctx, host, start) != nil {
			}
		}()
		wg.Wait()
		drain(clients["s1"])
		drain(clients["s2"])

		next, _ := h.store.Snapshot("ROOM1")
		h.d.timers.mu.Lock()
		pending := h.d.timers.byRoom["ROOM1"]
		h.d.timers.mu.Unlock()
		require.NotNil(t, pending, "open round %s lost its deadline", next.RoundID)
		require.Equal(t, next.RoundID, pending.roundID)
	}
}

func TestVoteTimerStopsWhenEveryoneVoted(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 30)
	p1, p2 := newClient("s1"), newClient("s2")
	h.join(t, p1, "ROOM1", "Aki")
	h.join(t, p2, "ROOM1", "Ren")
	h.send(t, p1, events.StartRound, nil)
	require.Equal(t, 1, h.d.timers.pending())

	snap, _ := h.store.Snapshot("ROOM1")
	h.send(t, p2, events.SubmitVote, events.SubmitVotePayload{RoundID: snap.RoundID, EmotionID: "joy"})
	assert.Equal(t, 0, h.d.timers.pending())
}

func TestDisconnectKeepsSeat(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 0)
	p1, p2 := newClient("s1"), newClient("s2")
	h.join(t, p1, "ROOM1", "Aki")
	h.join(t, p2, "ROOM1", "Ren")
	drain(p1)

	h.d.Disconnect(p2)
	_, ok := find(drain(p1), events.PlayerDisconnected)
	assert.True(t, ok)
	snap, _ := h.store.Snapshot("ROOM1")
	require.Len(t, snap.Players, 2)
	assert.False(t, snap.Players[1].Connected)

	again := newClient("s2")
	h.join(t, again, "ROOM1", "Ren")
	_, ok = find(drain(p1), events.PlayerReconnected)
	assert.True(t, ok)
}

func TestDisconnectWithAnotherTabOpen(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 0)
	p1 := newClient("s1")
	tab1, tab2 := newClient("s2"), newClient("s2")
	h.join(t, p1, "ROOM1", "Aki")
	h.join(t, tab1, "ROOM1", "Ren")
	h.join(t, tab2, "ROOM1", "Ren")

	h.d.Disconnect(tab1)
	snap, _ := h.store.Snapshot("ROOM1")
	assert.True(t, snap.Players[1].Connected)
}

func TestLeaveRoomUnbindsSession(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 0)
	p1, p2 := newClient("s1"), newClient("s2")
	h.join(t, p1, "ROOM1", "Aki")
	h.join(t, p2, "ROOM1", "Ren")
	drain(p2)

	h.send(t, p2, events.LeaveRoom, nil)
	_, ok := find(drain(p2), events.LeftRoom)
	assert.True(t, ok)
	assert.Empty(t, p2.RoomID())
	assert.False(t, h.hub.SessionBound("ROOM1", "s2"))

	snap, _ := h.store.Snapshot("ROOM1")
	assert.Len(t, snap.Players, 1)
}

func TestCloseRoomDropsSockets(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 0)
	p1 := newClient("s1")
	h.join(t, p1, "ROOM1", "Aki")
	drain(p1)

	require.NoError(t, h.d.CloseRoom("ROOM1", "host"))
	_, ok := find(drain(p1), events.RoomClosed)
	assert.True(t, ok)
	assert.Equal(t, 0, h.hub.Bound())
	assert.Empty(t, p1.RoomID())

	h.send(t, p1, events.StartRound, nil)
	assert.Equal(t, "FORBIDDEN", lastError(t, p1).Code)
}

func TestBinaryAudioFromSpeaker(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 0)
	p1, p2 := newClient("s1"), newClient("s2")
	h.join(t, p1, "ROOM1", "Aki")
	h.join(t, p2, "ROOM1", "Ren")

	h.d.handleFrame(context.Background(), p1, websocket.MessageBinary, []byte("early"))
	drain(p1)
	_, ok := find(drain(p2), events.AudioReceived)
	assert.False(t, ok, "no relay outside a round")

	h.send(t, p1, events.StartRound, nil)
	drain(p2)
	h.d.handleFrame(context.Background(), p1, websocket.MessageBinary, []byte("voice"))
	env, ok := find(drain(p2), events.AudioReceived)
	require.True(t, ok)
	var p events.AudioReceivedPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, []byte("voice"), p.Audio)
	assert.Equal(t, "Aki", p.SpeakerName)

	h.send(t, p2, events.AudioSend, events.AudioPayload{Audio: make([]byte, 65)})
	assert.Equal(t, "PAYLOAD_TOO_LARGE", lastError(t, p2).Code)
}

func TestServe_OversizedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	h.room(t, "ROOM1", 0)
	h.join(t, newClient("s2"), "ROOM1", "Ren")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		c := wshub.NewClient(r.URL.Query().Get("session"), conn)
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go c.WritePump(ctx)
		_ = h.d.Serve(ctx, c)
		h.d.Disconnect(c)
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?session=s1", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	write := func(typ websocket.MessageType, data []byte) {
		require.NoError(t, conn.Write(ctx, typ, data))
	}
	next := func(event string) events.Envelope {
		for {
			_, data, err := conn.Read(ctx)
			require.NoError(t, err, "waiting for %s", event)
			var env events.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			if env.Type == event {
				return env
			}
		}
	}

	join, err := events.Encode(events.JoinRoom, events.JoinRoomPayload{RoomID: "ROOM1", PlayerName: "Aki"})
	require.NoError(t, err)
	write(websocket.MessageText, join)
	next(events.RoomState)
	startFrame, err := events.Encode(events.StartRound, nil)
	require.NoError(t, err)
	write(websocket.MessageText, startFrame)
	next(events.SpeakerEmotion)

	write(websocket.MessageBinary, bytes.Repeat([]byte{1}, 3<<20))
	var e events.ErrorPayload
	require.NoError(t, next(events.Error).Decode(&e))
	assert.Equal(t, "PAYLOAD_TOO_LARGE", e.Code)

	write(websocket.MessageText, []byte(`{"type":"`+strings.Repeat("x", 64<<10)+`"}`))
	require.NoError(t, next(events.Error).Decode(&e))
	assert.Equal(t, "PAYLOAD_TOO_LARGE", e.Code)

	write(websocket.MessageText, startFrame)
	require.NoError(t, next(events.Error).Decode(&e))
	assert.Equal(t, "FORBIDDEN", e.Code, "connection still serves events")

	snap, _ := h.store.Snapshot("ROOM1")
	assert.Equal(t, game.PhaseInRound, snap.Phase, "the speaker's round survives")
	assert.Equal(t, 2, snap.ConnectedCount)
}
