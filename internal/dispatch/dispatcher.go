// Package dispatch reads client frames, routes them through the session store
// and hands the resulting events to the broadcaster once the room is unlocked.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"emoguchi/internal/apperr"
	"emoguchi/internal/audio"
	"emoguchi/internal/broadcast"
	"emoguchi/internal/events"
	"emoguchi/internal/game"
	"emoguchi/internal/metrics"
	"emoguchi/internal/rooms"
	"emoguchi/internal/wshub"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	// Base64 grows audio by a third; the rest is envelope.
	frameOverhead = 4096
	// Frames past the hard cap close the connection; anything under it is
	// drained and answered with PAYLOAD_TOO_LARGE.
	minHardReadLimit = 16 << 20
)

var errFrameTooLarge = errors.New("frame exceeds size limit")

type Dispatcher struct {
	store   *rooms.Store
	hub     *wshub.Hub
	out     *broadcast.Broadcaster
	phrases game.PhraseSource
	relay   *audio.Relay
	metrics *metrics.Metrics
	log     *zap.Logger

	audioLimit int64
	textLimit  int64
	hardLimit  int64
	timers     *timers
}

type Deps struct {
	Store       *rooms.Store
	Hub         *wshub.Hub
	Broadcaster *broadcast.Broadcaster
	Phrases     game.PhraseSource
	Relay       *audio.Relay
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	MaxAudio    int
}

func New(d Deps) *Dispatcher {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxAudio := d.MaxAudio
	if maxAudio <= 0 {
		maxAudio = audio.DefaultMaxBytes
	}
	textLimit := int64(maxAudio)*4/3 + frameOverhead
	return &Dispatcher{
		store:      d.Store,
		hub:        d.Hub,
		out:        d.Broadcaster,
		phrases:    d.Phrases,
		relay:      d.Relay,
		metrics:    d.Metrics,
		log:        log,
		audioLimit: int64(maxAudio),
		textLimit:  textLimit,
		hardLimit:  max(4*textLimit, minHardReadLimit),
		timers:     newTimers(),
	}
}

// Serve reads frames from c until the connection fails or ctx ends. Text
// frames carry JSON envelopes; a binary frame is raw audio from the speaker.
// The caller is expected to call Disconnect afterwards.
func (d *Dispatcher) Serve(ctx context.Context, c *wshub.Client) error {
	c.Conn.SetReadLimit(d.hardLimit)
	for {
		typ, data, err := d.readFrame(ctx, c.Conn)
		if errors.Is(err, errFrameTooLarge) {
			event := ""
			if typ == websocket.MessageBinary {
				event = events.AudioSend
			}
			d.reply(c, event, apperr.New(apperr.PayloadTooLarge, ""))
			continue
		}
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		d.handleFrame(ctx, c, typ, data)
	}
}

// readFrame reads one message, keeping at most the per-type limit in memory.
// An oversized message is drained so the connection stays usable.
func (d *Dispatcher) readFrame(ctx context.Context, conn *websocket.Conn) (websocket.MessageType, []byte, error) {
	typ, r, err := conn.Reader(ctx)
	if err != nil {
		return typ, nil, err
	}
	limit := d.textLimit
	if typ == websocket.MessageBinary {
		limit = d.audioLimit
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return typ, nil, err
	}
	if int64(len(data)) > limit {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return typ, nil, err
		}
		return typ, nil, errFrameTooLarge
	}
	return typ, data, nil
}

func (d *Dispatcher) handleFrame(ctx context.Context, c *wshub.Client, typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageBinary {
		d.reply(c, events.AudioSend, d.handleAudio(c, data))
		return
	}
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.reply(c, "", apperr.Wrap(apperr.BadRequest, "malformed frame", err))
		return
	}
	d.reply(c, env.Type, d.Handle(ctx, c, env))
}

// Handle runs one inbound event for c. Every error is recoverable and leaves
// the room as it was.
func (d *Dispatcher) Handle(ctx context.Context, c *wshub.Client, env events.Envelope) error {
	if env.Type == events.JoinRoom {
		var p events.JoinRoomPayload
		if err := env.Decode(&p); err != nil {
			return apperr.Wrap(apperr.BadRequest, "invalid join_room payload", err)
		}
		return d.join(c, p)
	}

	roomID := c.RoomID()
	if roomID == "" {
		return apperr.New(apperr.Forbidden, "join a room first")
	}
	session := c.SessionID

	switch env.Type {
	case events.StartRound:
		return d.Apply(roomID, func(r *game.Room) ([]events.Outbound, error) {
			return r.StartRound(ctx, session, d.phrases)
		})
	case events.SubmitVote:
		var p events.SubmitVotePayload
		if err := env.Decode(&p); err != nil {
			return apperr.Wrap(apperr.BadRequest, "invalid submit_vote payload", err)
		}
		return d.Apply(roomID, func(r *game.Room) ([]events.Outbound, error) {
			return r.SubmitVote(session, p.RoundID, p.EmotionID)
		})
	case events.LeaveRoom:
		err := d.Apply(roomID, func(r *game.Room) ([]events.Outbound, error) {
			return r.Leave(session, true)
		})
		d.hub.UnbindSession(roomID, session)
		return err
	case events.RestartGame:
		return d.Apply(roomID, func(r *game.Room) ([]events.Outbound, error) {
			return r.Restart(session)
		})
	case events.UpdateConfig:
		var p events.ConfigPatch
		if err := env.Decode(&p); err != nil {
			return apperr.Wrap(apperr.BadRequest, "invalid update_config payload", err)
		}
		return d.Apply(roomID, func(r *game.Room) ([]events.Outbound, error) {
			return r.UpdateConfig(session, p)
		})
	case events.AudioSend:
		var p events.AudioPayload
		if err := env.Decode(&p); err != nil {
			return apperr.Wrap(apperr.BadRequest, "invalid audio_send payload", err)
		}
		return d.handleAudio(c, p.Audio)
	default:
		return apperr.Newf(apperr.BadRequest, "unknown event %q", env.Type)
	}
}

func (d *Dispatcher) join(c *wshub.Client, p events.JoinRoomPayload) error {
	code, err := rooms.NormalizeCode(p.RoomID)
	if err != nil {
		return err
	}
	if current := c.RoomID(); current != "" {
		if current == code {
			return apperr.New(apperr.Conflict, "already in this room")
		}
		return apperr.Newf(apperr.Conflict, "already in room %s, leave it first", current)
	}
	session := c.SessionID
	if p.SessionID != "" {
		session = p.SessionID
	}
	return d.Apply(code, func(r *game.Room) ([]events.Outbound, error) {
		out, err := r.Join(session, p.PlayerName)
		if err == nil {
			c.SessionID = session
			d.hub.Bind(code, c)
		}
		return out, err
	})
}

// Apply runs fn under the room's gate, syncs the vote timer with the room and
// delivers the events once the gate is released. The timer is updated while
// the room is still held so two operations cannot reorder their timer changes.
// The REST handlers share this path.
func (d *Dispatcher) Apply(roomID string, fn func(*game.Room) ([]events.Outbound, error)) error {
	out, err := d.store.WithRoom(roomID, func(r *game.Room) ([]events.Outbound, error) {
		out, err := fn(r)
		d.syncTimer(roomID, r)
		return out, err
	})
	d.deliver(roomID, out)
	return err
}

// syncTimer needs the room held.
func (d *Dispatcher) syncTimer(roomID string, r *game.Room) {
	if roundID, deadline, ok := r.Pending(); ok {
		d.timers.arm(roomID, roundID, deadline, d.voteTimeout)
		return
	}
	d.timers.stop(roomID)
}

// CloseRoom closes a room on behalf of its host.
func (d *Dispatcher) CloseRoom(roomID, reason string) error {
	out, err := d.store.Close(roomID, reason)
	if err != nil {
		return err
	}
	d.timers.stop(roomID)
	d.deliver(roomID, out)
	return nil
}

// DeliverReaped pushes the results of a reap or shutdown pass.
func (d *Dispatcher) DeliverReaped(reaped []rooms.Reaped) {
	for _, r := range reaped {
		if r.Closed {
			d.timers.stop(r.RoomID)
		}
		d.deliver(r.RoomID, r.Out)
	}
}

// Disconnect unbinds c. When it was the session's last socket in the room the
// player is marked disconnected so a reconnect keeps their seat.
func (d *Dispatcher) Disconnect(c *wshub.Client) {
	roomID, stillBound := d.hub.Unbind(c)
	c.Close()
	if roomID == "" || stillBound {
		return
	}
	session := c.SessionID
	err := d.Apply(roomID, func(r *game.Room) ([]events.Outbound, error) {
		return r.Leave(session, false)
	})
	if err != nil && !apperr.HasCode(err, apperr.NotFound) {
		d.log.Warn("disconnect", zap.String("room", roomID), zap.String("session", session), zap.Error(err))
	}
}

func (d *Dispatcher) voteTimeout(roomID, roundID string) {
	err := d.Apply(roomID, func(r *game.Room) ([]events.Outbound, error) {
		return r.ForceClose(roundID)
	})
	switch {
	case err == nil:
		d.log.Debug("vote timeout closed round", zap.String("room", roomID), zap.String("round", roundID))
	case apperr.HasCode(err, apperr.StaleRound), apperr.HasCode(err, apperr.NotFound):
	default:
		d.log.Error("vote timeout", zap.String("room", roomID), zap.String("round", roundID), zap.Error(err))
	}
}

func (d *Dispatcher) deliver(roomID string, out []events.Outbound) {
	if len(out) == 0 {
		return
	}
	d.out.Deliver(roomID, out)
	for _, o := range out {
		if o.Event == events.RoomClosed && !o.IsUnicast() {
			d.hub.DropRoom(roomID)
			return
		}
	}
}

// reply records the outcome of one frame and, on failure, sends a single
// error event to the socket that sent it.
func (d *Dispatcher) reply(c *wshub.Client, event string, err error) {
	if !events.IsInbound(event) {
		event = "unknown"
	}
	if err == nil {
		d.metrics.Event(event, "ok")
		return
	}
	code := apperr.CodeOf(err)
	d.metrics.Event(event, string(code))
	if code == apperr.Internal {
		d.log.Error("event failed", zap.String("event", event), zap.String("session", c.SessionID), zap.Error(err))
	} else {
		d.log.Debug("event rejected", zap.String("event", event), zap.String("session", c.SessionID), zap.Error(err))
	}
	msg, encErr := events.Encode(events.Error, events.ErrorPayload{Code: string(code), Message: apperr.Message(err)})
	if encErr != nil {
		return
	}
	c.Enqueue(msg)
}

// Shutdown cancels pending vote timers.
func (d *Dispatcher) Shutdown() {
	d.timers.stopAll()
}
