// Package audio relays the speaker's recorded voice to the listeners of the
// open round. It reads published snapshots only and never takes a room lock.
package audio

import (
	"emoguchi/internal/apperr"
	"emoguchi/internal/events"
	"emoguchi/internal/game"
	"emoguchi/internal/metrics"

	"go.uber.org/zap"
)

const DefaultMaxBytes = 2 << 20

// Snapshots is the read side of the session store.
type Snapshots interface {
	Snapshot(roomID string) (game.Snapshot, bool)
}

// Sink delivers one frame to a set of sessions in a room.
type Sink interface {
	SendToSessions(roomID string, sessionIDs []string, msg []byte) int
}

type Relay struct {
	rooms    Snapshots
	sink     Sink
	maxBytes int
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewRelay(rooms Snapshots, sink Sink, maxBytes int, m *metrics.Metrics, log *zap.Logger) *Relay {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{rooms: rooms, sink: sink, maxBytes: maxBytes, metrics: m, log: log}
}

// Relay forwards payload from sessionID to every connected non-speaker. Audio
// from anyone but the open round's speaker is dropped without error.
func (r *Relay) Relay(roomID, sessionID string, payload []byte) error {
	if len(payload) > r.maxBytes {
		return apperr.Newf(apperr.PayloadTooLarge, "audio is %d bytes, limit is %d", len(payload), r.maxBytes)
	}
	if len(payload) == 0 {
		return nil
	}
	snap, ok := r.rooms.Snapshot(roomID)
	if !ok || !snap.IsSpeaker(sessionID) {
		r.log.Debug("dropped audio outside speaker turn", zap.String("room", roomID), zap.String("session", sessionID))
		return nil
	}
	listeners := snap.Listeners()
	if len(listeners) == 0 {
		return nil
	}
	msg, err := events.Encode(events.AudioReceived, events.AudioReceivedPayload{
		Audio:       payload,
		SpeakerName: snap.CurrentSpeaker,
		RoundID:     snap.RoundID,
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding audio", err)
	}
	sent := r.sink.SendToSessions(roomID, listeners, msg)
	r.metrics.AudioRelayed(len(payload), sent)
	return nil
}
