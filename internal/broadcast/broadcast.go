// Package broadcast turns the events produced by a room operation into
// frames and hands them to the hub. It runs after the room lock is released.
package broadcast

import (
	"emoguchi/internal/events"
	"emoguchi/internal/metrics"
	"emoguchi/internal/wshub"

	"go.uber.org/zap"
)

// Sink is the part of the hub the broadcaster writes to.
type Sink interface {
	Broadcast(roomID string, msg []byte) int
	SendToSession(roomID, sessionID string, msg []byte) int
}

type Broadcaster struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewBroadcaster(sink Sink, log *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{sink: sink, log: log, metrics: m}
}

// Deliver encodes and routes each event. Events are sent in order; a failed
// encode is logged and skipped.
func (b *Broadcaster) Deliver(roomID string, out []events.Outbound) {
	for _, o := range out {
		msg, err := events.Encode(o.Event, o.Payload)
		if err != nil {
			b.log.Error("encode outbound event", zap.String("room", roomID), zap.String("event", o.Event), zap.Error(err))
			continue
		}
		if o.IsUnicast() {
			b.sink.SendToSession(roomID, o.To, msg)
			continue
		}
		b.sink.Broadcast(roomID, msg)
		if o.Event == events.RoundResult {
			b.metrics.RoundCompleted()
		}
	}
}

var _ Sink = (*wshub.Hub)(nil)
