package dispatch

import (
	"emoguchi/internal/apperr"
	"emoguchi/internal/wshub"
)

// handleAudio forwards a recording from c. It is not a room operation and
// never takes the room lock.
func (d *Dispatcher) handleAudio(c *wshub.Client, payload []byte) error {
	roomID := c.RoomID()
	if roomID == "" {
		return apperr.New(apperr.Forbidden, "join a room first")
	}
	if d.relay == nil {
		return nil
	}
	return d.relay.Relay(roomID, c.SessionID, payload)
}
