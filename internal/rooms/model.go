package rooms

import (
	"sync"
	"sync/atomic"

	"emoguchi/internal/events"
	"emoguchi/internal/game"
)

// entry pairs a room with its exclusive lock and the last published snapshot.
type entry struct {
	mu     sync.Mutex
	room   *game.Room
	closed bool
	snap   atomic.Pointer[game.Snapshot]
}

// publish must be called with mu held.
func (e *entry) publish() {
	s := e.room.Snapshot()
	e.snap.Store(&s)
}

// Created is returned by Store.Create.
type Created struct {
	Snapshot    game.Snapshot
	HostTokenID string
}

// Reaped lists what one reap pass did to a room. Out holds the events to
// deliver once the room lock has been released.
type Reaped struct {
	RoomID string
	Closed bool
	Out    []events.Outbound
}
