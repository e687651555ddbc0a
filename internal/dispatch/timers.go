package dispatch

import (
	"sync"
	"time"
)

// timers holds at most one pending vote deadline per room. A timer that fires
// for a round that already closed is rejected by the room itself.
type timers struct {
	mu     sync.Mutex
	byRoom map[string]*voteTimer
}

type voteTimer struct {
	roundID string
	t       *time.Timer
}

func newTimers() *timers {
	return &timers{byRoom: make(map[string]*voteTimer)}
}

func (ts *timers) arm(roomID, roundID string, deadline time.Time, fire func(roomID, roundID string)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if cur, ok := ts.byRoom[roomID]; ok {
		if cur.roundID == roundID {
			return
		}
		cur.t.Stop()
	}
	ts.byRoom[roomID] = &voteTimer{
		roundID: roundID,
		t: time.AfterFunc(time.Until(deadline), func() {
			ts.forget(roomID, roundID)
			fire(roomID, roundID)
		}),
	}
}

func (ts *timers) forget(roomID, roundID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if cur, ok := ts.byRoom[roomID]; ok && cur.roundID == roundID {
		delete(ts.byRoom, roomID)
	}
}

func (ts *timers) stop(roomID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if cur, ok := ts.byRoom[roomID]; ok {
		cur.t.Stop()
		delete(ts.byRoom, roomID)
	}
}

func (ts *timers) pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.byRoom)
}

// stopAll cancels every pending deadline, for shutdown.
func (ts *timers) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, cur := range ts.byRoom {
		cur.t.Stop()
		delete(ts.byRoom, id)
	}
}
