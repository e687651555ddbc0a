// Package rooms is the session store: the only owner of live rooms. Each room
// is reached through WithRoom, which runs one operation at a time per room
// while different rooms proceed in parallel.
package rooms

import (
	"context"
	"sync"
	"time"

	"emoguchi/internal/apperr"
	"emoguchi/internal/events"
	"emoguchi/internal/game"

	"go.uber.org/zap"
)

const createAttempts = 10

type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	log      *zap.Logger
	roomOpts []game.Option
}

// NewStore builds an empty store. roomOpts are applied to every room it creates.
func NewStore(log *zap.Logger, roomOpts ...game.Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		entries:  make(map[string]*entry),
		log:      log,
		roomOpts: roomOpts,
	}
}

// Create registers a new room. An empty id gets a generated code, retried on
// collision; an explicit id already in use fails with Conflict.
func (s *Store) Create(id string, cfg game.RoomConfig) (Created, error) {
	if err := cfg.Validate(); err != nil {
		return Created{}, err
	}
	explicit := id != ""
	if explicit {
		code, err := NormalizeCode(id)
		if err != nil {
			return Created{}, err
		}
		id = code
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if explicit {
		if _, exists := s.entries[id]; exists {
			return Created{}, apperr.Newf(apperr.Conflict, "room %s already exists", id)
		}
	} else {
		for range createAttempts {
			code, err := GenerateCode()
			if err != nil {
				return Created{}, apperr.Wrap(apperr.Internal, "generating room code", err)
			}
			if _, exists := s.entries[code]; !exists {
				id = code
				break
			}
		}
		if id == "" {
			return Created{}, apperr.Newf(apperr.Internal, "failed to generate unique room code after %d attempts", createAttempts)
		}
	}

	e := &entry{room: game.NewRoom(id, cfg, s.roomOpts...)}
	e.publish()
	s.entries[id] = e
	s.log.Info("room created", zap.String("room", id), zap.String("mode", string(cfg.Mode)))
	return Created{Snapshot: *e.snap.Load(), HostTokenID: e.room.HostTokenID()}, nil
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// WithRoom runs fn with exclusive access to the room and republishes its
// snapshot afterwards. The store lock is never held while waiting on a room.
func (s *Store) WithRoom(id string, fn func(r *game.Room) ([]events.Outbound, error)) ([]events.Outbound, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, apperr.Newf(apperr.NotFound, "room %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, apperr.Newf(apperr.NotFound, "room %s not found", id)
	}
	out, err := fn(e.room)
	e.publish()
	return out, err
}

// Snapshot returns the last published state without taking the room lock.
func (s *Store) Snapshot(id string) (game.Snapshot, bool) {
	e := s.lookup(id)
	if e == nil {
		return game.Snapshot{}, false
	}
	snap := e.snap.Load()
	if snap == nil || snap.Phase == game.PhaseClosed {
		return game.Snapshot{}, false
	}
	return *snap, true
}

// HostTokenID returns the id embedded in the room's host token. It is fixed at
// creation, so no room lock is needed.
func (s *Store) HostTokenID(id string) (string, bool) {
	e := s.lookup(id)
	if e == nil {
		return "", false
	}
	return e.room.HostTokenID(), true
}

// Close ends the room and removes it from the store.
func (s *Store) Close(id, reason string) ([]events.Outbound, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, apperr.Newf(apperr.NotFound, "room %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, apperr.Newf(apperr.NotFound, "room %s not found", id)
	}
	out := s.closeLocked(id, e, reason)
	return out, nil
}

// closeLocked needs e.mu held. It takes the store lock inside the room lock,
// which is the only nesting order allowed.
func (s *Store) closeLocked(id string, e *entry, reason string) []events.Outbound {
	out := e.room.Close(reason)
	e.closed = true
	e.publish()

	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.log.Info("room closed", zap.String("room", id), zap.String("reason", reason))
	return out
}

// Reap prunes players whose disconnect grace expired and closes rooms with no
// connected player for at least idleTTL. It holds one room lock at a time.
func (s *Store) Reap(now time.Time, idleTTL, grace time.Duration) []Reaped {
	var reaped []Reaped
	for _, id := range s.ids() {
		e := s.lookup(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		r := Reaped{RoomID: id}
		if grace > 0 {
			r.Out = e.room.PruneDisconnected(now, grace)
		}
		if idleTTL > 0 && e.room.IdleFor(now) >= idleTTL {
			r.Out = append(r.Out, s.closeLocked(id, e, "idle")...)
			r.Closed = true
		} else {
			e.publish()
		}
		e.mu.Unlock()
		if len(r.Out) > 0 || r.Closed {
			reaped = append(reaped, r)
		}
	}
	return reaped
}

// RunReaper calls Reap every interval until ctx is done, handing each pass's
// results to after once all room locks are released.
func (s *Store) RunReaper(ctx context.Context, interval, idleTTL, grace time.Duration, after func([]Reaped)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reaped := s.Reap(now, idleTTL, grace)
			if len(reaped) > 0 {
				s.log.Debug("reap pass", zap.Int("rooms", len(reaped)))
				if after != nil {
					after(reaped)
				}
			}
		}
	}
}

func (s *Store) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// List returns the snapshot of every live room.
func (s *Store) List() []game.Snapshot {
	ids := s.ids()
	out := make([]game.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CloseAll closes every room, for shutdown.
func (s *Store) CloseAll(reason string) []Reaped {
	var closed []Reaped
	for _, id := range s.ids() {
		out, err := s.Close(id, reason)
		if err == nil {
			closed = append(closed, Reaped{RoomID: id, Closed: true, Out: out})
		}
	}
	return closed
}
