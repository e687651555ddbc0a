package players

import (
	"emoguchi/internal/utility"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Store is a room's roster in join order. It has no lock of its own: every
// call happens while the owning room is held exclusively.
type Store struct {
	order []*Player
	index map[string]*Player
}

func NewStore() *Store {
	return &Store{
		index: make(map[string]*Player),
	}
}

// Add appends a connected player. The first player of an empty roster is host.
func (s *Store) Add(sessionID, name string, now time.Time) *Player {
	player := &Player{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		Color:     utility.RandomColorHex(),
		Connected: true,
		IsHost:    len(s.order) == 0,
		JoinedAt:  now,
	}
	s.order = append(s.order, player)
	s.index[sessionID] = player
	return player
}

func (s *Store) Get(sessionID string) *Player {
	return s.index[sessionID]
}

func (s *Store) Remove(sessionID string) *Player {
	p, ok := s.index[sessionID]
	if !ok {
		return nil
	}
	delete(s.index, sessionID)
	s.order = slices.DeleteFunc(s.order, func(o *Player) bool { return o == p })
	return p
}

// List returns the players in join order.
func (s *Store) List() []*Player {
	return slices.Clone(s.order)
}

func (s *Store) Connected() []*Player {
	out := make([]*Player, 0, len(s.order))
	for _, p := range s.order {
		if p.Connected {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) Count() int {
	return len(s.order)
}

func (s *Store) ConnectedCount() int {
	n := 0
	for _, p := range s.order {
		if p.Connected {
			n++
		}
	}
	return n
}

// IndexOf returns the join-order position of sessionID, or -1.
func (s *Store) IndexOf(sessionID string) int {
	return slices.IndexFunc(s.order, func(p *Player) bool { return p.SessionID == sessionID })
}

func (s *Store) UpdateScore(sessionID string, points int) *Player {
	if p, ok := s.index[sessionID]; ok {
		p.Score += points
		return p
	}
	return nil
}

func (s *Store) ResetAll() {
	for _, p := range s.order {
		p.Score = 0
	}
}

func (s *Store) Host() *Player {
	for _, p := range s.order {
		if p.IsHost {
			return p
		}
	}
	return nil
}

// EnsureHost keeps exactly one host. If the current host is gone it passes
// the flag to the earliest connected player, or the earliest player at all.
func (s *Store) EnsureHost() (*Player, bool) {
	var hosts []*Player
	for _, p := range s.order {
		if p.IsHost {
			hosts = append(hosts, p)
		}
	}
	if len(hosts) == 1 {
		return hosts[0], false
	}
	for _, p := range hosts[min(1, len(hosts)):] {
		p.IsHost = false
	}
	if len(hosts) > 1 {
		return hosts[0], true
	}
	if len(s.order) == 0 {
		return nil, false
	}
	next := s.order[0]
	for _, p := range s.order {
		if p.Connected {
			next = p
			break
		}
	}
	next.IsHost = true
	return next, true
}

func (s *Store) Views() []View {
	out := make([]View, len(s.order))
	for i, p := range s.order {
		out[i] = p.View()
	}
	return out
}
