package players

import "time"

// Player is one seat in a room. SessionID is the secret that lets a socket
// act as the player; ID is the public handle shown to everyone else.
type Player struct {
	ID             string
	SessionID      string
	Name           string
	Color          string
	Score          int
	IsHost         bool
	Connected      bool
	JoinedAt       time.Time
	DisconnectedAt time.Time
}

// View is the public shape of a player inside room_state and snapshots.
type View struct {
	ID        string `json:"id"`
	SessionID string `json:"-"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Score     int    `json:"score"`
	IsHost    bool   `json:"isHost"`
	Connected bool   `json:"connected"`
}

func (p *Player) View() View {
	return View{
		ID:        p.ID,
		SessionID: p.SessionID,
		Name:      p.Name,
		Color:     p.Color,
		Score:     p.Score,
		IsHost:    p.IsHost,
		Connected: p.Connected,
	}
}
