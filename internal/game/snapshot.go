package game

import (
	"emoguchi/internal/emotions"
	"emoguchi/internal/players"
	"time"
)

// RoomState is the room_state payload. Player ids in it are public ids;
// session ids never leave the server except to their own socket.
type RoomState struct {
	RoomID           string         `json:"roomId"`
	Players          []players.View `json:"players"`
	Phase            Phase          `json:"phase"`
	Config           RoomConfig     `json:"config"`
	CurrentSpeaker   string         `json:"currentSpeaker,omitempty"`
	CurrentSpeakerID string         `json:"currentSpeakerId,omitempty"`
	RoundID          string         `json:"roundId,omitempty"`
	CompletedRounds  int            `json:"completedRounds"`
	CompletedCycles  int            `json:"completedCycles"`
	MaxRounds        int            `json:"maxRounds"`
	IsGameComplete   bool           `json:"isGameComplete"`
}

type RoundStart struct {
	RoundID        string            `json:"roundId"`
	RoundNumber    int               `json:"roundNumber"`
	Phrase         string            `json:"phrase"`
	SpeakerName    string            `json:"speakerName"`
	SpeakerID      string            `json:"speakerId"`
	VotingChoices  []emotions.Choice `json:"votingChoices"`
	VoteTimeout    int               `json:"voteTimeout"`
	VotingDeadline *time.Time        `json:"votingDeadline,omitempty"`
}

type SpeakerEmotion struct {
	RoundID     string `json:"roundId"`
	EmotionID   string `json:"emotionId"`
	EmotionName string `json:"emotionName"`
}

type VoteProgress struct {
	RoundID  string `json:"roundId"`
	Voted    int    `json:"voted"`
	Eligible int    `json:"eligible"`
}

// PlayerResult is one row of a round outcome keyed by session rather than
// display name, since names can repeat.
type PlayerResult struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Vote     string `json:"vote,omitempty"`
	Correct  bool   `json:"correct"`
	Delta    int    `json:"delta"`
	Score    int    `json:"score"`
}

type RoundResult struct {
	RoundID          string            `json:"roundId"`
	CorrectEmotion   string            `json:"correctEmotion"`
	CorrectEmotionID string            `json:"correctEmotionId"`
	SpeakerName      string            `json:"speakerName"`
	Scores           map[string]int    `json:"scores"`
	Votes            map[string]string `json:"votes"`
	Results          []PlayerResult    `json:"results"`
	Abandoned        bool              `json:"abandoned,omitempty"`
	IsGameComplete   bool              `json:"isGameComplete"`
	CompletedRounds  int               `json:"completedRounds"`
	CompletedCycles  int               `json:"completedCycles"`
	MaxRounds        int               `json:"maxRounds"`
}

type Ranking struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

type GameComplete struct {
	Rankings    []Ranking `json:"rankings"`
	TotalRounds int       `json:"totalRounds"`
}

// RoundSummary is the closed-round record handed to flush hooks. Votes and
// Deltas are keyed by public player id.
type RoundSummary struct {
	ID          string            `json:"id"`
	Number      int               `json:"number"`
	Phrase      string            `json:"phrase"`
	EmotionID   string            `json:"emotionId"`
	SpeakerID   string            `json:"speakerId"`
	SpeakerName string            `json:"speakerName"`
	Votes       map[string]string `json:"votes"`
	Deltas      map[string]int    `json:"deltas"`
	Abandoned   bool              `json:"abandoned"`
	Fallback    bool              `json:"fallback"`
	StartedAt   time.Time         `json:"startedAt"`
	EndedAt     time.Time         `json:"endedAt"`
}

// Snapshot is an immutable copy of a room, safe to read without the room lock.
type Snapshot struct {
	RoomState
	GameID         string        `json:"gameId"`
	ConnectedCount int           `json:"connectedCount"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActive     time.Time     `json:"lastActive"`
	LastRound      *RoundSummary `json:"lastRound,omitempty"`
	Rankings       []Ranking     `json:"rankings,omitempty"`
	TakenAt        time.Time     `json:"takenAt"`

	// SpeakerSession routes audio and is never serialized.
	SpeakerSession string `json:"-"`
}

// IsSpeaker reports whether sessionID is the speaker of the open round.
func (s *Snapshot) IsSpeaker(sessionID string) bool {
	return s.Phase == PhaseInRound && s.SpeakerSession != "" && s.SpeakerSession == sessionID
}

// Listeners returns the connected session ids other than the current speaker.
func (s *Snapshot) Listeners() []string {
	out := make([]string, 0, len(s.Players))
	for _, p := range s.Players {
		if p.Connected && p.SessionID != s.SpeakerSession {
			out = append(out, p.SessionID)
		}
	}
	return out
}

func (s *Snapshot) Player(sessionID string) (players.View, bool) {
	for _, p := range s.Players {
		if p.SessionID == sessionID {
			return p, true
		}
	}
	return players.View{}, false
}
