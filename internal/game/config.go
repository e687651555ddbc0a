package game

import (
	"emoguchi/internal/apperr"
	"emoguchi/internal/emotions"
	"emoguchi/internal/events"
	"time"
)

type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseInRound Phase = "in_round"
	PhaseResult  Phase = "result"
	PhaseClosed  Phase = "closed"
)

type SpeakerOrder string

const (
	OrderSequential SpeakerOrder = "sequential"
	OrderRandom     SpeakerOrder = "random"
)

// Scoring decides the speaker's reward when a round closes.
type Scoring string

const (
	// ScorePerCorrect gives the speaker +1 for every listener who guessed right.
	ScorePerCorrect Scoring = "per_correct"
	// ScoreFlat gives the speaker +1 if at least one listener guessed right.
	ScoreFlat Scoring = "flat"
)

// LimitUnit decides what MaxRounds counts.
type LimitUnit string

const (
	LimitRounds LimitUnit = "rounds"
	LimitCycles LimitUnit = "cycles"
)

const (
	maxVoteTimeout = 300
	maxRoundsLimit = 100
)

type RoomConfig struct {
	Mode         emotions.Mode     `json:"mode"`
	VoteType     emotions.VoteType `json:"vote_type"`
	SpeakerOrder SpeakerOrder      `json:"speaker_order"`
	VoteTimeout  int               `json:"vote_timeout"` // seconds, 0 disables
	MaxRounds    int               `json:"max_rounds"`
	MaxPlayers   int               `json:"max_players"`
	Scoring      Scoring           `json:"scoring"`
	LimitUnit    LimitUnit         `json:"limit_unit"`
}

func DefaultConfig() RoomConfig {
	return RoomConfig{
		Mode:         emotions.ModeBasic,
		VoteType:     emotions.VoteFour,
		SpeakerOrder: OrderSequential,
		VoteTimeout:  30,
		MaxRounds:    5,
		MaxPlayers:   8,
		Scoring:      ScorePerCorrect,
		LimitUnit:    LimitRounds,
	}
}

func (c RoomConfig) VoteTimeoutDuration() time.Duration {
	return time.Duration(c.VoteTimeout) * time.Second
}

func (c RoomConfig) Validate() error {
	if !c.Mode.Valid() {
		return apperr.Newf(apperr.BadRequest, "unknown mode %q", c.Mode)
	}
	if !c.VoteType.Valid() {
		return apperr.Newf(apperr.BadRequest, "unknown vote type %q", c.VoteType)
	}
	switch c.SpeakerOrder {
	case OrderSequential, OrderRandom:
	default:
		return apperr.Newf(apperr.BadRequest, "unknown speaker order %q", c.SpeakerOrder)
	}
	switch c.Scoring {
	case ScorePerCorrect, ScoreFlat:
	default:
		return apperr.Newf(apperr.BadRequest, "unknown scoring %q", c.Scoring)
	}
	switch c.LimitUnit {
	case LimitRounds, LimitCycles:
	default:
		return apperr.Newf(apperr.BadRequest, "unknown limit unit %q", c.LimitUnit)
	}
	if c.VoteTimeout < 0 || c.VoteTimeout > maxVoteTimeout {
		return apperr.Newf(apperr.BadRequest, "vote_timeout must be between 0 and %d", maxVoteTimeout)
	}
	if c.MaxRounds < 1 || c.MaxRounds > maxRoundsLimit {
		return apperr.Newf(apperr.BadRequest, "max_rounds must be between 1 and %d", maxRoundsLimit)
	}
	if c.MaxPlayers < 2 {
		return apperr.New(apperr.BadRequest, "max_players must be at least 2")
	}
	return nil
}

// Apply returns c with every non-nil field of p replaced. The result is not
// validated.
func (c RoomConfig) Apply(p events.ConfigPatch) RoomConfig {
	if p.Mode != nil {
		c.Mode = emotions.Mode(*p.Mode)
	}
	if p.VoteType != nil {
		c.VoteType = emotions.VoteType(*p.VoteType)
	}
	if p.SpeakerOrder != nil {
		c.SpeakerOrder = SpeakerOrder(*p.SpeakerOrder)
	}
	if p.MaxRounds != nil {
		c.MaxRounds = *p.MaxRounds
	}
	if p.VoteTimeout != nil {
		c.VoteTimeout = *p.VoteTimeout
	}
	if p.Scoring != nil {
		c.Scoring = Scoring(*p.Scoring)
	}
	if p.LimitUnit != nil {
		c.LimitUnit = LimitUnit(*p.LimitUnit)
	}
	return c
}
