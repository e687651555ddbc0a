package game

import (
	"emoguchi/internal/emotions"
	"slices"
	"time"
)

type CloseReason string

const (
	CloseAllVoted    CloseReason = "all_voted"
	CloseTimeout     CloseReason = "timeout"
	CloseSpeakerLeft CloseReason = "speaker_left"
)

// Round is the open round. SpeakerSession and the Votes keys are session ids.
type Round struct {
	ID             string
	Number         int
	Phrase         string
	EmotionID      string
	SpeakerSession string
	Choices        []emotions.Choice
	Votes          map[string]string
	Fallback       bool
	StartedAt      time.Time
	Deadline       time.Time // zero when the vote never times out
}

func (rd *Round) hasChoice(emotionID string) bool {
	return slices.ContainsFunc(rd.Choices, func(c emotions.Choice) bool { return c.ID == emotionID })
}

// speakerDelta is the speaker's reward for a round with the given number of
// correct listeners.
func speakerDelta(s Scoring, correct int) int {
	if s == ScoreFlat {
		if correct > 0 {
			return 1
		}
		return 0
	}
	return correct
}
