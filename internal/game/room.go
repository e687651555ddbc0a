// Package game is the per-room state machine. A Room is not safe for
// concurrent use; callers serialize access through the session store.
package game

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"emoguchi/internal/apperr"
	"emoguchi/internal/emotions"
	"emoguchi/internal/events"
	"emoguchi/internal/phrases"
	"emoguchi/internal/players"

	"github.com/google/uuid"
)

const maxNameLength = 20

// PhraseSource hands out one (phrase, emotion) pair per round. Pop must not
// block longer than its own budget and must always return an entry.
type PhraseSource interface {
	Pop(ctx context.Context, mode emotions.Mode) phrases.Entry
}

type Option func(*Room)

func WithHooks(h Hooks) Option {
	return func(r *Room) {
		if h != nil {
			r.hooks = h
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(r *Room) { r.rng = rng }
}

type Room struct {
	id          string
	hostTokenID string
	cfg         RoomConfig
	players     *players.Store
	phase       Phase
	round       *Round

	gameID          string
	roundNumber     int
	completedRounds int
	completedCycles int
	spoken          map[string]bool
	lastSpeaker     string
	lastSpeakerPos  int
	gameComplete    bool
	lastRound       *RoundSummary
	lastResult      *RoundResult
	rankings        []Ranking

	createdAt  time.Time
	lastActive time.Time

	hooks Hooks
	now   func() time.Time
	rng   *rand.Rand
}

func NewRoom(id string, cfg RoomConfig, opts ...Option) *Room {
	r := &Room{
		id:          id,
		hostTokenID: uuid.NewString(),
		cfg:         cfg,
		players:     players.NewStore(),
		phase:       PhaseWaiting,
		spoken:      make(map[string]bool),
		hooks:       NopHooks{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	r.createdAt = r.now()
	r.lastActive = r.createdAt
	return r
}

func (r *Room) ID() string              { return r.id }
func (r *Room) Phase() Phase            { return r.phase }
func (r *Room) Config() RoomConfig      { return r.cfg }
func (r *Room) HostTokenID() string     { return r.hostTokenID }
func (r *Room) Players() *players.Store { return r.players }

// CurrentRound returns the open round or nil.
func (r *Room) CurrentRound() *Round { return r.round }

// Pending reports the open round's id and vote deadline, if it has one.
func (r *Room) Pending() (roundID string, deadline time.Time, ok bool) {
	if r.round == nil || r.round.Deadline.IsZero() {
		return "", time.Time{}, false
	}
	return r.round.ID, r.round.Deadline, true
}

// Join adds a player, or reconnects a known session in place with its score.
func (r *Room) Join(sessionID, name string) ([]events.Outbound, error) {
	if r.phase == PhaseClosed {
		return nil, apperr.New(apperr.NotFound, "room is closed")
	}
	if sessionID == "" {
		return nil, apperr.New(apperr.BadRequest, "session id is required")
	}
	name = strings.TrimSpace(name)
	now := r.now()

	var out []events.Outbound
	if p := r.players.Get(sessionID); p != nil {
		if !p.Connected {
			p.Connected = true
			p.DisconnectedAt = time.Time{}
			out = append(out, events.Broadcast(events.PlayerReconnected, playerPayload(p)))
		}
	} else {
		if name == "" {
			return nil, apperr.New(apperr.BadRequest, "player name is required")
		}
		if utf8.RuneCountInString(name) > maxNameLength {
			return nil, apperr.Newf(apperr.BadRequest, "player name must be at most %d characters", maxNameLength)
		}
		if r.players.Count() >= r.cfg.MaxPlayers {
			return nil, apperr.New(apperr.RoomFull, "")
		}
		p = r.players.Add(sessionID, name, now)
		r.players.EnsureHost()
		out = append(out, events.Broadcast(events.PlayerJoined, playerPayload(p)))
	}

	r.lastActive = now
	out = append(out, r.stateEvent())
	out = append(out, r.catchUp(sessionID)...)
	return out, r.checkInvariants()
}

// StartRound opens the next round. Only the host may call it, from waiting or
// from a result that did not end the game.
func (r *Room) StartRound(ctx context.Context, sessionID string, src PhraseSource) ([]events.Outbound, error) {
	p := r.players.Get(sessionID)
	if p == nil {
		return nil, apperr.New(apperr.Forbidden, "not a member of this room")
	}
	if !p.IsHost {
		return nil, apperr.New(apperr.Forbidden, "only the host can start a round")
	}
	if r.phase != PhaseWaiting && r.phase != PhaseResult {
		return nil, apperr.Newf(apperr.Forbidden, "cannot start a round while %s", r.phase)
	}
	if r.gameComplete {
		return nil, apperr.New(apperr.Forbidden, "game is complete, restart to play again")
	}
	if r.players.ConnectedCount() < 2 {
		return nil, apperr.New(apperr.NotEnoughPlayers, "")
	}
	speaker := r.nextSpeaker()
	if speaker == nil {
		return nil, apperr.New(apperr.NotEnoughPlayers, "")
	}

	var entry phrases.Entry
	if src != nil {
		entry = src.Pop(ctx, r.cfg.Mode)
	}
	if entry.Phrase == "" || !emotions.InMode(r.cfg.Mode, entry.EmotionID) {
		entry = phrases.FallbackEntry(r.cfg.Mode, r.roundNumber)
	}
	emotion, _ := emotions.Lookup(entry.EmotionID)

	now := r.now()
	rd := &Round{
		ID:             uuid.NewString(),
		Number:         r.roundNumber + 1,
		Phrase:         entry.Phrase,
		EmotionID:      emotion.ID,
		SpeakerSession: speaker.SessionID,
		Choices:        emotions.Choices(r.cfg.Mode, r.cfg.VoteType, emotion.ID, r.rng),
		Votes:          make(map[string]string),
		Fallback:       entry.Fallback,
		StartedAt:      now,
	}
	if d := r.cfg.VoteTimeoutDuration(); d > 0 {
		rd.Deadline = now.Add(d)
	}

	if r.gameID == "" {
		r.gameID = uuid.NewString()
	}
	r.roundNumber++
	r.lastSpeaker = speaker.SessionID
	r.lastSpeakerPos = r.players.IndexOf(speaker.SessionID)
	r.enterRound(rd)
	r.lastActive = now

	out := []events.Outbound{
		events.Broadcast(events.RoundStart, r.roundStart()),
		events.Unicast(speaker.SessionID, events.SpeakerEmotion, SpeakerEmotion{
			RoundID:     rd.ID,
			EmotionID:   emotion.ID,
			EmotionName: emotion.Name,
		}),
		r.stateEvent(),
	}
	return out, r.checkInvariants()
}

// SubmitVote records or overwrites a listener's vote, closing the round once
// every connected listener has voted.
func (r *Room) SubmitVote(sessionID, roundID, emotionID string) ([]events.Outbound, error) {
	p := r.players.Get(sessionID)
	if p == nil {
		return nil, apperr.New(apperr.Forbidden, "not a member of this room")
	}
	if r.round == nil || r.round.ID != roundID {
		return nil, apperr.Newf(apperr.StaleRound, "round %s is not open", roundID)
	}
	if r.round.SpeakerSession == sessionID {
		return nil, apperr.New(apperr.Forbidden, "the speaker cannot vote")
	}
	if !r.round.hasChoice(emotionID) {
		return nil, apperr.Newf(apperr.BadRequest, "%q is not a voting choice", emotionID)
	}

	r.round.Votes[sessionID] = emotionID
	r.lastActive = r.now()

	voted, eligible := r.voteCount()
	out := []events.Outbound{events.Broadcast(events.VoteProgress, VoteProgress{
		RoundID:  roundID,
		Voted:    voted,
		Eligible: eligible,
	})}
	if eligible > 0 && voted >= eligible {
		out = append(out, r.closeRound(CloseAllVoted)...)
		out = append(out, r.stateEvent())
	}
	return out, r.checkInvariants()
}

// ForceClose closes the round with whatever votes have arrived. It is the
// vote-timeout path; a round id that is no longer open is rejected so a late
// timer can never close a round twice.
func (r *Room) ForceClose(roundID string) ([]events.Outbound, error) {
	if r.round == nil || r.round.ID != roundID {
		return nil, apperr.Newf(apperr.StaleRound, "round %s is not open", roundID)
	}
	out := r.closeRound(CloseTimeout)
	out = append(out, r.stateEvent())
	return out, r.checkInvariants()
}

// Leave handles both an explicit leave and a dropped connection. An explicit
// leave while waiting removes the player; anything else marks them
// disconnected so a reconnect keeps their score. A departing speaker closes
// the open round.
func (r *Room) Leave(sessionID string, explicit bool) ([]events.Outbound, error) {
	if r.phase == PhaseClosed {
		return nil, apperr.New(apperr.NotFound, "room is closed")
	}
	p := r.players.Get(sessionID)
	if p == nil {
		return nil, apperr.New(apperr.NotFound, "player is not in this room")
	}
	if !explicit && !p.Connected {
		return nil, nil
	}

	now := r.now()
	wasSpeaker := r.round != nil && r.round.SpeakerSession == sessionID

	var out []events.Outbound
	if explicit && r.phase == PhaseWaiting {
		r.players.Remove(sessionID)
	} else {
		p.Connected = false
		p.DisconnectedAt = now
	}
	if explicit {
		if p.IsHost && r.players.Get(sessionID) != nil {
			p.IsHost = false
		}
		r.players.EnsureHost()
		out = append(out,
			events.Unicast(sessionID, events.LeftRoom, events.RoomClosedPayload{RoomID: r.id, Reason: "left"}),
			events.Broadcast(events.PlayerLeft, playerPayload(p)),
		)
	} else {
		out = append(out, events.Broadcast(events.PlayerDisconnected, playerPayload(p)))
	}

	switch {
	case wasSpeaker:
		out = append(out, r.closeRound(CloseSpeakerLeft)...)
	case r.round != nil:
		if voted, eligible := r.voteCount(); eligible > 0 && voted >= eligible {
			out = append(out, r.closeRound(CloseAllVoted)...)
		}
	}

	r.lastActive = now
	out = append(out, r.stateEvent())
	return out, r.checkInvariants()
}

// Restart returns a finished game to waiting with zero scores. Roster order
// and configuration are kept.
func (r *Room) Restart(sessionID string) ([]events.Outbound, error) {
	p := r.players.Get(sessionID)
	if p == nil || !p.IsHost {
		return nil, apperr.New(apperr.Forbidden, "only the host can restart the game")
	}
	if r.phase != PhaseResult || !r.gameComplete {
		return nil, apperr.New(apperr.Forbidden, "game is not complete")
	}

	r.players.ResetAll()
	r.gameID = ""
	r.roundNumber = 0
	r.completedRounds = 0
	r.completedCycles = 0
	r.spoken = make(map[string]bool)
	r.lastSpeaker = ""
	r.lastSpeakerPos = 0
	r.gameComplete = false
	r.lastResult = nil
	r.rankings = nil
	r.setPhase(PhaseWaiting)
	r.lastActive = r.now()

	return []events.Outbound{r.stateEvent()}, r.checkInvariants()
}

// UpdateConfig applies a host's configuration change.
func (r *Room) UpdateConfig(sessionID string, patch events.ConfigPatch) ([]events.Outbound, error) {
	p := r.players.Get(sessionID)
	if p == nil || !p.IsHost {
		return nil, apperr.New(apperr.Forbidden, "only the host can change the configuration")
	}
	return r.ApplyConfig(patch)
}

// ApplyConfig replaces the configuration atomically. Authorization is the
// caller's job. Only allowed while waiting.
func (r *Room) ApplyConfig(patch events.ConfigPatch) ([]events.Outbound, error) {
	if r.phase != PhaseWaiting {
		return nil, apperr.Newf(apperr.Conflict, "configuration cannot change while %s", r.phase)
	}
	next := r.cfg.Apply(patch)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	r.cfg = next
	return []events.Outbound{r.stateEvent()}, r.checkInvariants()
}

// Close moves the room to its terminal phase. Closing twice is a no-op.
func (r *Room) Close(reason string) []events.Outbound {
	if r.phase == PhaseClosed {
		return nil
	}
	r.setPhase(PhaseClosed)
	r.hooks.OnRoomClose(r.Snapshot())
	return []events.Outbound{events.Broadcast(events.RoomClosed, events.RoomClosedPayload{RoomID: r.id, Reason: reason})}
}

// PruneDisconnected removes players whose disconnect grace has expired.
func (r *Room) PruneDisconnected(now time.Time, grace time.Duration) []events.Outbound {
	var out []events.Outbound
	for _, p := range r.players.List() {
		if p.Connected || p.DisconnectedAt.IsZero() || now.Sub(p.DisconnectedAt) < grace {
			continue
		}
		r.players.Remove(p.SessionID)
		out = append(out, events.Broadcast(events.PlayerLeft, playerPayload(p)))
	}
	if len(out) == 0 {
		return nil
	}
	r.players.EnsureHost()
	return append(out, r.stateEvent())
}

// IdleFor is how long the room has had no connected player, or zero.
func (r *Room) IdleFor(now time.Time) time.Duration {
	if r.players.ConnectedCount() > 0 {
		return 0
	}
	return now.Sub(r.lastActive)
}

func (r *Room) closeRound(reason CloseReason) []events.Outbound {
	rd := r.round
	now := r.now()
	speaker := r.players.Get(rd.SpeakerSession)

	deltas := make(map[string]int)
	publicVotes := make(map[string]string, len(rd.Votes))
	publicDeltas := make(map[string]int)
	results := make([]PlayerResult, 0, r.players.Count())
	correct := 0
	for _, p := range r.players.List() {
		if v, ok := rd.Votes[p.SessionID]; ok && v == rd.EmotionID && p.SessionID != rd.SpeakerSession {
			deltas[p.SessionID]++
			correct++
		}
	}
	if speaker != nil {
		if d := speakerDelta(r.cfg.Scoring, correct); d > 0 {
			deltas[speaker.SessionID] += d
		}
	}
	for id, d := range deltas {
		r.players.UpdateScore(id, d)
	}

	r.completedRounds++
	r.spoken[rd.SpeakerSession] = true
	if r.cycleDone() {
		r.completedCycles++
		r.spoken = make(map[string]bool)
	}
	r.leaveRound(PhaseResult)
	r.gameComplete = r.limitReached()

	emotion, _ := emotions.Lookup(rd.EmotionID)
	speakerName, speakerID := "", ""
	if speaker != nil {
		speakerName, speakerID = speaker.Name, speaker.ID
	}
	scores := make(map[string]int)
	votes := make(map[string]string)
	for _, p := range r.players.List() {
		scores[p.Name] = p.Score
		v, voted := rd.Votes[p.SessionID]
		if voted {
			votes[p.Name] = v
			publicVotes[p.ID] = v
		}
		if d := deltas[p.SessionID]; d != 0 {
			publicDeltas[p.ID] = d
		}
		results = append(results, PlayerResult{
			PlayerID: p.ID,
			Name:     p.Name,
			Vote:     v,
			Correct:  voted && v == rd.EmotionID,
			Delta:    deltas[p.SessionID],
			Score:    p.Score,
		})
	}

	result := &RoundResult{
		RoundID:          rd.ID,
		CorrectEmotion:   emotion.Name,
		CorrectEmotionID: rd.EmotionID,
		SpeakerName:      speakerName,
		Scores:           scores,
		Votes:            votes,
		Results:          results,
		Abandoned:        reason == CloseSpeakerLeft,
		IsGameComplete:   r.gameComplete,
		CompletedRounds:  r.completedRounds,
		CompletedCycles:  r.completedCycles,
		MaxRounds:        r.cfg.MaxRounds,
	}
	r.lastResult = result
	r.lastRound = &RoundSummary{
		ID:          rd.ID,
		Number:      rd.Number,
		Phrase:      rd.Phrase,
		EmotionID:   rd.EmotionID,
		SpeakerID:   speakerID,
		SpeakerName: speakerName,
		Votes:       publicVotes,
		Deltas:      publicDeltas,
		Abandoned:   result.Abandoned,
		Fallback:    rd.Fallback,
		StartedAt:   rd.StartedAt,
		EndedAt:     now,
	}

	out := []events.Outbound{events.Broadcast(events.RoundResult, *result)}
	if r.gameComplete {
		r.rankings = r.rank()
		out = append(out, events.Broadcast(events.GameComplete, GameComplete{
			Rankings:    r.rankings,
			TotalRounds: r.completedRounds,
		}))
	}
	r.hooks.OnRoundEnd(r.Snapshot())
	return out
}

// cycleDone reports whether every connected player has spoken since the last
// cycle boundary.
func (r *Room) cycleDone() bool {
	connected := r.players.Connected()
	if len(connected) == 0 {
		return false
	}
	for _, p := range connected {
		if !r.spoken[p.SessionID] {
			return false
		}
	}
	return true
}

func (r *Room) limitReached() bool {
	if r.cfg.LimitUnit == LimitCycles {
		return r.completedCycles >= r.cfg.MaxRounds
	}
	return r.completedRounds >= r.cfg.MaxRounds
}

// rank sorts by score descending. The sort is stable over join order, so
// ties keep join order and still get distinct ranks.
func (r *Room) rank() []Ranking {
	list := r.players.List()
	slices.SortStableFunc(list, func(a, b *players.Player) int { return b.Score - a.Score })
	out := make([]Ranking, len(list))
	for i, p := range list {
		out[i] = Ranking{PlayerID: p.ID, Name: p.Name, Score: p.Score, Rank: i + 1}
	}
	return out
}

func (r *Room) voteCount() (voted, eligible int) {
	for _, p := range r.players.Connected() {
		if p.SessionID == r.round.SpeakerSession {
			continue
		}
		eligible++
		if _, ok := r.round.Votes[p.SessionID]; ok {
			voted++
		}
	}
	return voted, eligible
}

// enterRound and leaveRound are the only places the round and the in_round
// phase change, so the two always move together.
func (r *Room) enterRound(rd *Round) {
	r.round = rd
	r.phase = PhaseInRound
}

func (r *Room) leaveRound(next Phase) {
	r.round = nil
	r.phase = next
}

func (r *Room) setPhase(p Phase) {
	if p == PhaseInRound {
		panic("game: setPhase cannot enter in_round without a round")
	}
	r.leaveRound(p)
}

func (r *Room) checkInvariants() error {
	if (r.round != nil) != (r.phase == PhaseInRound) {
		return apperr.Newf(apperr.Internal, "room %s: phase %s with round=%v", r.id, r.phase, r.round != nil)
	}
	if r.players.Count() > 0 {
		hosts := 0
		for _, p := range r.players.List() {
			if p.IsHost {
				hosts++
			}
		}
		if hosts != 1 {
			return apperr.Newf(apperr.Internal, "room %s: %d hosts", r.id, hosts)
		}
	}
	return nil
}

// catchUp brings a (re)joining session up to date with an open round or the
// last result.
func (r *Room) catchUp(sessionID string) []events.Outbound {
	switch {
	case r.round != nil:
		out := []events.Outbound{events.Unicast(sessionID, events.RoundStart, r.roundStart())}
		if r.round.SpeakerSession == sessionID {
			emotion, _ := emotions.Lookup(r.round.EmotionID)
			out = append(out, events.Unicast(sessionID, events.SpeakerEmotion, SpeakerEmotion{
				RoundID:     r.round.ID,
				EmotionID:   emotion.ID,
				EmotionName: emotion.Name,
			}))
		}
		return out
	case r.phase == PhaseResult && r.lastResult != nil:
		out := []events.Outbound{events.Unicast(sessionID, events.RoundResult, *r.lastResult)}
		if r.gameComplete {
			out = append(out, events.Unicast(sessionID, events.GameComplete, GameComplete{
				Rankings:    r.rankings,
				TotalRounds: r.completedRounds,
			}))
		}
		return out
	}
	return nil
}

func (r *Room) roundStart() RoundStart {
	rd := r.round
	rs := RoundStart{
		RoundID:       rd.ID,
		RoundNumber:   rd.Number,
		Phrase:        rd.Phrase,
		VotingChoices: rd.Choices,
		VoteTimeout:   r.cfg.VoteTimeout,
	}
	if sp := r.players.Get(rd.SpeakerSession); sp != nil {
		rs.SpeakerName = sp.Name
		rs.SpeakerID = sp.ID
	}
	if !rd.Deadline.IsZero() {
		d := rd.Deadline
		rs.VotingDeadline = &d
	}
	return rs
}

func (r *Room) state() RoomState {
	s := RoomState{
		RoomID:          r.id,
		Players:         r.players.Views(),
		Phase:           r.phase,
		Config:          r.cfg,
		CompletedRounds: r.completedRounds,
		CompletedCycles: r.completedCycles,
		MaxRounds:       r.cfg.MaxRounds,
		IsGameComplete:  r.gameComplete,
	}
	if r.round != nil {
		s.RoundID = r.round.ID
		if sp := r.players.Get(r.round.SpeakerSession); sp != nil {
			s.CurrentSpeaker = sp.Name
			s.CurrentSpeakerID = sp.ID
		}
	}
	return s
}

func (r *Room) stateEvent() events.Outbound {
	return events.Broadcast(events.RoomState, r.state())
}

// Snapshot copies the room into an immutable value.
func (r *Room) Snapshot() Snapshot {
	s := Snapshot{
		RoomState:      r.state(),
		GameID:         r.gameID,
		ConnectedCount: r.players.ConnectedCount(),
		CreatedAt:      r.createdAt,
		LastActive:     r.lastActive,
		TakenAt:        r.now(),
	}
	if r.round != nil {
		s.SpeakerSession = r.round.SpeakerSession
	}
	if r.lastRound != nil {
		lr := *r.lastRound
		s.LastRound = &lr
	}
	if r.rankings != nil {
		s.Rankings = slices.Clone(r.rankings)
	}
	return s
}

func playerPayload(p *players.Player) events.PlayerPayload {
	return events.PlayerPayload{PlayerID: p.ID, PlayerName: p.Name}
}
