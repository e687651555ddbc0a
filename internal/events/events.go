// Package events defines the realtime wire protocol: inbound client events,
// outbound event names, and the routing envelope produced by room operations.
package events

import (
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	JoinRoom     = "join_room"
	StartRound   = "start_round"
	SubmitVote   = "submit_vote"
	LeaveRoom    = "leave_room"
	RestartGame  = "restart_game"
	UpdateConfig = "update_config"
	AudioSend    = "audio_send"
)

// IsInbound reports whether name is a client event this server handles.
func IsInbound(name string) bool {
	switch name {
	case JoinRoom, StartRound, SubmitVote, LeaveRoom, RestartGame, UpdateConfig, AudioSend:
		return true
	}
	return false
}

// Outbound event names.
const (
	Connected          = "connected"
	RoomState          = "room_state"
	PlayerJoined       = "player_joined"
	PlayerReconnected  = "player_reconnected"
	PlayerLeft         = "player_left"
	PlayerDisconnected = "player_disconnected"
	LeftRoom           = "left_room"
	RoundStart         = "round_start"
	SpeakerEmotion     = "speaker_emotion"
	VoteProgress       = "vote_progress"
	RoundResult        = "round_result"
	GameComplete       = "game_complete"
	AudioReceived      = "audio_received"
	RoomClosed         = "room_closed"
	Error              = "error"
)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope data into v. Empty data leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Type: event, Data: data})
}

// Outbound is one event produced by a room operation. An empty To means
// every socket in the room; otherwise only the sockets of that session.
type Outbound struct {
	Event   string
	Payload any
	To      string
}

func (o Outbound) IsUnicast() bool { return o.To != "" }

func Broadcast(event string, payload any) Outbound {
	return Outbound{Event: event, Payload: payload}
}

func Unicast(sessionID, event string, payload any) Outbound {
	return Outbound{Event: event, Payload: payload, To: sessionID}
}

type JoinRoomPayload struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
	SessionID  string `json:"sessionId,omitempty"`
}

type SubmitVotePayload struct {
	RoundID   string `json:"roundId"`
	EmotionID string `json:"emotionId"`
}

// ConfigPatch carries the mutable room settings. Nil fields keep their value.
type ConfigPatch struct {
	Mode         *string `json:"mode,omitempty"`
	VoteType     *string `json:"vote_type,omitempty"`
	SpeakerOrder *string `json:"speaker_order,omitempty"`
	MaxRounds    *int    `json:"max_rounds,omitempty"`
	VoteTimeout  *int    `json:"vote_timeout,omitempty"`
	Scoring      *string `json:"scoring,omitempty"`
	LimitUnit    *string `json:"limit_unit,omitempty"`
}

// AudioPayload holds an opaque recording. encoding/json carries []byte as base64.
type AudioPayload struct {
	Audio []byte `json:"audio"`
}

type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

type PlayerPayload struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

type AudioReceivedPayload struct {
	Audio       []byte `json:"audio"`
	SpeakerName string `json:"speakerName"`
	RoundID     string `json:"roundId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RoomClosedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}
