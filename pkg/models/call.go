package models

import (
	"time"
)

// CallDirection indicates whether a call was received or placed by the platform.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallState represents the lifecycle of a call session.
// Transitions are strictly forward: created -> connecting -> active -> closed.
type CallState string

const (
	CallStateCreated    CallState = "created"
	CallStateConnecting CallState = "connecting"
	CallStateActive     CallState = "active"
	CallStateClosed     CallState = "closed"
)

// IsTerminal returns true once the call has ended. A closed session is never
// resurrected.
func (s CallState) IsTerminal() bool {
	return s == CallStateClosed
}

// TurnRole identifies who produced a transcript turn.
type TurnRole string

const (
	TurnCaller   TurnRole = "caller"
	TurnPlatform TurnRole = "platform"
	TurnDTMF     TurnRole = "dtmf"
)

// Turn is one entry in a call's in-memory transcript. Transcripts exist only
// for the lifetime of the call; they are never persisted.
type Turn struct {
	Role    TurnRole  `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// CallSession is the per-call configuration and state record. It is created
// when a call is placed (outbound) or when the inbound webhook resolves the
// target agent, owned exclusively by the relay handler for the call's
// lifetime, and discarded when the call closes. Loss on process restart is
// acceptable because the underlying call terminates with the process.
type CallSession struct {
	CallID    string        `json:"call_id"`
	AgentID   string        `json:"agent_id"`
	Direction CallDirection `json:"direction"`
	From      string        `json:"from"`
	To        string        `json:"to"`

	// Instructions is the system prompt for this call. Greeting is spoken
	// before the first caller turn on outbound calls.
	Instructions   string `json:"instructions,omitempty"`
	Greeting       string `json:"greeting,omitempty"`
	VoiceID        string `json:"voice_id,omitempty"`
	Language       string `json:"language,omitempty"`
	CallerLanguage string `json:"caller_language,omitempty"`

	// SessionToken links an outbound call's webhook callback to this session.
	// It is only meaningful until the call connects.
	SessionToken string `json:"session_token,omitempty"`

	State          CallState `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	Transcript []Turn `json:"transcript,omitempty"`
}

// Touch records activity on the session for idle eviction purposes.
func (s *CallSession) Touch(now time.Time) {
	s.LastActivityAt = now
}

// AppendTurn adds a transcript entry, trimming the oldest entries beyond max.
func (s *CallSession) AppendTurn(role TurnRole, content string, now time.Time, max int) {
	s.Transcript = append(s.Transcript, Turn{Role: role, Content: content, At: now})
	if max > 0 && len(s.Transcript) > max {
		s.Transcript = s.Transcript[len(s.Transcript)-max:]
	}
}

// TranscriptText renders the transcript as alternating labeled lines for use
// in a sampling request.
func (s *CallSession) TranscriptText() string {
	var out string
	for _, turn := range s.Transcript {
		switch turn.Role {
		case TurnCaller:
			out += "Caller: " + turn.Content + "\n"
		case TurnPlatform:
			out += "Assistant: " + turn.Content + "\n"
		case TurnDTMF:
			out += "Caller pressed: " + turn.Content + "\n"
		}
	}
	return out
}
