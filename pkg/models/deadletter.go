package models

import "time"

// Channel identifies the communication channel a dead letter arrived on.
type Channel string

const (
	ChannelVoice Channel = "voice"
)

// DeadLetterReason records why a caller message could not be delivered live.
type DeadLetterReason string

const (
	ReasonAgentOffline DeadLetterReason = "agent_offline"
	ReasonOther        DeadLetterReason = "other"
)

// DeadLetterStatus tracks delivery. A letter moves pending -> delivered
// exactly once; draining the pending set for an agent is the acknowledgment.
type DeadLetterStatus string

const (
	StatusPending   DeadLetterStatus = "pending"
	StatusDelivered DeadLetterStatus = "delivered"
)

// DeadLetter is a durable record of a caller message that could not reach a
// live agent. Created by the relay handler when a call that used the fallback
// path ends with unanswered caller content; marked delivered by the
// dispatcher when the agent reconnects.
type DeadLetter struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agent_id"`
	Channel     Channel          `json:"channel"`
	FromAddress string           `json:"from_address"`
	Body        string           `json:"body"`
	Reason      DeadLetterReason `json:"reason"`
	Status      DeadLetterStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
}
