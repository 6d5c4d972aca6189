package store

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies a supported provider protocol. The set is closed:
// dispatch tables are built over AllChannelTypes and anything else is rejected
// at the classifier boundary.
type ChannelType string

const (
	ChannelWhatsAppTwilio ChannelType = "whatsapp_twilio"
	ChannelWhatsAppCloud  ChannelType = "whatsapp_cloud"
	ChannelSMS            ChannelType = "sms"
	ChannelMessenger      ChannelType = "messenger"
	ChannelInstagram      ChannelType = "instagram"
	ChannelTelegram       ChannelType = "telegram"
	ChannelSlack          ChannelType = "slack"
	ChannelDiscord        ChannelType = "discord"
	ChannelEmail          ChannelType = "email"
)

// AllChannelTypes lists every supported channel type in classifier priority
// order. Earlier entries win when two predicates could both match.
var AllChannelTypes = []ChannelType{
	ChannelWhatsAppTwilio,
	ChannelWhatsAppCloud,
	ChannelSMS,
	ChannelMessenger,
	ChannelInstagram,
	ChannelTelegram,
	ChannelSlack,
	ChannelDiscord,
	ChannelEmail,
}

// Valid reports whether t is a member of the closed channel type set.
func (t ChannelType) Valid() bool {
	for _, known := range AllChannelTypes {
		if t == known {
			return true
		}
	}
	return false
}

// QueueStatus is the lifecycle state of a queue item.
// Succeeded and DeadLettered are terminal.
type QueueStatus string

const (
	StatusPending      QueueStatus = "pending"
	StatusProcessing   QueueStatus = "processing"
	StatusSucceeded    QueueStatus = "succeeded"
	StatusFailed       QueueStatus = "failed"
	StatusDeadLettered QueueStatus = "dead_lettered"
)

// QueueItem is one unit of webhook work. Items are created by the HTTP layer
// on ingestion and mutated only by the worker that currently owns them.
type QueueItem struct {
	ID           uuid.UUID
	ChannelType  ChannelType
	ChannelID    string // optional reference to a configured channel instance
	Payload      []byte
	Priority     int // lower runs sooner
	Status       QueueStatus
	AttemptCount int
	LastError    string
	ReceivedAt   time.Time
	NextRetryAt  time.Time
	UpdatedAt    time.Time
}

// Contact is an external party, created lazily on first inbound message.
// Identifier is the channel-scoped external id (phone, chat id, slack user).
type Contact struct {
	ID         uuid.UUID
	Identifier string
	Name       string
	Phone      string
	Email      string
	Source     ChannelType
	Tags       []string
	LeadStage  string
	LeadScore  int
	CreatedAt  time.Time
}

// ConversationStatus tracks agent workflow state of a conversation.
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationPending  ConversationStatus = "pending"
	ConversationResolved ConversationStatus = "resolved"
)

// Conversation is a thread between one contact and the org on one channel
// instance. Lookup today is by contact identifier only; see DESIGN.md for the
// per-(contact,channel) open question.
type Conversation struct {
	ID                uuid.UUID
	ContactID         uuid.UUID
	ChannelID         string
	ContactIdentifier string
	Status            ConversationStatus
	AssignedTo        string // empty = unassigned
	LastMessageID     uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MessageDirection distinguishes inbound webhooks from agent sends.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageStatus is the delivery state of a message. Order matters: status
// only ever upgrades (sent < delivered < read).
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// Rank returns the ordering weight of a status for monotonic upgrades.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageRead:
		return 3
	case MessageDelivered:
		return 2
	case MessageSent:
		return 1
	}
	return 0
}

// Message is one persisted message in a conversation. Immutable after
// creation except Status. ExternalID is the provider message id and is
// unique per (ChannelType, ExternalID) for webhook re-delivery dedup.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Content        string
	ContentType    string
	Direction      MessageDirection
	Status         MessageStatus
	ChannelType    ChannelType
	ExternalID     string
	CreatedAt      time.Time
}

// ChannelInstance is one configured provider account (e.g. one Twilio
// WhatsApp number) with isolated credentials. Credentials live in Settings.
type ChannelInstance struct {
	ID        string
	Type      ChannelType
	Name      string
	Enabled   bool
	Settings  map[string]string
	CreatedAt time.Time
}

// QueueStats is an aggregate view of queue health for dashboards.
type QueueStats struct {
	Pending      int `json:"pending"`
	Processing   int `json:"processing"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	// SucceededLastHour is a coarse throughput signal for dashboards.
	SucceededLastHour int `json:"succeeded_last_hour"`
	// OldestPending is zero when nothing is waiting.
	OldestPending time.Time `json:"oldest_pending,omitempty"`
}

// Total returns the number of items across all states.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Succeeded + s.Failed + s.DeadLettered
}
