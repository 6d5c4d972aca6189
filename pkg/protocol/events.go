// Package protocol defines the wire types of the realtime WebSocket surface
// shared between the hub and its clients.
package protocol

// ProtocolVersion is bumped on breaking changes to the frame shapes.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventMessageCreated = "message_created"
	EventMessageStatus  = "message_status"
	EventPresence       = "presence_update"
	EventTyping         = "typing_status"
	EventNotification   = "notification"
	EventShutdown       = "shutdown"
)

// Client-to-server command names.
const (
	CmdAuthenticate     = "authenticate"
	CmdPresenceUpdate   = "presence_update"
	CmdTypingStart      = "typing_start"
	CmdTypingStop       = "typing_stop"
	CmdMessageDelivered = "message_delivered"
	CmdMessageRead      = "message_read"
)

// EventFrame is a server-pushed event.
type EventFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent creates an event frame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Event: name, Payload: payload}
}

// CommandFrame is a client-sent command.
type CommandFrame struct {
	Command string `json:"command"`

	// Authenticate
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	// Presence
	Status string `json:"status,omitempty"` // online | away | offline

	// Typing
	ConversationID string `json:"conversation_id,omitempty"`

	// Delivery acknowledgements
	MessageID string `json:"message_id,omitempty"`
}

// PresencePayload is the body of presence_update events.
type PresencePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	LastActivity int64 `json:"last_activity"` // unix millis
}

// TypingPayload is the body of typing_status events.
type TypingPayload struct {
	ConversationID string       `json:"conversation_id"`
	Users          []TypingUser `json:"users"`
}

// TypingUser is one participant currently typing.
type TypingUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	StartedAt   int64  `json:"started_at"` // unix millis
}

// MessageStatusPayload is the body of message_status events.
type MessageStatusPayload struct {
	MessageID  string   `json:"message_id"`
	Status     string   `json:"status"` // sent | delivered | read
	ReceivedBy []string `json:"received_by,omitempty"`
	ReadBy     []string `json:"read_by,omitempty"`
}
