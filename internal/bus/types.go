package bus

import "time"

// InboundEvent is the single normalized shape every channel adapter produces
// from its provider webhook. It is the only interface between adapters and
// the ingestion pipeline.
type InboundEvent struct {
	From        string            `json:"from"`         // sender's channel-scoped identifier
	To          string            `json:"to"`           // receiving channel account
	MessageID   string            `json:"message_id"`   // provider message id, for dedup
	Timestamp   time.Time         `json:"timestamp"`    // provider timestamp, not arrival time
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"` // "text", "image", "audio", ...
	ChannelType string            `json:"channel_type"`
	ChannelName string            `json:"channel_name"` // configured instance name
	SenderName  string            `json:"sender_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundSend is an agent-initiated send handed to a channel adapter.
type OutboundSend struct {
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id,omitempty"`
	Recipient   string `json:"recipient"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// Event is a server-side event broadcast to realtime hub subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. The ingestion
// pipeline publishes through it and the realtime hub subscribes, keeping
// both decoupled from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
