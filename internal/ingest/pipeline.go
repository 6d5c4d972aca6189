// Package ingest converts normalized inbound events into persisted
// Contact → Conversation → Message rows, exactly once per provider message
// id, and publishes the result to the realtime hub.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

// Pipeline is the only inbound-path writer of contacts, conversations and
// messages. It implements channels.InboundSink.
type Pipeline struct {
	contacts      store.ContactStore
	conversations store.ConversationStore
	messages      store.MessageStore
	registry      *channels.Registry
	events        bus.EventPublisher
}

// NewPipeline wires the pipeline. events may be nil in tests that only check
// persistence.
func NewPipeline(stores *store.Stores, registry *channels.Registry, events bus.EventPublisher) *Pipeline {
	return &Pipeline{
		contacts:      stores.Contacts,
		conversations: stores.Conversations,
		messages:      stores.Messages,
		registry:      registry,
		events:        events,
	}
}

// MessageCreatedPayload is the body of message_created events.
type MessageCreatedPayload struct {
	Message        *store.Message `json:"message"`
	ConversationID string         `json:"conversation_id"`
}

// Ingest persists one inbound event. The whole write either completes or
// returns an error for the worker pool's retry policy; re-invocation is safe
// because every step is idempotent (upserts plus external-id dedup).
func (p *Pipeline) Ingest(ctx context.Context, ev bus.InboundEvent) error {
	t := store.ChannelType(ev.ChannelType)
	if !t.Valid() {
		return channels.Permanent(fmt.Errorf("inbound event with unknown channel type %q", ev.ChannelType))
	}
	if ev.From == "" {
		return channels.Permanent(errors.New("inbound event missing sender identifier"))
	}

	contact, err := p.findOrCreateContact(ctx, ev, t)
	if err != nil {
		return err
	}

	conv, err := p.findOrCreateConversation(ctx, contact, t)
	if err != nil {
		return err
	}

	msg, err := p.createMessage(ctx, conv, ev, t)
	if err != nil {
		return err
	}
	if msg == nil {
		// Webhook re-delivery; state already matches, nothing to announce.
		return nil
	}

	if err := p.conversations.SetLastMessage(ctx, conv.ID, msg.ID); err != nil {
		slog.Warn("update conversation last message failed",
			"conversation", conv.ID, "message", msg.ID, "error", err)
	}

	if p.events != nil {
		p.events.Broadcast(bus.Event{
			Name: protocol.EventMessageCreated,
			Payload: MessageCreatedPayload{
				Message:        msg,
				ConversationID: conv.ID.String(),
			},
		})
	}

	slog.Info("inbound message ingested",
		"channel", t, "contact", contact.Identifier,
		"conversation", conv.ID, "message", msg.ID)
	return nil
}

// findOrCreateContact resolves the contact atomically. The store upsert
// guarantees exactly one row per identifier even under concurrent identical
// events.
func (p *Pipeline) findOrCreateContact(ctx context.Context, ev bus.InboundEvent, t store.ChannelType) (*store.Contact, error) {
	params := store.UpsertContactParams{
		Identifier: ev.From,
		Name:       ev.SenderName,
		Source:     t,
	}
	if params.Name == "" {
		params.Name = ev.From
	}
	switch t {
	case store.ChannelEmail:
		params.Email = ev.From
	case store.ChannelSMS, store.ChannelWhatsAppTwilio, store.ChannelWhatsAppCloud:
		params.Phone = ev.From
	}

	contact, err := p.contacts.UpsertByIdentifier(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("resolve contact %q: %w", ev.From, err)
	}
	return contact, nil
}

// findOrCreateConversation resolves the conversation for the contact
// identifier. Creation requires an active channel configuration for the
// type; without one the event fails permanently before any Message is
// written.
func (p *Pipeline) findOrCreateConversation(ctx context.Context, contact *store.Contact, t store.ChannelType) (*store.Conversation, error) {
	conv, err := p.conversations.GetByIdentifier(ctx, contact.Identifier)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup conversation for %q: %w", contact.Identifier, err)
	}

	cfg, err := p.registry.ConfigFor(ctx, t, "")
	if err != nil {
		return nil, err
	}

	conv, err = p.conversations.FindOrCreate(ctx, store.CreateConversationParams{
		ContactID:         contact.ID,
		ChannelID:         cfg.ID,
		ContactIdentifier: contact.Identifier,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation for %q: %w", contact.Identifier, err)
	}
	return conv, nil
}

// createMessage inserts the message row. A nil, nil return means the
// provider re-delivered a message we already hold.
func (p *Pipeline) createMessage(ctx context.Context, conv *store.Conversation, ev bus.InboundEvent, t store.ChannelType) (*store.Message, error) {
	contentType := ev.ContentType
	if contentType == "" {
		contentType = "text"
	}
	createdAt := ev.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	msg, err := p.messages.Create(ctx, store.CreateMessageParams{
		ConversationID: conv.ID,
		Content:        ev.Content,
		ContentType:    contentType,
		Direction:      store.DirectionInbound,
		ChannelType:    t,
		ExternalID:     ev.MessageID,
		CreatedAt:      createdAt,
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		slog.Debug("duplicate webhook delivery skipped",
			"channel", t, "external_id", ev.MessageID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist message %q: %w", ev.MessageID, err)
	}
	return msg, nil
}
