package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Sender drives the outbound path: agent message → adapter → provider.
// Failures are isolated per channel; a Telegram outage never blocks Slack
// sends or inbound processing.
type Sender struct {
	adapters      *channels.AdapterSet
	conversations store.ConversationStore
	messages      store.MessageStore
	timeout       time.Duration
}

// NewSender wires the outbound path. timeout bounds each provider call.
func NewSender(adapters *channels.AdapterSet, stores *store.Stores, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Sender{
		adapters:      adapters,
		conversations: stores.Conversations,
		messages:      stores.Messages,
		timeout:       timeout,
	}
}

// Send delivers one outbound message and persists it. The provider call is
// attempted first: a failed send is logged and returned without writing a
// Message row, so the conversation never shows messages the contact did not
// receive. Sends are not retried automatically.
func (s *Sender) Send(ctx context.Context, out bus.OutboundSend) (*store.Message, error) {
	t := store.ChannelType(out.ChannelType)
	adapter, ok := s.adapters.Resolve(t)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel type %q", out.ChannelType)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := adapter.SendMessage(sendCtx, out.Recipient, out.Content); err != nil {
		slog.Error("outbound send failed",
			"channel", t, "recipient", out.Recipient, "error", err)
		return nil, fmt.Errorf("send via %s: %w", t, err)
	}

	conv, err := s.conversations.GetByIdentifier(ctx, out.Recipient)
	if err != nil {
		// Sent fine but no conversation to attach to; surface as success
		// without a row rather than failing a delivered message.
		slog.Warn("outbound message sent without conversation",
			"channel", t, "recipient", out.Recipient, "error", err)
		return nil, nil
	}

	contentType := out.ContentType
	if contentType == "" {
		contentType = "text"
	}
	msg, err := s.messages.Create(ctx, store.CreateMessageParams{
		ConversationID: conv.ID,
		Content:        out.Content,
		ContentType:    contentType,
		Direction:      store.DirectionOutbound,
		ChannelType:    t,
	})
	if err != nil {
		return nil, fmt.Errorf("persist outbound message: %w", err)
	}
	if err := s.conversations.SetLastMessage(ctx, conv.ID, msg.ID); err != nil {
		slog.Warn("update conversation last message failed",
			"conversation", conv.ID, "message", msg.ID, "error", err)
	}

	slog.Info("outbound message sent",
		"channel", t, "recipient", out.Recipient, "message", msg.ID)
	return msg, nil
}

// SendToConversation resolves a conversation and sends to its contact.
func (s *Sender) SendToConversation(ctx context.Context, conversationID uuid.UUID, content string) (*store.Message, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("lookup conversation %s: %w", conversationID, err)
	}
	// The conversation's channel instance id pins the provider account.
	adapterType, err := s.channelTypeFor(ctx, conv)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, bus.OutboundSend{
		ChannelType: string(adapterType),
		ChannelID:   conv.ChannelID,
		Recipient:   conv.ContactIdentifier,
		Content:     content,
	})
}

func (s *Sender) channelTypeFor(ctx context.Context, conv *store.Conversation) (store.ChannelType, error) {
	msgs, err := s.messages.ListByConversation(ctx, conv.ID, 1)
	if err != nil || len(msgs) == 0 {
		return "", fmt.Errorf("cannot determine channel type for conversation %s", conv.ID)
	}
	return msgs[0].ChannelType, nil
}
