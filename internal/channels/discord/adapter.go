// Package discord adapts Discord messages. Discord has no native webhook
// push for inbound messages; a gateway bridge relays MESSAGE_CREATE dispatch
// frames to the webhook endpoint and this adapter consumes them.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Adapter consumes relayed gateway frames and sends through the REST API.
type Adapter struct {
	registry *channels.Registry
	sink     channels.InboundSink

	mu       sync.Mutex
	sessions map[string]*discordgo.Session // token → session
}

// New creates the adapter.
func New(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return &Adapter{
		registry: registry,
		sink:     sink,
		sessions: make(map[string]*discordgo.Session),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() store.ChannelType { return store.ChannelDiscord }

// relayFrame is the bridge envelope: the gateway dispatch opcode name plus
// its data payload.
type relayFrame struct {
	T string            `json:"t"`
	D discordgo.Message `json:"d"`
}

// HandleWebhook parses one relayed MESSAGE_CREATE frame.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, channelID string) error {
	var frame relayFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return channels.Permanent(fmt.Errorf("parse discord relay frame: %w", err))
	}
	if frame.T != "MESSAGE_CREATE" {
		return nil
	}
	msg := frame.D
	if msg.Author == nil || msg.Author.Bot {
		return nil
	}

	cfg, err := a.registry.ConfigFor(ctx, store.ChannelDiscord, channelID)
	if err != nil {
		return err
	}

	senderName := msg.Author.GlobalName
	if senderName == "" {
		senderName = msg.Author.Username
	}
	ev := bus.InboundEvent{
		From:        msg.ChannelID,
		To:          cfg.ID,
		MessageID:   msg.ID,
		Content:     msg.Content,
		ContentType: "text",
		ChannelType: string(store.ChannelDiscord),
		ChannelName: cfg.Name,
		SenderName:  senderName,
		Metadata: map[string]string{
			"author_id": msg.Author.ID,
			"guild_id":  msg.GuildID,
		},
	}
	if ts, err := discordgo.SnowflakeTimestamp(msg.ID); err == nil {
		ev.Timestamp = ts.UTC()
	}
	return a.sink.Ingest(ctx, ev)
}

// SendMessage posts to a Discord channel id through the REST API.
func (a *Adapter) SendMessage(ctx context.Context, recipient, content string) error {
	cfg, err := a.registry.ConfigFor(ctx, store.ChannelDiscord, "")
	if err != nil {
		return err
	}
	token, err := cfg.RequireSetting("token")
	if err != nil {
		return err
	}

	session, err := a.session(token)
	if err != nil {
		return err
	}
	if _, err := session.ChannelMessageSend(recipient, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send to %s: %w", recipient, err)
	}
	return nil
}

// session returns a REST-only session for the token. The gateway connection
// is never opened; sends work over plain HTTP.
func (a *Adapter) session(token string) (*discordgo.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[token]; ok {
		return s, nil
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	a.sessions[token] = s
	return s, nil
}
