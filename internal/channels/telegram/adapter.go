// Package telegram adapts Telegram Bot API webhooks and sends.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Adapter translates Telegram updates into inbound events. Bot clients are
// created lazily per token and cached; tokens come from the channel registry,
// never from adapter state.
type Adapter struct {
	registry *channels.Registry
	sink     channels.InboundSink

	mu   sync.Mutex
	bots map[string]*telego.Bot // token → client
}

// New creates the adapter.
func New(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return &Adapter{
		registry: registry,
		sink:     sink,
		bots:     make(map[string]*telego.Bot),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() store.ChannelType { return store.ChannelTelegram }

// HandleWebhook parses one Bot API update. Updates without a message (edits,
// callback queries, member changes) are acknowledged and skipped.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, channelID string) error {
	var update telego.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return channels.Permanent(fmt.Errorf("parse telegram update: %w", err))
	}
	msg := update.Message
	if msg == nil || msg.From == nil {
		return nil
	}

	cfg, err := a.registry.ConfigFor(ctx, store.ChannelTelegram, channelID)
	if err != nil {
		return err
	}

	content := msg.Text
	contentType := "text"
	switch {
	case len(msg.Photo) > 0:
		content = msg.Caption
		contentType = "image"
	case msg.Voice != nil:
		content = msg.Caption
		contentType = "audio"
	case msg.Document != nil:
		content = msg.Caption
		contentType = "file"
	}

	senderName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	return a.sink.Ingest(ctx, bus.InboundEvent{
		From:        strconv.FormatInt(msg.Chat.ID, 10),
		To:          cfg.ID,
		MessageID:   fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		Timestamp:   time.Unix(msg.Date, 0).UTC(),
		Content:     content,
		ContentType: contentType,
		ChannelType: string(store.ChannelTelegram),
		ChannelName: cfg.Name,
		SenderName:  senderName,
		Metadata: map[string]string{
			"username": msg.From.Username,
		},
	})
}

// SendMessage implements channels.Adapter. recipient is the chat id.
func (a *Adapter) SendMessage(ctx context.Context, recipient, content string) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram recipient %q is not a chat id: %w", recipient, err)
	}

	bot, err := a.bot(ctx)
	if err != nil {
		return err
	}
	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), content)); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}

func (a *Adapter) bot(ctx context.Context) (*telego.Bot, error) {
	cfg, err := a.registry.ConfigFor(ctx, store.ChannelTelegram, "")
	if err != nil {
		return nil, err
	}
	token, err := cfg.RequireSetting("token")
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	a.bots[token] = bot
	return bot, nil
}
