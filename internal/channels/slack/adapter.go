// Package slack adapts the Slack Events API.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Adapter translates Events API callbacks into inbound events.
type Adapter struct {
	registry *channels.Registry
	sink     channels.InboundSink

	mu      sync.Mutex
	clients map[string]*slack.Client // bot token → client
}

// New creates the adapter.
func New(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return &Adapter{
		registry: registry,
		sink:     sink,
		clients:  make(map[string]*slack.Client),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() store.ChannelType { return store.ChannelSlack }

// HandleWebhook parses one Events API delivery. url_verification handshakes
// are answered at the HTTP layer before enqueueing and never reach here with
// work to do; bot echoes are skipped so the gateway does not talk to itself.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, channelID string) error {
	event, err := slackevents.ParseEvent(json.RawMessage(payload),
		slackevents.OptionNoVerifyToken())
	if err != nil {
		return channels.Permanent(fmt.Errorf("parse slack event: %w", err))
	}

	if event.Type != slackevents.CallbackEvent {
		return nil
	}
	msg, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg.BotID != "" || msg.SubType != "" || msg.User == "" {
		return nil
	}

	cfg, err := a.registry.ConfigFor(ctx, store.ChannelSlack, channelID)
	if err != nil {
		return err
	}

	ts := time.Now().UTC()
	if secs, err := strconv.ParseFloat(strings.SplitN(msg.TimeStamp, ".", 2)[0], 64); err == nil {
		ts = time.Unix(int64(secs), 0).UTC()
	}

	return a.sink.Ingest(ctx, bus.InboundEvent{
		From:        msg.User,
		To:          msg.Channel,
		MessageID:   msg.Channel + ":" + msg.TimeStamp,
		Timestamp:   ts,
		Content:     msg.Text,
		ContentType: "text",
		ChannelType: string(store.ChannelSlack),
		ChannelName: cfg.Name,
		Metadata: map[string]string{
			"slack_channel": msg.Channel,
			"thread_ts":     msg.ThreadTimeStamp,
		},
	})
}

// SendMessage posts to a Slack channel or user id.
func (a *Adapter) SendMessage(ctx context.Context, recipient, content string) error {
	cfg, err := a.registry.ConfigFor(ctx, store.ChannelSlack, "")
	if err != nil {
		return err
	}
	token, err := cfg.RequireSetting("bot_token")
	if err != nil {
		return err
	}

	a.mu.Lock()
	client, ok := a.clients[token]
	if !ok {
		client = slack.New(token)
		a.clients[token] = client
	}
	a.mu.Unlock()

	_, _, err = client.PostMessageContext(ctx, recipient,
		slack.MsgOptionText(content, false))
	if err != nil {
		return fmt.Errorf("slack send to %s: %w", recipient, err)
	}
	return nil
}
