// Package meta adapts the Meta Graph webhook family: WhatsApp Cloud API,
// Messenger and Instagram. The three products share the envelope (object +
// entry array) and the Graph send API, differing only in the entry body.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
)

const graphBase = "https://graph.facebook.com/v19.0"

// Adapter handles one Graph-backed channel type.
type Adapter struct {
	channelType store.ChannelType
	registry    *channels.Registry
	sink        channels.InboundSink
	client      *resty.Client
}

// NewWhatsAppCloud creates the WhatsApp Cloud API adapter.
func NewWhatsAppCloud(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return newAdapter(store.ChannelWhatsAppCloud, registry, sink)
}

// NewMessenger creates the Facebook Messenger adapter.
func NewMessenger(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return newAdapter(store.ChannelMessenger, registry, sink)
}

// NewInstagram creates the Instagram messaging adapter.
func NewInstagram(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return newAdapter(store.ChannelInstagram, registry, sink)
}

func newAdapter(t store.ChannelType, registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return &Adapter{
		channelType: t,
		registry:    registry,
		sink:        sink,
		client:      resty.New().SetTimeout(15 * time.Second),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() store.ChannelType { return a.channelType }

// webhookEnvelope is the common Graph webhook wrapper.
type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID string `json:"id"`

		// WhatsApp Cloud
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`

		// Messenger / Instagram
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   struct {
				MID  string `json:"mid"`
				Text string `json:"text"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// HandleWebhook walks every message in the envelope. One webhook can carry
// several messages; each ingests independently and the first failure aborts
// so the provider redelivers (dedup absorbs the replays).
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, channelID string) error {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return channels.Permanent(fmt.Errorf("parse graph webhook: %w", err))
	}

	cfg, err := a.registry.ConfigFor(ctx, a.channelType, channelID)
	if err != nil {
		return err
	}

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "" && msg.Type != "text" {
					continue
				}
				ts := time.Now().UTC()
				if secs, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
					ts = time.Unix(secs, 0).UTC()
				}
				ev := bus.InboundEvent{
					From:        msg.From,
					To:          cfg.ID,
					MessageID:   msg.ID,
					Timestamp:   ts,
					Content:     msg.Text.Body,
					ContentType: "text",
					ChannelType: string(a.channelType),
					ChannelName: cfg.Name,
					SenderName:  names[msg.From],
				}
				if err := a.sink.Ingest(ctx, ev); err != nil {
					return err
				}
			}
		}

		for _, msg := range entry.Messaging {
			if msg.Message.MID == "" {
				continue // delivery/read echo, not an inbound message
			}
			ev := bus.InboundEvent{
				From:        msg.Sender.ID,
				To:          msg.Recipient.ID,
				MessageID:   msg.Message.MID,
				Timestamp:   time.UnixMilli(msg.Timestamp).UTC(),
				Content:     msg.Message.Text,
				ContentType: "text",
				ChannelType: string(a.channelType),
				ChannelName: cfg.Name,
			}
			if err := a.sink.Ingest(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendMessage posts via the Graph API. WhatsApp Cloud sends through the
// configured phone number id; Messenger and Instagram send as the page.
func (a *Adapter) SendMessage(ctx context.Context, recipient, content string) error {
	cfg, err := a.registry.ConfigFor(ctx, a.channelType, "")
	if err != nil {
		return err
	}
	accessToken, err := cfg.RequireSetting("access_token")
	if err != nil {
		return err
	}

	var endpoint string
	var body interface{}
	if a.channelType == store.ChannelWhatsAppCloud {
		phoneNumberID, err := cfg.RequireSetting("phone_number_id")
		if err != nil {
			return err
		}
		endpoint = fmt.Sprintf("%s/%s/messages", graphBase, phoneNumberID)
		body = map[string]interface{}{
			"messaging_product": "whatsapp",
			"to":                recipient,
			"type":              "text",
			"text":              map[string]string{"body": content},
		}
	} else {
		endpoint = graphBase + "/me/messages"
		body = map[string]interface{}{
			"recipient": map[string]string{"id": recipient},
			"message":   map[string]string{"text": content},
		}
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("graph send via %s: %w", a.channelType, err)
	}
	if resp.IsError() {
		return fmt.Errorf("graph send via %s: status %d: %s",
			a.channelType, resp.StatusCode(), resp.String())
	}
	return nil
}
