// Package twilio adapts Twilio messaging webhooks (SMS and WhatsApp). Both
// products share the form-encoded webhook shape and the Messages API; the
// adapter is instantiated once per channel type.
package twilio

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
)

const apiBase = "https://api.twilio.com/2010-04-01"

// Adapter handles one Twilio-backed channel type.
type Adapter struct {
	channelType store.ChannelType
	registry    *channels.Registry
	sink        channels.InboundSink
	client      *resty.Client
}

// NewSMS creates the SMS adapter.
func NewSMS(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return newAdapter(store.ChannelSMS, registry, sink)
}

// NewWhatsApp creates the Twilio WhatsApp adapter.
func NewWhatsApp(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return newAdapter(store.ChannelWhatsAppTwilio, registry, sink)
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

// HandleWebhook parses the form-encoded status callback / inbound message.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, channelID string) error {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return channels.Permanent(fmt.Errorf("parse twilio form: %w", err))
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	from := form.Get("From")
	if sid == "" || from == "" {
		return channels.Permanent(fmt.Errorf("twilio webhook missing MessageSid or From"))
	}
	if form.Get("Body") == "" && form.Get("NumMedia") == "" {
		// Status callback, not an inbound message.
		return nil
	}

	cfg, err := a.registry.ConfigFor(ctx, a.channelType, channelID)
	if err != nil {
		return err
	}

	contentType := "text"
	if n := form.Get("NumMedia"); n != "" && n != "0" {
		contentType = "media"
	}

	senderName := form.Get("ProfileName")
	return a.sink.Ingest(ctx, bus.InboundEvent{
		From:        stripPrefix(from),
		To:          stripPrefix(form.Get("To")),
		MessageID:   sid,
		Timestamp:   time.Now().UTC(), // Twilio webhooks carry no send timestamp
		Content:     form.Get("Body"),
		ContentType: contentType,
		ChannelType: string(a.channelType),
		ChannelName: cfg.Name,
		SenderName:  senderName,
		Metadata: map[string]string{
			"wa_id": form.Get("WaId"),
		},
	})
}

// SendMessage posts to the Twilio Messages API with account credentials from
// the channel settings.
func (a *Adapter) SendMessage(ctx context.Context, recipient, content string) error {
	cfg, err := a.registry.ConfigFor(ctx, a.channelType, "")
	if err != nil {
		return err
	}
	accountSID, err := cfg.RequireSetting("account_sid")
	if err != nil {
		return err
	}
	authToken, err := cfg.RequireSetting("auth_token")
	if err != nil {
		return err
	}
	fromNumber, err := cfg.RequireSetting("from_number")
	if err != nil {
		return err
	}

	to := recipient
	from := fromNumber
	if a.channelType == store.ChannelWhatsAppTwilio {
		to = "whatsapp:" + stripPrefix(to)
		from = "whatsapp:" + stripPrefix(from)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetBasicAuth(accountSID, authToken).
		SetFormData(map[string]string{
			"From": from,
			"To":   to,
			"Body": content,
		}).
		Post(fmt.Sprintf("%s/Accounts/%s/Messages.json", apiBase, accountSID))
	if err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("twilio send: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// stripPrefix removes the "whatsapp:" scheme Twilio prepends so the contact
// identifier is the bare E.164 number for both SMS and WhatsApp.
func stripPrefix(number string) string {
	return strings.TrimPrefix(number, "whatsapp:")
}
