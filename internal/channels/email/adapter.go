// Package email adapts inbound-parse email webhooks (SendGrid/Mailgun style
// JSON) and sends replies over SMTP.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Adapter bridges email to the pipeline.
type Adapter struct {
	registry *channels.Registry
	sink     channels.InboundSink
}

// New creates the adapter.
func New(registry *channels.Registry, sink channels.InboundSink) *Adapter {
	return &Adapter{registry: registry, sink: sink}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() store.ChannelType { return store.ChannelEmail }

// inboundEmail is the parse-service relay shape.
type inboundEmail struct {
	Envelope struct {
		From string   `json:"from"`
		To   []string `json:"to"`
	} `json:"envelope"`
	From      string `json:"from"` // display form, e.g. `Jane <jane@example.com>`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// HandleWebhook ingests one parsed inbound email.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, channelID string) error {
	var mail inboundEmail
	if err := json.Unmarshal(payload, &mail); err != nil {
		return channels.Permanent(fmt.Errorf("parse inbound email: %w", err))
	}
	from := mail.Envelope.From
	if from == "" {
		from = extractAddress(mail.From)
	}
	if from == "" {
		return channels.Permanent(fmt.Errorf("inbound email missing sender address"))
	}

	cfg, err := a.registry.ConfigFor(ctx, store.ChannelEmail, channelID)
	if err != nil {
		return err
	}

	content := mail.Text
	if mail.Subject != "" {
		content = mail.Subject + "\n\n" + mail.Text
	}
	to := ""
	if len(mail.Envelope.To) > 0 {
		to = mail.Envelope.To[0]
	}
	return a.sink.Ingest(ctx, bus.InboundEvent{
		From:        from,
		To:          to,
		MessageID:   mail.MessageID,
		Timestamp:   time.Now().UTC(),
		Content:     content,
		ContentType: "text",
		ChannelType: string(store.ChannelEmail),
		ChannelName: cfg.Name,
		SenderName:  extractName(mail.From),
		Metadata: map[string]string{
			"subject": mail.Subject,
		},
	})
}

// SendMessage sends a plain-text reply over the configured SMTP relay.
func (a *Adapter) SendMessage(ctx context.Context, recipient, content string) error {
	cfg, err := a.registry.ConfigFor(ctx, store.ChannelEmail, "")
	if err != nil {
		return err
	}
	host, err := cfg.RequireSetting("smtp_host")
	if err != nil {
		return err
	}
	fromAddr, err := cfg.RequireSetting("from_address")
	if err != nil {
		return err
	}
	port := cfg.Setting("smtp_port")
	if port == "" {
		port = "587"
	}

	var auth smtp.Auth
	if user := cfg.Setting("smtp_user"); user != "" {
		auth = smtp.PlainAuth("", user, cfg.Setting("smtp_password"), host)
	}

	subject := cfg.Setting("subject")
	if subject == "" {
		subject = "Re: your message"
	}
	msg := strings.Join([]string{
		"From: " + fromAddr,
		"To: " + recipient,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		content,
	}, "\r\n")

	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(host+":"+port, auth, fromAddr, []string{recipient}, []byte(msg))
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", recipient, err)
		}
		return nil
	}
}

// extractAddress pulls the bare address out of `Name <addr>` display forms.
func extractAddress(display string) string {
	if i := strings.IndexByte(display, '<'); i >= 0 {
		if j := strings.IndexByte(display[i:], '>'); j > 0 {
			return strings.TrimSpace(display[i+1 : i+j])
		}
	}
	return strings.TrimSpace(display)
}

// extractName pulls the display name out of `Name <addr>` forms, or "".
func extractName(display string) string {
	if i := strings.IndexByte(display, '<'); i > 0 {
		return strings.Trim(strings.TrimSpace(display[:i]), `"`)
	}
	return ""
}
