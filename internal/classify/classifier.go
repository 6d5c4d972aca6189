// Package classify decides which channel adapter owns a raw webhook payload.
// Predicates are cheap, pure structural checks; nothing here touches storage.
package classify

import (
	"bytes"
	"encoding/json"
	"net/url"

	"github.com/omnidesk/omnidesk/internal/store"
)

// payloadView is a pre-parsed view of the raw body so every predicate does
// not re-parse it. JSON bodies decode once into fields; everything else is
// attempted as form encoding (Twilio posts application/x-www-form-urlencoded).
type payloadView struct {
	json map[string]json.RawMessage
	form url.Values
}

func parsePayload(payload []byte) payloadView {
	var v payloadView
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err == nil {
			v.json = fields
		}
		return v
	}
	if form, err := url.ParseQuery(string(trimmed)); err == nil {
		v.form = form
	}
	return v
}

func (v payloadView) jsonString(key string) string {
	raw, ok := v.json[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (v payloadView) jsonHas(key string) bool {
	_, ok := v.json[key]
	return ok
}

// predicate reports whether a payload is structurally plausible for one
// channel type.
type predicate func(payloadView) bool

// predicates maps each channel type to its structural check. Evaluated in
// store.AllChannelTypes order: when two could match (Twilio WhatsApp vs SMS
// share the form shape), the earlier registration wins.
var predicates = map[store.ChannelType]predicate{
	store.ChannelWhatsAppTwilio: func(v payloadView) bool {
		return v.form.Get("MessageSid") != "" && v.form.Get("WaId") != ""
	},
	store.ChannelWhatsAppCloud: func(v payloadView) bool {
		return v.jsonString("object") == "whatsapp_business_account"
	},
	store.ChannelSMS: func(v payloadView) bool {
		return v.form.Get("MessageSid") != "" || v.form.Get("SmsSid") != ""
	},
	store.ChannelMessenger: func(v payloadView) bool {
		return v.jsonString("object") == "page"
	},
	store.ChannelInstagram: func(v payloadView) bool {
		return v.jsonString("object") == "instagram"
	},
	store.ChannelTelegram: func(v payloadView) bool {
		return v.jsonHas("update_id")
	},
	store.ChannelSlack: func(v payloadView) bool {
		t := v.jsonString("type")
		return t == "event_callback" || t == "url_verification"
	},
	store.ChannelDiscord: func(v payloadView) bool {
		// Relay envelope produced by the Discord gateway bridge.
		return v.jsonString("t") == "MESSAGE_CREATE" && v.jsonHas("d")
	},
	store.ChannelEmail: func(v payloadView) bool {
		return v.jsonHas("envelope") && v.jsonHas("from")
	},
}

// Identify determines which channel type produced the payload. Predicates run
// in fixed priority order; the first match wins.
func Identify(payload []byte) (store.ChannelType, bool) {
	v := parsePayload(payload)
	for _, t := range store.AllChannelTypes {
		if predicates[t](v) {
			return t, true
		}
	}
	return "", false
}

// Validate re-runs one channel's predicate. Used defensively when the channel
// type arrives from a route path so spoofed or malformed bodies are rejected
// before they enter the queue.
func Validate(t store.ChannelType, payload []byte) bool {
	p, ok := predicates[t]
	if !ok {
		return false
	}
	return p(parsePayload(payload))
}
