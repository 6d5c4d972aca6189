package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/omnidesk/omnidesk/internal/classify"
	"github.com/omnidesk/omnidesk/internal/queue"
	"github.com/omnidesk/omnidesk/internal/store"
)

// handleChannelWebhook accepts a webhook on the per-channel route. The body
// is validated against the channel's structural predicate and persisted; the
// provider gets its 202 before any processing happens.
func (s *Server) handleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	t := store.ChannelType(r.PathValue("channel"))
	if !t.Valid() {
		writeError(w, http.StatusNotFound, "unknown channel type")
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	// Slack's subscription handshake must be answered synchronously.
	if t == store.ChannelSlack {
		if challenge, isHandshake := slackChallenge(body); isHandshake {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
			return
		}
	}

	item, err := s.queue.Enqueue(r.Context(), t, body, queue.EnqueueOptions{
		ChannelID: r.URL.Query().Get("channel_id"),
	})
	if err != nil {
		if errors.Is(err, queue.ErrUnclassified) {
			writeError(w, http.StatusBadRequest, "payload does not match channel type")
			return
		}
		slog.Error("webhook enqueue failed", "channel", t, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": item.ID.String()})
}

// handleGenericWebhook accepts a webhook without a channel hint and runs the
// classifier to determine ownership. Unclassifiable payloads are rejected, not
// queued: an item no adapter claims would only dead-letter later.
func (s *Server) handleGenericWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	if challenge, isHandshake := slackChallenge(body); isHandshake {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}

	t, matched := classify.Identify(body)
	if !matched {
		slog.Warn("unclassifiable webhook rejected",
			"remote", r.RemoteAddr, "bytes", len(body))
		writeError(w, http.StatusBadRequest, "payload does not match any channel")
		return
	}

	item, err := s.queue.Enqueue(r.Context(), t, body, queue.EnqueueOptions{
		SkipValidation: true, // Identify already ran the predicate
	})
	if err != nil {
		slog.Error("webhook enqueue failed", "channel", t, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":      item.ID.String(),
		"channel": string(t),
	})
}

// handleWebhookVerify answers provider subscription handshakes. Meta sends a
// GET with hub.challenge to confirm the endpoint; the challenge is echoed
// only when hub.verify_token matches the channel's configured verify_token.
// Other channels have no GET handshake and get 200.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	t := store.ChannelType(r.PathValue("channel"))
	if !t.Valid() {
		writeError(w, http.StatusNotFound, "unknown channel type")
		return
	}

	challenge := r.URL.Query().Get("hub.challenge")
	if challenge == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !s.verifyTokenMatches(r.Context(), t, r.URL.Query().Get("hub.verify_token")) {
		slog.Warn("webhook verify token mismatch", "channel", t, "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "verify token mismatch")
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// verifyTokenMatches compares a presented handshake token against the
// channel instance's verify_token setting. Instances without a configured
// token accept any handshake; once a token is configured it is enforced.
func (s *Server) verifyTokenMatches(ctx context.Context, t store.ChannelType, presented string) bool {
	if s.registry == nil {
		return true
	}
	cfg, err := s.registry.ConfigFor(ctx, t, "")
	if err != nil {
		// No instance to verify against; the POST path rejects these anyway.
		return true
	}
	want := cfg.Setting("verify_token")
	return want == "" || want == presented
}

// slackChallenge extracts the Events API url_verification challenge, if the
// body is one.
func slackChallenge(body []byte) (string, bool) {
	var v struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &v); err != nil || v.Type != "url_verification" {
		return "", false
	}
	return v.Challenge, true
}

// readBody reads the capped request body, writing the error response itself
// on failure.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				"body exceeds "+strconv.FormatInt(s.opts.MaxBodyBytes, 10)+" bytes")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read body failed")
		return nil, false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return nil, false
	}
	return body, true
}
