package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/bus"
)

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueStatsBySource(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.StatsBySource(r.Context())
	if err != nil {
		slog.Error("queue stats by source failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = parsed
	}

	items, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		slog.Error("dead letter list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dead letters unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := 7 * 24 * time.Hour
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "max_age must be a positive duration")
			return
		}
		maxAge = parsed
	}

	removed, err := s.queue.Cleanup(r.Context(), maxAge)
	if err != nil {
		slog.Error("queue cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// sendMessageRequest is the body of POST /api/messages/send. Either a
// conversation id or an explicit channel + recipient pair selects the target.
type sendMessageRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ChannelType    string `json:"channel_type,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusNotImplemented, "outbound sending is not enabled")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if req.ConversationID != "" {
		convID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid conversation id")
			return
		}
		msg, err := s.sender.SendToConversation(r.Context(), convID, req.Content)
		if err != nil {
			slog.Error("send to conversation failed",
				"conversation", convID, "error", err)
			writeError(w, http.StatusBadGateway, "send failed")
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return
	}

	if req.ChannelType == "" || req.Recipient == "" {
		writeError(w, http.StatusBadRequest,
			"conversation_id or channel_type+recipient is required")
		return
	}
	msg, err := s.sender.Send(r.Context(), bus.OutboundSend{
		ChannelType: req.ChannelType,
		Recipient:   req.Recipient,
		Content:     req.Content,
		ContentType: req.ContentType,
	})
	if err != nil {
		slog.Error("send failed",
			"channel", req.ChannelType, "recipient", req.Recipient, "error", err)
		writeError(w, http.StatusBadGateway, "send failed")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
