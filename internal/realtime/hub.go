// Package realtime is the fan-out hub: it maintains ephemeral presence,
// typing and delivery-status state for connected agent sessions and
// broadcasts state changes to every open WebSocket connection. Nothing here
// is persisted except message delivery status, which also updates the
// message row.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

// typingTTL bounds how long a typing entry survives without a stop event.
// Clients time out on their own after ~3s; the sweep is the server-side
// backstop for lost stop events.
const typingTTL = 5 * time.Second

const busSubscriberID = "realtime-hub"

// presenceEntry is the ephemeral state of one connected user.
type presenceEntry struct {
	Status       string
	DisplayName  string
	LastActivity time.Time
}

// typingEntry is one user currently typing in a conversation.
type typingEntry struct {
	DisplayName string
	StartedAt   time.Time
}

// deliveryEntry aggregates per-user acknowledgements for one message.
type deliveryEntry struct {
	Status     store.MessageStatus
	ReceivedBy map[string]bool
	ReadBy     map[string]bool
}

// Hub is the single logical broadcaster serving many concurrent connections.
type Hub struct {
	messages store.MessageStore
	events   bus.EventPublisher
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*Client
	presence map[string]*presenceEntry
	typing   map[string]map[string]*typingEntry // conversationID → userID → entry
	delivery map[string]*deliveryEntry          // messageID → entry

	sweepCancel context.CancelFunc
}

// NewHub creates a hub. events may be nil; when set, the hub subscribes and
// forwards every bus event (message_created and friends) to its clients.
func NewHub(messages store.MessageStore, events bus.EventPublisher, allowedOrigins []string) *Hub {
	h := &Hub{
		messages: messages,
		events:   events,
		clients:  make(map[string]*Client),
		presence: make(map[string]*presenceEntry),
		typing:   make(map[string]map[string]*typingEntry),
		delivery: make(map[string]*deliveryEntry),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker allows all origins when none are configured (dev mode) and
// always allows non-browser clients with an empty Origin header.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if origin == a || a == "*" {
				return true
			}
		}
		slog.Warn("websocket origin rejected", "origin", origin)
		return false
	}
}

// Start subscribes to the bus and launches the typing sweep.
func (h *Hub) Start(ctx context.Context) {
	if h.events != nil {
		h.events.Subscribe(busSubscriberID, func(event bus.Event) {
			h.Broadcast(*protocol.NewEvent(event.Name, event.Payload))
		})
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	h.sweepCancel = cancel
	go h.sweepTyping(sweepCtx)
}

// Stop tears down subscriptions and closes every connection.
func (h *Hub) Stop() {
	if h.events != nil {
		h.events.Unsubscribe(busSubscriberID)
	}
	if h.sweepCancel != nil {
		h.sweepCancel()
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	shutdown := protocol.NewEvent(protocol.EventShutdown, nil)
	for _, c := range clients {
		c.SendEvent(*shutdown)
		c.Close()
	}
}

// ServeWS upgrades an HTTP request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, h)
	h.register(client)
	defer func() {
		h.unregister(client)
		client.Close()
	}()

	client.run(r.Context())
}

// Broadcast fans an event out to every open connection. Delivery to
// disconnected clients is not guaranteed; they re-sync via pull on reconnect.
func (h *Hub) Broadcast(event protocol.EventFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.SendEvent(event)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	userID := c.userID
	displayName := c.displayName
	stillConnected := false
	if userID != "" {
		for _, other := range h.clients {
			if other.userID == userID {
				stillConnected = true
				break
			}
		}
		if !stillConnected {
			h.presence[userID] = &presenceEntry{
				Status:       "offline",
				DisplayName:  displayName,
				LastActivity: time.Now(),
			}
		}
	}
	h.mu.Unlock()

	slog.Info("client disconnected", "id", c.id, "user", userID)
	if userID != "" && !stillConnected {
		h.broadcastPresence(userID)
	}
	// Typing entries of the departed user are left to the TTL sweep.
}

// handleAuthenticated stores the client's identity, records presence and
// replays the current presence snapshot to it. The identity fields are
// written under the hub lock because unregister and ConnectedUsers read them
// from other goroutines.
func (h *Hub) handleAuthenticated(c *Client, userID, displayName string) {
	now := time.Now()
	h.mu.Lock()
	c.userID = userID
	c.displayName = displayName
	h.presence[userID] = &presenceEntry{
		Status:       "online",
		DisplayName:  displayName,
		LastActivity: now,
	}
	snapshot := h.presenceSnapshotLocked()
	h.mu.Unlock()

	for _, p := range snapshot {
		c.SendEvent(*protocol.NewEvent(protocol.EventPresence, p))
	}
	h.broadcastPresence(userID)
}

// UpdatePresence overwrites a user's presence entry and broadcasts it.
func (h *Hub) UpdatePresence(userID, status, displayName string) {
	h.mu.Lock()
	h.presence[userID] = &presenceEntry{
		Status:       status,
		DisplayName:  displayName,
		LastActivity: time.Now(),
	}
	h.mu.Unlock()
	h.broadcastPresence(userID)
}

func (h *Hub) broadcastPresence(userID string) {
	h.mu.RLock()
	entry, ok := h.presence[userID]
	var payload protocol.PresencePayload
	if ok {
		payload = protocol.PresencePayload{
			UserID:       userID,
			DisplayName:  entry.DisplayName,
			Status:       entry.Status,
			LastActivity: entry.LastActivity.UnixMilli(),
		}
	}
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.Broadcast(*protocol.NewEvent(protocol.EventPresence, payload))
}

func (h *Hub) presenceSnapshotLocked() []protocol.PresencePayload {
	out := make([]protocol.PresencePayload, 0, len(h.presence))
	for userID, entry := range h.presence {
		out = append(out, protocol.PresencePayload{
			UserID:       userID,
			DisplayName:  entry.DisplayName,
			Status:       entry.Status,
			LastActivity: entry.LastActivity.UnixMilli(),
		})
	}
	return out
}

// StartTyping adds the user to the conversation's typing set and broadcasts.
func (h *Hub) StartTyping(conversationID, userID, displayName string) {
	h.mu.Lock()
	set, ok := h.typing[conversationID]
	if !ok {
		set = make(map[string]*typingEntry)
		h.typing[conversationID] = set
	}
	set[userID] = &typingEntry{DisplayName: displayName, StartedAt: time.Now()}
	h.mu.Unlock()

	h.broadcastTyping(conversationID)
}

// StopTyping removes the user from the conversation's typing set.
func (h *Hub) StopTyping(conversationID, userID string) {
	h.mu.Lock()
	changed := false
	if set, ok := h.typing[conversationID]; ok {
		if _, present := set[userID]; present {
			delete(set, userID)
			changed = true
		}
		if len(set) == 0 {
			delete(h.typing, conversationID)
		}
	}
	h.mu.Unlock()

	if changed {
		h.broadcastTyping(conversationID)
	}
}

func (h *Hub) broadcastTyping(conversationID string) {
	h.mu.RLock()
	payload := protocol.TypingPayload{ConversationID: conversationID}
	for userID, entry := range h.typing[conversationID] {
		payload.Users = append(payload.Users, protocol.TypingUser{
			UserID:      userID,
			DisplayName: entry.DisplayName,
			StartedAt:   entry.StartedAt.UnixMilli(),
		})
	}
	h.mu.RUnlock()
	h.Broadcast(*protocol.NewEvent(protocol.EventTyping, payload))
}

// sweepTyping expires typing entries older than typingTTL. This is the
// server-side guarantee that typing state cannot persist indefinitely when a
// stop event is lost.
func (h *Hub) sweepTyping(ctx context.Context) {
	ticker := time.NewTicker(typingTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.expireTyping(time.Now().Add(-typingTTL))
		}
	}
}

func (h *Hub) expireTyping(cutoff time.Time) {
	h.mu.Lock()
	var stale []string
	for conversationID, set := range h.typing {
		changed := false
		for userID, entry := range set {
			if entry.StartedAt.Before(cutoff) {
				delete(set, userID)
				changed = true
			}
		}
		if len(set) == 0 {
			delete(h.typing, conversationID)
		}
		if changed {
			stale = append(stale, conversationID)
		}
	}
	h.mu.Unlock()

	for _, conversationID := range stale {
		h.broadcastTyping(conversationID)
	}
}

// MarkDelivered records a delivery acknowledgement from userID and
// broadcasts the new aggregate status.
func (h *Hub) MarkDelivered(ctx context.Context, messageID, userID string) {
	h.acknowledge(ctx, messageID, userID, store.MessageDelivered)
}

// MarkRead records a read acknowledgement from userID and broadcasts the new
// aggregate status.
func (h *Hub) MarkRead(ctx context.Context, messageID, userID string) {
	h.acknowledge(ctx, messageID, userID, store.MessageRead)
}

// acknowledge appends the acting user to the relevant set, recomputes the
// aggregate status (read > delivered > sent, forward only) and broadcasts.
// Duplicate acknowledgements are harmless and never downgrade.
func (h *Hub) acknowledge(ctx context.Context, messageID, userID string, status store.MessageStatus) {
	h.mu.Lock()
	entry, ok := h.delivery[messageID]
	if !ok {
		entry = &deliveryEntry{
			Status:     store.MessageSent,
			ReceivedBy: make(map[string]bool),
			ReadBy:     make(map[string]bool),
		}
		h.delivery[messageID] = entry
	}
	switch status {
	case store.MessageDelivered:
		entry.ReceivedBy[userID] = true
	case store.MessageRead:
		entry.ReceivedBy[userID] = true
		entry.ReadBy[userID] = true
	}
	if status.Rank() > entry.Status.Rank() {
		entry.Status = status
	}
	payload := protocol.MessageStatusPayload{
		MessageID:  messageID,
		Status:     string(entry.Status),
		ReceivedBy: keys(entry.ReceivedBy),
		ReadBy:     keys(entry.ReadBy),
	}
	h.mu.Unlock()

	if id, err := uuid.Parse(messageID); err == nil && h.messages != nil {
		if err := h.messages.UpdateStatus(ctx, id, status); err != nil {
			slog.Warn("persist message status failed",
				"message", messageID, "status", status, "error", err)
		}
	}

	h.Broadcast(*protocol.NewEvent(protocol.EventMessageStatus, payload))
}

// DeliveryStatus returns the current aggregate status for a message, or
// sent when no acknowledgement has been seen.
func (h *Hub) DeliveryStatus(messageID string) store.MessageStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if entry, ok := h.delivery[messageID]; ok {
		return entry.Status
	}
	return store.MessageSent
}

// ConnectedUsers returns the user ids with at least one open connection.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range h.clients {
		if c.userID != "" && !seen[c.userID] {
			seen[c.userID] = true
			out = append(out, c.userID)
		}
	}
	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
