package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

func newTestHub(t *testing.T) (*Hub, store.MessageStore) {
	t.Helper()
	messages := memory.NewMessageStore()
	hub := NewHub(messages, nil, nil)
	return hub, messages
}

// The aggregate status never moves backwards: a late delivered ack after a
// read must not downgrade.
func TestDeliveryStatusMonotonic(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	hub.MarkDelivered(ctx, "m1", "agent-a")
	if got := hub.DeliveryStatus("m1"); got != store.MessageDelivered {
		t.Fatalf("status after delivered = %s", got)
	}

	hub.MarkRead(ctx, "m1", "agent-b")
	if got := hub.DeliveryStatus("m1"); got != store.MessageRead {
		t.Fatalf("status after read = %s", got)
	}

	hub.MarkDelivered(ctx, "m1", "agent-c")
	if got := hub.DeliveryStatus("m1"); got != store.MessageRead {
		t.Fatalf("late delivered downgraded status to %s", got)
	}
}

// Acks against a persisted message also upgrade the stored row, monotonic.
func TestDeliveryStatusPersists(t *testing.T) {
	hub, messages := newTestHub(t)
	ctx := context.Background()

	msg, err := messages.Create(ctx, store.CreateMessageParams{
		Content:     "hi",
		ContentType: "text",
		Direction:   store.DirectionInbound,
		ChannelType: store.ChannelTelegram,
	})
	if err != nil {
		t.Fatal(err)
	}

	hub.MarkRead(ctx, msg.ID.String(), "agent-a")
	stored, err := messages.Get(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.MessageRead {
		t.Fatalf("stored status = %s, want read", stored.Status)
	}

	hub.MarkDelivered(ctx, msg.ID.String(), "agent-b")
	stored, err = messages.Get(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.MessageRead {
		t.Fatalf("stored status downgraded to %s", stored.Status)
	}
}

func TestTypingExpiry(t *testing.T) {
	hub, _ := newTestHub(t)

	hub.StartTyping("conv-1", "agent-a", "Ann")
	hub.StartTyping("conv-1", "agent-b", "Ben")

	hub.mu.RLock()
	typing := len(hub.typing["conv-1"])
	hub.mu.RUnlock()
	if typing != 2 {
		t.Fatalf("typing users = %d, want 2", typing)
	}

	hub.StopTyping("conv-1", "agent-a")
	// Everything started before a future cutoff expires, the backstop for
	// lost stop events.
	hub.expireTyping(time.Now().Add(time.Second))

	hub.mu.RLock()
	_, exists := hub.typing["conv-1"]
	hub.mu.RUnlock()
	if exists {
		t.Fatal("typing set survived expiry")
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authenticate(t *testing.T, conn *websocket.Conn, userID, displayName string) {
	t.Helper()
	err := conn.WriteJSON(protocol.CommandFrame{
		Command:     protocol.CmdAuthenticate,
		UserID:      userID,
		DisplayName: displayName,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// readUntil decodes frames until one matches the wanted event name.
func readUntil(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Event == event {
			return frame.Payload
		}
	}
}

func TestHubFanOut(t *testing.T) {
	hub, _ := newTestHub(t)
	hub.Start(context.Background())
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	alice := dial(t, srv)
	authenticate(t, alice, "alice", "Alice")
	readUntil(t, alice, protocol.EventPresence)

	bob := dial(t, srv)
	authenticate(t, bob, "bob", "Bob")

	// Alice sees Bob come online.
	for {
		payload := readUntil(t, alice, protocol.EventPresence)
		var p protocol.PresencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.UserID == "bob" {
			if p.Status != "online" {
				t.Fatalf("bob status = %s, want online", p.Status)
			}
			break
		}
	}

	// Bob starts typing; Alice gets the typing set.
	err := bob.WriteJSON(protocol.CommandFrame{
		Command:        protocol.CmdTypingStart,
		ConversationID: "conv-9",
	})
	if err != nil {
		t.Fatal(err)
	}
	payload := readUntil(t, alice, protocol.EventTyping)
	var typing protocol.TypingPayload
	if err := json.Unmarshal(payload, &typing); err != nil {
		t.Fatal(err)
	}
	if typing.ConversationID != "conv-9" || len(typing.Users) != 1 || typing.Users[0].UserID != "bob" {
		t.Fatalf("typing payload = %+v", typing)
	}

	// Bob reads a message; everyone gets the status event.
	err = bob.WriteJSON(protocol.CommandFrame{
		Command:   protocol.CmdMessageRead,
		MessageID: "msg-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	payload = readUntil(t, alice, protocol.EventMessageStatus)
	var status protocol.MessageStatusPayload
	if err := json.Unmarshal(payload, &status); err != nil {
		t.Fatal(err)
	}
	if status.MessageID != "msg-1" || status.Status != string(store.MessageRead) {
		t.Fatalf("status payload = %+v", status)
	}
	if len(status.ReadBy) != 1 || status.ReadBy[0] != "bob" {
		t.Fatalf("read_by = %v", status.ReadBy)
	}
}

// Concurrent connect, authenticate and disconnect churn while the hub reads
// client identity for snapshots and presence. Run with the race detector.
func TestHubConcurrentAuthChurn(t *testing.T) {
	hub, _ := newTestHub(t)
	hub.Start(context.Background())
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	const workers = 4
	const cycles = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < cycles; i++ {
				conn := dial(t, srv)
				authenticate(t, conn, fmt.Sprintf("agent-%d", w), "Agent")
				hub.ConnectedUsers()
				conn.Close()
			}
		}(w)
	}
	wg.Wait()
}

func TestHubOfflineOnDisconnect(t *testing.T) {
	hub, _ := newTestHub(t)
	hub.Start(context.Background())
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	alice := dial(t, srv)
	authenticate(t, alice, "alice", "Alice")
	readUntil(t, alice, protocol.EventPresence)

	bob := dial(t, srv)
	authenticate(t, bob, "bob", "Bob")
	bob.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		payload := readUntil(t, alice, protocol.EventPresence)
		var p protocol.PresencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.UserID == "bob" && p.Status == "offline" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no offline presence for bob")
		}
	}
}
