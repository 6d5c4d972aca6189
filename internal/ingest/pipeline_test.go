package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) Subscribe(string, bus.EventHandler) {}
func (r *eventRecorder) Unsubscribe(string)                 {}

func (r *eventRecorder) Broadcast(event bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Stores, *eventRecorder) {
	t.Helper()
	stores := memory.NewMemoryStores()
	err := stores.ChannelInstances.Put(context.Background(), store.ChannelInstance{
		ID:      "tg-main",
		Type:    store.ChannelTelegram,
		Name:    "Support Bot",
		Enabled: true,
		Settings: map[string]string{
			"token": "123:abc",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	recorder := &eventRecorder{}
	registry := channels.NewRegistry(stores.ChannelInstances)
	return NewPipeline(stores, registry, recorder), stores, recorder
}

func telegramEvent(from, messageID, content string) bus.InboundEvent {
	return bus.InboundEvent{
		From:        from,
		To:          "tg-main",
		MessageID:   messageID,
		Timestamp:   time.Now().UTC(),
		Content:     content,
		ContentType: "text",
		ChannelType: string(store.ChannelTelegram),
		SenderName:  "Alice",
	}
}

func TestIngestCreatesContactConversationMessage(t *testing.T) {
	pipeline, stores, recorder := newTestPipeline(t)
	ctx := context.Background()

	if err := pipeline.Ingest(ctx, telegramEvent("777001", "777001:1", "hello")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	contact, err := stores.Contacts.GetByIdentifier(ctx, "777001")
	if err != nil {
		t.Fatalf("contact not created: %v", err)
	}
	if contact.Name != "Alice" || contact.Source != store.ChannelTelegram {
		t.Errorf("contact = %+v", contact)
	}

	conv, err := stores.Conversations.GetByIdentifier(ctx, "777001")
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.ChannelID != "tg-main" || conv.Status != store.ConversationOpen {
		t.Errorf("conversation = %+v", conv)
	}

	msgs, err := stores.Messages.ListByConversation(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Content != "hello" || msg.Direction != store.DirectionInbound ||
		msg.Status != store.MessageSent || msg.ExternalID != "777001:1" {
		t.Errorf("message = %+v", msg)
	}

	conv, err = stores.Conversations.GetByIdentifier(ctx, "777001")
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessageID != msg.ID {
		t.Errorf("LastMessageID = %s, want %s", conv.LastMessageID, msg.ID)
	}

	if recorder.count() != 1 {
		t.Fatalf("broadcast events = %d, want 1", recorder.count())
	}
	if recorder.events[0].Name != protocol.EventMessageCreated {
		t.Errorf("event name = %s", recorder.events[0].Name)
	}
}

// Re-delivered webhooks (same provider message id) must not duplicate rows or
// re-broadcast.
func TestIngestDeduplicatesRedelivery(t *testing.T) {
	pipeline, stores, recorder := newTestPipeline(t)
	ctx := context.Background()

	ev := telegramEvent("777002", "777002:9", "once")
	if err := pipeline.Ingest(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.Ingest(ctx, ev); err != nil {
		t.Fatalf("re-delivery returned error: %v", err)
	}

	conv, err := stores.Conversations.GetByIdentifier(ctx, "777002")
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := stores.Messages.ListByConversation(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if recorder.count() != 1 {
		t.Errorf("broadcast events = %d, want 1", recorder.count())
	}
}

// Concurrent events from one sender must converge on a single contact and a
// single conversation.
func TestIngestConcurrentSameSender(t *testing.T) {
	pipeline, stores, _ := newTestPipeline(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := telegramEvent("777003", fmt.Sprintf("777003:%d", i), "hi")
			errs <- pipeline.Ingest(ctx, ev)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	conv, err := stores.Conversations.GetByIdentifier(ctx, "777003")
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := stores.Messages.ListByConversation(ctx, conv.ID, n*2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Fatalf("messages = %d, want %d", len(msgs), n)
	}
}

func TestIngestRejectsInvalidEvents(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   bus.InboundEvent
	}{
		{
			name: "unknown channel type",
			ev:   bus.InboundEvent{From: "x", ChannelType: "pigeon"},
		},
		{
			name: "missing sender",
			ev:   bus.InboundEvent{ChannelType: string(store.ChannelTelegram)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pipeline.Ingest(ctx, tt.ev)
			if !errors.Is(err, channels.ErrPermanent) {
				t.Fatalf("Ingest() error = %v, want permanent", err)
			}
		})
	}
}

// A channel type without an active instance cannot create conversations; the
// failure is permanent so the worker dead-letters instead of retrying.
func TestIngestFailsWithoutChannelConfig(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	ctx := context.Background()

	ev := telegramEvent("777004", "777004:1", "hi")
	ev.ChannelType = string(store.ChannelSlack) // no slack instance seeded
	err := pipeline.Ingest(ctx, ev)
	if !errors.Is(err, channels.ErrPermanent) {
		t.Fatalf("Ingest() error = %v, want permanent", err)
	}
}
