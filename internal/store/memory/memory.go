// Package memory implements the store interfaces in process memory. It backs
// unit tests and ephemeral dev runs; production uses the pg or sqlite packages.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/store"
)

// NewMemoryStores creates a full in-memory store set sharing one lock domain.
func NewMemoryStores() *store.Stores {
	return &store.Stores{
		Queue:            NewQueueStore(),
		Contacts:         NewContactStore(),
		Conversations:    NewConversationStore(),
		Messages:         NewMessageStore(),
		ChannelInstances: NewChannelInstanceStore(),
	}
}

// QueueStore is an in-memory store.QueueStore. A single mutex serializes
// claims, which trivially satisfies the at-most-one-owner property.
type QueueStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*store.QueueItem
}

func NewQueueStore() *QueueStore {
	return &QueueStore{items: make(map[uuid.UUID]*store.QueueItem)}
}

func (s *QueueStore) Enqueue(_ context.Context, p store.EnqueueParams) (*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	item := &store.QueueItem{
		ID:          uuid.Must(uuid.NewV7()),
		ChannelType: p.ChannelType,
		ChannelID:   p.ChannelID,
		Payload:     append([]byte(nil), p.Payload...),
		Priority:    p.Priority,
		Status:      store.StatusPending,
		ReceivedAt:  now,
		NextRetryAt: now,
		UpdatedAt:   now,
	}
	s.items[item.ID] = item
	copied := *item
	return &copied, nil
}

func (s *QueueStore) DequeueNext(_ context.Context) (*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var best *store.QueueItem
	for _, item := range s.items {
		claimable := (item.Status == store.StatusPending || item.Status == store.StatusFailed) &&
			!item.NextRetryAt.After(now)
		if !claimable {
			continue
		}
		if best == nil || less(item, best) {
			best = item
		}
	}
	if best == nil {
		return nil, store.ErrQueueEmpty
	}

	best.Status = store.StatusProcessing
	best.AttemptCount++
	best.UpdatedAt = now
	copied := *best
	return &copied, nil
}

// less orders claimable items: priority ascending, then arrival FIFO.
func less(a, b *store.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ReceivedAt.Before(b.ReceivedAt)
}

func (s *QueueStore) MarkSucceeded(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	item.Status = store.StatusSucceeded
	item.LastError = ""
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *QueueStore) MarkFailed(_ context.Context, p store.FailParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[p.ID]
	if !ok || item.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	item.LastError = p.Error
	item.UpdatedAt = time.Now().UTC()
	if item.AttemptCount >= p.MaxAttempts {
		item.Status = store.StatusDeadLettered
	} else {
		item.Status = store.StatusFailed
		item.NextRetryAt = p.NextRetryAt.UTC()
	}
	return nil
}

func (s *QueueStore) MarkDeadLettered(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	item.Status = store.StatusDeadLettered
	item.LastError = reason
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *QueueStore) ReclaimStale(_ context.Context, p store.ReclaimParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var reclaimed int64
	for _, item := range s.items {
		if item.Status != store.StatusProcessing || !item.UpdatedAt.Before(p.ClaimedBefore) {
			continue
		}
		if item.AttemptCount >= p.MaxAttempts {
			item.Status = store.StatusDeadLettered
			item.LastError = "worker lost before outcome"
		} else {
			item.Status = store.StatusPending
			item.NextRetryAt = now
		}
		item.UpdatedAt = now
		reclaimed++
	}
	return reclaimed, nil
}

func (s *QueueStore) Stats(_ context.Context) (store.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st store.QueueStats
	hourAgo := time.Now().Add(-time.Hour)
	for _, item := range s.items {
		switch item.Status {
		case store.StatusPending:
			st.Pending++
			if st.OldestPending.IsZero() || item.ReceivedAt.Before(st.OldestPending) {
				st.OldestPending = item.ReceivedAt
			}
		case store.StatusProcessing:
			st.Processing++
		case store.StatusSucceeded:
			st.Succeeded++
			if item.UpdatedAt.After(hourAgo) {
				st.SucceededLastHour++
			}
		case store.StatusFailed:
			st.Failed++
		case store.StatusDeadLettered:
			st.DeadLettered++
		}
	}
	return st, nil
}

func (s *QueueStore) StatsBySource(_ context.Context) (map[store.ChannelType]store.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[store.ChannelType]store.QueueStats)
	for _, item := range s.items {
		st := result[item.ChannelType]
		switch item.Status {
		case store.StatusPending:
			st.Pending++
		case store.StatusProcessing:
			st.Processing++
		case store.StatusSucceeded:
			st.Succeeded++
		case store.StatusFailed:
			st.Failed++
		case store.StatusDeadLettered:
			st.DeadLettered++
		}
		result[item.ChannelType] = st
	}
	return result, nil
}

func (s *QueueStore) DeadLetters(_ context.Context, limit int) ([]store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var items []store.QueueItem
	for _, item := range s.items {
		if item.Status == store.StatusDeadLettered {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *QueueStore) Cleanup(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, item := range s.items {
		terminal := item.Status == store.StatusSucceeded || item.Status == store.StatusDeadLettered
		if terminal && item.UpdatedAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed, nil
}

func (s *QueueStore) Get(_ context.Context, id uuid.UUID) (*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

// ContactStore is an in-memory store.ContactStore.
type ContactStore struct {
	mu           sync.Mutex
	byIdentifier map[string]*store.Contact
	byID         map[uuid.UUID]*store.Contact
}

func NewContactStore() *ContactStore {
	return &ContactStore{
		byIdentifier: make(map[string]*store.Contact),
		byID:         make(map[uuid.UUID]*store.Contact),
	}
}

func (s *ContactStore) UpsertByIdentifier(_ context.Context, p store.UpsertContactParams) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byIdentifier[p.Identifier]; ok {
		copied := *existing
		return &copied, nil
	}
	contact := &store.Contact{
		ID:         uuid.Must(uuid.NewV7()),
		Identifier: p.Identifier,
		Name:       p.Name,
		Phone:      p.Phone,
		Email:      p.Email,
		Source:     p.Source,
		LeadStage:  "new",
		CreatedAt:  time.Now().UTC(),
	}
	s.byIdentifier[p.Identifier] = contact
	s.byID[contact.ID] = contact
	copied := *contact
	return &copied, nil
}

func (s *ContactStore) GetByIdentifier(_ context.Context, identifier string) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact, ok := s.byIdentifier[identifier]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *contact
	return &copied, nil
}

func (s *ContactStore) Get(_ context.Context, id uuid.UUID) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *contact
	return &copied, nil
}

// ConversationStore is an in-memory store.ConversationStore.
type ConversationStore struct {
	mu           sync.Mutex
	byIdentifier map[string]*store.Conversation
	byID         map[uuid.UUID]*store.Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		byIdentifier: make(map[string]*store.Conversation),
		byID:         make(map[uuid.UUID]*store.Conversation),
	}
}

func (s *ConversationStore) FindOrCreate(_ context.Context, p store.CreateConversationParams) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byIdentifier[p.ContactIdentifier]; ok {
		copied := *existing
		return &copied, nil
	}
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:                uuid.Must(uuid.NewV7()),
		ContactID:         p.ContactID,
		ChannelID:         p.ChannelID,
		ContactIdentifier: p.ContactIdentifier,
		Status:            store.ConversationOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.byIdentifier[p.ContactIdentifier] = conv
	s.byID[conv.ID] = conv
	copied := *conv
	return &copied, nil
}

func (s *ConversationStore) GetByIdentifier(_ context.Context, identifier string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byIdentifier[identifier]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *ConversationStore) Get(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *ConversationStore) SetLastMessage(_ context.Context, id, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.LastMessageID = messageID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// MessageStore is an in-memory store.MessageStore with the same
// (channel_type, external_id) dedup semantics as the SQL backends.
type MessageStore struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]*store.Message
	byExternal map[externalKey]uuid.UUID
}

type externalKey struct {
	channelType store.ChannelType
	externalID  string
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:       make(map[uuid.UUID]*store.Message),
		byExternal: make(map[externalKey]uuid.UUID),
	}
}

func (s *MessageStore) Create(_ context.Context, p store.CreateMessageParams) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ExternalID != "" {
		key := externalKey{p.ChannelType, p.ExternalID}
		if _, ok := s.byExternal[key]; ok {
			return nil, store.ErrDuplicateMessage
		}
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	msg := &store.Message{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: p.ConversationID,
		Content:        p.Content,
		ContentType:    p.ContentType,
		Direction:      p.Direction,
		Status:         store.MessageSent,
		ChannelType:    p.ChannelType,
		ExternalID:     p.ExternalID,
		CreatedAt:      createdAt,
	}
	s.byID[msg.ID] = msg
	if p.ExternalID != "" {
		s.byExternal[externalKey{p.ChannelType, p.ExternalID}] = msg.ID
	}
	copied := *msg
	return &copied, nil
}

func (s *MessageStore) Get(_ context.Context, id uuid.UUID) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

func (s *MessageStore) ListByConversation(_ context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var msgs []store.Message
	for _, msg := range s.byID {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, *msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MessageStore) UpdateStatus(_ context.Context, id uuid.UUID, status store.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if status.Rank() > msg.Status.Rank() {
		msg.Status = status
	}
	return nil
}

// ChannelInstanceStore is an in-memory store.ChannelInstanceStore.
type ChannelInstanceStore struct {
	mu        sync.Mutex
	instances map[string]store.ChannelInstance
}

func NewChannelInstanceStore() *ChannelInstanceStore {
	return &ChannelInstanceStore{instances: make(map[string]store.ChannelInstance)}
}

func (s *ChannelInstanceStore) Get(_ context.Context, id string) (*store.ChannelInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &inst, nil
}

func (s *ChannelInstanceStore) ActiveByType(_ context.Context, t store.ChannelType) (*store.ChannelInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *store.ChannelInstance
	for id := range s.instances {
		inst := s.instances[id]
		if inst.Type != t || !inst.Enabled {
			continue
		}
		if best == nil || inst.CreatedAt.Before(best.CreatedAt) {
			copied := inst
			best = &copied
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *ChannelInstanceStore) List(_ context.Context) ([]store.ChannelInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.ChannelInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ChannelInstanceStore) Put(_ context.Context, inst store.ChannelInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	s.instances[inst.ID] = inst
	return nil
}
