// Package store defines the persistence models and store interfaces shared by
// the queue, ingestion pipeline and HTTP layer. Concrete backends live in the
// pg (managed mode), sqlite (standalone mode) and memory (tests) subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by all store backends.
var (
	// ErrQueueEmpty is returned by DequeueNext when no item is claimable.
	ErrQueueEmpty = errors.New("queue: no claimable item")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateMessage is returned when a message with the same
	// (channel_type, external_id) already exists. Callers treat it as a
	// harmless webhook re-delivery, not a failure.
	ErrDuplicateMessage = errors.New("store: duplicate external message id")
)

// EnqueueParams carries the fields of a new queue item.
type EnqueueParams struct {
	ChannelType ChannelType
	ChannelID   string
	Payload     []byte
	Priority    int
}

// FailParams carries the outcome of a failed processing attempt.
type FailParams struct {
	ID          uuid.UUID
	Error       string
	MaxAttempts int
	// NextRetryAt is when the item becomes claimable again. Ignored when the
	// attempt count reaches MaxAttempts and the item dead-letters.
	NextRetryAt time.Time
}

// ReclaimParams identifies expired claims: Processing items whose claim was
// taken before ClaimedBefore belong to a worker that died without writing an
// outcome.
type ReclaimParams struct {
	ClaimedBefore time.Time
	MaxAttempts   int
}

// QueueStore is the durable work queue backing webhook processing.
//
// DequeueNext must atomically claim exactly one item: no two concurrent calls
// may return the same item while the first claim is unresolved. That is the
// core correctness property of the whole pipeline.
type QueueStore interface {
	Enqueue(ctx context.Context, p EnqueueParams) (*QueueItem, error)
	DequeueNext(ctx context.Context) (*QueueItem, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	// MarkFailed transitions Processing → Pending (retry with backoff) or
	// → DeadLettered once the attempt budget is exhausted.
	MarkFailed(ctx context.Context, p FailParams) error
	// MarkDeadLettered terminates an item immediately, skipping retries.
	// Used for permanent failures (unregistered type, missing channel config).
	MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string) error
	// ReclaimStale returns expired Processing claims to Pending so a worker
	// crash cannot strand an item. Claims whose attempt budget is already
	// spent dead-letter instead. Returns the number of items transitioned.
	ReclaimStale(ctx context.Context, p ReclaimParams) (int64, error)
	Stats(ctx context.Context) (QueueStats, error)
	StatsBySource(ctx context.Context) (map[ChannelType]QueueStats, error)
	DeadLetters(ctx context.Context, limit int) ([]QueueItem, error)
	// Cleanup deletes Succeeded and DeadLettered items older than cutoff.
	// Pending and Processing items are never touched. Returns rows removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (*QueueItem, error)
}

// UpsertContactParams carries the minimal fields created on first contact.
type UpsertContactParams struct {
	Identifier string
	Name       string
	Phone      string
	Email      string
	Source     ChannelType
}

// ContactStore persists contacts. UpsertByIdentifier must be atomic: two
// concurrent calls with the same identifier yield exactly one row.
type ContactStore interface {
	UpsertByIdentifier(ctx context.Context, p UpsertContactParams) (*Contact, error)
	GetByIdentifier(ctx context.Context, identifier string) (*Contact, error)
	Get(ctx context.Context, id uuid.UUID) (*Contact, error)
}

// CreateConversationParams carries the fields of a new conversation.
type CreateConversationParams struct {
	ContactID         uuid.UUID
	ChannelID         string
	ContactIdentifier string
}

// ConversationStore persists conversations. FindOrCreate must be atomic per
// contact identifier (unique constraint, insert-or-return).
type ConversationStore interface {
	FindOrCreate(ctx context.Context, p CreateConversationParams) (*Conversation, error)
	GetByIdentifier(ctx context.Context, identifier string) (*Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	SetLastMessage(ctx context.Context, id, messageID uuid.UUID) error
}

// CreateMessageParams carries the fields of a new message row.
type CreateMessageParams struct {
	ConversationID uuid.UUID
	Content        string
	ContentType    string
	Direction      MessageDirection
	ChannelType    ChannelType
	ExternalID     string
	CreatedAt      time.Time
}

// MessageStore persists messages. Create returns ErrDuplicateMessage when the
// (channel_type, external_id) pair already exists.
type MessageStore interface {
	Create(ctx context.Context, p CreateMessageParams) (*Message, error)
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	// UpdateStatus upgrades message status. Implementations must not
	// downgrade: a read message stays read regardless of late events.
	UpdateStatus(ctx context.Context, id uuid.UUID, status MessageStatus) error
}

// ChannelInstanceStore persists configured provider instances.
type ChannelInstanceStore interface {
	Get(ctx context.Context, id string) (*ChannelInstance, error)
	// ActiveByType returns the enabled instance for a channel type, or
	// ErrNotFound when the type has no configuration.
	ActiveByType(ctx context.Context, t ChannelType) (*ChannelInstance, error)
	List(ctx context.Context) ([]ChannelInstance, error)
	Put(ctx context.Context, inst ChannelInstance) error
}

// Stores aggregates every store interface for dependency injection.
type Stores struct {
	Queue            QueueStore
	Contacts         ContactStore
	Conversations    ConversationStore
	Messages         MessageStore
	ChannelInstances ChannelInstanceStore
}

// StoreConfig selects and parameterizes a backend.
type StoreConfig struct {
	PostgresDSN string // managed mode
	SQLitePath  string // standalone mode
}
