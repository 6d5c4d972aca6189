package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/store"
)

// PGConversationStore implements store.ConversationStore on Postgres.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

const conversationColumns = `id, contact_id, channel_id, contact_identifier, status,
	assigned_to, last_message_id, created_at, updated_at`

// FindOrCreate resolves the conversation for a contact identifier, creating
// one atomically when absent. The unique index on contact_identifier makes
// concurrent creation race-free: the losing insert returns the winner's row.
func (s *PGConversationStore) FindOrCreate(ctx context.Context, p store.CreateConversationParams) (*store.Conversation, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations
			(id, contact_id, channel_id, contact_identifier, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (contact_identifier) DO UPDATE SET contact_identifier = EXCLUDED.contact_identifier
		RETURNING `+conversationColumns,
		uuid.Must(uuid.NewV7()), p.ContactID, p.ChannelID, p.ContactIdentifier,
		store.ConversationOpen, now,
	)
	return scanConversation(row)
}

func (s *PGConversationStore) GetByIdentifier(ctx context.Context, identifier string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE contact_identifier = $1`,
		identifier)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return conv, err
}

func (s *PGConversationStore) Get(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return conv, err
}

func (s *PGConversationStore) SetLastMessage(ctx context.Context, id, messageID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = $1, updated_at = now() WHERE id = $2`,
		messageID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var c store.Conversation
	var assignedTo sql.NullString
	var lastMessageID *uuid.UUID
	err := row.Scan(&c.ID, &c.ContactID, &c.ChannelID, &c.ContactIdentifier,
		&c.Status, &assignedTo, &lastMessageID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.AssignedTo = assignedTo.String
	if lastMessageID != nil {
		c.LastMessageID = *lastMessageID
	}
	return &c, nil
}
