package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/store"
)

// ContactStore implements store.ContactStore on SQLite.
type ContactStore struct {
	db *sql.DB
}

func NewContactStore(db *sql.DB) *ContactStore {
	return &ContactStore{db: db}
}

const contactColumns = `id, identifier, name, phone, email, source, tags, lead_stage, lead_score, created_at`

func (s *ContactStore) UpsertByIdentifier(ctx context.Context, p store.UpsertContactParams) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, identifier, name, phone, email, source, tags, lead_stage, lead_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, '[]', 'new', 0, ?)
		ON CONFLICT (identifier) DO UPDATE SET identifier = excluded.identifier
		RETURNING `+contactColumns,
		uuid.Must(uuid.NewV7()).String(), p.Identifier, p.Name, p.Phone, p.Email,
		p.Source, toMillis(time.Now()),
	)
	return scanContact(row)
}

func (s *ContactStore) GetByIdentifier(ctx context.Context, identifier string) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE identifier = ?`, identifier)
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return contact, err
}

func (s *ContactStore) Get(ctx context.Context, id uuid.UUID) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id.String())
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return contact, err
}

func scanContact(row rowScanner) (*store.Contact, error) {
	var c store.Contact
	var id string
	var tags []byte
	var createdAt int64
	err := row.Scan(&id, &c.Identifier, &c.Name, &c.Phone, &c.Email,
		&c.Source, &tags, &c.LeadStage, &c.LeadScore, &createdAt)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	c.ID = parsed
	c.CreatedAt = fromMillis(createdAt)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &c.Tags); err != nil {
			return nil, fmt.Errorf("contact %s: parse tags: %w", c.Identifier, err)
		}
	}
	return &c, nil
}

// ConversationStore implements store.ConversationStore on SQLite.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

const conversationColumns = `id, contact_id, channel_id, contact_identifier, status,
	assigned_to, last_message_id, created_at, updated_at`

func (s *ConversationStore) FindOrCreate(ctx context.Context, p store.CreateConversationParams) (*store.Conversation, error) {
	now := toMillis(time.Now())
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations
			(id, contact_id, channel_id, contact_identifier, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contact_identifier) DO UPDATE SET contact_identifier = excluded.contact_identifier
		RETURNING `+conversationColumns,
		uuid.Must(uuid.NewV7()).String(), p.ContactID.String(), p.ChannelID,
		p.ContactIdentifier, store.ConversationOpen, now, now,
	)
	return scanConversation(row)
}

func (s *ConversationStore) GetByIdentifier(ctx context.Context, identifier string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE contact_identifier = ?`,
		identifier)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return conv, err
}

func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return conv, err
}

func (s *ConversationStore) SetLastMessage(ctx context.Context, id, messageID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID.String(), toMillis(time.Now()), id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var c store.Conversation
	var id, contactID string
	var assignedTo, lastMessageID sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&id, &contactID, &c.ChannelID, &c.ContactIdentifier,
		&c.Status, &assignedTo, &lastMessageID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if c.ContactID, err = uuid.Parse(contactID); err != nil {
		return nil, err
	}
	c.AssignedTo = assignedTo.String
	if lastMessageID.Valid {
		c.LastMessageID, _ = uuid.Parse(lastMessageID.String)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, conversation_id, content, content_type, direction,
	status, channel_type, external_id, created_at`

func (s *MessageStore) Create(ctx context.Context, p store.CreateMessageParams) (*store.Message, error) {
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

	// DO NOTHING on the partial unique index turns webhook re-delivery into
	// zero affected rows, which we surface as ErrDuplicateMessage.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, content, content_type, direction, status,
			 channel_type, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_type, external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		msg.ID.String(), msg.ConversationID.String(), msg.Content, msg.ContentType,
		msg.Direction, msg.Status, msg.ChannelType, nilStr(msg.ExternalID),
		toMillis(createdAt),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, store.ErrDuplicateMessage
	}
	return msg, nil
}

func (s *MessageStore) Get(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id.String())
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return msg, err
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

func (s *MessageStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.MessageStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND
			CASE status WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 ELSE 1 END <
			CASE ?      WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 ELSE 1 END`,
		status, id.String(), status)
	return err
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	var id, conversationID string
	var externalID sql.NullString
	var createdAt int64
	err := row.Scan(&id, &conversationID, &m.Content, &m.ContentType,
		&m.Direction, &m.Status, &m.ChannelType, &externalID, &createdAt)
	if err != nil {
		return nil, err
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if m.ConversationID, err = uuid.Parse(conversationID); err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}
