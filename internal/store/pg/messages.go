package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/omnidesk/omnidesk/internal/store"
)

// PGMessageStore implements store.MessageStore on Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

const messageColumns = `id, conversation_id, content, content_type, direction,
	status, channel_type, external_id, created_at`

// Create inserts a message. A unique violation on (channel_type, external_id)
// means the provider re-delivered a webhook we already persisted; callers get
// ErrDuplicateMessage and treat it as a no-op.
func (s *PGMessageStore) Create(ctx context.Context, p store.CreateMessageParams) (*store.Message, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, content, content_type, direction, status,
			 channel_type, external_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ConversationID, msg.Content, msg.ContentType,
		msg.Direction, msg.Status, msg.ChannelType, nilStr(msg.ExternalID), createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, store.ErrDuplicateMessage
		}
		return nil, err
	}
	return msg, nil
}

func (s *PGMessageStore) Get(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return msg, err
}

func (s *PGMessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`,
		conversationID, limit)
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

// UpdateStatus upgrades delivery status. The rank guard in the WHERE clause
// makes the transition monotonic: late or duplicate events never downgrade.
func (s *PGMessageStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.MessageStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1 WHERE id = $2 AND
			CASE status WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 ELSE 1 END <
			CASE $1     WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 ELSE 1 END`,
		status, id)
	return err
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	var externalID sql.NullString
	err := row.Scan(&m.ID, &m.ConversationID, &m.Content, &m.ContentType,
		&m.Direction, &m.Status, &m.ChannelType, &externalID, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	return &m, nil
}
