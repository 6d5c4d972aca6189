package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/store"
)

// PGContactStore implements store.ContactStore on Postgres.
type PGContactStore struct {
	db *sql.DB
}

func NewPGContactStore(db *sql.DB) *PGContactStore {
	return &PGContactStore{db: db}
}

const contactColumns = `id, identifier, name, phone, email, source, tags, lead_stage, lead_score, created_at`

// UpsertByIdentifier resolves a contact atomically. Concurrent calls with the
// same identifier race on the unique index, and the loser's INSERT turns into
// a no-op that still returns the surviving row. Existing profile fields are
// never overwritten by later inbound events.
func (s *PGContactStore) UpsertByIdentifier(ctx context.Context, p store.UpsertContactParams) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, identifier, name, phone, email, source, tags, lead_stage, lead_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, '{}', 'new', 0, $7)
		ON CONFLICT (identifier) DO UPDATE SET identifier = EXCLUDED.identifier
		RETURNING `+contactColumns,
		uuid.Must(uuid.NewV7()), p.Identifier, p.Name, p.Phone, p.Email,
		p.Source, time.Now().UTC(),
	)
	return scanContact(row)
}

func (s *PGContactStore) GetByIdentifier(ctx context.Context, identifier string) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE identifier = $1`, identifier)
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return contact, err
}

func (s *PGContactStore) Get(ctx context.Context, id uuid.UUID) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return contact, err
}

func scanContact(row rowScanner) (*store.Contact, error) {
	var c store.Contact
	var tags []byte
	err := row.Scan(&c.ID, &c.Identifier, &c.Name, &c.Phone, &c.Email,
		&c.Source, &tags, &c.LeadStage, &c.LeadScore, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Tags = parsePGTextArray(tags)
	return &c, nil
}

// parsePGTextArray decodes a simple {a,b,c} Postgres text array. Tags never
// contain commas or braces, so a full parser is unnecessary.
func parsePGTextArray(raw []byte) []string {
	s := string(raw)
	if len(s) < 2 || s == "{}" {
		return nil
	}
	s = s[1 : len(s)-1]
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
