package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/omnidesk/omnidesk/internal/store"
)

// PGChannelInstanceStore implements store.ChannelInstanceStore on Postgres.
// Settings (credentials included) are stored as JSONB; at-rest encryption is
// delegated to the database layer.
type PGChannelInstanceStore struct {
	db *sql.DB
}

func NewPGChannelInstanceStore(db *sql.DB) *PGChannelInstanceStore {
	return &PGChannelInstanceStore{db: db}
}

const channelColumns = `id, channel_type, name, enabled, settings, created_at`

func (s *PGChannelInstanceStore) Get(ctx context.Context, id string) (*store.ChannelInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channel_instances WHERE id = $1`, id)
	inst, err := scanChannelInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return inst, err
}

func (s *PGChannelInstanceStore) ActiveByType(ctx context.Context, t store.ChannelType) (*store.ChannelInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channel_instances
		 WHERE channel_type = $1 AND enabled ORDER BY created_at ASC LIMIT 1`, t)
	inst, err := scanChannelInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return inst, err
}

func (s *PGChannelInstanceStore) List(ctx context.Context) ([]store.ChannelInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channel_instances ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ChannelInstance
	for rows.Next() {
		inst, err := scanChannelInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *PGChannelInstanceStore) Put(ctx context.Context, inst store.ChannelInstance) error {
	settings, err := json.Marshal(inst.Settings)
	if err != nil {
		return err
	}
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channel_instances (id, channel_type, name, enabled, settings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			channel_type = EXCLUDED.channel_type,
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			settings = EXCLUDED.settings`,
		inst.ID, inst.Type, inst.Name, inst.Enabled, settings, createdAt,
	)
	return err
}

func scanChannelInstance(row rowScanner) (*store.ChannelInstance, error) {
	var inst store.ChannelInstance
	var settings []byte
	err := row.Scan(&inst.ID, &inst.Type, &inst.Name, &inst.Enabled, &settings, &inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &inst.Settings); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}
