package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/omnidesk/omnidesk/internal/store"
)

// ChannelInstanceStore implements store.ChannelInstanceStore on SQLite.
type ChannelInstanceStore struct {
	db *sql.DB
}

func NewChannelInstanceStore(db *sql.DB) *ChannelInstanceStore {
	return &ChannelInstanceStore{db: db}
}

const channelColumns = `id, channel_type, name, enabled, settings, created_at`

func (s *ChannelInstanceStore) Get(ctx context.Context, id string) (*store.ChannelInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channel_instances WHERE id = ?`, id)
	inst, err := scanChannelInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return inst, err
}

func (s *ChannelInstanceStore) ActiveByType(ctx context.Context, t store.ChannelType) (*store.ChannelInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channel_instances
		 WHERE channel_type = ? AND enabled = 1 ORDER BY created_at ASC LIMIT 1`, t)
	inst, err := scanChannelInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return inst, err
}

func (s *ChannelInstanceStore) List(ctx context.Context) ([]store.ChannelInstance, error) {
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

func (s *ChannelInstanceStore) Put(ctx context.Context, inst store.ChannelInstance) error {
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
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			channel_type = excluded.channel_type,
			name = excluded.name,
			enabled = excluded.enabled,
			settings = excluded.settings`,
		inst.ID, inst.Type, inst.Name, boolToInt(inst.Enabled), settings, toMillis(createdAt),
	)
	return err
}

func scanChannelInstance(row rowScanner) (*store.ChannelInstance, error) {
	var inst store.ChannelInstance
	var enabled int
	var settings []byte
	var createdAt int64
	err := row.Scan(&inst.ID, &inst.Type, &inst.Name, &enabled, &settings, &createdAt)
	if err != nil {
		return nil, err
	}
	inst.Enabled = enabled != 0
	inst.CreatedAt = fromMillis(createdAt)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &inst.Settings); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
