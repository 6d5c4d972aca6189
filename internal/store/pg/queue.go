package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/store"
)

// PGQueueStore implements store.QueueStore on Postgres.
//
// DequeueNext relies on FOR UPDATE SKIP LOCKED so that concurrent workers
// never claim the same row: the claiming UPDATE and the candidate SELECT run
// as one statement, and locked candidates are skipped rather than waited on.
type PGQueueStore struct {
	db *sql.DB
}

func NewPGQueueStore(db *sql.DB) *PGQueueStore {
	return &PGQueueStore{db: db}
}

const queueColumns = `id, channel_type, channel_id, payload, priority, status,
	attempt_count, last_error, received_at, next_retry_at, updated_at`

func (s *PGQueueStore) Enqueue(ctx context.Context, p store.EnqueueParams) (*store.QueueItem, error) {
	now := time.Now().UTC()
	item := &store.QueueItem{
		ID:          uuid.Must(uuid.NewV7()),
		ChannelType: p.ChannelType,
		ChannelID:   p.ChannelID,
		Payload:     p.Payload,
		Priority:    p.Priority,
		Status:      store.StatusPending,
		ReceivedAt:  now,
		NextRetryAt: now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_queue
			(id, channel_type, channel_id, payload, priority, status,
			 attempt_count, last_error, received_at, next_retry_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, '', $7, $7, $7)`,
		item.ID, item.ChannelType, nilStr(item.ChannelID), item.Payload,
		item.Priority, item.Status, now,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PGQueueStore) DequeueNext(ctx context.Context) (*store.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE webhook_queue SET
			status = $1,
			attempt_count = attempt_count + 1,
			updated_at = now()
		WHERE id = (
			SELECT id FROM webhook_queue
			WHERE (status = $2 OR status = $3) AND next_retry_at <= now()
			ORDER BY priority ASC, received_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		store.StatusProcessing, store.StatusPending, store.StatusFailed,
	)

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrQueueEmpty
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PGQueueStore) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_queue SET status = $1, last_error = '', updated_at = now()
		 WHERE id = $2 AND status = $3`,
		store.StatusSucceeded, id, store.StatusProcessing,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGQueueStore) MarkFailed(ctx context.Context, p store.FailParams) error {
	// One statement decides retry vs dead-letter so the item never sits in
	// an intermediate state between the check and the transition.
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_queue SET
			status = CASE WHEN attempt_count >= $1 THEN $2 ELSE $3 END,
			last_error = $4,
			next_retry_at = $5,
			updated_at = now()
		WHERE id = $6 AND status = $7`,
		p.MaxAttempts, store.StatusDeadLettered, store.StatusFailed,
		p.Error, p.NextRetryAt.UTC(), p.ID, store.StatusProcessing,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGQueueStore) MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_queue SET status = $1, last_error = $2, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		store.StatusDeadLettered, reason, id, store.StatusProcessing,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGQueueStore) ReclaimStale(ctx context.Context, p store.ReclaimParams) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_queue SET
			status = CASE WHEN attempt_count >= $1 THEN $2 ELSE $3 END,
			last_error = CASE WHEN attempt_count >= $1 THEN 'worker lost before outcome' ELSE last_error END,
			next_retry_at = now(),
			updated_at = now()
		WHERE status = $4 AND updated_at < $5`,
		p.MaxAttempts, store.StatusDeadLettered, store.StatusPending,
		store.StatusProcessing, p.ClaimedBefore.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGQueueStore) Stats(ctx context.Context) (store.QueueStats, error) {
	var st store.QueueStats

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM webhook_queue GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var status store.QueueStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return st, err
		}
		applyCount(&st, status, count)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(received_at) FROM webhook_queue WHERE status = $1`,
		store.StatusPending,
	).Scan(&oldest)
	if err != nil {
		return st, err
	}
	if oldest.Valid {
		st.OldestPending = oldest.Time
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_queue
		 WHERE status = $1 AND updated_at > now() - interval '1 hour'`,
		store.StatusSucceeded,
	).Scan(&st.SucceededLastHour)
	return st, err
}

func (s *PGQueueStore) StatsBySource(ctx context.Context) (map[store.ChannelType]store.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_type, status, COUNT(*) FROM webhook_queue GROUP BY channel_type, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[store.ChannelType]store.QueueStats)
	for rows.Next() {
		var ct store.ChannelType
		var status store.QueueStatus
		var count int
		if err := rows.Scan(&ct, &status, &count); err != nil {
			return nil, err
		}
		st := result[ct]
		applyCount(&st, status, count)
		result[ct] = st
	}
	return result, rows.Err()
}

func (s *PGQueueStore) DeadLetters(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM webhook_queue
		 WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`,
		store.StatusDeadLettered, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []store.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *PGQueueStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_queue
		 WHERE status IN ($1, $2) AND updated_at < $3`,
		store.StatusSucceeded, store.StatusDeadLettered, cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGQueueStore) Get(ctx context.Context, id uuid.UUID) (*store.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM webhook_queue WHERE id = $1`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return item, err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (*store.QueueItem, error) {
	var item store.QueueItem
	var channelID sql.NullString
	err := row.Scan(
		&item.ID, &item.ChannelType, &channelID, &item.Payload,
		&item.Priority, &item.Status, &item.AttemptCount, &item.LastError,
		&item.ReceivedAt, &item.NextRetryAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.ChannelID = channelID.String
	return &item, nil
}

func applyCount(st *store.QueueStats, status store.QueueStatus, count int) {
	switch status {
	case store.StatusPending:
		st.Pending = count
	case store.StatusProcessing:
		st.Processing = count
	case store.StatusSucceeded:
		st.Succeeded = count
	case store.StatusFailed:
		st.Failed = count
	case store.StatusDeadLettered:
		st.DeadLettered = count
	}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
