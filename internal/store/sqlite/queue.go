package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/store"
)

// QueueStore implements store.QueueStore on SQLite.
//
// SQLite has a single writer at a time, so the claim UPDATE with a nested
// candidate SELECT is atomic without row locks: two workers can never claim
// the same item.
type QueueStore struct {
	db *sql.DB
}

func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

const queueColumns = `id, channel_type, channel_id, payload, priority, status,
	attempt_count, last_error, received_at, next_retry_at, updated_at`

func (s *QueueStore) Enqueue(ctx context.Context, p store.EnqueueParams) (*store.QueueItem, error) {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_queue
			(id, channel_type, channel_id, payload, priority, status,
			 attempt_count, last_error, received_at, next_retry_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?)`,
		item.ID.String(), item.ChannelType, nilStr(item.ChannelID), item.Payload,
		item.Priority, item.Status, toMillis(now), toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *QueueStore) DequeueNext(ctx context.Context) (*store.QueueItem, error) {
	now := toMillis(time.Now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE webhook_queue SET
			status = ?,
			attempt_count = attempt_count + 1,
			updated_at = ?
		WHERE id = (
			SELECT id FROM webhook_queue
			WHERE status IN (?, ?) AND next_retry_at <= ?
			ORDER BY priority ASC, received_at ASC
			LIMIT 1
		)
		RETURNING `+queueColumns,
		store.StatusProcessing, now,
		store.StatusPending, store.StatusFailed, now,
	)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrQueueEmpty
	}
	return item, err
}

func (s *QueueStore) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_queue SET status = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		store.StatusSucceeded, toMillis(time.Now()), id.String(), store.StatusProcessing,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *QueueStore) MarkFailed(ctx context.Context, p store.FailParams) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_queue SET
			status = CASE WHEN attempt_count >= ? THEN ? ELSE ? END,
			last_error = ?,
			next_retry_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		p.MaxAttempts, store.StatusDeadLettered, store.StatusFailed,
		p.Error, toMillis(p.NextRetryAt), toMillis(time.Now()),
		p.ID.String(), store.StatusProcessing,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *QueueStore) MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_queue SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		store.StatusDeadLettered, reason, toMillis(time.Now()),
		id.String(), store.StatusProcessing,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *QueueStore) ReclaimStale(ctx context.Context, p store.ReclaimParams) (int64, error) {
	now := toMillis(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_queue SET
			status = CASE WHEN attempt_count >= ? THEN ? ELSE ? END,
			last_error = CASE WHEN attempt_count >= ? THEN 'worker lost before outcome' ELSE last_error END,
			next_retry_at = ?,
			updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		p.MaxAttempts, store.StatusDeadLettered, store.StatusPending,
		p.MaxAttempts, now, now,
		store.StatusProcessing, toMillis(p.ClaimedBefore),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *QueueStore) Stats(ctx context.Context) (store.QueueStats, error) {
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

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(received_at) FROM webhook_queue WHERE status = ?`,
		store.StatusPending).Scan(&oldest); err != nil {
		return st, err
	}
	if oldest.Valid {
		st.OldestPending = fromMillis(oldest.Int64)
	}

	hourAgo := toMillis(time.Now().Add(-time.Hour))
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_queue WHERE status = ? AND updated_at > ?`,
		store.StatusSucceeded, hourAgo).Scan(&st.SucceededLastHour)
	return st, err
}

func (s *QueueStore) StatsBySource(ctx context.Context) (map[store.ChannelType]store.QueueStats, error) {
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

func (s *QueueStore) DeadLetters(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM webhook_queue
		 WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		store.StatusDeadLettered, limit)
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

func (s *QueueStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_queue WHERE status IN (?, ?) AND updated_at < ?`,
		store.StatusSucceeded, store.StatusDeadLettered, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (*store.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM webhook_queue WHERE id = ?`, id.String())
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return item, err
}

func scanQueueItem(row rowScanner) (*store.QueueItem, error) {
	var item store.QueueItem
	var id string
	var channelID sql.NullString
	var receivedAt, nextRetryAt, updatedAt int64
	err := row.Scan(&id, &item.ChannelType, &channelID, &item.Payload,
		&item.Priority, &item.Status, &item.AttemptCount, &item.LastError,
		&receivedAt, &nextRetryAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	item.ID = parsed
	item.ChannelID = channelID.String
	item.ReceivedAt = fromMillis(receivedAt)
	item.NextRetryAt = fromMillis(nextRetryAt)
	item.UpdatedAt = fromMillis(updatedAt)
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
