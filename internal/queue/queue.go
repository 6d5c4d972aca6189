// Package queue is the durable webhook work queue. It decouples fast HTTP
// acknowledgement from slow, failure-prone adapter processing: enqueue
// persists and returns immediately, workers claim items one at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/classify"
	"github.com/omnidesk/omnidesk/internal/store"
)

// ErrUnclassified is returned by Enqueue when no predicate matches and
// validation was not skipped.
var ErrUnclassified = errors.New("queue: payload failed channel validation")

// Options tunes retry behavior.
type Options struct {
	MaxAttempts int           // attempts before dead-lettering (default 5)
	BackoffBase time.Duration // first retry delay (default 30s)
	BackoffCap  time.Duration // upper bound on retry delay (default 1h)
	// LeaseTimeout bounds how long a claim may sit in Processing without an
	// outcome before ReclaimStale returns it to the pool (default 5m). Must
	// exceed the longest possible attempt.
	LeaseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = time.Hour
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 5 * time.Minute
	}
	return o
}

// EnqueueOptions carries per-item enqueue parameters.
type EnqueueOptions struct {
	ChannelID string
	Priority  int
	// SkipValidation bypasses the classifier predicate. Used by trusted
	// internal callers that already validated the payload.
	SkipValidation bool
}

// Queue validates, persists and transitions webhook work items.
type Queue struct {
	store store.QueueStore
	opts  Options
}

// New creates a queue over a store backend.
func New(qs store.QueueStore, opts Options) *Queue {
	return &Queue{store: qs, opts: opts.withDefaults()}
}

// MaxAttempts returns the configured retry budget.
func (q *Queue) MaxAttempts() int { return q.opts.MaxAttempts }

// Enqueue validates the payload against the channel's predicate and persists
// a Pending item. It never blocks on processing.
func (q *Queue) Enqueue(ctx context.Context, t store.ChannelType, payload []byte, opts EnqueueOptions) (*store.QueueItem, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown channel type %q", ErrUnclassified, t)
	}
	if !opts.SkipValidation && !classify.Validate(t, payload) {
		return nil, fmt.Errorf("%w: payload does not match %s", ErrUnclassified, t)
	}

	item, err := q.store.Enqueue(ctx, store.EnqueueParams{
		ChannelType: t,
		ChannelID:   opts.ChannelID,
		Payload:     payload,
		Priority:    opts.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s webhook: %w", t, err)
	}

	slog.Debug("webhook enqueued",
		"id", item.ID, "channel", t, "priority", item.Priority, "bytes", len(payload))
	return item, nil
}

// DequeueNext atomically claims the next runnable item, or ErrQueueEmpty.
func (q *Queue) DequeueNext(ctx context.Context) (*store.QueueItem, error) {
	return q.store.DequeueNext(ctx)
}

// MarkSucceeded finishes an item.
func (q *Queue) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	return q.store.MarkSucceeded(ctx, id)
}

// MarkFailed records a transient failure. The item retries after exponential
// backoff until the attempt budget is exhausted, then dead-letters.
func (q *Queue) MarkFailed(ctx context.Context, item *store.QueueItem, cause error) error {
	delay := q.BackoffFor(item.AttemptCount)
	err := q.store.MarkFailed(ctx, store.FailParams{
		ID:          item.ID,
		Error:       cause.Error(),
		MaxAttempts: q.opts.MaxAttempts,
		NextRetryAt: time.Now().Add(delay),
	})
	if err != nil {
		return err
	}
	if item.AttemptCount >= q.opts.MaxAttempts {
		slog.Warn("queue item dead-lettered",
			"id", item.ID, "channel", item.ChannelType,
			"attempts", item.AttemptCount, "error", cause)
	} else {
		slog.Debug("queue item scheduled for retry",
			"id", item.ID, "channel", item.ChannelType,
			"attempt", item.AttemptCount, "delay", delay)
	}
	return nil
}

// MarkDeadLettered terminates an item without retry. Used for permanent
// failures such as an unregistered channel type or missing channel config.
func (q *Queue) MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string) error {
	slog.Warn("queue item dead-lettered without retry", "id", id, "reason", reason)
	return q.store.MarkDeadLettered(ctx, id, reason)
}

// ReclaimStale recovers items claimed by workers that died before writing an
// outcome: any Processing claim older than the lease returns to Pending (or
// dead-letters when the attempt budget is spent). The claim itself already
// consumed an attempt, so a crash-looping item cannot retry forever.
func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	reclaimed, err := q.store.ReclaimStale(ctx, store.ReclaimParams{
		ClaimedBefore: time.Now().Add(-q.opts.LeaseTimeout),
		MaxAttempts:   q.opts.MaxAttempts,
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		slog.Warn("reclaimed stale queue claims", "count", reclaimed, "lease", q.opts.LeaseTimeout)
	}
	return reclaimed, nil
}

// BackoffFor computes base * 2^(attempts-1), capped. Attempts start at 1, so
// the first retry waits the base delay. Monotonic: non-decreasing in attempts.
func (q *Queue) BackoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.opts.BackoffCap {
			return q.opts.BackoffCap
		}
	}
	if delay > q.opts.BackoffCap {
		delay = q.opts.BackoffCap
	}
	return delay
}

// Stats returns aggregate counts for dashboards.
func (q *Queue) Stats(ctx context.Context) (store.QueueStats, error) {
	return q.store.Stats(ctx)
}

// StatsBySource returns counts grouped by channel type.
func (q *Queue) StatsBySource(ctx context.Context) (map[store.ChannelType]store.QueueStats, error) {
	return q.store.StatsBySource(ctx)
}

// DeadLetters lists recent dead-lettered items for inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]store.QueueItem, error) {
	return q.store.DeadLetters(ctx, limit)
}

// Cleanup permanently deletes terminal items older than maxAge.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	removed, err := q.store.Cleanup(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("queue cleanup", "removed", removed, "max_age", maxAge)
	}
	return removed, nil
}
