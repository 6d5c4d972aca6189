package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/queue"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
)

// fakeAdapter scripts HandleWebhook outcomes: one error per call until the
// list runs out, then success.
type fakeAdapter struct {
	channelType store.ChannelType
	errs        []error
	calls       atomic.Int32
}

func (f *fakeAdapter) Type() store.ChannelType { return f.channelType }

func (f *fakeAdapter) HandleWebhook(ctx context.Context, payload []byte, channelID string) error {
	n := int(f.calls.Add(1))
	if n <= len(f.errs) {
		return f.errs[n-1]
	}
	return nil
}

func (f *fakeAdapter) SendMessage(ctx context.Context, recipient, content string) error {
	return nil
}

type panicAdapter struct {
	calls atomic.Int32
}

func (p *panicAdapter) Type() store.ChannelType { return store.ChannelTelegram }

func (p *panicAdapter) HandleWebhook(context.Context, []byte, string) error {
	p.calls.Add(1)
	panic("adapter exploded")
}

func (p *panicAdapter) SendMessage(context.Context, string, string) error { return nil }

func setup(t *testing.T, adapter channels.Adapter, opts queue.Options) (*queue.Queue, *Pool) {
	t.Helper()
	q := queue.New(memory.NewQueueStore(), opts)
	pool := NewPool(q, channels.NewAdapterSet(adapter), Options{Workers: 1, IdleDelay: time.Millisecond})
	return q, pool
}

func enqueue(t *testing.T, q *queue.Queue, channelType store.ChannelType) *store.QueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), channelType, []byte(`{"update_id":1}`),
		queue.EnqueueOptions{SkipValidation: true})
	if err != nil {
		t.Fatal(err)
	}
	return item
}

func waitForStats(t *testing.T, q *queue.Queue, pred func(store.QueueStats) bool) store.QueueStats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := q.Stats(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if pred(stats) {
			return stats
		}
		time.Sleep(2 * time.Millisecond)
	}
	stats, _ := q.Stats(context.Background())
	t.Fatalf("condition not reached, stats: %+v", stats)
	return stats
}

func TestProcessSuccess(t *testing.T) {
	adapter := &fakeAdapter{channelType: store.ChannelTelegram}
	q, pool := setup(t, adapter, queue.Options{})

	enqueue(t, q, store.ChannelTelegram)
	pool.Start(context.Background())
	defer pool.Stop()

	waitForStats(t, q, func(s store.QueueStats) bool { return s.Succeeded == 1 })
	if got := adapter.calls.Load(); got != 1 {
		t.Errorf("adapter calls = %d, want 1", got)
	}
}

// Two transient failures then success: the item retries with the attempt
// count carried across claims.
func TestProcessRetriesTransientFailures(t *testing.T) {
	adapter := &fakeAdapter{
		channelType: store.ChannelTelegram,
		errs:        []error{errors.New("timeout"), errors.New("timeout")},
	}
	q, pool := setup(t, adapter, queue.Options{
		MaxAttempts: 5,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})

	item := enqueue(t, q, store.ChannelTelegram)
	pool.Start(context.Background())
	defer pool.Stop()

	waitForStats(t, q, func(s store.QueueStats) bool { return s.Succeeded == 1 })
	if got := adapter.calls.Load(); got != 3 {
		t.Errorf("adapter calls = %d, want 3", got)
	}
	final, err := q.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if final.Failed != 0 || final.DeadLettered != 0 {
		t.Errorf("unexpected terminal stats: %+v", final)
	}
	_ = item
}

// Permanent errors skip the retry budget entirely.
func TestProcessDeadLettersPermanentFailure(t *testing.T) {
	adapter := &fakeAdapter{
		channelType: store.ChannelTelegram,
		errs: []error{
			channels.Permanent(errors.New("no channel configuration")),
		},
	}
	q, pool := setup(t, adapter, queue.Options{MaxAttempts: 5})

	enqueue(t, q, store.ChannelTelegram)
	pool.Start(context.Background())
	defer pool.Stop()

	waitForStats(t, q, func(s store.QueueStats) bool { return s.DeadLettered == 1 })
	if got := adapter.calls.Load(); got != 1 {
		t.Errorf("adapter calls = %d, want 1 (no retries)", got)
	}
}

func TestProcessDeadLettersUnregisteredType(t *testing.T) {
	adapter := &fakeAdapter{channelType: store.ChannelTelegram}
	q, pool := setup(t, adapter, queue.Options{})

	enqueue(t, q, store.ChannelSlack) // no slack adapter registered
	pool.Start(context.Background())
	defer pool.Stop()

	waitForStats(t, q, func(s store.QueueStats) bool { return s.DeadLettered == 1 })
	if got := adapter.calls.Load(); got != 0 {
		t.Errorf("adapter calls = %d, want 0", got)
	}
}

// A panicking adapter counts as a failed attempt and must not kill the worker.
func TestProcessContainsPanics(t *testing.T) {
	adapter := &panicAdapter{}
	q, pool := setup(t, adapter, queue.Options{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})

	enqueue(t, q, store.ChannelTelegram)
	pool.Start(context.Background())
	defer pool.Stop()

	stats := waitForStats(t, q, func(s store.QueueStats) bool { return s.DeadLettered == 1 })
	if got := adapter.calls.Load(); got != 2 {
		t.Errorf("adapter calls = %d, want 2", got)
	}
	if stats.Processing != 0 {
		t.Errorf("items stuck in processing: %+v", stats)
	}
}

// stallingAdapter blocks until its attempt context is canceled, standing in
// for an adapter caught mid-call by shutdown.
type stallingAdapter struct {
	started chan struct{}
}

func (a *stallingAdapter) Type() store.ChannelType { return store.ChannelTelegram }

func (a *stallingAdapter) HandleWebhook(ctx context.Context, _ []byte, _ string) error {
	close(a.started)
	<-ctx.Done()
	return ctx.Err()
}

func (a *stallingAdapter) SendMessage(context.Context, string, string) error { return nil }

// canceledWriteStore rejects writes on a canceled context, matching how the
// SQL backends behave. The embedded memory store ignores contexts entirely
// and would mask the shutdown path this exercises.
type canceledWriteStore struct {
	store.QueueStore
}

func (s *canceledWriteStore) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.QueueStore.MarkSucceeded(ctx, id)
}

func (s *canceledWriteStore) MarkFailed(ctx context.Context, p store.FailParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.QueueStore.MarkFailed(ctx, p)
}

func (s *canceledWriteStore) MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.QueueStore.MarkDeadLettered(ctx, id, reason)
}

// Stop cancels the run context mid-attempt; the resulting failure must still
// be written or the item stays in processing until the lease expires.
func TestStopMarksInFlightItem(t *testing.T) {
	adapter := &stallingAdapter{started: make(chan struct{})}
	qs := &canceledWriteStore{QueueStore: memory.NewQueueStore()}
	q := queue.New(qs, queue.Options{MaxAttempts: 5})
	pool := NewPool(q, channels.NewAdapterSet(adapter), Options{Workers: 1, IdleDelay: time.Millisecond})

	enqueue(t, q, store.ChannelTelegram)
	pool.Start(context.Background())
	<-adapter.started
	pool.Stop()

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processing != 0 {
		t.Fatalf("item stranded in processing after Stop: %+v", stats)
	}
	if stats.Failed != 1 {
		t.Fatalf("canceled attempt not recorded: %+v", stats)
	}
}

// An item a previous process claimed and never resolved is recovered by the
// reclaim pass at startup and runs to completion.
func TestStartReclaimsOrphanedClaims(t *testing.T) {
	qs := memory.NewQueueStore()
	orphaner := queue.New(qs, queue.Options{LeaseTimeout: time.Millisecond})
	enqueue(t, orphaner, store.ChannelTelegram)
	if _, err := orphaner.DequeueNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	adapter := &fakeAdapter{channelType: store.ChannelTelegram}
	q := queue.New(qs, queue.Options{LeaseTimeout: time.Millisecond})
	pool := NewPool(q, channels.NewAdapterSet(adapter), Options{Workers: 1, IdleDelay: time.Millisecond})
	pool.Start(context.Background())
	defer pool.Stop()

	waitForStats(t, q, func(s store.QueueStats) bool { return s.Succeeded == 1 })
}

func TestStopWaitsForWorkers(t *testing.T) {
	adapter := &fakeAdapter{channelType: store.ChannelTelegram}
	q, pool := setup(t, adapter, queue.Options{})

	for i := 0; i < 20; i++ {
		enqueue(t, q, store.ChannelTelegram)
	}
	pool.Start(context.Background())
	waitForStats(t, q, func(s store.QueueStats) bool { return s.Succeeded == 20 })
	pool.Stop()

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processing != 0 {
		t.Errorf("items left processing after Stop: %+v", stats)
	}
}
