package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
)

func newTestQueue(opts Options) *Queue {
	return New(memory.NewQueueStore(), opts)
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(Options{})
	ctx := context.Background()

	tests := []struct {
		name    string
		channel store.ChannelType
		payload string
		opts    EnqueueOptions
		wantErr bool
	}{
		{
			name:    "valid telegram",
			channel: store.ChannelTelegram,
			payload: `{"update_id":1}`,
		},
		{
			name:    "unknown channel type",
			channel: "pigeon",
			payload: `{"update_id":1}`,
			wantErr: true,
		},
		{
			name:    "payload does not match channel",
			channel: store.ChannelSlack,
			payload: `{"update_id":1}`,
			wantErr: true,
		},
		{
			name:    "mismatch accepted with skip",
			channel: store.ChannelSlack,
			payload: `{"update_id":1}`,
			opts:    EnqueueOptions{SkipValidation: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := q.Enqueue(ctx, tt.channel, []byte(tt.payload), tt.opts)
			if tt.wantErr {
				if !errors.Is(err, ErrUnclassified) {
					t.Fatalf("Enqueue() error = %v, want ErrUnclassified", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if item.Status != store.StatusPending {
				t.Errorf("new item status = %s, want pending", item.Status)
			}
		})
	}
}

func TestDequeueOrdering(t *testing.T) {
	q := newTestQueue(Options{})
	ctx := context.Background()

	low, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`),
		EnqueueOptions{Priority: 5})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	urgentFirst, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":2}`),
		EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	urgentSecond, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":3}`),
		EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatal(err)
	}

	wantOrder := []uuid.UUID{urgentFirst.ID, urgentSecond.ID, low.ID}
	for i, want := range wantOrder {
		item, err := q.DequeueNext(ctx)
		if err != nil {
			t.Fatalf("DequeueNext() #%d error = %v", i, err)
		}
		if item.ID != want {
			t.Fatalf("DequeueNext() #%d = %s, want %s", i, item.ID, want)
		}
	}
	if _, err := q.DequeueNext(ctx); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("DequeueNext() on drained queue error = %v, want ErrQueueEmpty", err)
	}
}

// Every enqueued item must be claimed by exactly one of the concurrent
// consumers.
func TestDequeueAtMostOnce(t *testing.T) {
	q := newTestQueue(Options{})
	ctx := context.Background()

	const items = 200
	const consumers = 8
	for i := 0; i < items; i++ {
		if _, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`), EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.DequeueNext(ctx)
				if errors.Is(err, store.ErrQueueEmpty) {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != items {
		t.Fatalf("claimed %d distinct items, want %d", len(claimed), items)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("item %s claimed %d times", id, n)
		}
	}
}

// An item that keeps failing retries up to the attempt budget, then
// dead-letters with the final error preserved.
func TestRetryUntilDeadLetter(t *testing.T) {
	q := newTestQueue(Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`), EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		item, err := q.DequeueNext(ctx)
		if err != nil {
			t.Fatalf("attempt %d: DequeueNext() error = %v", attempt, err)
		}
		if item.AttemptCount != attempt {
			t.Fatalf("attempt %d: AttemptCount = %d", attempt, item.AttemptCount)
		}
		if err := q.MarkFailed(ctx, item, errors.New("provider down")); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.DeadLettered != 1 {
		t.Fatalf("DeadLettered = %d, want 1", stats.DeadLettered)
	}
	if _, err := q.DequeueNext(ctx); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("dead-lettered item still claimable: %v", err)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != enqueued.ID {
		t.Fatalf("DeadLetters() = %v, want the failed item", dead)
	}
	if dead[0].LastError != "provider down" {
		t.Errorf("LastError = %q", dead[0].LastError)
	}
}

// A failed item is not claimable until its backoff elapses.
func TestFailedItemWaitsForBackoff(t *testing.T) {
	q := newTestQueue(Options{
		MaxAttempts: 5,
		BackoffBase: 50 * time.Millisecond,
	})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	item, err := q.DequeueNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkFailed(ctx, item, errors.New("timeout")); err != nil {
		t.Fatal(err)
	}

	if _, err := q.DequeueNext(ctx); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("item claimable before backoff elapsed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	retried, err := q.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("DequeueNext() after backoff error = %v", err)
	}
	if retried.ID != item.ID || retried.AttemptCount != 2 {
		t.Fatalf("retried item = %s attempt %d, want %s attempt 2",
			retried.ID, retried.AttemptCount, item.ID)
	}
}

// A claim whose worker died is not lost: once the lease expires the item is
// claimable again, with the crashed attempt counted.
func TestReclaimStaleRequeuesOrphanedClaim(t *testing.T) {
	q := newTestQueue(Options{
		MaxAttempts:  3,
		LeaseTimeout: time.Millisecond,
	})
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`), EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatal(err)
	}
	// No outcome is ever written; the worker is gone.

	time.Sleep(5 * time.Millisecond)
	reclaimed, err := q.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("ReclaimStale() = %d, want 1", reclaimed)
	}

	item, err := q.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("reclaimed item not claimable: %v", err)
	}
	if item.ID != enqueued.ID {
		t.Fatalf("claimed %s, want %s", item.ID, enqueued.ID)
	}
	if item.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2 (crashed claim counts)", item.AttemptCount)
	}
}

// A claim still inside its lease belongs to a live worker and must not be
// stolen.
func TestReclaimStaleSparesLiveClaims(t *testing.T) {
	q := newTestQueue(Options{LeaseTimeout: time.Hour})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := q.ReclaimStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 0 {
		t.Fatalf("ReclaimStale() = %d, want 0", reclaimed)
	}
	if _, err := q.DequeueNext(ctx); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("live claim was stolen: %v", err)
	}
}

// An orphaned claim that already spent its attempt budget dead-letters on
// reclaim instead of crash-looping forever.
func TestReclaimStaleDeadLettersExhaustedClaim(t *testing.T) {
	q := newTestQueue(Options{
		MaxAttempts:  1,
		LeaseTimeout: time.Millisecond,
	})
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`), EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	reclaimed, err := q.ReclaimStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 1 {
		t.Fatalf("ReclaimStale() = %d, want 1", reclaimed)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != enqueued.ID {
		t.Fatalf("DeadLetters() = %v, want the orphaned item", dead)
	}
	if _, err := q.DequeueNext(ctx); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("exhausted item still claimable: %v", err)
	}
}

func TestBackoffFor(t *testing.T) {
	q := newTestQueue(Options{
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
	})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{8, time.Hour},   // 64m capped
		{100, time.Hour}, // no overflow
	}
	for _, tt := range tests {
		if got := q.BackoffFor(tt.attempts); got != tt.want {
			t.Errorf("BackoffFor(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}

	prev := time.Duration(0)
	for attempts := 1; attempts <= 30; attempts++ {
		d := q.BackoffFor(attempts)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %s < %s", attempts, d, prev)
		}
		prev = d
	}
}

func TestCleanupSparesActiveItems(t *testing.T) {
	q := newTestQueue(Options{})
	ctx := context.Background()

	done, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`), EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":2}`), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	claimed, err := q.DequeueNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.ID != done.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, done.ID)
	}
	if err := q.MarkSucceeded(ctx, claimed.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * time.Millisecond)
	removed, err := q.Cleanup(ctx, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("Cleanup() removed = %d, want 1", removed)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 || stats.Succeeded != 0 {
		t.Fatalf("after cleanup: %+v", stats)
	}
}
