// Package worker drives the webhook queue to completion with bounded
// concurrency. Workers share nothing but the queue itself, which is the only
// synchronization point.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/queue"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Options tunes the pool.
type Options struct {
	Workers        int           // concurrent workers (default 4)
	IdleDelay      time.Duration // sleep when the queue is empty (default 1s)
	AttemptTimeout time.Duration // deadline per adapter call (default 30s)
	// ReclaimInterval is how often expired claims from dead workers are
	// returned to the queue (default 1m). The first reclaim runs at Start,
	// which is what recovers items stranded by a previous process.
	ReclaimInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = time.Minute
	}
	return o
}

// Pool runs N workers pulling from one queue.
type Pool struct {
	queue    *queue.Queue
	adapters *channels.AdapterSet
	opts     Options
	tracer   trace.Tracer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a stopped pool.
func NewPool(q *queue.Queue, adapters *channels.AdapterSet, opts Options) *Pool {
	return &Pool{
		queue:    q,
		adapters: adapters,
		opts:     opts.withDefaults(),
		tracer:   otel.Tracer("omnidesk/worker"),
	}
}

// Start launches the workers. Non-blocking; Stop waits for them to drain.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	slog.Info("worker pool starting", "workers", p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}
	p.wg.Add(1)
	go p.reclaimLoop(runCtx)
}

// Stop cancels the workers and waits for in-flight items to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.queue.DequeueNext(ctx)
		if errors.Is(err, store.ErrQueueEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.IdleDelay):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.IdleDelay):
			}
			continue
		}

		p.process(ctx, id, item)
	}
}

// reclaimLoop returns expired claims to the queue. The immediate first pass
// recovers items a previous process left in Processing when it died.
func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.ReclaimInterval)
	defer ticker.Stop()

	for {
		if _, err := p.queue.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
			slog.Error("reclaim stale claims failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// process runs one claimed item to an outcome. Adapter errors and panics are
// contained here: nothing a single item does can take down the pool.
func (p *Pool) process(ctx context.Context, workerID int, item *store.QueueItem) {
	spanCtx, span := p.tracer.Start(ctx, "webhook.process",
		trace.WithAttributes(
			attribute.String("queue.item_id", item.ID.String()),
			attribute.String("channel.type", string(item.ChannelType)),
			attribute.Int("queue.attempt", item.AttemptCount),
		))
	defer span.End()

	// Outcome writes use an uncancelable context: when Stop cancels the run
	// context mid-attempt, the resulting failure must still be recorded or
	// the item stays in Processing until the lease expires.
	markCtx := context.WithoutCancel(spanCtx)

	adapter, ok := p.adapters.Resolve(item.ChannelType)
	if !ok {
		reason := fmt.Sprintf("no adapter registered for channel type %s", item.ChannelType)
		span.SetStatus(codes.Error, reason)
		if err := p.queue.MarkDeadLettered(markCtx, item.ID, reason); err != nil {
			slog.Error("mark dead-lettered failed", "id", item.ID, "error", err)
		}
		return
	}

	err := p.invoke(spanCtx, adapter, item)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		if err := p.queue.MarkSucceeded(markCtx, item.ID); err != nil {
			slog.Error("mark succeeded failed", "id", item.ID, "error", err)
		}
	case errors.Is(err, channels.ErrPermanent):
		span.SetStatus(codes.Error, err.Error())
		if err := p.queue.MarkDeadLettered(markCtx, item.ID, err.Error()); err != nil {
			slog.Error("mark dead-lettered failed", "id", item.ID, "error", err)
		}
	default:
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("webhook processing failed",
			"worker", workerID, "id", item.ID,
			"channel", item.ChannelType, "attempt", item.AttemptCount, "error", err)
		if err := p.queue.MarkFailed(markCtx, item, err); err != nil {
			slog.Error("mark failed failed", "id", item.ID, "error", err)
		}
	}
}

// invoke calls the adapter with a deadline and converts panics into errors so
// the retry policy applies uniformly.
func (p *Pool) invoke(ctx context.Context, adapter channels.Adapter, item *store.QueueItem) (err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()

	return adapter.HandleWebhook(attemptCtx, item.Payload, item.ChannelID)
}
