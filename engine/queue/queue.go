// Package queue provides the bounded ingest queue and the fixed-size worker
// pool that drains it into the brain router. Ordering between packets is not
// guaranteed; producers that need ordering encode dependencies as kp://
// cross-references instead.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/router"
)

// ErrQueueFull signals back-pressure: the producer should pause and retry.
var ErrQueueFull = errors.New("ingest queue full")

// Item is one queued packet with its arrival time.
type Item struct {
	Packet     packet.KnowledgePacket
	ReceivedAt time.Time
}

// Applier routes one packet; *router.Router is the production implementation.
type Applier interface {
	Apply(ctx context.Context, p packet.KnowledgePacket) router.Outcome
}

// Options sizes the queue.
type Options struct {
	Capacity int
	Workers  int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Capacity: 256, Workers: 4}
}

// Queue is the bounded ingest queue.
type Queue struct {
	items   chan Item
	applier Applier
	opts    Options
	log     *slog.Logger

	// OnOutcome, when set, observes every terminal packet outcome.
	OnOutcome func(router.Outcome)

	wg sync.WaitGroup
}

// New creates a Queue draining into the given applier.
func New(applier Applier, opts Options, log *slog.Logger) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOptions().Capacity
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		items:   make(chan Item, opts.Capacity),
		applier: applier,
		opts:    opts,
		log:     log,
	}
}

// Enqueue adds a packet without blocking. A full queue returns ErrQueueFull
// so the plugin host can answer the producer with a backpressure signal.
func (q *Queue) Enqueue(p packet.KnowledgePacket) error {
	select {
	case q.items <- Item{Packet: p, ReceivedAt: time.Now()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueWait blocks until space is available or ctx is done. Programmatic
// submitters use it so packets are never dropped under load.
func (q *Queue) EnqueueWait(ctx context.Context, p packet.KnowledgePacket) error {
	select {
	case q.items <- Item{Packet: p, ReceivedAt: time.Now()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports the current queue depth.
func (q *Queue) Depth() int { return len(q.items) }

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			// Once claimed a packet is routed to completion: the writes are
			// idempotent, so finishing beats cancelling mid-flight.
			outcome := q.applier.Apply(context.WithoutCancel(ctx), item.Packet)
			q.log.Debug("queue: packet processed",
				"worker", id,
				"packet_id", outcome.PacketID,
				"state", string(outcome.State),
				"queued", time.Since(item.ReceivedAt),
			)
			if q.OnOutcome != nil {
				q.OnOutcome(outcome)
			}
		}
	}
}
