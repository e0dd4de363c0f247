// Package orchestrator is the single entry point to the core: programmatic
// packet ingestion, file ingestion through plugins, and natural-language
// queries. It owns outcome fan-out from the worker pool back to callers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/planner"
	"github.com/bruised-ego-labs/nancy/engine/plugin"
	"github.com/bruised-ego-labs/nancy/engine/queue"
	"github.com/bruised-ego-labs/nancy/engine/router"
)

// Orchestrator is the facade over the orchestration core.
type Orchestrator struct {
	router  *router.Router
	queue   *queue.Queue
	host    *plugin.Host
	planner *planner.Planner
	log     *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan router.Outcome
}

// New wires the facade. The host may be nil for embedded, core-only use.
func New(r *router.Router, q *queue.Queue, h *plugin.Host, pl *planner.Planner, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		router:  r,
		queue:   q,
		host:    h,
		planner: pl,
		log:     log,
		waiters: make(map[string][]chan router.Outcome),
	}
	q.OnOutcome = o.dispatch
	return o
}

// dispatch hands a terminal outcome to every caller waiting on the packet.
func (o *Orchestrator) dispatch(out router.Outcome) {
	o.mu.Lock()
	chans := o.waiters[out.PacketID]
	delete(o.waiters, out.PacketID)
	o.mu.Unlock()
	for _, ch := range chans {
		ch <- out
	}
}

func (o *Orchestrator) await(packetID string) chan router.Outcome {
	ch := make(chan router.Outcome, 1)
	o.mu.Lock()
	o.waiters[packetID] = append(o.waiters[packetID], ch)
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) abandon(packetID string, ch chan router.Outcome) {
	o.mu.Lock()
	chans := o.waiters[packetID]
	for i, c := range chans {
		if c == ch {
			o.waiters[packetID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(o.waiters[packetID]) == 0 {
		delete(o.waiters, packetID)
	}
	o.mu.Unlock()
}

// IngestPacket validates a packet and routes it directly, bypassing the
// plugin path. Programmatic producers and tests use this.
func (o *Orchestrator) IngestPacket(ctx context.Context, p packet.KnowledgePacket) (router.Outcome, error) {
	if err := packet.Validate(p); err != nil {
		return router.Outcome{PacketID: p.PacketID, State: router.StateRejected}, err
	}
	return o.router.Apply(ctx, p), nil
}

// IngestFile resolves a plugin for the path, validates the packets it emits,
// enqueues them, and waits for their terminal outcomes. Packets a streaming
// plugin pushes later are processed asynchronously and not reported here.
func (o *Orchestrator) IngestFile(ctx context.Context, path string, hints map[string]string) ([]router.Outcome, error) {
	if o.host == nil {
		return nil, fmt.Errorf("orchestrator: %w: no plugin host", plugin.ErrNoPluginForType)
	}
	packets, warnings, err := o.host.IngestFile(ctx, path, hints)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		o.log.Warn("plugin warning", "path", path, "warning", w)
	}

	waits := make([]chan router.Outcome, len(packets))
	for i, p := range packets {
		waits[i] = o.await(p.PacketID)
		if err := o.queue.EnqueueWait(ctx, p); err != nil {
			o.abandon(p.PacketID, waits[i])
			waits[i] = nil
			o.log.Warn("enqueue failed", "packet_id", p.PacketID, "err", err)
		}
	}

	var outcomes []router.Outcome
	for i, ch := range waits {
		if ch == nil {
			continue
		}
		select {
		case out := <-ch:
			outcomes = append(outcomes, out)
		case <-ctx.Done():
			o.abandon(packets[i].PacketID, ch)
			return outcomes, ctx.Err()
		}
	}
	return outcomes, nil
}

// Query answers a natural-language question with citations and a trace of
// the adapter calls the plan made.
func (o *Orchestrator) Query(ctx context.Context, text string) (planner.Response, error) {
	return o.planner.Query(ctx, text)
}
