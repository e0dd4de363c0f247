// Package router fans a validated Knowledge Packet out to the store
// adapters with per-store transactional semantics: retried transient
// failures, recorded permanent failures, compensation records for partial
// commits, and best-effort rollback when the index-of-record write fails.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
	"github.com/bruised-ego-labs/nancy/pkg/fn"
	"github.com/bruised-ego-labs/nancy/pkg/kmutex"
)

// State is a packet's terminal routing state.
type State string

const (
	StateCommitted          State = "committed"
	StatePartiallyCommitted State = "partially_committed"
	StateRejected           State = "rejected"
)

// AdapterResult records one adapter's outcome for a packet.
type AdapterResult struct {
	Adapter  string `json:"adapter"`
	OK       bool   `json:"ok"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Outcome is the terminal record for one routed packet.
type Outcome struct {
	PacketID string          `json:"packet_id"`
	State    State           `json:"state"`
	Results  []AdapterResult `json:"results"`
}

// Deps holds the adapters the router writes to.
type Deps struct {
	Vector     store.VectorAdapter
	Analytical store.AnalyticalAdapter
	Graph      store.GraphAdapter
	Linguistic store.LinguisticAdapter
	Logger     *slog.Logger
}

// Options tunes router behaviour.
type Options struct {
	Retry fn.RetryOpts
	// SweepInterval paces the compensation sweeper; zero disables it.
	SweepInterval time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Retry:         fn.RetryOpts{MaxAttempts: 3, InitialWait: 100 * time.Millisecond, MaxWait: 2 * time.Second, Jitter: true},
		SweepInterval: 30 * time.Second,
	}
}

// Router routes packets. It is a pure function of packet content plus
// adapter availability; queueing lives elsewhere.
type Router struct {
	deps Deps
	opts Options
	log  *slog.Logger

	locks *kmutex.KMutex

	mu        sync.Mutex
	unhealthy map[string]bool
}

// New creates a Router.
func New(deps Deps, opts Options) *Router {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		deps:      deps,
		opts:      opts,
		log:       log,
		locks:     kmutex.New(),
		unhealthy: make(map[string]bool),
	}
}

// Healthy reports whether an adapter is currently routable.
func (r *Router) Healthy(adapter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unhealthy[adapter]
}

// MarkHealthy restores an adapter after recovery.
func (r *Router) MarkHealthy(adapter string) {
	r.mu.Lock()
	delete(r.unhealthy, adapter)
	r.mu.Unlock()
}

func (r *Router) markUnhealthy(adapter string) {
	r.mu.Lock()
	r.unhealthy[adapter] = true
	r.mu.Unlock()
	r.log.Warn("router: adapter marked unhealthy", "adapter", adapter)
}

// target is one pending adapter write.
type target struct {
	name  string
	write func(context.Context) error
}

// Apply routes one validated packet and returns its terminal state.
// Concurrent submissions of the same packet_id serialize on a keyed mutex;
// all writes are idempotent upserts keyed by packet_id, so repeats converge.
func (r *Router) Apply(ctx context.Context, p packet.KnowledgePacket) Outcome {
	r.locks.Lock(p.PacketID)
	defer r.locks.Unlock(p.PacketID)

	targets := r.plan(ctx, &p)
	outcome := Outcome{PacketID: p.PacketID}
	failed := map[string]bool{}

	for _, t := range targets {
		res := r.execute(ctx, t)
		outcome.Results = append(outcome.Results, res)
		if !res.OK {
			failed[t.name] = true
		}
	}

	return r.finish(ctx, p, outcome, failed)
}

// plan orders the adapter writes for a packet: the hinted priority brain
// first, the rest in fixed vector → analytical → graph order. The analytical
// index row is always written.
func (r *Router) plan(ctx context.Context, p *packet.KnowledgePacket) []target {
	var targets []target

	if p.HasVector() {
		targets = append(targets, target{store.NameVector, func(ctx context.Context) error {
			return r.deps.Vector.UpsertChunks(ctx, p.PacketID, p.Content.Vector.Chunks, vectorMetadata(p))
		}})
	}
	targets = append(targets, target{store.NameAnalytical, func(ctx context.Context) error {
		if err := r.deps.Analytical.UpsertPacketRow(ctx, *p); err != nil {
			return err
		}
		a := p.Content.Analytical
		if a != nil && a.Table != nil {
			name := a.Table.Name
			if name == "" {
				name = "default"
			}
			return r.deps.Analytical.UpsertTable(ctx, p.PacketID, name, a.Table.Columns, a.Table.Rows)
		}
		return nil
	}})

	entities, rels := p.Content.GraphSections()
	if len(entities) == 0 && len(rels) == 0 && p.PriorityBrain() == packet.BrainGraph && p.HasVector() {
		entities = r.extractEntities(ctx, p)
	}
	if len(entities) > 0 || len(rels) > 0 {
		targets = append(targets, target{store.NameGraph, func(ctx context.Context) error {
			if err := r.deps.Graph.UpsertEntities(ctx, p.PacketID, entities); err != nil {
				return err
			}
			return r.deps.Graph.UpsertRelationships(ctx, p.PacketID, rels)
		}})
	}

	// Hinted brain goes first so its typical queries see the data soonest.
	if hint := string(p.PriorityBrain()); hint != string(packet.BrainNone) {
		for i, t := range targets {
			if t.name == hint && i > 0 {
				reordered := append([]target{t}, append(append([]target{}, targets[:i]...), targets[i+1:]...)...)
				targets = reordered
				break
			}
		}
	}
	return targets
}

// extractEntities asks the linguistic adapter to mine graph content out of a
// text-rich packet hinted at the graph brain. Failures degrade to no graph
// write rather than failing the packet.
func (r *Router) extractEntities(ctx context.Context, p *packet.KnowledgePacket) []packet.Entity {
	if r.deps.Linguistic == nil {
		return nil
	}
	var texts []string
	for _, c := range p.Content.Vector.Chunks {
		texts = append(texts, c.Text)
	}
	found, err := r.deps.Linguistic.ExtractEntities(ctx, strings.Join(texts, "\n"))
	if err != nil {
		r.log.Warn("router: entity extraction failed, skipping graph write", "packet_id", p.PacketID, "err", err)
		return nil
	}
	entities := make([]packet.Entity, 0, len(found))
	for i, e := range found {
		entities = append(entities, packet.Entity{
			ID:         fmt.Sprintf("extracted-%d", i),
			Type:       e.Type,
			Properties: e.Properties,
		})
	}
	return entities
}

// execute runs one adapter write with transient-only retries.
func (r *Router) execute(ctx context.Context, t target) AdapterResult {
	start := time.Now()
	if !r.Healthy(t.name) {
		return AdapterResult{
			Adapter: t.name, Skipped: true,
			Error:    store.ErrUnavailable.Error(),
			Duration: time.Since(start),
		}
	}

	result := fn.RetryIf(ctx, r.opts.Retry,
		func(err error) bool { return store.KindOf(err) == store.Transient },
		func(ctx context.Context) fn.Result[struct{}] {
			if err := t.write(ctx); err != nil {
				return fn.Err[struct{}](err)
			}
			return fn.Ok(struct{}{})
		})

	res := AdapterResult{Adapter: t.name, Duration: time.Since(start)}
	if _, err := result.Unwrap(); err != nil {
		res.Error = err.Error()
		if store.KindOf(err) == store.Catastrophic {
			r.markUnhealthy(t.name)
		}
		r.log.Error("router: adapter write failed",
			"adapter", t.name, "kind", store.KindOf(err).String(), "err", err)
		return res
	}
	res.OK = true
	return res
}

// finish derives the terminal state and performs compensation bookkeeping.
func (r *Router) finish(ctx context.Context, p packet.KnowledgePacket, outcome Outcome, failed map[string]bool) Outcome {
	switch {
	case failed[store.NameAnalytical]:
		// Without the index of record the packet never happened: roll back
		// whatever landed elsewhere, best effort.
		outcome.State = StateRejected
		if err := r.deps.Vector.Delete(ctx, p.PacketID); err != nil {
			r.log.Warn("router: rollback vector delete failed", "packet_id", p.PacketID, "err", err)
		}
		if err := r.deps.Graph.Delete(ctx, p.PacketID); err != nil {
			r.log.Warn("router: rollback graph delete failed", "packet_id", p.PacketID, "err", err)
		}

	case len(failed) > 0:
		outcome.State = StatePartiallyCommitted
		var names []string
		for name := range failed {
			names = append(names, name)
		}
		if err := r.deps.Analytical.RecordCompensation(ctx, p.PacketID, names); err != nil {
			r.log.Error("router: compensation record failed", "packet_id", p.PacketID, "err", err)
		}

	default:
		outcome.State = StateCommitted
		if err := r.deps.Analytical.ClearCompensation(ctx, p.PacketID); err != nil {
			r.log.Warn("router: compensation clear failed", "packet_id", p.PacketID, "err", err)
		}
	}

	r.log.Info("router: packet routed", "packet_id", p.PacketID, "state", string(outcome.State))
	return outcome
}

// Sweep retries every packet in pending_compensation once, re-applying its
// stored content. Packets that reach Committed drop their compensation row.
func (r *Router) Sweep(ctx context.Context) {
	pending, err := r.deps.Analytical.PendingCompensation(ctx)
	if err != nil {
		r.log.Warn("router: compensation sweep query failed", "err", err)
		return
	}
	for _, c := range pending {
		p, err := r.deps.Analytical.LoadPacket(ctx, c.PacketID)
		if err != nil {
			r.log.Warn("router: sweep load failed", "packet_id", c.PacketID, "err", err)
			continue
		}
		outcome := r.Apply(ctx, p)
		r.log.Info("router: compensation sweep", "packet_id", c.PacketID, "state", string(outcome.State), "attempts", c.Attempts)
	}
}

// RunSweeper loops Sweep until ctx is cancelled.
func (r *Router) RunSweeper(ctx context.Context) {
	if r.opts.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// vectorMetadata flattens the packet metadata the vector payload carries for
// filtered search.
func vectorMetadata(p *packet.KnowledgePacket) map[string]string {
	meta := map[string]string{
		"content_type": string(p.Source.ContentType),
		"plugin":       p.Source.PluginName,
	}
	if p.Metadata.Title != "" {
		meta["title"] = p.Metadata.Title
	}
	if p.Metadata.Author != "" {
		meta["author"] = p.Metadata.Author
	}
	if p.Metadata.CreatedAt != "" {
		meta["created_at"] = p.Metadata.CreatedAt
	}
	return meta
}
