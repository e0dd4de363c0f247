package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
	"github.com/bruised-ego-labs/nancy/pkg/fn"
)

// entityTypes are the node types the planner probes when resolving a named
// entity in the graph. Author/Decision/Meeting/Component are plain type
// values in the store, not special-cased code paths.
var entityTypes = []string{"Person", "Author", "Document", "Decision", "Meeting", "Component"}

// authorEdgeTypes restrict author neighborhoods to contribution edges.
var authorEdgeTypes = []string{"AUTHORED", "CONTRIBUTED_TO"}

// nonVectorScore ranks non-vector evidence below a decent vector hit so
// distance-ranked citations stay meaningful.
const nonVectorScore = 1.0

func (pl *Planner) step(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, pl.opts.StepDeadline)
}

// vectorStep runs a semantic search, optionally restricted to known packet
// ids, and returns the hit packet ids.
func (pl *Planner) vectorStep(ctx context.Context, s *session, restrict []string) []string {
	stepCtx, cancel := pl.step(ctx)
	defer cancel()

	start := time.Now()
	hits, err := pl.deps.Vector.SemanticSearch(stepCtx, s.query, pl.opts.TopK, nil)
	s.record(store.NameVector, "semantic_search", start, len(hits), err)
	if err != nil {
		s.degraded = true
		return nil
	}

	if restrict != nil {
		allowed := make(map[string]bool, len(restrict))
		for _, id := range restrict {
			allowed[id] = true
		}
		hits = fn.Filter(hits, func(h store.ScoredChunk) bool { return allowed[h.PacketID] })
	}

	bundle := store.EvidenceBundle{Adapter: store.NameVector, Note: "semantic similarity"}
	for _, h := range hits {
		bundle.Items = append(bundle.Items, store.EvidenceItem{
			PacketID: h.PacketID, Text: h.Text, Score: h.Score,
		})
	}
	s.addBundle(bundle)

	return fn.Unique(fn.Map(hits, func(h store.ScoredChunk) string { return h.PacketID }))
}

// metadataJoinStep looks up index-of-record metadata for already-found
// packets, enriching the evidence without changing the citation set.
func (pl *Planner) metadataJoinStep(ctx context.Context, s *session, ids []string) {
	if len(ids) == 0 {
		return
	}
	stepCtx, cancel := pl.step(ctx)
	defer cancel()

	vals := fn.Map(ids, func(id string) any { return any(id) })
	start := time.Now()
	rows, err := pl.deps.Analytical.RunStructuredQuery(stepCtx, store.In{Column: "packet_id", Values: vals})
	s.record(store.NameAnalytical, "run_structured_query", start, len(rows), err)
	if err != nil {
		return
	}
	s.addBundle(rowBundle(rows, "metadata for semantic hits"))
}

// metadataStep evaluates the intent's structured filters over the packets
// relation. This is the whole plan for metadata_filter and temporal queries:
// the vector store is deliberately not consulted.
func (pl *Planner) metadataStep(ctx context.Context, s *session) {
	stepCtx, cancel := pl.step(ctx)
	defer cancel()

	pred := buildPredicate(s.intent.Filters, s.query)
	start := time.Now()
	rows, err := pl.deps.Analytical.RunStructuredQuery(stepCtx, pred)
	s.record(store.NameAnalytical, "run_structured_query", start, len(rows), err)
	if err != nil {
		s.degraded = true
		return
	}
	s.addBundle(rowBundle(rows, "metadata filter"))
}

// authorStep resolves the author in the graph and walks contribution edges
// to the packets they touched.
func (pl *Planner) authorStep(ctx context.Context, s *session) {
	name := s.intent.Filters["author"]
	if name == "" && len(s.intent.Entities) > 0 {
		name = s.intent.Entities[0]
	}
	if name == "" {
		return
	}

	stepCtx, cancel := pl.step(ctx)
	defer cancel()

	var authors []store.Node
	start := time.Now()
	var firstErr error
	for _, typ := range []string{"Author", "Person"} {
		nodes, err := pl.deps.Graph.FindByType(stepCtx, typ, nil)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, n := range nodes {
			if nodeNameMatches(n, name) {
				authors = append(authors, n)
			}
		}
	}
	s.record(store.NameGraph, "find_by_type", start, len(authors), firstErr)
	if firstErr != nil && len(authors) == 0 {
		s.degraded = true
	}

	bundle := store.EvidenceBundle{Adapter: store.NameGraph, Note: "contributions of " + name}
	start = time.Now()
	var hopErr error
	for _, author := range authors {
		sub, err := pl.deps.Graph.Neighborhood(stepCtx, author.FQID, 1, authorEdgeTypes)
		if err != nil {
			hopErr = err
			continue
		}
		for _, n := range sub.Nodes {
			if n.FQID == author.FQID {
				continue
			}
			if pid, _, ok := packet.ParseRef(n.FQID); ok {
				bundle.Items = append(bundle.Items, store.EvidenceItem{
					PacketID: pid, Text: nodeText(n), Score: nonVectorScore,
				})
			}
		}
	}
	s.record(store.NameGraph, "neighborhood", start, len(bundle.Items), hopErr)
	s.addBundle(dedupeItems(bundle))
}

// metadataAuthorFallback joins the author filter against the analytical
// index so attribution still answers when the graph has no author node.
func (pl *Planner) metadataAuthorFallback(ctx context.Context, s *session) {
	name := s.intent.Filters["author"]
	if name == "" && len(s.intent.Entities) > 0 {
		name = s.intent.Entities[0]
	}
	if name == "" {
		return
	}

	stepCtx, cancel := pl.step(ctx)
	defer cancel()

	start := time.Now()
	rows, err := pl.deps.Analytical.RunStructuredQuery(stepCtx, store.Eq{Column: "author", Value: name})
	s.record(store.NameAnalytical, "run_structured_query", start, len(rows), err)
	if err != nil {
		return
	}
	s.addBundle(rowBundle(rows, "authored by "+name))
}

// graphEntityStep resolves each salient entity to graph nodes and collects
// their multi-hop neighborhoods.
func (pl *Planner) graphEntityStep(ctx context.Context, s *session) {
	if len(s.intent.Entities) == 0 {
		return
	}
	stepCtx, cancel := pl.step(ctx)
	defer cancel()

	var matched []store.Node
	start := time.Now()
	var findErr error
	for _, typ := range entityTypes {
		nodes, err := pl.deps.Graph.FindByType(stepCtx, typ, nil)
		if err != nil {
			findErr = err
			continue
		}
		for _, n := range nodes {
			for _, term := range s.intent.Entities {
				if nodeNameMatches(n, term) {
					matched = append(matched, n)
					break
				}
			}
		}
	}
	s.record(store.NameGraph, "find_by_type", start, len(matched), findErr)
	if findErr != nil && len(matched) == 0 {
		s.degraded = true
		return
	}

	bundle := store.EvidenceBundle{Adapter: store.NameGraph, Note: "entity neighborhood"}
	start = time.Now()
	var hopErr error
	for _, node := range matched {
		sub, err := pl.deps.Graph.Neighborhood(stepCtx, node.FQID, 2, nil)
		if err != nil {
			hopErr = err
			continue
		}
		for _, n := range append(sub.Nodes, node) {
			if pid, _, ok := packet.ParseRef(n.FQID); ok {
				bundle.Items = append(bundle.Items, store.EvidenceItem{
					PacketID: pid, Text: nodeText(n), Score: nonVectorScore,
				})
			}
		}
	}
	s.record(store.NameGraph, "neighborhood", start, len(bundle.Items), hopErr)
	s.addBundle(dedupeItems(bundle))
}

// graphExpandStep expands depth-1 neighborhoods around the packets the
// vector step surfaced (the hybrid plan's second leg).
func (pl *Planner) graphExpandStep(ctx context.Context, s *session, ids []string) {
	if len(ids) == 0 {
		return
	}
	stepCtx, cancel := pl.step(ctx)
	defer cancel()

	bundle := store.EvidenceBundle{Adapter: store.NameGraph, Note: "neighbors of semantic hits"}
	start := time.Now()
	var stepErr error
	for _, pid := range ids {
		nodes, err := pl.deps.Graph.NodesForPacket(stepCtx, pid)
		if err != nil {
			stepErr = err
			continue
		}
		for _, node := range nodes {
			sub, err := pl.deps.Graph.Neighborhood(stepCtx, node.FQID, 1, nil)
			if err != nil {
				stepErr = err
				continue
			}
			for _, n := range append(sub.Nodes, node) {
				if ref, _, ok := packet.ParseRef(n.FQID); ok {
					bundle.Items = append(bundle.Items, store.EvidenceItem{
						PacketID: ref, Text: nodeText(n), Score: nonVectorScore,
					})
				}
			}
		}
	}
	s.record(store.NameGraph, "neighborhood", start, len(bundle.Items), stepErr)
	s.addBundle(dedupeItems(bundle))
}

// rowBundle renders analytical rows as evidence.
func rowBundle(rows []store.Row, note string) store.EvidenceBundle {
	bundle := store.EvidenceBundle{Adapter: store.NameAnalytical, Note: note}
	for _, r := range rows {
		pid, _ := r["packet_id"].(string)
		if pid == "" {
			continue
		}
		bundle.Items = append(bundle.Items, store.EvidenceItem{
			PacketID: pid, Text: rowText(r), Score: nonVectorScore,
		})
	}
	return bundle
}

func rowText(r store.Row) string {
	var parts []string
	if title, _ := r["title"].(string); title != "" {
		parts = append(parts, title)
	}
	if author, _ := r["author"].(string); author != "" {
		parts = append(parts, "by "+author)
	}
	if created, _ := r["created_at"].(string); created != "" {
		parts = append(parts, "("+created+")")
	}
	if len(parts) == 0 {
		return fmt.Sprint(r["packet_id"])
	}
	return strings.Join(parts, " ")
}

func nodeText(n store.Node) string {
	if name, ok := n.Properties["name"].(string); ok && name != "" {
		return n.Type + ": " + name
	}
	return n.Type + " " + n.FQID
}

// nodeNameMatches does a case-insensitive containment match on the node's
// name property (either direction, so "Mike" finds "Mike Rodriguez").
func nodeNameMatches(n store.Node, term string) bool {
	name, _ := n.Properties["name"].(string)
	if name == "" || term == "" {
		return false
	}
	lname, lterm := strings.ToLower(name), strings.ToLower(term)
	return strings.Contains(lname, lterm) || strings.Contains(lterm, lname)
}

// dedupeItems drops repeated (packet, text) pairs inside one bundle.
func dedupeItems(b store.EvidenceBundle) store.EvidenceBundle {
	seen := make(map[string]bool, len(b.Items))
	var items []store.EvidenceItem
	for _, item := range b.Items {
		key := item.PacketID + "\x00" + item.Text
		if !seen[key] {
			seen[key] = true
			items = append(items, item)
		}
	}
	b.Items = items
	return b
}
