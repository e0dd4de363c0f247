// Package storetest provides in-memory fakes of the store adapter
// interfaces with failure injection, shared by router, planner, and
// orchestrator tests.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
)

// FakeVector is an in-memory vector adapter. Search ranks stored chunks by
// naive term overlap with the query, so tests get plausible semantics
// without embeddings.
type FakeVector struct {
	mu     sync.Mutex
	chunks map[string][]packet.Chunk

	// FailUpsert, when non-nil, is returned by UpsertChunks once per set.
	FailUpsert error
	// FailSearch, when non-nil, is returned by SemanticSearch.
	FailSearch error
	// Calls counts operations by name.
	Calls map[string]int
}

// NewFakeVector creates an empty fake.
func NewFakeVector() *FakeVector {
	return &FakeVector{chunks: make(map[string][]packet.Chunk), Calls: make(map[string]int)}
}

func (f *FakeVector) count(op string) {
	f.Calls[op]++
}

// ChunkCount reports how many chunks a packet has stored.
func (f *FakeVector) ChunkCount(packetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks[packetID])
}

func (f *FakeVector) UpsertChunks(_ context.Context, packetID string, chunks []packet.Chunk, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("upsert")
	if f.FailUpsert != nil {
		err := f.FailUpsert
		f.FailUpsert = nil
		return err
	}
	f.chunks[packetID] = append([]packet.Chunk{}, chunks...)
	return nil
}

func (f *FakeVector) SemanticSearch(_ context.Context, queryText string, k int, _ map[string]string) ([]store.ScoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("search")
	if f.FailSearch != nil {
		return nil, f.FailSearch
	}

	terms := strings.Fields(strings.ToLower(queryText))
	var hits []store.ScoredChunk
	for pid, chunks := range f.chunks {
		for _, c := range chunks {
			overlap := 0
			text := strings.ToLower(c.Text)
			for _, t := range terms {
				if strings.Contains(text, t) {
					overlap++
				}
			}
			if overlap == 0 {
				continue
			}
			hits = append(hits, store.ScoredChunk{
				PacketID: pid,
				Ordinal:  c.Ordinal,
				Text:     c.Text,
				Score:    1.0 / float64(1+overlap), // lower = closer
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score < hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *FakeVector) Delete(_ context.Context, packetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("delete")
	delete(f.chunks, packetID)
	return nil
}

func (f *FakeVector) Health(context.Context) error { return nil }

var _ store.VectorAdapter = (*FakeVector)(nil)

// FakeGraph is an in-memory graph adapter mirroring the real adapter's
// placeholder semantics: edges to missing nodes create unresolved nodes that
// upgrade in place when the real entity arrives.
type FakeGraph struct {
	mu    sync.Mutex
	nodes map[string]store.Node
	edges []store.Edge

	// FailEntities is returned by the next UpsertEntities call, then cleared.
	FailEntities error
	// Calls counts operations by name.
	Calls map[string]int
}

// NewFakeGraph creates an empty fake.
func NewFakeGraph() *FakeGraph {
	return &FakeGraph{nodes: make(map[string]store.Node), Calls: make(map[string]int)}
}

// Node returns a stored node by fqid.
func (f *FakeGraph) Node(fqid string) (store.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[fqid]
	return n, ok
}

// NodeCount reports how many nodes a packet owns.
func (f *FakeGraph) NodeCount(packetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, node := range f.nodes {
		if node.Properties["packet_id"] == packetID {
			n++
		}
	}
	return n
}

func (f *FakeGraph) UpsertEntities(_ context.Context, packetID string, entities []packet.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["upsert_entities"]++
	if f.FailEntities != nil {
		err := f.FailEntities
		f.FailEntities = nil
		return err
	}
	for _, e := range entities {
		fqid := packet.FQID(packetID, e.ID)
		props := map[string]any{"packet_id": packetID}
		for k, v := range e.Properties {
			props[k] = v
		}
		f.nodes[fqid] = store.Node{FQID: fqid, Type: e.Type, Properties: props}
	}
	return nil
}

func (f *FakeGraph) UpsertRelationships(_ context.Context, packetID string, rels []packet.Relationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["upsert_relationships"]++
	for _, r := range rels {
		src := resolve(packetID, r.SourceID)
		dst := resolve(packetID, r.TargetID)
		for _, fqid := range []string{src, dst} {
			if _, ok := f.nodes[fqid]; !ok {
				f.nodes[fqid] = store.Node{FQID: fqid, Type: "unresolved", Properties: map[string]any{}}
			}
		}
		exists := false
		for _, e := range f.edges {
			if e.Source == src && e.Target == dst && e.Type == r.Type {
				exists = true
				break
			}
		}
		if !exists {
			f.edges = append(f.edges, store.Edge{
				Source: src, Target: dst, Type: r.Type,
				Properties: map[string]any{"packet_id": packetID},
			})
		}
	}
	return nil
}

func resolve(packetID, endpoint string) string {
	if packet.IsRef(endpoint) {
		return endpoint
	}
	return packet.FQID(packetID, endpoint)
}

func (f *FakeGraph) Neighborhood(_ context.Context, nodeID string, depth int, edgeTypes []string) (store.Subgraph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["neighborhood"]++
	if depth <= 0 {
		depth = 1
	}
	allowed := map[string]bool{}
	for _, t := range edgeTypes {
		allowed[t] = true
	}

	seen := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var sub store.Subgraph
	for hop := 0; hop < depth; hop++ {
		var next []string
		for _, cur := range frontier {
			for _, e := range f.edges {
				if len(allowed) > 0 && !allowed[e.Type] {
					continue
				}
				var other string
				switch cur {
				case e.Source:
					other = e.Target
				case e.Target:
					other = e.Source
				default:
					continue
				}
				sub.Edges = append(sub.Edges, e)
				if !seen[other] {
					seen[other] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	for fqid := range seen {
		if n, ok := f.nodes[fqid]; ok {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	return sub, nil
}

func (f *FakeGraph) FindByType(_ context.Context, nodeType string, properties map[string]any) ([]store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["find_by_type"]++
	var out []store.Node
	for _, n := range f.nodes {
		if n.Type != nodeType {
			continue
		}
		match := true
		for k, v := range properties {
			if n.Properties[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQID < out[j].FQID })
	return out, nil
}

func (f *FakeGraph) NodesForPacket(_ context.Context, packetID string) ([]store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["nodes_for_packet"]++
	var out []store.Node
	for _, n := range f.nodes {
		if n.Properties["packet_id"] == packetID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQID < out[j].FQID })
	return out, nil
}

func (f *FakeGraph) ShortestPaths(ctx context.Context, src, dst string, maxLen int) ([][]store.Node, error) {
	// Breadth-first single shortest path is enough for tests.
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["shortest_paths"]++
	if maxLen <= 0 {
		maxLen = 4
	}
	prev := map[string]string{src: src}
	frontier := []string{src}
	for hop := 0; hop < maxLen && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			for _, e := range f.edges {
				var other string
				switch cur {
				case e.Source:
					other = e.Target
				case e.Target:
					other = e.Source
				default:
					continue
				}
				if _, ok := prev[other]; !ok {
					prev[other] = cur
					next = append(next, other)
				}
			}
		}
		frontier = next
		if _, ok := prev[dst]; ok {
			break
		}
	}
	if _, ok := prev[dst]; !ok {
		return nil, nil
	}
	var path []store.Node
	for cur := dst; ; cur = prev[cur] {
		if n, ok := f.nodes[cur]; ok {
			path = append([]store.Node{n}, path...)
		}
		if cur == src {
			break
		}
	}
	return [][]store.Node{path}, nil
}

func (f *FakeGraph) Delete(_ context.Context, packetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["delete"]++
	var kept []store.Edge
	for _, e := range f.edges {
		if e.Properties["packet_id"] != packetID {
			kept = append(kept, e)
		}
	}
	f.edges = kept
	for fqid, n := range f.nodes {
		if n.Properties["packet_id"] != packetID {
			continue
		}
		referenced := false
		for _, e := range f.edges {
			if e.Source == fqid || e.Target == fqid {
				referenced = true
				break
			}
		}
		if referenced {
			n.Type = "unresolved"
			delete(n.Properties, "packet_id")
			f.nodes[fqid] = n
		} else {
			delete(f.nodes, fqid)
		}
	}
	return nil
}

func (f *FakeGraph) Health(context.Context) error { return nil }

var _ store.GraphAdapter = (*FakeGraph)(nil)
