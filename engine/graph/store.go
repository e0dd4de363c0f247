// Package graph implements the graph store adapter over Neo4j. Entity nodes
// are keyed by fully-qualified id kp://<packet_id>/<entity_id>; edges to
// nodes that have not arrived yet materialize placeholder nodes with
// type "unresolved", upgraded in place when the real entity is upserted.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
)

// TypeUnresolved marks a placeholder node created by a dangling cross-packet
// reference.
const TypeUnresolved = "unresolved"

// propPrefix namespaces entity properties so they cannot clobber the
// adapter-owned fqid/type/packet_id keys.
const propPrefix = "p_"

// Store is the Neo4j-backed graph adapter.
type Store struct {
	driver neo4j.DriverWithContext
}

// New creates a Store over an existing Neo4j driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// resolveEndpoint maps a relationship endpoint to a node fqid: local entity
// ids are qualified with the owning packet, kp:// references pass through.
func resolveEndpoint(packetID, endpoint string) string {
	if packet.IsRef(endpoint) {
		return endpoint
	}
	return packet.FQID(packetID, endpoint)
}

// UpsertEntities merges entity nodes, upgrading placeholders in place.
func (s *Store) UpsertEntities(ctx context.Context, packetID string, entities []packet.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, e := range entities {
			cypher := `MERGE (n:Entity {fqid: $fqid})
				SET n.type = $type, n.packet_id = $packet_id, n += $props`
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"fqid":      packet.FQID(packetID, e.ID),
				"type":      e.Type,
				"packet_id": packetID,
				"props":     propsToMap(e.Properties),
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return store.NewTransient(store.NameGraph, fmt.Errorf("upsert %d entities: %w", len(entities), err))
	}
	return nil
}

// UpsertRelationships merges edges idempotently on (source, target, type).
// Missing endpoints become unresolved placeholders.
func (s *Store) UpsertRelationships(ctx context.Context, packetID string, rels []packet.Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, r := range rels {
			cypher := fmt.Sprintf(`
				MERGE (a:Entity {fqid: $src}) ON CREATE SET a.type = $unresolved
				MERGE (b:Entity {fqid: $dst}) ON CREATE SET b.type = $unresolved
				MERGE (a)-[r:%s]->(b)
				SET r.packet_id = $packet_id, r += $props`,
				sanitizeRelType(r.Type))
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"src":        resolveEndpoint(packetID, r.SourceID),
				"dst":        resolveEndpoint(packetID, r.TargetID),
				"unresolved": TypeUnresolved,
				"packet_id":  packetID,
				"props":      propsToMap(r.Properties),
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return store.NewTransient(store.NameGraph, fmt.Errorf("upsert %d relationships: %w", len(rels), err))
	}
	return nil
}

// Neighborhood returns the subgraph within depth hops of a node, optionally
// restricted to the given edge types.
func (s *Store) Neighborhood(ctx context.Context, nodeID string, depth int, edgeTypes []string) (store.Subgraph, error) {
	if depth <= 0 {
		depth = 1
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	relPattern := ""
	if len(edgeTypes) > 0 {
		safe := make([]string, len(edgeTypes))
		for i, t := range edgeTypes {
			safe[i] = sanitizeRelType(t)
		}
		relPattern = ":" + strings.Join(safe, "|")
	}

	cypher := fmt.Sprintf(`
		MATCH p = (start:Entity {fqid: $fqid})-[%s*1..%d]-(:Entity)
		UNWIND nodes(p) AS n
		UNWIND relationships(p) AS r
		RETURN collect(DISTINCT n) AS ns,
		       collect(DISTINCT {src: startNode(r).fqid, dst: endNode(r).fqid, type: type(r)}) AS rs`,
		relPattern, depth)

	result, err := sess.Run(ctx, cypher, map[string]any{"fqid": nodeID})
	if err != nil {
		return store.Subgraph{}, store.NewTransient(store.NameGraph, fmt.Errorf("neighborhood %s: %w", nodeID, err))
	}
	if !result.Next(ctx) {
		return store.Subgraph{}, nil
	}

	var sub store.Subgraph
	rec := result.Record()
	if raw, ok := rec.Get("ns"); ok {
		for _, v := range raw.([]any) {
			if node, ok := v.(dbtype.Node); ok {
				sub.Nodes = append(sub.Nodes, nodeFromProps(node.Props))
			}
		}
	}
	if raw, ok := rec.Get("rs"); ok {
		for _, v := range raw.([]any) {
			if m, ok := v.(map[string]any); ok {
				sub.Edges = append(sub.Edges, store.Edge{
					Source: strProp(m, "src"),
					Target: strProp(m, "dst"),
					Type:   strProp(m, "type"),
				})
			}
		}
	}
	return sub, nil
}

// FindByType returns nodes of a type, optionally filtered on exact property
// values. Author, Decision, Meeting, and Component are just type values.
func (s *Store) FindByType(ctx context.Context, nodeType string, properties map[string]any) ([]store.Node, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	params := map[string]any{"type": nodeType}
	var where []string
	i := 0
	for k, v := range properties {
		param := fmt.Sprintf("prop%d", i)
		where = append(where, fmt.Sprintf("n.%s%s = $%s", propPrefix, sanitizePropKey(k), param))
		params[param] = v
		i++
	}

	cypher := `MATCH (n:Entity {type: $type})`
	if len(where) > 0 {
		cypher += " WHERE " + strings.Join(where, " AND ")
	}
	cypher += " RETURN n"

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, store.NewTransient(store.NameGraph, fmt.Errorf("find by type %s: %w", nodeType, err))
	}
	return collectNodes(ctx, result)
}

// NodesForPacket returns the entity nodes a packet owns, used by the
// planner to pivot from vector hits into the graph.
func (s *Store) NodesForPacket(ctx context.Context, packetID string) ([]store.Node, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (n:Entity {packet_id: $packet_id}) RETURN n`,
		map[string]any{"packet_id": packetID})
	if err != nil {
		return nil, store.NewTransient(store.NameGraph, fmt.Errorf("nodes for packet %s: %w", packetID, err))
	}
	return collectNodes(ctx, result)
}

// ShortestPaths returns every shortest path between two nodes, bounded by
// maxLen hops.
func (s *Store) ShortestPaths(ctx context.Context, src, dst string, maxLen int) ([][]store.Node, error) {
	if maxLen <= 0 {
		maxLen = 4
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`
		MATCH p = allShortestPaths((a:Entity {fqid: $src})-[*..%d]-(b:Entity {fqid: $dst}))
		RETURN nodes(p) AS ns`, maxLen)
	result, err := sess.Run(ctx, cypher, map[string]any{"src": src, "dst": dst})
	if err != nil {
		return nil, store.NewTransient(store.NameGraph, fmt.Errorf("shortest paths: %w", err))
	}

	var paths [][]store.Node
	for result.Next(ctx) {
		raw, ok := result.Record().Get("ns")
		if !ok {
			continue
		}
		var path []store.Node
		for _, v := range raw.([]any) {
			if node, ok := v.(dbtype.Node); ok {
				path = append(path, nodeFromProps(node.Props))
			}
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Delete cascades: removes the packet's entities and any edges it wrote.
// Nodes another packet still references through an edge survive as
// placeholders rather than vanish.
func (s *Store) Delete(ctx context.Context, packetID string) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MATCH ()-[r {packet_id: $packet_id}]-() DELETE r`,
			map[string]any{"packet_id": packetID}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx, `
			MATCH (n:Entity {packet_id: $packet_id})
			WHERE NOT (n)--()
			DELETE n`,
			map[string]any{"packet_id": packetID}); err != nil {
			return nil, err
		}
		// Still-referenced nodes demote back to placeholders.
		_, err := tx.Run(ctx, `
			MATCH (n:Entity {packet_id: $packet_id})
			SET n.type = $unresolved, n.packet_id = NULL`,
			map[string]any{"packet_id": packetID, "unresolved": TypeUnresolved})
		return nil, err
	})
	if err != nil {
		return store.NewTransient(store.NameGraph, fmt.Errorf("delete packet %s: %w", packetID, err))
	}
	return nil
}

// Health checks backend reachability.
func (s *Store) Health(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return store.NewCatastrophic(store.NameGraph, err)
	}
	return nil
}

// collectNodes reads all Entity nodes from a result set.
func collectNodes(ctx context.Context, result neo4j.ResultWithContext) ([]store.Node, error) {
	var items []store.Node
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
		if err != nil {
			return nil, store.NewTransient(store.NameGraph, err)
		}
		items = append(items, nodeFromProps(node.Props))
	}
	return items, nil
}

// nodeFromProps constructs a Node from Neo4j node properties.
func nodeFromProps(props map[string]any) store.Node {
	n := store.Node{
		FQID:       strProp(props, "fqid"),
		Type:       strProp(props, "type"),
		Properties: make(map[string]any),
	}
	for k, v := range props {
		if strings.HasPrefix(k, propPrefix) {
			n.Properties[k[len(propPrefix):]] = v
		}
	}
	return n
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

// propsToMap flattens user properties under the reserved prefix. Non-scalar
// values are stringified because Neo4j properties must be primitives.
func propsToMap(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch v.(type) {
		case string, bool, int, int64, float64:
			out[propPrefix+sanitizePropKey(k)] = v
		default:
			out[propPrefix+sanitizePropKey(k)] = fmt.Sprint(v)
		}
	}
	return out
}

// sanitizePropKey keeps property keys to identifier-safe characters.
func sanitizePropKey(k string) string {
	safe := make([]byte, 0, len(k))
	for i := range k {
		c := k[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return "key"
	}
	return string(safe)
}

// sanitizeRelType ensures the relationship type is a valid Cypher identifier.
func sanitizeRelType(t string) string {
	safe := make([]byte, 0, len(t))
	for i := range t {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return "RELATED_TO"
	}
	for i := range safe {
		if safe[i] >= 'a' && safe[i] <= 'z' {
			safe[i] -= 32
		}
	}
	return string(safe)
}

var _ store.GraphAdapter = (*Store)(nil)
