// Package store defines the uniform capability set the brain router and the
// query planner see over the four backends, plus the predicate algebra and
// the adapter failure taxonomy shared by all of them. Concrete adapters live
// in engine/semantic, engine/analytical, engine/graph, and engine/linguistic.
package store

import (
	"context"

	"github.com/bruised-ego-labs/nancy/engine/packet"
)

// ScoredChunk is one vector search hit. Score is a distance: lower is closer.
type ScoredChunk struct {
	PacketID string  `json:"packet_id"`
	Ordinal  int     `json:"ordinal"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// VectorAdapter is the capability set over the vector store.
type VectorAdapter interface {
	UpsertChunks(ctx context.Context, packetID string, chunks []packet.Chunk, metadata map[string]string) error
	SemanticSearch(ctx context.Context, queryText string, k int, filter map[string]string) ([]ScoredChunk, error)
	Delete(ctx context.Context, packetID string) error
	Health(ctx context.Context) error
}

// Row is one analytical result row keyed by column name.
type Row map[string]any

// AnalyticalAdapter is the capability set over the analytical store. It also
// owns the pending_compensation table, the single source of truth for what a
// partially committed packet still needs.
type AnalyticalAdapter interface {
	UpsertPacketRow(ctx context.Context, p packet.KnowledgePacket) error
	LoadPacket(ctx context.Context, packetID string) (packet.KnowledgePacket, error)
	UpsertTable(ctx context.Context, packetID, tableName string, columns []packet.Column, rows [][]any) error
	RunStructuredQuery(ctx context.Context, pred Predicate) ([]Row, error)
	Count(ctx context.Context, pred Predicate) (int, error)
	Delete(ctx context.Context, packetID string) error

	RecordCompensation(ctx context.Context, packetID string, adapters []string) error
	PendingCompensation(ctx context.Context) ([]Compensation, error)
	ClearCompensation(ctx context.Context, packetID string) error

	Health(ctx context.Context) error
}

// Compensation is one pending_compensation row.
type Compensation struct {
	PacketID string
	Adapters []string
	Attempts int
}

// Node is a graph store node.
type Node struct {
	FQID       string         `json:"fqid"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Edge is a graph store relationship.
type Edge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Subgraph is a neighborhood query result.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// GraphAdapter is the capability set over the graph store. Edges to nodes
// that do not exist yet materialize unresolved placeholders, upgraded in
// place when the real node arrives.
type GraphAdapter interface {
	UpsertEntities(ctx context.Context, packetID string, entities []packet.Entity) error
	UpsertRelationships(ctx context.Context, packetID string, rels []packet.Relationship) error
	Neighborhood(ctx context.Context, nodeID string, depth int, edgeTypes []string) (Subgraph, error)
	FindByType(ctx context.Context, nodeType string, properties map[string]any) ([]Node, error)
	NodesForPacket(ctx context.Context, packetID string) ([]Node, error)
	ShortestPaths(ctx context.Context, src, dst string, maxLen int) ([][]Node, error)
	Delete(ctx context.Context, packetID string) error
	Health(ctx context.Context) error
}

// Intent is the structured classification of a user query.
type Intent struct {
	Strategy     Strategy          `json:"strategy"`
	PrimaryStore packet.Brain      `json:"primary_store"`
	Needs        []packet.Brain    `json:"needs"`
	Entities     []string          `json:"entities,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
}

// Strategy selects the plan skeleton a query executes.
type Strategy string

const (
	StrategySemantic       Strategy = "semantic"
	StrategyAuthor         Strategy = "author_attribution"
	StrategyMetadataFilter Strategy = "metadata_filter"
	StrategyRelationship   Strategy = "relationship_discovery"
	StrategyDecision       Strategy = "decision_provenance"
	StrategyExpert         Strategy = "expert_identification"
	StrategyTemporal       Strategy = "temporal"
	StrategyHybrid         Strategy = "hybrid"
)

// ValidStrategies is the closed set of plan strategies.
var ValidStrategies = map[Strategy]bool{
	StrategySemantic: true, StrategyAuthor: true, StrategyMetadataFilter: true,
	StrategyRelationship: true, StrategyDecision: true, StrategyExpert: true,
	StrategyTemporal: true, StrategyHybrid: true,
}

// EvidenceItem is one ranked item inside an evidence bundle.
type EvidenceItem struct {
	PacketID string  `json:"packet_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// EvidenceBundle is a ranked set of items from one adapter, passed to the
// synthesizer as grounding material.
type EvidenceBundle struct {
	Adapter string         `json:"adapter"`
	Items   []EvidenceItem `json:"items"`
	Note    string         `json:"note,omitempty"`
}

// ExtractedEntity is one entity found in free text by the linguistic adapter.
type ExtractedEntity struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Span       string         `json:"span,omitempty"`
}

// LinguisticAdapter is the capability set over the language model. Calls are
// side-effect free from the router's perspective; the adapter owns retry and
// backoff against its provider and returns ErrLLMUnavailable after
// exhausting its budget.
type LinguisticAdapter interface {
	ClassifyIntent(ctx context.Context, query string) (Intent, error)
	Synthesize(ctx context.Context, query string, bundles []EvidenceBundle) (string, error)
	ExtractEntities(ctx context.Context, text string) ([]ExtractedEntity, error)
	Health(ctx context.Context) error
}

// Adapter names, used in result records, traces, and compensation rows.
const (
	NameVector     = "vector"
	NameAnalytical = "analytical"
	NameGraph      = "graph"
	NameLinguistic = "linguistic"
)
