// Package packet defines the Knowledge Packet data contract and its
// validation. It acts as the validation gate at every pipeline boundary:
// packets emitted by plugins, packets submitted programmatically, and packets
// handed to the brain router all pass through Validate first.
package packet

import "time"

// Version is the only packet version the validator accepts.
const Version = "1.0"

// ContentType classifies the origin of a packet.
type ContentType string

const (
	ContentDocument         ContentType = "document"
	ContentSpreadsheetRow   ContentType = "spreadsheet_row"
	ContentSpreadsheetSheet ContentType = "spreadsheet_sheet"
	ContentCodeFile         ContentType = "code_file"
	ContentCodeSymbol       ContentType = "code_symbol"
	ContentOther            ContentType = "other"
)

// ValidContentTypes is the closed set of recognised content types.
var ValidContentTypes = map[ContentType]bool{
	ContentDocument: true, ContentSpreadsheetRow: true,
	ContentSpreadsheetSheet: true, ContentCodeFile: true,
	ContentCodeSymbol: true, ContentOther: true,
}

// Brain names one of the four stores for routing hints.
type Brain string

const (
	BrainVector     Brain = "vector"
	BrainAnalytical Brain = "analytical"
	BrainGraph      Brain = "graph"
	BrainNone       Brain = "none"
)

// ValidBrains is the set of recognised priority-brain hints.
var ValidBrains = map[Brain]bool{
	BrainVector: true, BrainAnalytical: true, BrainGraph: true, BrainNone: true,
}

// KnowledgePacket is the immutable, content-addressed unit crossing the
// plugin↔host and host↔router boundaries.
type KnowledgePacket struct {
	PacketVersion string    `json:"packet_version"`
	PacketID      string    `json:"packet_id"`
	Timestamp     time.Time `json:"timestamp"`
	Source        Source    `json:"source"`
	Metadata      Metadata  `json:"metadata"`
	Content       Content   `json:"content"`
	Hints         *Hints    `json:"hints,omitempty"`
}

// Source identifies the producer and origin of a packet.
type Source struct {
	PluginName    string      `json:"plugin_name"`
	PluginVersion string      `json:"plugin_version"`
	OriginLocator string      `json:"origin_locator"`
	ContentType   ContentType `json:"content_type"`
}

// Metadata holds the small typed fields every packet carries plus
// plugin-specific extras.
type Metadata struct {
	Title     string         `json:"title,omitempty"`
	Author    string         `json:"author,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Content carries up to three store-specific sections. At least one must be
// non-empty for the packet to validate.
type Content struct {
	Vector     *VectorContent     `json:"vector,omitempty"`
	Analytical *AnalyticalContent `json:"analytical,omitempty"`
	Graph      *GraphContent      `json:"graph,omitempty"`
}

// VectorContent is text chunked for embedding.
type VectorContent struct {
	Chunks         []Chunk `json:"chunks"`
	EmbeddingModel string  `json:"embedding_model,omitempty"`
	ChunkStrategy  string  `json:"chunk_strategy,omitempty"`
}

// Chunk is one embeddable text segment.
type Chunk struct {
	Text    string `json:"text"`
	Ordinal int    `json:"ordinal"`
}

// AnalyticalContent is structured scalar fields plus an optional table.
type AnalyticalContent struct {
	Fields map[string]any `json:"fields,omitempty"`
	Table  *Table         `json:"table,omitempty"`
}

// Table is a column-typed row set, e.g. a spreadsheet sheet.
type Table struct {
	Name    string   `json:"name,omitempty"`
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Column names and types one table column. Type is one of: string, int,
// float, bool, timestamp.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ValidColumnTypes is the closed set of table column types.
var ValidColumnTypes = map[string]bool{
	"string": true, "int": true, "float": true, "bool": true, "timestamp": true,
}

// GraphContent is entities and relationships for the graph store.
type GraphContent struct {
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Entity is a graph node scoped to its packet.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Relationship is a graph edge. Endpoints either name an entity in the same
// packet or use the kp://<packet_id>/<entity_id> cross-packet form.
type Relationship struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Hints are optional routing and quality hints from the producing plugin.
type Hints struct {
	PriorityBrain        Brain   `json:"priority_brain,omitempty"`
	SemanticWeight       float64 `json:"semantic_weight,omitempty"`
	ExtractionConfidence float64 `json:"extraction_confidence,omitempty"`
}

// HasVector reports whether the vector section is present and non-empty.
func (p *KnowledgePacket) HasVector() bool {
	return p.Content.Vector != nil && len(p.Content.Vector.Chunks) > 0
}

// HasAnalytical reports whether the analytical section is present and non-empty.
func (p *KnowledgePacket) HasAnalytical() bool {
	a := p.Content.Analytical
	return a != nil && (len(a.Fields) > 0 || (a.Table != nil && len(a.Table.Columns) > 0))
}

// HasGraph reports whether the graph section is present and non-empty.
func (p *KnowledgePacket) HasGraph() bool {
	g := p.Content.Graph
	return g != nil && (len(g.Entities) > 0 || len(g.Relationships) > 0)
}

// GraphSections returns the entities and relationships, nil-safe.
func (c Content) GraphSections() ([]Entity, []Relationship) {
	if c.Graph == nil {
		return nil, nil
	}
	return c.Graph.Entities, c.Graph.Relationships
}

// PriorityBrain returns the hinted priority brain, or BrainNone.
func (p *KnowledgePacket) PriorityBrain() Brain {
	if p.Hints == nil || p.Hints.PriorityBrain == "" {
		return BrainNone
	}
	return p.Hints.PriorityBrain
}
