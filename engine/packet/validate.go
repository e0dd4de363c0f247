package packet

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Validate checks a packet against the structural and relational invariants.
// It returns nil when the packet is well-formed and a *ValidationError
// listing every failed field otherwise. Validate never touches stores and
// never panics on malformed input.
func Validate(p KnowledgePacket) error {
	var fields []FieldError

	add := func(field, value string, err error) {
		fields = append(fields, FieldError{Field: field, Value: value, Wrapped: err})
	}

	if p.PacketVersion != Version {
		add("packet_version", p.PacketVersion, ErrBadVersion)
	}
	if p.Timestamp.IsZero() {
		add("timestamp", "", ErrBadTimestamp)
	}
	if p.Source.PluginName == "" || p.Source.OriginLocator == "" {
		add("source", p.Source.PluginName, ErrBadSource)
	}
	if !ValidContentTypes[p.Source.ContentType] {
		add("source.content_type", string(p.Source.ContentType), ErrBadContentType)
	}

	// Invariant (i): the stamped id must equal the recomputed canonical id.
	if id, err := CanonicalID(p); err != nil {
		add("packet_id", p.PacketID, err)
	} else if id != p.PacketID {
		add("packet_id", p.PacketID, ErrIDMismatch)
	}

	// Invariant (ii): at least one non-empty content section.
	if !p.HasVector() && !p.HasAnalytical() && !p.HasGraph() {
		add("content", "", ErrNoContent)
	}

	if p.Content.Vector != nil {
		validateVector(p.Content.Vector, add)
	}
	if p.Content.Analytical != nil && p.Content.Analytical.Table != nil {
		validateTable(p.Content.Analytical.Table, add)
	}
	if p.Content.Graph != nil {
		validateGraph(p.Content.Graph, add)
	}
	if p.Hints != nil {
		validateHints(p.Hints, add)
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{PacketID: p.PacketID, Fields: fields}
}

// validateVector enforces invariant (v): chunks are non-empty strings in
// stable ordinal order with no duplicate ordinals.
func validateVector(v *VectorContent, add func(string, string, error)) {
	seen := make(map[int]bool, len(v.Chunks))
	for i, c := range v.Chunks {
		field := fmt.Sprintf("content.vector.chunks[%d]", i)
		if strings.TrimSpace(c.Text) == "" {
			add(field, "", ErrBadChunk)
		}
		if seen[c.Ordinal] {
			add(field, fmt.Sprintf("ordinal=%d", c.Ordinal), ErrBadChunk)
		}
		seen[c.Ordinal] = true
	}
	if !sort.SliceIsSorted(v.Chunks, func(i, j int) bool {
		return v.Chunks[i].Ordinal < v.Chunks[j].Ordinal
	}) {
		add("content.vector.chunks", "", ErrBadChunk)
	}
}

// validateTable enforces invariant (iv): row arity matches the column count
// and every cell matches its declared column type.
func validateTable(t *Table, add func(string, string, error)) {
	for i, col := range t.Columns {
		if col.Name == "" || !ValidColumnTypes[col.Type] {
			add(fmt.Sprintf("content.analytical.table.columns[%d]", i), col.Type, ErrBadTable)
		}
	}
	for i, row := range t.Rows {
		field := fmt.Sprintf("content.analytical.table.rows[%d]", i)
		if len(row) != len(t.Columns) {
			add(field, fmt.Sprintf("arity=%d", len(row)), ErrBadTable)
			continue
		}
		for j, cell := range row {
			if !cellMatches(t.Columns[j].Type, cell) {
				add(fmt.Sprintf("%s[%d]", field, j), fmt.Sprint(cell), ErrBadTable)
			}
		}
	}
}

// cellMatches reports whether a decoded JSON cell value satisfies a column
// type. JSON numbers arrive as float64, so int columns accept integral floats.
func cellMatches(colType string, cell any) bool {
	if cell == nil {
		return true
	}
	switch colType {
	case "string":
		_, ok := cell.(string)
		return ok
	case "int":
		switch n := cell.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case "float":
		switch cell.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := cell.(bool)
		return ok
	case "timestamp":
		s, ok := cell.(string)
		if !ok {
			return false
		}
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	}
	return false
}

// validateGraph enforces invariant (iii): relationship endpoints resolve to a
// local entity or a well-formed kp:// cross-packet reference.
func validateGraph(g *GraphContent, add func(string, string, error)) {
	local := make(map[string]bool, len(g.Entities))
	for i, e := range g.Entities {
		if e.ID == "" || e.Type == "" {
			add(fmt.Sprintf("content.graph.entities[%d]", i), e.ID, ErrBadRelationship)
		}
		local[e.ID] = true
	}
	for i, r := range g.Relationships {
		field := fmt.Sprintf("content.graph.relationships[%d]", i)
		if r.Type == "" {
			add(field, "", ErrBadRelationship)
		}
		for _, end := range []string{r.SourceID, r.TargetID} {
			if local[end] {
				continue
			}
			if _, _, ok := ParseRef(end); !ok {
				add(field, end, ErrBadRelationship)
			}
		}
	}
}

func validateHints(h *Hints, add func(string, string, error)) {
	if h.PriorityBrain != "" && !ValidBrains[h.PriorityBrain] {
		add("hints.priority_brain", string(h.PriorityBrain), ErrBadHint)
	}
	if h.SemanticWeight < 0 || h.SemanticWeight > 1 {
		add("hints.semantic_weight", fmt.Sprintf("%g", h.SemanticWeight), ErrBadHint)
	}
	if h.ExtractionConfidence < 0 || h.ExtractionConfidence > 1 {
		add("hints.extraction_confidence", fmt.Sprintf("%g", h.ExtractionConfidence), ErrBadHint)
	}
}
