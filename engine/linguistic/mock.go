package linguistic

import (
	"context"
	"fmt"
	"strings"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
)

// Mock is the deterministic linguistic adapter used by tests and offline
// runs: fixed inputs produce fixed outputs, with no model behind it.
type Mock struct {
	// Intents maps exact query text to a canned classification.
	Intents map[string]store.Intent
	// Syntheses maps exact query text to a canned answer.
	Syntheses map[string]string
	// Entities maps exact input text to canned extractions.
	Entities map[string][]store.ExtractedEntity
	// Unavailable forces every call to fail with ErrLLMUnavailable.
	Unavailable bool
}

// NewMock creates an empty deterministic mock.
func NewMock() *Mock {
	return &Mock{
		Intents:   make(map[string]store.Intent),
		Syntheses: make(map[string]string),
		Entities:  make(map[string][]store.ExtractedEntity),
	}
}

func (m *Mock) unavailable() error {
	return store.NewTransient(store.NameLinguistic, store.ErrLLMUnavailable)
}

// ClassifyIntent returns the canned intent for the query, or a semantic
// default for unknown queries.
func (m *Mock) ClassifyIntent(_ context.Context, query string) (store.Intent, error) {
	if m.Unavailable {
		return store.Intent{}, m.unavailable()
	}
	if intent, ok := m.Intents[query]; ok {
		return intent, nil
	}
	return store.Intent{
		Strategy:     store.StrategySemantic,
		PrimaryStore: packet.BrainVector,
		Needs:        []packet.Brain{packet.BrainVector},
	}, nil
}

// Synthesize returns the canned answer, or a deterministic rendering of the
// evidence bundles.
func (m *Mock) Synthesize(_ context.Context, query string, bundles []store.EvidenceBundle) (string, error) {
	if m.Unavailable {
		return "", m.unavailable()
	}
	if answer, ok := m.Syntheses[query]; ok {
		return answer, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Answer to %q based on:", query)
	for _, bundle := range bundles {
		for _, item := range bundle.Items {
			fmt.Fprintf(&b, " [%s] %s;", item.PacketID, item.Text)
		}
	}
	return b.String(), nil
}

// ExtractEntities returns canned extractions; unknown text yields none.
func (m *Mock) ExtractEntities(_ context.Context, text string) ([]store.ExtractedEntity, error) {
	if m.Unavailable {
		return nil, m.unavailable()
	}
	return m.Entities[text], nil
}

// Health mirrors the forced-unavailable switch.
func (m *Mock) Health(context.Context) error {
	if m.Unavailable {
		return store.NewCatastrophic(store.NameLinguistic, store.ErrLLMUnavailable)
	}
	return nil
}

var _ store.LinguisticAdapter = (*Mock)(nil)
