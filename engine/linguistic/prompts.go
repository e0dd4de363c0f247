package linguistic

import (
	"fmt"
	"strings"

	"github.com/bruised-ego-labs/nancy/engine/store"
)

const classifySystemPrompt = `You classify questions about a project knowledge base.
Respond with a single JSON object and nothing else:
{
  "strategy": one of "semantic", "author_attribution", "metadata_filter",
              "relationship_discovery", "decision_provenance",
              "expert_identification", "temporal", "hybrid",
  "primary_store": one of "vector", "analytical", "graph",
  "needs": array drawn from ["vector", "analytical", "graph"],
  "entities": array of salient noun phrases from the question,
  "filters": object of structured predicates, e.g. {"author": "Sarah Chen", "created_after": "2024-10-01"}
}
Pick "author_attribution" when the question asks what a named person wrote or
contributed. Pick "metadata_filter" when the question filters on dates, tags,
or other metadata rather than meaning. Pick "relationship_discovery" or
"decision_provenance" when it asks how entities or decisions connect. Pick
"hybrid" when it combines a content topic with a person or relationship cue.
Otherwise pick "semantic".`

const synthesizeSystemPrompt = `You are Nancy, a project knowledge assistant.
Answer the question using ONLY the provided evidence. Cite the packet ids of
the evidence you used in [square brackets]. If the evidence does not contain
enough information, say so briefly instead of inventing content.`

const extractSystemPrompt = `You extract entities from project text.
Respond with a single JSON object and nothing else:
{"entities": [{"type": "...", "properties": {"name": "..."}, "span": "..."}]}
Use types such as Person, Author, Decision, Meeting, Component, Document.
The span is the exact text fragment the entity came from.`

// synthesizeUserPrompt renders the question plus evidence bundles into the
// user turn of the synthesis call.
func synthesizeUserPrompt(query string, bundles []store.EvidenceBundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nEvidence:\n", query)
	for _, bundle := range bundles {
		fmt.Fprintf(&b, "-- from %s store", bundle.Adapter)
		if bundle.Note != "" {
			fmt.Fprintf(&b, " (%s)", bundle.Note)
		}
		b.WriteString(" --\n")
		for _, item := range bundle.Items {
			fmt.Fprintf(&b, "[%s] %s\n", item.PacketID, item.Text)
		}
	}
	return b.String()
}
