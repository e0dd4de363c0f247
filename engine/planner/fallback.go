package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
)

// Cue patterns for the rule-based classifier and multi-step detection.
var (
	quarterRe  = regexp.MustCompile(`(?i)\bQ([1-4])\s*((?:19|20)\d{2})\b`)
	yearRe     = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)
	personRe   = regexp.MustCompile(`\b(?:by|from|of)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`)
	filterCues = []string{"from", "before", "after", "during", "between", "tagged", "created", "dated"}
)

// ruleBasedIntent is the deterministic fallback used when the language model
// cannot classify: metadata_filter for queries with obvious filter cues,
// semantic otherwise.
func ruleBasedIntent(query string) store.Intent {
	filters := map[string]string{}
	if m := quarterRe.FindStringSubmatch(query); m != nil {
		low, high := quarterBounds(m[1], m[2])
		filters["created_after"] = low
		filters["created_before"] = high
	}
	if m := personRe.FindStringSubmatch(query); m != nil {
		filters["author"] = m[1]
	}

	hasCue := len(filters) > 0
	lower := strings.ToLower(query)
	for _, cue := range filterCues {
		if strings.Contains(lower, " "+cue+" ") && yearRe.MatchString(query) {
			hasCue = true
			break
		}
	}

	if hasCue {
		return store.Intent{
			Strategy:     store.StrategyMetadataFilter,
			PrimaryStore: packet.BrainAnalytical,
			Needs:        []packet.Brain{packet.BrainAnalytical},
			Filters:      filters,
		}
	}
	return store.Intent{
		Strategy:     store.StrategySemantic,
		PrimaryStore: packet.BrainVector,
		Needs:        []packet.Brain{packet.BrainVector},
	}
}

// quarterBounds maps a calendar quarter to an inclusive ISO date range.
func quarterBounds(quarter, year string) (string, string) {
	switch quarter {
	case "1":
		return year + "-01-01", year + "-03-31T23:59:59Z"
	case "2":
		return year + "-04-01", year + "-06-30T23:59:59Z"
	case "3":
		return year + "-07-01", year + "-09-30T23:59:59Z"
	default:
		return year + "-10-01", year + "-12-31T23:59:59Z"
	}
}

// buildPredicate compiles intent filters (plus cues mined from the query
// text) into the analytical predicate algebra.
func buildPredicate(filters map[string]string, query string) store.Predicate {
	var preds []store.Predicate
	if author := filters["author"]; author != "" {
		preds = append(preds, store.Eq{Column: "author", Value: author})
	}
	low, high := filters["created_after"], filters["created_before"]
	if low == "" && high == "" {
		if m := quarterRe.FindStringSubmatch(query); m != nil {
			low, high = quarterBounds(m[1], m[2])
		}
	}
	if low != "" || high != "" {
		r := store.Range{Column: "created_at"}
		if low != "" {
			r.Low = low
		}
		if high != "" {
			r.High = high
		}
		preds = append(preds, r)
	}
	if ct := filters["content_type"]; ct != "" {
		preds = append(preds, store.Eq{Column: "content_type", Value: ct})
	}

	switch len(preds) {
	case 0:
		return store.All{}
	case 1:
		return preds[0]
	default:
		return store.And{Preds: preds}
	}
}

// cueCategories counts how many disjoint cue categories a query carries:
// content nouns, person names, and time windows.
func cueCategories(query string, intent store.Intent) int {
	n := 0
	if len(intent.Entities) > 0 {
		n++
	}
	if personRe.MatchString(query) || intent.Filters["author"] != "" {
		n++
	}
	if quarterRe.MatchString(query) || yearRe.MatchString(query) {
		n++
	}
	return n
}

// fallbackSynthesis renders a structured evidence listing when natural-
// language synthesis is unavailable.
func fallbackSynthesis(bundles []store.EvidenceBundle) string {
	empty := true
	for _, b := range bundles {
		if len(b.Items) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return "No matching knowledge was found."
	}

	var b strings.Builder
	b.WriteString("Natural-language synthesis is unavailable. Top evidence:\n")
	for _, bundle := range bundles {
		fmt.Fprintf(&b, "from %s:\n", bundle.Adapter)
		for _, item := range bundle.Items {
			fmt.Fprintf(&b, "  [%s] %s\n", item.PacketID, item.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
