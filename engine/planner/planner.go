// Package planner turns a natural-language query into an answer: it
// classifies the query, executes a strategy-specific plan across the store
// adapters, and hands the collected evidence to the linguistic adapter for
// synthesis. Every LLM call has a pure fallback so the planner keeps
// answering when the model is gone.
package planner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bruised-ego-labs/nancy/engine/store"
	"github.com/bruised-ego-labs/nancy/pkg/fn"
)

// ErrOverloaded means the query semaphore stayed saturated past the wait
// budget; the caller should retry later.
var ErrOverloaded = errors.New("query capacity saturated")

// Options tunes planner behaviour.
type Options struct {
	TopK          int
	QueryDeadline time.Duration
	StepDeadline  time.Duration
	MaxConcurrent int
	AdmitWait     time.Duration
	MaxBundles    int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          5,
		QueryDeadline: 30 * time.Second,
		StepDeadline:  10 * time.Second,
		MaxConcurrent: 8,
		AdmitWait:     2 * time.Second,
		MaxBundles:    4,
	}
}

// Deps holds the adapters the planner consults.
type Deps struct {
	Vector     store.VectorAdapter
	Analytical store.AnalyticalAdapter
	Graph      store.GraphAdapter
	Linguistic store.LinguisticAdapter
	Logger     *slog.Logger
}

// StepTrace records one adapter call for the caller to audit.
type StepTrace struct {
	Adapter  string        `json:"adapter"`
	Op       string        `json:"op"`
	Duration time.Duration `json:"duration"`
	Results  int           `json:"results"`
	Error    string        `json:"error,omitempty"`
}

// Response is the planner's answer.
type Response struct {
	Answer    string       `json:"answer"`
	Citations []string     `json:"citations"`
	Intent    store.Intent `json:"intent"`
	Trace     []StepTrace  `json:"trace"`
	Truncated bool         `json:"truncated,omitempty"`
	Degraded  bool         `json:"degraded,omitempty"`
}

// Planner executes query plans.
type Planner struct {
	deps Deps
	opts Options
	log  *slog.Logger
	sem  chan struct{}
}

// New creates a Planner.
func New(deps Deps, opts Options) *Planner {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	return &Planner{
		deps: deps,
		opts: opts,
		log:  log,
		sem:  make(chan struct{}, opts.MaxConcurrent),
	}
}

// session carries the per-query state; it lives for one Query call.
type session struct {
	query   string
	intent  store.Intent
	bundles []store.EvidenceBundle
	trace   []StepTrace
	degraded bool
}

// Query runs the full plan for a question.
func (pl *Planner) Query(ctx context.Context, text string) (Response, error) {
	select {
	case pl.sem <- struct{}{}:
		defer func() { <-pl.sem }()
	case <-time.After(pl.opts.AdmitWait):
		return Response{}, ErrOverloaded
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, pl.opts.QueryDeadline)
	defer cancel()

	s := &session{query: text}
	s.intent = pl.classify(ctx, s)

	pl.execute(ctx, s)

	// Multi-step queries feed both a vector and a graph bundle into the
	// synthesizer; fill in whichever half the primary plan skipped.
	if pl.multiStep(s.intent, text) {
		if !hasBundle(s.bundles, store.NameVector) {
			pl.vectorStep(ctx, s, nil)
		}
		if !hasBundle(s.bundles, store.NameGraph) && len(s.intent.Entities) > 0 {
			pl.graphEntityStep(ctx, s)
		}
	}

	if len(s.bundles) > pl.opts.MaxBundles {
		s.bundles = s.bundles[:pl.opts.MaxBundles]
	}

	answer := pl.synthesize(ctx, s)

	resp := Response{
		Answer:    answer,
		Citations: citations(s.bundles),
		Intent:    s.intent,
		Trace:     s.trace,
		Degraded:  s.degraded,
	}
	if ctx.Err() != nil {
		resp.Truncated = true
	}
	return resp, nil
}

// classify asks the linguistic adapter for an intent, falling back to the
// deterministic rule-based classifier when the model is unavailable.
func (pl *Planner) classify(ctx context.Context, s *session) store.Intent {
	stepCtx, cancel := context.WithTimeout(ctx, pl.opts.StepDeadline)
	defer cancel()

	start := time.Now()
	intent, err := pl.deps.Linguistic.ClassifyIntent(stepCtx, s.query)
	s.record(store.NameLinguistic, "classify_intent", start, 1, err)
	if err != nil {
		s.degraded = true
		return ruleBasedIntent(s.query)
	}
	return intent
}

// execute dispatches the plan skeleton for the classified strategy.
func (pl *Planner) execute(ctx context.Context, s *session) {
	switch s.intent.Strategy {
	case store.StrategyMetadataFilter, store.StrategyTemporal:
		pl.metadataStep(ctx, s)
	case store.StrategyAuthor, store.StrategyExpert:
		pl.authorStep(ctx, s)
		pl.metadataAuthorFallback(ctx, s)
	case store.StrategyRelationship, store.StrategyDecision:
		pl.graphEntityStep(ctx, s)
		pl.vectorStep(ctx, s, packetIDs(s.bundles))
	case store.StrategyHybrid:
		restrict := pl.vectorStep(ctx, s, nil)
		pl.graphExpandStep(ctx, s, restrict)
	default: // semantic
		ids := pl.vectorStep(ctx, s, nil)
		pl.metadataJoinStep(ctx, s, ids)
	}
}

// synthesize produces the final answer, degrading to a structured evidence
// listing when the model cannot be reached.
func (pl *Planner) synthesize(ctx context.Context, s *session) string {
	stepCtx, cancel := context.WithTimeout(ctx, pl.opts.StepDeadline)
	defer cancel()

	start := time.Now()
	answer, err := pl.deps.Linguistic.Synthesize(stepCtx, s.query, s.bundles)
	s.record(store.NameLinguistic, "synthesize", start, len(s.bundles), err)
	if err != nil {
		s.degraded = true
		return fallbackSynthesis(s.bundles)
	}
	return answer
}

// record appends one step to the trace.
func (s *session) record(adapter, op string, start time.Time, results int, err error) {
	st := StepTrace{
		Adapter:  adapter,
		Op:       op,
		Duration: time.Since(start),
		Results:  results,
	}
	if err != nil {
		st.Error = err.Error()
		st.Results = 0
	}
	s.trace = append(s.trace, st)
}

// addBundle appends a non-empty evidence bundle.
func (s *session) addBundle(b store.EvidenceBundle) {
	if len(b.Items) == 0 {
		return
	}
	s.bundles = append(s.bundles, b)
}

func hasBundle(bundles []store.EvidenceBundle, adapter string) bool {
	for _, b := range bundles {
		if b.Adapter == adapter {
			return true
		}
	}
	return false
}

// packetIDs collects the distinct packet ids already in evidence.
func packetIDs(bundles []store.EvidenceBundle) []string {
	var ids []string
	for _, b := range bundles {
		for _, item := range b.Items {
			ids = append(ids, item.PacketID)
		}
	}
	return fn.Unique(ids)
}

// citations ranks the distinct packet ids across bundles, best score first.
func citations(bundles []store.EvidenceBundle) []string {
	best := map[string]float64{}
	var order []string
	for _, b := range bundles {
		for _, item := range b.Items {
			if _, seen := best[item.PacketID]; !seen {
				order = append(order, item.PacketID)
				best[item.PacketID] = item.Score
			} else if item.Score < best[item.PacketID] {
				best[item.PacketID] = item.Score
			}
		}
	}
	sortByScore(order, best)
	return order
}

func sortByScore(ids []string, score map[string]float64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && score[ids[j]] < score[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// multiStep reports whether a query needs both vector and graph evidence:
// either its strategy implies it, or it carries strong cues from two or more
// disjoint categories (content noun, person name, time window).
func (pl *Planner) multiStep(intent store.Intent, query string) bool {
	switch intent.Strategy {
	case store.StrategyRelationship, store.StrategyDecision,
		store.StrategyExpert, store.StrategyHybrid:
		return true
	}
	return cueCategories(query, intent) >= 2
}
