// Package linguistic implements the language-model adapter: intent
// classification, answer synthesis, and entity extraction over an Ollama
// chat model. All LLM interaction in the engine is isolated behind this
// package; every caller has a pure fallback for when it is unavailable.
package linguistic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
	"github.com/bruised-ego-labs/nancy/pkg/fn"
	"github.com/bruised-ego-labs/nancy/pkg/ollama"
	"github.com/bruised-ego-labs/nancy/pkg/resilience"
)

// Options configures the adapter.
type Options struct {
	Model       string
	Temperature float64
	Retry       fn.RetryOpts
	// RatePerSec caps provider calls; bursts up to RateBurst.
	RatePerSec float64
	RateBurst  int
	// CacheSize bounds the prompt/response cache. 0 disables caching.
	CacheSize int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Model:       "gemma3",
		Temperature: 0.1,
		Retry:       fn.DefaultRetry,
		RatePerSec:  4,
		RateBurst:   8,
		CacheSize:   256,
	}
}

// Service is the Ollama-backed linguistic adapter.
type Service struct {
	client  *ollama.Client
	opts    Options
	limiter *rate.Limiter
	breaker *resilience.Breaker
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// New creates a Service.
func New(client *ollama.Client, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		logger:  logger,
		cache:   make(map[string]string),
	}
}

// chat runs one rate-limited, breaker-guarded, retried chat call. Exhausting
// the retry budget surfaces store.ErrLLMUnavailable.
func (s *Service) chat(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	cacheKey := system + "\x00" + user
	if s.opts.CacheSize > 0 {
		s.mu.Lock()
		if reply, ok := s.cache[cacheKey]; ok {
			s.mu.Unlock()
			return reply, nil
		}
		s.mu.Unlock()
	}

	result := fn.Retry(ctx, s.opts.Retry, func(ctx context.Context) fn.Result[string] {
		if err := s.limiter.Wait(ctx); err != nil {
			return fn.Err[string](err)
		}
		var reply string
		err := s.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			reply, err = s.client.Chat(ctx, s.opts.Model, []ollama.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			}, ollama.ChatOpts{Temperature: s.opts.Temperature, JSONMode: jsonMode})
			return err
		})
		return fn.FromPair(reply, err)
	})

	reply, err := result.Unwrap()
	if err != nil {
		s.logger.Warn("linguistic: provider call failed", "err", err)
		return "", store.NewTransient(store.NameLinguistic,
			fmt.Errorf("%w: %v", store.ErrLLMUnavailable, err))
	}

	if s.opts.CacheSize > 0 {
		s.mu.Lock()
		if len(s.cache) >= s.opts.CacheSize {
			// Full cache resets rather than tracking recency; classification
			// traffic is repetitive enough that this stays effective.
			s.cache = make(map[string]string)
		}
		s.cache[cacheKey] = reply
		s.mu.Unlock()
	}
	return reply, nil
}

// intentPayload mirrors the JSON the classification prompt asks for.
type intentPayload struct {
	Strategy     string            `json:"strategy"`
	PrimaryStore string            `json:"primary_store"`
	Needs        []string          `json:"needs"`
	Entities     []string          `json:"entities"`
	Filters      map[string]string `json:"filters"`
}

// ClassifyIntent asks the model to classify a query into the intent schema.
func (s *Service) ClassifyIntent(ctx context.Context, query string) (store.Intent, error) {
	reply, err := s.chat(ctx, classifySystemPrompt, query, true)
	if err != nil {
		return store.Intent{}, err
	}

	var payload intentPayload
	if err := json.Unmarshal([]byte(extractJSON(reply)), &payload); err != nil {
		return store.Intent{}, store.NewTransient(store.NameLinguistic,
			fmt.Errorf("%w: malformed classification: %v", store.ErrLLMUnavailable, err))
	}
	return payload.toIntent(), nil
}

func (p intentPayload) toIntent() store.Intent {
	intent := store.Intent{
		Strategy:     store.Strategy(p.Strategy),
		PrimaryStore: brainOf(p.PrimaryStore),
		Entities:     p.Entities,
		Filters:      p.Filters,
	}
	if !store.ValidStrategies[intent.Strategy] {
		intent.Strategy = store.StrategySemantic
	}
	for _, n := range p.Needs {
		if b := brainOf(n); b != "" {
			intent.Needs = append(intent.Needs, b)
		}
	}
	if len(intent.Needs) == 0 {
		intent.Needs = append(intent.Needs, intent.PrimaryStore)
	}
	return intent
}

// Synthesize grounds an answer in the provided evidence bundles.
func (s *Service) Synthesize(ctx context.Context, query string, bundles []store.EvidenceBundle) (string, error) {
	empty := true
	for _, b := range bundles {
		if len(b.Items) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return "No supporting evidence was found for this question.", nil
	}
	return s.chat(ctx, synthesizeSystemPrompt, synthesizeUserPrompt(query, bundles), false)
}

// ExtractEntities pulls typed entities out of free text. Plugins are the
// main consumer; the router also calls it for text-rich packets hinted at
// the graph brain that arrived without graph content.
func (s *Service) ExtractEntities(ctx context.Context, text string) ([]store.ExtractedEntity, error) {
	reply, err := s.chat(ctx, extractSystemPrompt, text, true)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Entities []store.ExtractedEntity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &payload); err != nil {
		return nil, store.NewTransient(store.NameLinguistic,
			fmt.Errorf("%w: malformed extraction: %v", store.ErrLLMUnavailable, err))
	}
	return payload.Entities, nil
}

// Health reports whether the provider is currently callable.
func (s *Service) Health(ctx context.Context) error {
	if s.breaker.State() == resilience.StateOpen {
		return store.NewCatastrophic(store.NameLinguistic, store.ErrLLMUnavailable)
	}
	return nil
}

func brainOf(s string) packet.Brain {
	switch packet.Brain(s) {
	case packet.BrainVector, packet.BrainAnalytical, packet.BrainGraph:
		return packet.Brain(s)
	default:
		return packet.BrainVector
	}
}

// extractJSON strips prose the model may wrap around a JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

var _ store.LinguisticAdapter = (*Service)(nil)
