// Package main implements the nancyd server: it wires the four store
// adapters, the plugin host, the ingest queue, and the query planner behind
// a small HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/bruised-ego-labs/nancy/engine/analytical"
	"github.com/bruised-ego-labs/nancy/engine/graph"
	"github.com/bruised-ego-labs/nancy/engine/linguistic"
	"github.com/bruised-ego-labs/nancy/engine/orchestrator"
	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/planner"
	"github.com/bruised-ego-labs/nancy/engine/plugin"
	"github.com/bruised-ego-labs/nancy/engine/queue"
	"github.com/bruised-ego-labs/nancy/engine/router"
	"github.com/bruised-ego-labs/nancy/engine/semantic"
	"github.com/bruised-ego-labs/nancy/pkg/metrics"
	"github.com/bruised-ego-labs/nancy/pkg/mid"
	"github.com/bruised-ego-labs/nancy/pkg/ollama"
)

// Config holds all environment-based configuration. It is immutable for the
// lifetime of the process.
type Config struct {
	Port            string
	Neo4jURL        string
	Neo4jUser       string
	Neo4jPass       string
	QdrantURL       string
	Collection      string
	EmbedDims       int
	AnalyticalPath  string
	OllamaURL       string
	LLMModel        string
	EmbedModel      string
	QueueCapacity   int
	IngestWorkers   int
	QueryConcurrent int
	PluginManifest  string
	NATSURL         string
	CORSOrigin      string
}

func loadConfig() Config {
	return Config{
		Port:            envOr("NANCY_PORT", "8080"),
		Neo4jURL:        envOr("NANCY_NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:       envOr("NANCY_NEO4J_USER", "neo4j"),
		Neo4jPass:       envOr("NANCY_NEO4J_PASS", "password"),
		QdrantURL:       envOr("NANCY_QDRANT_URL", "localhost:6334"),
		Collection:      envOr("NANCY_QDRANT_COLLECTION", "nancy"),
		EmbedDims:       envInt("NANCY_EMBED_DIMS", 768),
		AnalyticalPath:  envOr("NANCY_ANALYTICAL_DB", "nancy.db"),
		OllamaURL:       envOr("NANCY_OLLAMA_URL", "http://localhost:11434"),
		LLMModel:        envOr("NANCY_LLM_MODEL", "gemma3"),
		EmbedModel:      envOr("NANCY_EMBED_MODEL", "nomic-embed-text"),
		QueueCapacity:   envInt("NANCY_QUEUE_CAPACITY", 256),
		IngestWorkers:   envInt("NANCY_INGEST_WORKERS", 4),
		QueryConcurrent: envInt("NANCY_QUERY_CONCURRENCY", 8),
		PluginManifest:  envOr("NANCY_PLUGIN_MANIFEST", "plugins.yaml"),
		NATSURL:         os.Getenv("NANCY_NATS_URL"),
		CORSOrigin:      envOr("NANCY_CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// --- Linguistic adapter (Ollama) ---
	llmClient := ollama.New(cfg.OllamaURL)
	lingOpts := linguistic.DefaultOptions()
	lingOpts.Model = cfg.LLMModel
	ling := linguistic.New(llmClient, lingOpts, logger)

	// --- Vector adapter (Qdrant) ---
	embedder := ollama.NewModelEmbedder(llmClient, cfg.EmbedModel)
	vec, err := semantic.New(cfg.QdrantURL, cfg.Collection, cfg.EmbedDims, embedder)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vec.Close()
	if err := vec.EnsureCollection(ctx); err != nil {
		logger.Warn("qdrant collection setup failed, continuing", "err", err)
	}

	// --- Analytical adapter (SQLite) ---
	ana, err := analytical.Open(cfg.AnalyticalPath)
	if err != nil {
		return fmt.Errorf("analytical open: %w", err)
	}
	defer ana.Close()

	// --- Graph adapter (Neo4j) ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	gr := graph.New(driver)

	// --- Router, queue, plugin host, planner ---
	rt := router.New(router.Deps{
		Vector:     vec,
		Analytical: ana,
		Graph:      gr,
		Linguistic: ling,
		Logger:     logger,
	}, router.DefaultOptions())
	go rt.RunSweeper(ctx)

	q := queue.New(rt, queue.Options{Capacity: cfg.QueueCapacity, Workers: cfg.IngestWorkers}, logger)
	q.Start(ctx)
	defer q.Wait()

	depthGauge := reg.Gauge("nancy_queue_depth", "Current ingest queue depth")
	observeOutcome := func(out router.Outcome) {
		depthGauge.Set(int64(q.Depth()))
		reg.Counter(metrics.WithLabels("nancy_packets_total", "state", string(out.State)),
			"Packets by terminal state").Inc()
	}

	host := plugin.NewHost(q, plugin.DefaultHostOptions(), logger)
	manifests, err := plugin.LoadManifests(cfg.PluginManifest)
	if err != nil {
		return err
	}
	host.Start(ctx, manifests)
	defer host.Stop(context.Background())

	plOpts := planner.DefaultOptions()
	plOpts.MaxConcurrent = cfg.QueryConcurrent
	pl := planner.New(planner.Deps{
		Vector:     vec,
		Analytical: ana,
		Graph:      gr,
		Linguistic: ling,
		Logger:     logger,
	}, plOpts)

	orch := orchestrator.New(rt, q, host, pl, logger)
	// Keep the metrics hook alongside the orchestrator's own dispatch.
	dispatch := q.OnOutcome
	q.OnOutcome = func(out router.Outcome) {
		observeOutcome(out)
		dispatch(out)
	}

	// --- Optional NATS packet bus ---
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		if _, err := orch.AttachBus(nc); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		logger.Info("packet bus attached", "subject", orchestrator.IngestSubject)
	}

	// --- HTTP surface ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/ingest", handleIngest(orch, logger))
	mux.HandleFunc("POST /api/ingest-file", handleIngestFile(orch, logger))
	mux.HandleFunc("POST /api/query", handleQuery(orch, logger))
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("nancyd"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("nancyd starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleIngest(orch *orchestrator.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p packet.KnowledgePacket
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		outcome, err := orch.IngestPacket(r.Context(), p)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": err.Error(), "outcome": outcome,
			})
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

// IngestFileRequest is the JSON body for POST /api/ingest-file.
type IngestFileRequest struct {
	Path  string            `json:"path"`
	Hints map[string]string `json:"metadata_hints,omitempty"`
}

func handleIngestFile(orch *orchestrator.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
			return
		}
		outcomes, err := orch.IngestFile(r.Context(), req.Path, req.Hints)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, plugin.ErrNoPluginForType) {
				status = http.StatusUnsupportedMediaType
			}
			logger.Error("ingest-file failed", "path", req.Path, "err", err)
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
	}
}

// QueryRequest is the JSON body for POST /api/query.
type QueryRequest struct {
	Text string `json:"text"`
}

func handleQuery(orch *orchestrator.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
			return
		}
		resp, err := orch.Query(r.Context(), req.Text)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, planner.ErrOverloaded) {
				status = http.StatusTooManyRequests
			}
			logger.Error("query failed", "err", err)
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
