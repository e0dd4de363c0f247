// Package metrics provides a lightweight Prometheus-compatible metrics
// registry: counters, gauges, and histograms exposed in the text exposition
// format over HTTP.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are the default histogram buckets (seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Counter is a monotonically increasing counter.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge can go up and down.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)   { g.val.Store(n) }
func (g *Gauge) Inc()          { g.val.Add(1) }
func (g *Gauge) Dec()          { g.val.Add(-1) }
func (g *Gauge) Value() int64  { return g.val.Load() }

// Histogram tracks a value distribution over fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			break
		}
	}
	h.mu.Unlock()
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

// Registry holds named metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	help       map[string]string
	order      []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		help:       make(map[string]string),
	}
}

// Counter returns (or creates) a counter. Labels are baked into the name,
// e.g. nancy_packets_total{state="committed"}.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	r.register(name, help)
	return c
}

// Gauge returns (or creates) a gauge.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[name] = g
	r.register(name, help)
	return g
}

// Histogram returns (or creates) a histogram with the given buckets
// (DefaultBuckets when nil).
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	b := make([]float64, len(buckets))
	copy(b, buckets)
	sort.Float64s(b)
	h := &Histogram{buckets: b, counts: make([]uint64, len(b))}
	r.histograms[name] = h
	r.register(name, help)
	return h
}

// register records name order and help. Must hold mu.
func (r *Registry) register(name, help string) {
	base := baseName(name)
	if _, ok := r.help[base]; !ok {
		r.order = append(r.order, base)
	}
	if help != "" {
		r.help[base] = help
	}
}

// WithLabels bakes label pairs into a metric name.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i < len(kvs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kvs[i], kvs[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func baseName(name string) string {
	if i := strings.IndexByte(name, '{'); i != -1 {
		return name[:i]
	}
	return name
}

// Render returns the Prometheus text exposition of all metrics.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, base := range r.order {
		if h := r.help[base]; h != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, h)
		}
		for _, n := range sortedWithBase(r.counters, base) {
			fmt.Fprintf(&b, "%s %d\n", n, r.counters[n].Value())
		}
		for _, n := range sortedWithBase(r.gauges, base) {
			fmt.Fprintf(&b, "%s %d\n", n, r.gauges[n].Value())
		}
		for _, n := range sortedWithBase(r.histograms, base) {
			renderHistogram(&b, base, r.histograms[n])
		}
	}
	return b.String()
}

func sortedWithBase[M any](m map[string]M, base string) []string {
	var out []string
	for n := range m {
		if baseName(n) == base {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func renderHistogram(b *strings.Builder, base string, h *Histogram) {
	h.mu.Lock()
	buckets := h.buckets
	counts := make([]uint64, len(h.counts))
	copy(counts, h.counts)
	sum, count := h.sum, h.count
	h.mu.Unlock()

	cumulative := uint64(0)
	for i, bk := range buckets {
		cumulative += counts[i]
		fmt.Fprintf(b, "%s_bucket{le=%q} %d\n", base, fmt.Sprintf("%g", bk), cumulative)
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", base, count)
	fmt.Fprintf(b, "%s_sum %g\n", base, sum)
	fmt.Fprintf(b, "%s_count %d\n", base, count)
}

// Handler serves the registry at an HTTP endpoint.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}
