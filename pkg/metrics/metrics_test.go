package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterGaugeRender(t *testing.T) {
	r := New()
	r.Counter("nancy_packets_total", "Packets seen").Add(5)
	r.Gauge("nancy_queue_depth", "Queue depth").Set(3)

	out := r.Render()
	for _, want := range []string{
		"# HELP nancy_packets_total Packets seen",
		"nancy_packets_total 5",
		"nancy_queue_depth 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q in:\n%s", want, out)
		}
	}
}

func TestLabeledCounters(t *testing.T) {
	r := New()
	r.Counter(WithLabels("nancy_packets_total", "state", "committed"), "Packets").Inc()
	r.Counter(WithLabels("nancy_packets_total", "state", "rejected"), "Packets").Add(2)

	out := r.Render()
	if !strings.Contains(out, `nancy_packets_total{state="committed"} 1`) {
		t.Errorf("missing committed line:\n%s", out)
	}
	if !strings.Contains(out, `nancy_packets_total{state="rejected"} 2`) {
		t.Errorf("missing rejected line:\n%s", out)
	}
	// One HELP line for the shared base name.
	if strings.Count(out, "# HELP nancy_packets_total") != 1 {
		t.Errorf("duplicate HELP lines:\n%s", out)
	}
}

func TestHistogramRender(t *testing.T) {
	r := New()
	h := r.Histogram("nancy_route_seconds", "Routing latency", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)
	h.Observe(50)

	out := r.Render()
	for _, want := range []string{
		`nancy_route_seconds_bucket{le="0.1"} 1`,
		`nancy_route_seconds_bucket{le="1"} 2`,
		`nancy_route_seconds_bucket{le="10"} 3`,
		`nancy_route_seconds_bucket{le="+Inf"} 4`,
		"nancy_route_seconds_count 4",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q in:\n%s", want, out)
		}
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	r := New()
	r.Counter("up", "").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "up 1") {
		t.Errorf("body: %s", rec.Body.String())
	}
}
