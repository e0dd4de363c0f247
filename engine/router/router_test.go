package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bruised-ego-labs/nancy/engine/analytical"
	"github.com/bruised-ego-labs/nancy/engine/linguistic"
	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
	"github.com/bruised-ego-labs/nancy/engine/store/storetest"
	"github.com/bruised-ego-labs/nancy/pkg/fn"
)

type fixture struct {
	vector *storetest.FakeVector
	ana    *analytical.Store
	graph  *storetest.FakeGraph
	ling   *linguistic.Mock
	router *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ana, err := analytical.Open(":memory:")
	if err != nil {
		t.Fatalf("open analytical: %v", err)
	}
	t.Cleanup(func() { ana.Close() })

	f := &fixture{
		vector: storetest.NewFakeVector(),
		ana:    ana,
		graph:  storetest.NewFakeGraph(),
		ling:   linguistic.NewMock(),
	}
	opts := Options{
		Retry: fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
	}
	f.router = New(Deps{
		Vector:     f.vector,
		Analytical: f.ana,
		Graph:      f.graph,
		Linguistic: f.ling,
	}, opts)
	return f
}

func fullPacket(t *testing.T, title string) packet.KnowledgePacket {
	t.Helper()
	p := packet.KnowledgePacket{
		PacketVersion: packet.Version,
		Timestamp:     time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
		Source: packet.Source{
			PluginName:    "test-plugin",
			PluginVersion: "0.1.0",
			OriginLocator: "file:///tmp/" + title,
			ContentType:   packet.ContentDocument,
		},
		Metadata: packet.Metadata{Title: title, Author: "Sarah Chen", CreatedAt: "2024-11-02"},
		Content: packet.Content{
			Vector: &packet.VectorContent{Chunks: []packet.Chunk{
				{Text: title + " body text", Ordinal: 0},
			}},
			Analytical: &packet.AnalyticalContent{Fields: map[string]any{"k": "v"}},
			Graph: &packet.GraphContent{
				Entities: []packet.Entity{
					{ID: "doc", Type: "Document", Properties: map[string]any{"name": title}},
				},
			},
		},
	}
	if err := packet.Seal(&p); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return p
}

func TestApplyCommitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := fullPacket(t, "Power Budget")

	out := f.router.Apply(ctx, p)
	if out.State != StateCommitted {
		t.Fatalf("expected committed, got %s (%+v)", out.State, out.Results)
	}
	if f.vector.ChunkCount(p.PacketID) != 1 {
		t.Error("vector chunks missing")
	}
	if f.graph.NodeCount(p.PacketID) != 1 {
		t.Error("graph node missing")
	}
	n, _ := f.ana.Count(ctx, store.Eq{Column: "packet_id", Value: p.PacketID})
	if n != 1 {
		t.Error("analytical row missing")
	}
}

func TestApplyIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := fullPacket(t, "Mechanical Enclosure")

	first := f.router.Apply(ctx, p)
	second := f.router.Apply(ctx, p)
	if first.State != StateCommitted || second.State != StateCommitted {
		t.Fatalf("expected both committed, got %s then %s", first.State, second.State)
	}
	if got := f.vector.ChunkCount(p.PacketID); got != 1 {
		t.Errorf("chunk count grew on re-apply: %d", got)
	}
	if got := f.graph.NodeCount(p.PacketID); got != 1 {
		t.Errorf("node count grew on re-apply: %d", got)
	}
	n, _ := f.ana.Count(ctx, store.Eq{Column: "packet_id", Value: p.PacketID})
	if n != 1 {
		t.Errorf("row count grew on re-apply: %d", n)
	}
}

func TestApplyPartialCommitThenReconverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := fullPacket(t, "EMC Report")

	f.graph.FailEntities = store.NewPermanent(store.NameGraph, errors.New("constraint violation"))
	out := f.router.Apply(ctx, p)
	if out.State != StatePartiallyCommitted {
		t.Fatalf("expected partially committed, got %s", out.State)
	}

	// Analytical and vector landed; a compensation row names the graph.
	n, _ := f.ana.Count(ctx, store.Eq{Column: "packet_id", Value: p.PacketID})
	if n != 1 {
		t.Error("analytical row missing after partial commit")
	}
	if f.vector.ChunkCount(p.PacketID) != 1 {
		t.Error("vector chunks missing after partial commit")
	}
	pending, _ := f.ana.PendingCompensation(ctx)
	if len(pending) != 1 || pending[0].PacketID != p.PacketID {
		t.Fatalf("expected compensation row, got %v", pending)
	}
	if len(pending[0].Adapters) != 1 || pending[0].Adapters[0] != store.NameGraph {
		t.Errorf("unexpected failed adapters: %v", pending[0].Adapters)
	}

	// The failure injection cleared itself: a second submission commits and
	// drops the compensation row.
	out = f.router.Apply(ctx, p)
	if out.State != StateCommitted {
		t.Fatalf("expected committed on resubmission, got %s", out.State)
	}
	if f.graph.NodeCount(p.PacketID) != 1 {
		t.Error("graph contents missing after reconvergence")
	}
	pending, _ = f.ana.PendingCompensation(ctx)
	if len(pending) != 0 {
		t.Fatalf("compensation row survived: %v", pending)
	}
}

// failingAnalytical wraps the real adapter, failing the index row write.
type failingAnalytical struct {
	store.AnalyticalAdapter
	fail error
}

func (f *failingAnalytical) UpsertPacketRow(ctx context.Context, p packet.KnowledgePacket) error {
	if f.fail != nil {
		return f.fail
	}
	return f.AnalyticalAdapter.UpsertPacketRow(ctx, p)
}

func TestApplyRejectedRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := fullPacket(t, "Doomed")

	failing := &failingAnalytical{
		AnalyticalAdapter: f.ana,
		fail:              store.NewPermanent(store.NameAnalytical, errors.New("schema mismatch")),
	}
	f.router.deps.Analytical = failing

	out := f.router.Apply(ctx, p)
	if out.State != StateRejected {
		t.Fatalf("expected rejected, got %s", out.State)
	}
	// No other adapter retains data for the packet.
	if f.vector.ChunkCount(p.PacketID) != 0 {
		t.Error("vector chunks survived rejection")
	}
	if f.graph.NodeCount(p.PacketID) != 0 {
		t.Error("graph nodes survived rejection")
	}
}

func TestApplyRetriesTransient(t *testing.T) {
	f := newFixture(t)
	p := fullPacket(t, "Flaky")

	f.vector.FailUpsert = store.NewTransient(store.NameVector, errors.New("timeout"))
	out := f.router.Apply(context.Background(), p)
	if out.State != StateCommitted {
		t.Fatalf("expected committed after transient retry, got %s (%+v)", out.State, out.Results)
	}
	if f.vector.Calls["upsert"] < 2 {
		t.Errorf("expected a retried upsert, got %d calls", f.vector.Calls["upsert"])
	}
}

func TestCatastrophicFailureDisablesAdapter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.vector.FailUpsert = store.NewCatastrophic(store.NameVector, errors.New("backend gone"))
	out := f.router.Apply(ctx, fullPacket(t, "First"))
	if out.State != StatePartiallyCommitted {
		t.Fatalf("expected partial commit, got %s", out.State)
	}
	if f.router.Healthy(store.NameVector) {
		t.Fatal("vector should be unhealthy after catastrophic failure")
	}

	// Subsequent packets skip the dead adapter and partially commit.
	out = f.router.Apply(ctx, fullPacket(t, "Second"))
	if out.State != StatePartiallyCommitted {
		t.Fatalf("expected partial commit while skipping, got %s", out.State)
	}
	skipped := false
	for _, r := range out.Results {
		if r.Adapter == store.NameVector && r.Skipped {
			skipped = true
		}
	}
	if !skipped {
		t.Errorf("expected vector write to be skipped: %+v", out.Results)
	}
}

func TestPriorityBrainGoesFirst(t *testing.T) {
	f := newFixture(t)
	p := fullPacket(t, "Graph First")
	p.Hints = &packet.Hints{PriorityBrain: packet.BrainGraph}
	if err := packet.Seal(&p); err != nil {
		t.Fatal(err)
	}

	out := f.router.Apply(context.Background(), p)
	if out.State != StateCommitted {
		t.Fatalf("expected committed, got %s", out.State)
	}
	if len(out.Results) == 0 || out.Results[0].Adapter != store.NameGraph {
		t.Errorf("expected graph first, got %+v", out.Results)
	}
}

func TestGraphHintExtractsEntities(t *testing.T) {
	f := newFixture(t)
	p := fullPacket(t, "Minutes")
	p.Content.Graph = nil
	p.Hints = &packet.Hints{PriorityBrain: packet.BrainGraph}
	if err := packet.Seal(&p); err != nil {
		t.Fatal(err)
	}

	text := strings.Join([]string{p.Content.Vector.Chunks[0].Text}, "\n")
	f.ling.Entities[text] = []store.ExtractedEntity{
		{Type: "Decision", Properties: map[string]any{"name": "Ground plane"}},
	}

	out := f.router.Apply(context.Background(), p)
	if out.State != StateCommitted {
		t.Fatalf("expected committed, got %s", out.State)
	}
	if f.graph.NodeCount(p.PacketID) != 1 {
		t.Error("extracted entity did not reach the graph store")
	}
}

func TestSweepReconverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := fullPacket(t, "Swept")

	f.graph.FailEntities = store.NewPermanent(store.NameGraph, errors.New("down once"))
	out := f.router.Apply(ctx, p)
	if out.State != StatePartiallyCommitted {
		t.Fatalf("expected partial commit, got %s", out.State)
	}

	f.router.Sweep(ctx)

	pending, _ := f.ana.PendingCompensation(ctx)
	if len(pending) != 0 {
		t.Fatalf("sweep left compensation rows: %v", pending)
	}
	if f.graph.NodeCount(p.PacketID) != 1 {
		t.Error("sweep did not restore graph contents")
	}
}
