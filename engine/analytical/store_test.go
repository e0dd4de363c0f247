package analytical

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPacket(t *testing.T, title, author, createdAt string) packet.KnowledgePacket {
	t.Helper()
	p := packet.KnowledgePacket{
		PacketVersion: packet.Version,
		Timestamp:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Source: packet.Source{
			PluginName:    "test-plugin",
			PluginVersion: "0.1.0",
			OriginLocator: "file:///tmp/" + title,
			ContentType:   packet.ContentDocument,
		},
		Metadata: packet.Metadata{
			Title:     title,
			Author:    author,
			CreatedAt: createdAt,
			Tags:      []string{"test"},
		},
		Content: packet.Content{
			Analytical: &packet.AnalyticalContent{Fields: map[string]any{"k": "v"}},
		},
	}
	if err := packet.Seal(&p); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return p
}

func TestUpsertPacketRowIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	p := testPacket(t, "Power Budget", "Mike Rodriguez", "2024-05-01")

	for i := 0; i < 2; i++ {
		if err := s.UpsertPacketRow(ctx, p); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	n, err := s.Count(ctx, store.All{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row after double upsert, got %d", n)
	}
}

func TestLoadPacketRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	p := testPacket(t, "Thermal Analysis", "Sarah Chen", "2024-11-02")

	if err := s.UpsertPacketRow(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.LoadPacket(ctx, p.PacketID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.PacketID != p.PacketID || got.Metadata.Title != p.Metadata.Title {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := s.LoadPacket(ctx, "unknown"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStructuredQueryPredicates(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	packets := []packet.KnowledgePacket{
		testPacket(t, "Q1 Report", "Sarah Chen", "2024-02-15"),
		testPacket(t, "Q3 Report", "Sarah Chen", "2024-08-15"),
		testPacket(t, "Q4 Report", "Mike Rodriguez", "2024-11-15"),
	}
	for _, p := range packets {
		if err := s.UpsertPacketRow(ctx, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	rows, err := s.RunStructuredQuery(ctx, store.Eq{Column: "author", Value: "Sarah Chen"})
	if err != nil {
		t.Fatalf("eq query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 Sarah Chen rows, got %d", len(rows))
	}

	rows, err = s.RunStructuredQuery(ctx, store.Range{Column: "created_at", Low: "2024-10-01", High: "2024-12-31"})
	if err != nil {
		t.Fatalf("range query: %v", err)
	}
	if len(rows) != 1 || rows[0]["title"] != "Q4 Report" {
		t.Fatalf("expected only the Q4 report, got %v", rows)
	}

	rows, err = s.RunStructuredQuery(ctx, store.And{Preds: []store.Predicate{
		store.Eq{Column: "author", Value: "Sarah Chen"},
		store.Not{Pred: store.Range{Column: "created_at", Low: "2024-06-01", High: nil}},
	}})
	if err != nil {
		t.Fatalf("and/not query: %v", err)
	}
	if len(rows) != 1 || rows[0]["title"] != "Q1 Report" {
		t.Fatalf("expected only the Q1 report, got %v", rows)
	}

	n, err := s.Count(ctx, store.In{Column: "author", Values: []any{"Sarah Chen", "Mike Rodriguez"}})
	if err != nil {
		t.Fatalf("in count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}

func TestStructuredQueryRejectsUnknownColumn(t *testing.T) {
	s := openTest(t)
	_, err := s.RunStructuredQuery(context.Background(), store.Eq{Column: "packets; DROP TABLE packets", Value: 1})
	if !errors.Is(err, ErrBadColumn) {
		t.Fatalf("expected ErrBadColumn, got %v", err)
	}
	if store.KindOf(err) != store.Permanent {
		t.Fatalf("bad column should classify Permanent")
	}
}

func TestUpsertTableAndDelete(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	p := testPacket(t, "BOM", "Sarah Chen", "2024-03-01")

	if err := s.UpsertPacketRow(ctx, p); err != nil {
		t.Fatalf("upsert row: %v", err)
	}
	cols := []packet.Column{{Name: "part", Type: "string"}, {Name: "qty", Type: "int"}}
	rows := [][]any{{"resistor", 40}, {"mcu", 1}}
	for i := 0; i < 2; i++ {
		if err := s.UpsertTable(ctx, p.PacketID, "bom", cols, rows); err != nil {
			t.Fatalf("upsert table %d: %v", i, err)
		}
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM packet_rows WHERE packet_id = ?`, p.PacketID).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 table rows after re-upsert, got %d", n)
	}

	if err := s.Delete(ctx, p.PacketID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	total, _ := s.Count(ctx, store.All{})
	if total != 0 {
		t.Fatalf("expected empty packets relation, got %d", total)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM packet_rows WHERE packet_id = ?`, p.PacketID).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 0 {
		t.Fatalf("table rows survived delete: %d", n)
	}
}

func TestCompensationLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	p := testPacket(t, "Partial", "Sarah Chen", "2024-06-01")
	if err := s.UpsertPacketRow(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.RecordCompensation(ctx, p.PacketID, []string{"graph"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordCompensation(ctx, p.PacketID, []string{"graph"}); err != nil {
		t.Fatalf("record again: %v", err)
	}

	pending, err := s.PendingCompensation(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending record, got %d", len(pending))
	}
	if pending[0].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", pending[0].Attempts)
	}
	if len(pending[0].Adapters) != 1 || pending[0].Adapters[0] != "graph" {
		t.Errorf("unexpected adapters: %v", pending[0].Adapters)
	}

	if err := s.ClearCompensation(ctx, p.PacketID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	pending, _ = s.PendingCompensation(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected no pending records, got %d", len(pending))
	}
}
