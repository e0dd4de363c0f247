package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/router"
)

// blockingApplier blocks every Apply until released.
type blockingApplier struct {
	release chan struct{}
	mu      sync.Mutex
	applied []string
}

func (b *blockingApplier) Apply(_ context.Context, p packet.KnowledgePacket) router.Outcome {
	<-b.release
	b.mu.Lock()
	b.applied = append(b.applied, p.PacketID)
	b.mu.Unlock()
	return router.Outcome{PacketID: p.PacketID, State: router.StateCommitted}
}

func (b *blockingApplier) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.applied)
}

func mkPacket(id string) packet.KnowledgePacket {
	return packet.KnowledgePacket{PacketID: id}
}

func TestBackpressureWithoutLoss(t *testing.T) {
	const capacity = 3
	app := &blockingApplier{release: make(chan struct{})}
	q := New(app, Options{Capacity: capacity, Workers: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// One packet is claimed by the blocked worker; fill the queue behind it.
	if err := q.Enqueue(mkPacket("claimed")); err != nil {
		t.Fatalf("enqueue claimed: %v", err)
	}
	waitFor(t, func() bool { return q.Depth() == 0 })

	for i := 0; i < capacity; i++ {
		if err := q.Enqueue(mkPacket(string(rune('a' + i)))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// The queue is full: the next push is refused, not silently dropped.
	if err := q.Enqueue(mkPacket("overflow")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Release the worker: every accepted packet is processed, none lost.
	close(app.release)
	waitFor(t, func() bool { return app.count() == capacity+1 })
}

func TestEnqueueWaitBlocksUntilSpace(t *testing.T) {
	app := &blockingApplier{release: make(chan struct{})}
	q := New(app, Options{Capacity: 1, Workers: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	_ = q.Enqueue(mkPacket("claimed"))
	waitFor(t, func() bool { return q.Depth() == 0 })
	_ = q.Enqueue(mkPacket("queued"))

	done := make(chan error, 1)
	go func() { done <- q.EnqueueWait(context.Background(), mkPacket("waiting")) }()

	select {
	case err := <-done:
		t.Fatalf("EnqueueWait returned before space was available: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(app.release)
	if err := <-done; err != nil {
		t.Fatalf("EnqueueWait: %v", err)
	}
	waitFor(t, func() bool { return app.count() == 3 })
}

func TestOnOutcomeObservesTerminalStates(t *testing.T) {
	app := &blockingApplier{release: make(chan struct{})}
	close(app.release)
	q := New(app, Options{Capacity: 4, Workers: 2}, nil)

	var mu sync.Mutex
	var seen []string
	q.OnOutcome = func(out router.Outcome) {
		mu.Lock()
		seen = append(seen, out.PacketID)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := q.Enqueue(mkPacket(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
