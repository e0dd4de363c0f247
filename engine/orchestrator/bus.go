package orchestrator

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/router"
	"github.com/bruised-ego-labs/nancy/pkg/natsutil"
)

// Bus subjects for out-of-process packet producers.
const (
	// IngestSubject carries Knowledge Packets published by external
	// producers straight onto the ingest queue.
	IngestSubject = "nancy.ingest"
	// DLQSubject receives packets that terminated Rejected.
	DLQSubject = "nancy.ingest.dlq"
)

// dlqMessage is published for every rejected packet.
type dlqMessage struct {
	Packet  packet.KnowledgePacket `json:"packet"`
	Outcome router.Outcome         `json:"outcome"`
	Reason  string                 `json:"reason"`
}

// AttachBus subscribes the orchestrator to the NATS ingest subject and
// publishes rejected packets to the dead letter subject. The bus is an
// optional deployment feature; the core runs fine without it.
func (o *Orchestrator) AttachBus(nc *nats.Conn) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, IngestSubject, func(ctx context.Context, p packet.KnowledgePacket) {
		if err := packet.Validate(p); err != nil {
			o.log.Warn("bus packet invalid, publishing to dlq", "packet_id", p.PacketID, "err", err)
			o.publishDLQ(ctx, nc, p, router.Outcome{PacketID: p.PacketID, State: router.StateRejected}, err.Error())
			return
		}
		ch := o.await(p.PacketID)
		if err := o.queue.EnqueueWait(ctx, p); err != nil {
			o.abandon(p.PacketID, ch)
			o.log.Warn("bus enqueue failed", "packet_id", p.PacketID, "err", err)
			return
		}
		go func() {
			out := <-ch
			if out.State == router.StateRejected {
				o.publishDLQ(context.Background(), nc, p, out, "routing rejected")
			}
		}()
	})
}

func (o *Orchestrator) publishDLQ(ctx context.Context, nc *nats.Conn, p packet.KnowledgePacket, out router.Outcome, reason string) {
	msg := dlqMessage{Packet: p, Outcome: out, Reason: reason}
	if err := natsutil.Publish(ctx, nc, DLQSubject, msg); err != nil {
		o.log.Error("dlq publish failed", "packet_id", p.PacketID, "err", err)
	}
}
