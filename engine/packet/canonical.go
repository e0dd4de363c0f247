package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalID computes the content address of a packet: the SHA-256 hex
// digest of a canonical serialization of every field except packet_id.
// Two semantically equal packets hash identically regardless of the order
// their mapping keys were produced in.
func CanonicalID(p KnowledgePacket) (string, error) {
	data, err := canonicalBytes(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalBytes serializes the packet with sorted mapping keys, UTF-8, and
// no insignificant whitespace. The packet_id field is zeroed first so the id
// never feeds its own digest.
func canonicalBytes(p KnowledgePacket) ([]byte, error) {
	p.PacketID = ""
	p.Timestamp = p.Timestamp.UTC()

	// Round-trip through a generic value: encoding/json emits map keys in
	// sorted order, which gives a canonical form at every nesting level.
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("packet: canonical marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("packet: canonical round-trip: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("packet: canonical re-marshal: %w", err)
	}
	return out, nil
}

// Seal computes and stamps the canonical id onto a packet. Plugins built on
// this package call Seal as the last step of packet construction.
func Seal(p *KnowledgePacket) error {
	id, err := CanonicalID(*p)
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}
