package packet

import "strings"

// RefScheme prefixes canonical cross-packet entity references.
const RefScheme = "kp://"

// FQID returns the fully-qualified graph node id for an entity of a packet.
func FQID(packetID, entityID string) string {
	return RefScheme + packetID + "/" + entityID
}

// IsRef reports whether s is a cross-packet reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, RefScheme)
}

// ParseRef splits a kp://<packet_id>/<entity_id> reference. The entity id may
// itself contain slashes; only the first separator after the packet id counts.
func ParseRef(s string) (packetID, entityID string, ok bool) {
	if !IsRef(s) {
		return "", "", false
	}
	rest := s[len(RefScheme):]
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
