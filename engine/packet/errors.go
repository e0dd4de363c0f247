package packet

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for validation failures.
var (
	ErrBadVersion      = errors.New("unsupported packet version")
	ErrIDMismatch      = errors.New("packet_id does not match canonical id")
	ErrNoContent       = errors.New("all content sections empty")
	ErrBadContentType  = errors.New("unknown content type")
	ErrBadHint         = errors.New("invalid routing hint")
	ErrBadChunk        = errors.New("invalid vector chunk")
	ErrBadTable        = errors.New("invalid analytical table")
	ErrBadRelationship = errors.New("invalid graph relationship")
	ErrBadSource       = errors.New("incomplete packet source")
	ErrBadTimestamp    = errors.New("invalid packet timestamp")
)

// FieldError pins a validation failure to a packet field.
type FieldError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("packet: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e FieldError) Unwrap() error { return e.Wrapped }

// ValidationError aggregates every field error found in one packet.
type ValidationError struct {
	PacketID string
	Fields   []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("packet %s invalid: %s", e.PacketID, strings.Join(msgs, "; "))
}

// Is lets errors.Is match any of the aggregated sentinels.
func (e *ValidationError) Is(target error) bool {
	for _, f := range e.Fields {
		if errors.Is(f.Wrapped, target) {
			return true
		}
	}
	return false
}
