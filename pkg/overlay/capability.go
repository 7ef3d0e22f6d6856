// Package overlay provides overlay registration, lifecycle management, and
// dispatch. Every execution is wrapped with capability enforcement, a per-call
// timeout, and a per-overlay circuit breaker.
package overlay

import "fmt"

// Capability is a closed enumeration of operations an overlay may declare.
type Capability string

const (
	CapReadCapsule   Capability = "read-capsule"
	CapWriteCapsule  Capability = "write-capsule"
	CapEmitEvent     Capability = "emit-event"
	CapDatabaseRead  Capability = "database-read"
	CapDatabaseWrite Capability = "database-write"
	CapLog           Capability = "log"
)

var knownCapabilities = map[Capability]struct{}{
	CapReadCapsule: {}, CapWriteCapsule: {}, CapEmitEvent: {},
	CapDatabaseRead: {}, CapDatabaseWrite: {}, CapLog: {},
}

// KnownCapability reports membership in the closed set.
func KnownCapability(c Capability) bool {
	_, ok := knownCapabilities[c]
	return ok
}

// CapabilitySet is the declared set from a manifest.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet validates and builds a set from declared capabilities.
func NewCapabilitySet(caps []Capability) (CapabilitySet, error) {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		if !KnownCapability(c) {
			return nil, fmt.Errorf("unknown capability %q", c)
		}
		set[c] = struct{}{}
	}
	return set, nil
}

// Has reports whether c was declared.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the declared capabilities in unspecified order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// CapabilityError is returned when a call requests a capability outside the
// overlay's declared set. Always fatal to that call, never retried, and the
// underlying implementation is never invoked.
type CapabilityError struct {
	OverlayID  string
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("overlay %s: capability %q not declared in manifest", e.OverlayID, e.Capability)
}
