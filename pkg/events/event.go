// Package events provides the cascade event bus: typed publish/subscribe with
// per-subscriber ordering, bounded delivery queues, dead-letter capture, and
// cascade-chain bookkeeping with depth/breadth guards.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// EventType is a closed enumeration of domain event kinds.
// The segment before the dot is the category, used for wildcard filters.
type EventType string

const (
	CapsuleCreated EventType = "capsule.created"
	CapsuleUpdated EventType = "capsule.updated"
	CapsuleDeleted EventType = "capsule.deleted"
	CapsuleLinked  EventType = "capsule.linked"

	InsightDerived EventType = "insight.derived"
	InsightExpired EventType = "insight.expired"

	OverlayCompleted   EventType = "overlay.completed"
	OverlayFailed      EventType = "overlay.failed"
	OverlayQuarantined EventType = "overlay.quarantined"

	CascadeInitiated EventType = "cascade.initiated"
	CascadeCompleted EventType = "cascade.completed"
	CascadeAborted   EventType = "cascade.aborted"

	PipelineStarted   EventType = "pipeline.started"
	PipelineCompleted EventType = "pipeline.completed"
)

// knownTypes is the registration-time allowlist; publishing an unknown type is
// rejected so a misconfigured overlay cannot mint event kinds.
var knownTypes = map[EventType]struct{}{
	CapsuleCreated: {}, CapsuleUpdated: {}, CapsuleDeleted: {}, CapsuleLinked: {},
	InsightDerived: {}, InsightExpired: {},
	OverlayCompleted: {}, OverlayFailed: {}, OverlayQuarantined: {},
	CascadeInitiated: {}, CascadeCompleted: {}, CascadeAborted: {},
	PipelineStarted: {}, PipelineCompleted: {},
}

// Known reports whether t is part of the closed enumeration.
func Known(t EventType) bool {
	_, ok := knownTypes[t]
	return ok
}

// Category returns the prefix before the first dot, e.g. "capsule".
func (t EventType) Category() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Priority orders event delivery importance.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// ParsePriority maps a priority name to its value. Unknown names fall back
// to NORMAL.
func ParsePriority(s string) Priority {
	switch s {
	case "LOW":
		return PriorityLow
	case "HIGH":
		return PriorityHigh
	case "CRITICAL":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Event is the immutable unit propagated through the bus. Fields are never
// mutated after Publish; derived events are new values.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Source        string         `json:"source"`
}

// New constructs an event with a fresh id and the current timestamp.
func New(t EventType, source string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Priority:  PriorityNormal,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// WithPriority returns a copy with the given priority.
func (e *Event) WithPriority(p Priority) *Event {
	c := *e
	c.Priority = p
	return &c
}

// WithCorrelation returns a copy correlated to the given id.
func (e *Event) WithCorrelation(id string) *Event {
	c := *e
	c.CorrelationID = id
	return &c
}

// PayloadHash returns the SHA-256 of the JCS-canonicalized payload, used in
// persisted cascade audit records so replays can verify payload integrity.
// String keys and values are NFC-normalized before canonicalization so
// codepoint-equivalent payloads hash identically.
func (e *Event) PayloadHash() (string, error) {
	raw, err := json.Marshal(normalizeValue(e.Payload))
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case string:
		return norm.NFC.String(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[norm.NFC.String(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
