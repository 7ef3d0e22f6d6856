package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChainStatus is the lifecycle state of a cascade chain.
type ChainStatus string

const (
	ChainActive    ChainStatus = "ACTIVE"
	ChainCompleted ChainStatus = "COMPLETED"
	ChainAborted   ChainStatus = "ABORTED"
)

// CascadeEvent is one causal hop recorded inside a chain. Entries are appended
// in causal order: a child always follows its parent, even when siblings
// triggered by the same parent interleave.
type CascadeEvent struct {
	EventID     string    `json:"event_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Type        EventType `json:"type"`
	Depth       int       `json:"depth"`
	PayloadHash string    `json:"payload_hash,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// CascadeChain tracks the propagation of derived events from a root event.
// Owned by the bus for its in-memory lifetime; persisted externally for audit.
type CascadeChain struct {
	ID          string         `json:"id"`
	RootEventID string         `json:"root_event_id"`
	Events      []CascadeEvent `json:"events"`
	Status      ChainStatus    `json:"status"`
	Depth       int            `json:"depth"`
	Breadth     int            `json:"breadth"`
	AbortReason string         `json:"abort_reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     time.Time      `json:"ended_at,omitempty"`

	mu        sync.Mutex
	depths    map[string]int // event id → hop count from root
	finalized bool
}

// CascadeGuards bound chain growth. Either guard tripping aborts the chain;
// this is the primary defense against overlay feedback loops.
type CascadeGuards struct {
	MaxDepth   int `yaml:"max_depth" json:"max_depth"`
	MaxBreadth int `yaml:"max_breadth" json:"max_breadth"`
}

// DefaultGuards returns conservative cascade limits.
func DefaultGuards() CascadeGuards {
	return CascadeGuards{MaxDepth: 8, MaxBreadth: 64}
}

// ChainStore durably records finished chains. The bus calls it fire-and-forget;
// failures are logged, never retried by the bus.
type ChainStore interface {
	SaveChain(ctx context.Context, chain *CascadeChain) error
}

func newChain(root *Event) *CascadeChain {
	now := time.Now().UTC()
	hash, _ := root.PayloadHash()
	c := &CascadeChain{
		ID:          uuid.NewString(),
		RootEventID: root.ID,
		Status:      ChainActive,
		Breadth:     1,
		StartedAt:   now,
		depths:      map[string]int{root.ID: 0},
		Events: []CascadeEvent{{
			EventID:     root.ID,
			Type:        root.Type,
			Depth:       0,
			PayloadHash: hash,
			RecordedAt:  now,
		}},
	}
	return c
}

// append records child under parent and enforces the guards. It returns false
// with the chain moved to ABORTED when a guard trips.
func (c *CascadeChain) append(parent, child *Event, guards CascadeGuards) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status != ChainActive {
		return false
	}

	parentDepth, ok := c.depths[parent.ID]
	if !ok {
		// Unknown parent: treat as a direct descendant of the root.
		parentDepth = 0
	}
	depth := parentDepth + 1

	if guards.MaxDepth > 0 && depth > guards.MaxDepth {
		c.abortLocked("max depth exceeded")
		return false
	}
	if guards.MaxBreadth > 0 && c.Breadth+1 > guards.MaxBreadth {
		c.abortLocked("max breadth exceeded")
		return false
	}

	hash, _ := child.PayloadHash()
	c.depths[child.ID] = depth
	c.Breadth++
	if depth > c.Depth {
		c.Depth = depth
	}
	c.Events = append(c.Events, CascadeEvent{
		EventID:     child.ID,
		ParentID:    parent.ID,
		Type:        child.Type,
		Depth:       depth,
		PayloadHash: hash,
		RecordedAt:  time.Now().UTC(),
	})
	return true
}

func (c *CascadeChain) abortLocked(reason string) {
	c.Status = ChainAborted
	c.AbortReason = reason
	c.EndedAt = time.Now().UTC()
}

func (c *CascadeChain) complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status != ChainActive {
		return false
	}
	c.Status = ChainCompleted
	c.EndedAt = time.Now().UTC()
	return true
}

// markFinalized flips the once-only finalization latch. Only the caller that
// wins the transition persists and announces the chain outcome.
func (c *CascadeChain) markFinalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return false
	}
	c.finalized = true
	return true
}

// Snapshot returns a copy safe to hand outside the bus.
func (c *CascadeChain) Snapshot() CascadeChain {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := CascadeChain{
		ID:          c.ID,
		RootEventID: c.RootEventID,
		Status:      c.Status,
		Depth:       c.Depth,
		Breadth:     c.Breadth,
		AbortReason: c.AbortReason,
		StartedAt:   c.StartedAt,
		EndedAt:     c.EndedAt,
	}
	cp.Events = make([]CascadeEvent, len(c.Events))
	copy(cp.Events, c.Events)
	return cp
}
