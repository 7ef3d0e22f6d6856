// Package sandbox hosts overlays that declare untrusted or resource-bounded
// execution. Modules run under wazero with deny-by-default WASI; the only way
// out of the sandbox is the capability-gated host function table, and every
// host call consumes fuel from the invocation's budget.
package sandbox

import (
	"fmt"
	"sync"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
)

// HostOp names a chargeable host operation.
type HostOp string

const (
	OpLog          HostOp = "log"
	OpPublish      HostOp = "publish"
	OpCapsuleRead  HostOp = "capsule_read"
	OpCapsuleWrite HostOp = "capsule_write"
	OpGraphRead    HostOp = "graph_read"
	OpGraphWrite   HostOp = "graph_write"
	OpQuery        HostOp = "query"
)

// CostTable maps host operations to fuel cost.
type CostTable map[HostOp]uint64

// DefaultCosts returns the kernel's operation cost table. Writes cost more
// than reads; pure logging is the cheapest observable effect.
func DefaultCosts() CostTable {
	return CostTable{
		OpLog:          1,
		OpPublish:      3,
		OpCapsuleRead:  5,
		OpCapsuleWrite: 10,
		OpGraphRead:    5,
		OpGraphWrite:   10,
		OpQuery:        5,
	}
}

// FuelError is the typed resource-exhaustion error: fatal to the invocation,
// never retried by the kernel. Host calls already committed are not rolled
// back; each host function is individually atomic.
type FuelError struct {
	OverlayID string `json:"overlay_id"`
	Op        HostOp `json:"op"`
	Limit     uint64 `json:"limit"`
	Consumed  uint64 `json:"consumed"`
}

func (e *FuelError) Error() string {
	return fmt.Sprintf("fuel exhausted for overlay %s at op %s (limit=%d, consumed=%d)",
		e.OverlayID, e.Op, e.Limit, e.Consumed)
}

// FuelMeter tracks one invocation's remaining budget.
type FuelMeter struct {
	mu        sync.Mutex
	overlayID string
	limit     uint64
	consumed  uint64
	costs     CostTable
	exhausted bool
	lastErr   *FuelError
}

// NewFuelMeter seeds a meter from the manifest's budget.
func NewFuelMeter(overlayID string, budget overlay.FuelBudget, costs CostTable) *FuelMeter {
	if costs == nil {
		costs = DefaultCosts()
	}
	return &FuelMeter{overlayID: overlayID, limit: uint64(budget), costs: costs}
}

// Charge consumes the op's fuel cost, returning a FuelError when the budget
// cannot cover it. Once exhausted, every further charge fails.
func (m *FuelMeter) Charge(op HostOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cost, ok := m.costs[op]
	if !ok {
		cost = 1
	}
	if m.exhausted || m.consumed+cost > m.limit {
		m.exhausted = true
		if m.lastErr == nil {
			m.lastErr = &FuelError{OverlayID: m.overlayID, Op: op, Limit: m.limit, Consumed: m.consumed + cost}
		}
		return m.lastErr
	}
	m.consumed += cost
	return nil
}

// Remaining reports unconsumed fuel.
func (m *FuelMeter) Remaining() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumed >= m.limit {
		return 0
	}
	return m.limit - m.consumed
}

// Exhausted reports whether a charge has failed.
func (m *FuelMeter) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Err returns the exhaustion error if one occurred, else nil.
func (m *FuelMeter) Err() *FuelError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
