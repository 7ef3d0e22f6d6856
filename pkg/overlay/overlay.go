package overlay

import (
	"context"
	"errors"
	"time"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
)

// State is an overlay's lifecycle state.
type State string

const (
	StateRegistered  State = "REGISTERED"
	StateActive      State = "ACTIVE"
	StateDegraded    State = "DEGRADED"
	StateQuarantined State = "QUARANTINED"
	StateInactive    State = "INACTIVE"
)

// Sentinel errors for dispatch outcomes.
var (
	ErrNotFound    = errors.New("overlay not found")
	ErrNotActive   = errors.New("overlay is not active")
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// Request is one execution request dispatched to an overlay. Capabilities
// lists the operations this call intends to exercise; any entry outside the
// manifest's declared set fails the call before the implementation runs.
type Request struct {
	Phase         string         `json:"phase,omitempty"`
	TriggerEvent  *events.Event  `json:"trigger_event,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Capabilities  []Capability   `json:"capabilities,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Result is the outcome of a successful execution. Emitted derived events are
// published by the manager (requires the emit-event capability).
type Result struct {
	OverlayID string          `json:"overlay_id"`
	Output    map[string]any  `json:"output,omitempty"`
	Emitted   []*events.Event `json:"emitted,omitempty"`
	Latency   time.Duration   `json:"latency"`
}

// Implementation is the typed execution contract. Registration populates a
// concrete registry keyed by id; no runtime type inspection is involved.
type Implementation interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// ImplementationFunc adapts a function to Implementation.
type ImplementationFunc func(ctx context.Context, req *Request) (*Result, error)

// Execute implements Implementation.
func (f ImplementationFunc) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// SandboxInvoker routes sandboxed executions. Implemented by pkg/sandbox.
type SandboxInvoker interface {
	InvokeOverlay(ctx context.Context, manifest *Manifest, req *Request) (*Result, error)
}

// ExecutionRecord is one bounded-history entry kept per overlay.
type ExecutionRecord struct {
	At           time.Time     `json:"at"`
	Phase        string        `json:"phase,omitempty"`
	Capabilities []Capability  `json:"capabilities,omitempty"`
	Latency      time.Duration `json:"latency"`
	Err          string        `json:"error,omitempty"`
}

// Stats are cumulative per-overlay execution counters.
type Stats struct {
	Executions uint64        `json:"executions"`
	Failures   uint64        `json:"failures"`
	LastError  string        `json:"last_error,omitempty"`
	LastRun    time.Time     `json:"last_run,omitempty"`
	TotalTime  time.Duration `json:"total_time"`
}

// Health is the read-only monitoring view of one overlay.
type Health struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	State         State        `json:"state"`
	Breaker       BreakerState `json:"breaker"`
	Stats         Stats        `json:"stats"`
	QuarantinedBy string       `json:"quarantined_by,omitempty"`
}
