// Package pipeline drives the ordered, multi-phase processing of a unit of
// work, invoking the overlay manager for each phase's applicable overlays.
package pipeline

import (
	"time"
)

// ExecutionMode selects how a phase runs its overlays.
type ExecutionMode string

const (
	// Sequential feeds the accumulated context from overlay n into n+1.
	Sequential ExecutionMode = "SEQUENTIAL"
	// Parallel runs the phase's overlays concurrently and merges results
	// order-independently.
	Parallel ExecutionMode = "PARALLEL"
)

// FailurePolicy decides how a single overlay failure affects the run.
type FailurePolicy string

const (
	// AbortPipeline fails the whole run on the first overlay failure.
	AbortPipeline FailurePolicy = "ABORT_PIPELINE"
	// ContinueDegraded records the failure, omits the failing overlay's
	// contribution, and keeps going; the run ends PARTIAL.
	ContinueDegraded FailurePolicy = "CONTINUE_DEGRADED"
)

// PhaseConfig configures one ordered phase.
type PhaseConfig struct {
	Name          string        `yaml:"name" json:"name"`
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Mode          ExecutionMode `yaml:"mode" json:"mode"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	FailurePolicy FailurePolicy `yaml:"failure_policy" json:"failure_policy"`
}

// Status is the run's state machine.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusPartial   Status = "PARTIAL"
)

// PhaseOutcome labels a single phase's result.
type PhaseOutcome string

const (
	PhaseCompleted PhaseOutcome = "COMPLETED"
	PhaseDegraded  PhaseOutcome = "DEGRADED"
	PhaseFailed    PhaseOutcome = "FAILED"
	PhaseSkipped   PhaseOutcome = "SKIPPED"
)

// PhaseResult records one phase's timings and outcome for diagnostics.
type PhaseResult struct {
	Phase    string            `json:"phase"`
	Outcome  PhaseOutcome      `json:"outcome"`
	Overlays []string          `json:"overlays,omitempty"`
	Failures map[string]string `json:"failures,omitempty"` // overlay id → error
	Output   map[string]any    `json:"output,omitempty"`
	Started  time.Time         `json:"started,omitempty"`
	Elapsed  time.Duration     `json:"elapsed"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	Status        Status         `json:"status"`
	Phases        []PhaseResult  `json:"phases"`
	Output        map[string]any `json:"output,omitempty"`
	Started       time.Time      `json:"started"`
	Elapsed       time.Duration  `json:"elapsed"`
	Err           string         `json:"error,omitempty"`
}

// Context is the per-invocation carrier: the unit of work, accumulated
// per-phase results, the correlation id, and the run deadline. Never shared
// across concurrent runs.
type Context struct {
	RunID         string
	CorrelationID string
	Unit          map[string]any
	Accumulated   map[string]any
	Deadline      time.Time
}

// merge folds an overlay's output into the accumulated context. Later writers
// win on key collision, which is why parallel phases must be order-independent
// in what they write.
func (c *Context) merge(output map[string]any) {
	for k, v := range output {
		c.Accumulated[k] = v
	}
}
