package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
)

// Config tunes the orchestrator.
type Config struct {
	RunDeadline      time.Duration `yaml:"run_deadline" json:"run_deadline"`
	ConcurrencyLimit int           `yaml:"concurrency_limit" json:"concurrency_limit"`
	HistoryLimit     int           `yaml:"history_limit" json:"history_limit"`
}

// DefaultConfig returns kernel defaults.
func DefaultConfig() Config {
	return Config{
		RunDeadline:      2 * time.Minute,
		ConcurrencyLimit: 8,
		HistoryLimit:     64,
	}
}

// Hooks observe run progress. Nil hooks are skipped.
type Hooks struct {
	OnPhaseStart func(runID, phase string)
	OnPhaseEnd   func(runID string, result PhaseResult)
	OnComplete   func(result *Result)
}

// Orchestrator drives the fixed ordered phase sequence over units of work.
type Orchestrator struct {
	cfg    Config
	mgr    *overlay.Manager
	bus    *events.Bus
	logger *slog.Logger
	hooks  Hooks

	mu      sync.Mutex
	phases  []PhaseConfig
	history []Result

	// sem bounds simultaneously in-flight parallel-phase overlay calls
	// across ALL concurrent runs.
	sem chan struct{}
}

// NewOrchestrator wires the orchestrator to the overlay manager and the bus.
func NewOrchestrator(cfg Config, mgr *overlay.Manager, bus *events.Bus) *Orchestrator {
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = DefaultConfig().RunDeadline
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = DefaultConfig().ConcurrencyLimit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	return &Orchestrator{
		cfg:    cfg,
		mgr:    mgr,
		bus:    bus,
		logger: slog.Default().With("component", "pipeline"),
		sem:    make(chan struct{}, cfg.ConcurrencyLimit),
	}
}

// Configure replaces the ordered phase sequence.
func (o *Orchestrator) Configure(phases []PhaseConfig) error {
	seen := make(map[string]struct{}, len(phases))
	for _, p := range phases {
		if p.Name == "" {
			return errors.New("phase config requires a name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate phase %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Mode {
		case Sequential, Parallel:
		default:
			return fmt.Errorf("phase %q: unknown mode %q", p.Name, p.Mode)
		}
		switch p.FailurePolicy {
		case AbortPipeline, ContinueDegraded:
		default:
			return fmt.Errorf("phase %q: unknown failure policy %q", p.Name, p.FailurePolicy)
		}
	}
	o.mu.Lock()
	o.phases = append([]PhaseConfig(nil), phases...)
	o.mu.Unlock()
	return nil
}

// SetHooks installs progress hooks. Call before Run.
func (o *Orchestrator) SetHooks(h Hooks) { o.hooks = h }

// Run executes every enabled phase in declared order against the unit of
// work. The run deadline cancels only phases not yet started; an in-flight
// overlay call finishes or hits its own timeout.
func (o *Orchestrator) Run(ctx context.Context, unit map[string]any) (*Result, error) {
	o.mu.Lock()
	phases := append([]PhaseConfig(nil), o.phases...)
	o.mu.Unlock()
	if len(phases) == 0 {
		return nil, errors.New("pipeline not configured")
	}

	start := time.Now()
	pc := &Context{
		RunID:         uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Unit:          unit,
		Accumulated:   make(map[string]any),
		Deadline:      start.Add(o.cfg.RunDeadline),
	}
	result := &Result{
		RunID:         pc.RunID,
		CorrelationID: pc.CorrelationID,
		Status:        StatusRunning,
		Started:       start.UTC(),
	}

	o.publish(ctx, events.PipelineStarted, pc, map[string]any{"run_id": pc.RunID})

	degraded := false
	aborted := false
	for _, phase := range phases {
		if !phase.Enabled {
			continue
		}
		if aborted || time.Now().After(pc.Deadline) || ctx.Err() != nil {
			result.Phases = append(result.Phases, PhaseResult{
				Phase:   phase.Name,
				Outcome: PhaseSkipped,
			})
			degraded = degraded || !aborted
			continue
		}

		if o.hooks.OnPhaseStart != nil {
			o.hooks.OnPhaseStart(pc.RunID, phase.Name)
		}
		pr := o.runPhase(ctx, pc, phase)
		result.Phases = append(result.Phases, pr)
		if o.hooks.OnPhaseEnd != nil {
			o.hooks.OnPhaseEnd(pc.RunID, pr)
		}

		switch pr.Outcome {
		case PhaseFailed:
			aborted = true
			result.Err = fmt.Sprintf("phase %s failed", phase.Name)
		case PhaseDegraded:
			degraded = true
		}
	}

	switch {
	case aborted:
		result.Status = StatusFailed
	case degraded:
		result.Status = StatusPartial
	default:
		result.Status = StatusCompleted
	}
	result.Output = pc.Accumulated
	result.Elapsed = time.Since(start)

	o.publish(ctx, events.PipelineCompleted, pc, map[string]any{
		"run_id": pc.RunID,
		"status": string(result.Status),
	})

	o.recordHistory(result)
	if o.hooks.OnComplete != nil {
		o.hooks.OnComplete(result)
	}
	o.logger.Info("pipeline run finished",
		"run_id", pc.RunID, "status", string(result.Status), "elapsed", result.Elapsed)
	return result, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, pc *Context, phase PhaseConfig) PhaseResult {
	pr := PhaseResult{
		Phase:    phase.Name,
		Outcome:  PhaseCompleted,
		Failures: make(map[string]string),
		Output:   make(map[string]any),
		Started:  time.Now().UTC(),
	}
	defer func() { pr.Elapsed = time.Since(pr.Started) }()

	ids := o.mgr.FindByPhase(phase.Name)
	pr.Overlays = ids
	if len(ids) == 0 {
		return pr
	}

	phaseCtx := ctx
	if phase.Timeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, phase.Timeout)
		defer cancel()
	}

	if phase.Mode == Parallel {
		o.runParallel(phaseCtx, pc, phase, ids, &pr)
	} else {
		o.runSequential(phaseCtx, pc, phase, ids, &pr)
	}

	if len(pr.Failures) > 0 {
		if phase.FailurePolicy == AbortPipeline {
			pr.Outcome = PhaseFailed
		} else {
			pr.Outcome = PhaseDegraded
		}
	}
	pc.merge(pr.Output)
	return pr
}

// runSequential invokes overlays in order; each sees the context accumulated
// so far, including earlier overlays of the same phase.
func (o *Orchestrator) runSequential(ctx context.Context, pc *Context, phase PhaseConfig, ids []string, pr *PhaseResult) {
	for _, id := range ids {
		if phase.FailurePolicy == AbortPipeline && len(pr.Failures) > 0 {
			return
		}
		res, err := o.mgr.Execute(ctx, id, o.request(pc, phase, pr.Output))
		if err != nil {
			pr.Failures[id] = err.Error()
			continue
		}
		for k, v := range res.Output {
			pr.Output[k] = v
		}
	}
}

// runParallel fans the phase's overlays out under the global concurrency
// limit; each sees only the pre-phase context, results merge afterwards.
func (o *Orchestrator) runParallel(ctx context.Context, pc *Context, phase PhaseConfig, ids []string, pr *PhaseResult) {
	var (
		wg      sync.WaitGroup
		mergeMu sync.Mutex
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o.sem <- struct{}{}
			defer func() { <-o.sem }()

			res, err := o.mgr.Execute(ctx, id, o.request(pc, phase, nil))
			mergeMu.Lock()
			defer mergeMu.Unlock()
			if err != nil {
				pr.Failures[id] = err.Error()
				return
			}
			for k, v := range res.Output {
				pr.Output[k] = v
			}
		}(id)
	}
	wg.Wait()
}

func (o *Orchestrator) request(pc *Context, phase PhaseConfig, phaseOutput map[string]any) *overlay.Request {
	input := make(map[string]any, len(pc.Unit)+len(pc.Accumulated)+len(phaseOutput))
	for k, v := range pc.Unit {
		input[k] = v
	}
	for k, v := range pc.Accumulated {
		input[k] = v
	}
	for k, v := range phaseOutput {
		input[k] = v
	}
	return &overlay.Request{
		Phase:         phase.Name,
		Input:         input,
		CorrelationID: pc.CorrelationID,
	}
}

func (o *Orchestrator) publish(ctx context.Context, t events.EventType, pc *Context, payload map[string]any) {
	e := events.New(t, "pipeline", payload).WithCorrelation(pc.CorrelationID)
	if _, err := o.bus.Publish(ctx, e); err != nil && !errors.Is(err, events.ErrBusStopped) {
		o.logger.Warn("pipeline event publish failed", "event_type", string(t), "error", err)
	}
}

func (o *Orchestrator) recordHistory(result *Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, *result)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[len(o.history)-o.cfg.HistoryLimit:]
	}
}

// History returns up to limit most recent run results, newest last.
func (o *Orchestrator) History(limit int) []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Result, limit)
	copy(out, o.history[n-limit:])
	return out
}
