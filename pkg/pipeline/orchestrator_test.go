package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
)

type pipelineEnv struct {
	bus  *events.Bus
	mgr  *overlay.Manager
	orch *Orchestrator
}

func newEnv(t *testing.T, cfg Config) *pipelineEnv {
	t.Helper()
	bus, err := events.NewBus(events.DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	mgr := overlay.NewManager(overlay.DefaultManagerConfig(), bus, nil)
	return &pipelineEnv{bus: bus, mgr: mgr, orch: NewOrchestrator(cfg, mgr, bus)}
}

// addOverlay registers and activates a trusted overlay bound to one phase.
func (env *pipelineEnv) addOverlay(t *testing.T, id, phase string, impl overlay.Implementation) {
	t.Helper()
	man := &overlay.Manifest{
		ID:       id,
		Name:     id,
		Version:  "1.0.0",
		Security: overlay.SecurityTrusted,
		Phases:   []string{phase},
	}
	require.NoError(t, env.mgr.Register(man, impl))
	require.NoError(t, env.mgr.Activate(id))
}

func outputs(kv map[string]any) overlay.Implementation {
	return overlay.ImplementationFunc(func(context.Context, *overlay.Request) (*overlay.Result, error) {
		return &overlay.Result{Output: kv}, nil
	})
}

func failing(msg string) overlay.Implementation {
	return overlay.ImplementationFunc(func(context.Context, *overlay.Request) (*overlay.Result, error) {
		return nil, errors.New(msg)
	})
}

func threePhases(failurePolicy FailurePolicy) []PhaseConfig {
	return []PhaseConfig{
		{Name: "ANALYZE", Enabled: true, Mode: Sequential, FailurePolicy: failurePolicy},
		{Name: "ENRICH", Enabled: true, Mode: Parallel, FailurePolicy: failurePolicy},
		{Name: "PERSIST", Enabled: true, Mode: Sequential, FailurePolicy: failurePolicy},
	}
}

func TestRunRequiresConfiguration(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	_, err := env.orch.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestConfigureValidation(t *testing.T) {
	env := newEnv(t, DefaultConfig())

	require.Error(t, env.orch.Configure([]PhaseConfig{
		{Name: "", Mode: Sequential, FailurePolicy: AbortPipeline},
	}))
	require.Error(t, env.orch.Configure([]PhaseConfig{
		{Name: "A", Mode: Sequential, FailurePolicy: AbortPipeline},
		{Name: "A", Mode: Parallel, FailurePolicy: AbortPipeline},
	}))
	require.Error(t, env.orch.Configure([]PhaseConfig{
		{Name: "A", Mode: ExecutionMode("SIDEWAYS"), FailurePolicy: AbortPipeline},
	}))
	require.Error(t, env.orch.Configure([]PhaseConfig{
		{Name: "A", Mode: Sequential, FailurePolicy: FailurePolicy("SHRUG")},
	}))
	require.NoError(t, env.orch.Configure(threePhases(AbortPipeline)))
}

func TestThreePhaseRun(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	require.NoError(t, env.orch.Configure(threePhases(AbortPipeline)))

	env.addOverlay(t, "analyzer", "ANALYZE", outputs(map[string]any{"sentiment": "positive"}))
	env.addOverlay(t, "enrich-a", "ENRICH", outputs(map[string]any{"links": 3}))
	env.addOverlay(t, "enrich-b", "ENRICH", outputs(map[string]any{"tags": []string{"go"}}))

	// The persist phase sees everything accumulated before it.
	var persistInput map[string]any
	env.addOverlay(t, "persister", "PERSIST",
		overlay.ImplementationFunc(func(_ context.Context, req *overlay.Request) (*overlay.Result, error) {
			persistInput = req.Input
			return &overlay.Result{Output: map[string]any{"stored": true}}, nil
		}))

	var phaseOrder []string
	env.orch.SetHooks(Hooks{
		OnPhaseStart: func(_, phase string) { phaseOrder = append(phaseOrder, phase) },
	})

	res, err := env.orch.Run(context.Background(), map[string]any{"capsule_id": "c-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"ANALYZE", "ENRICH", "PERSIST"}, phaseOrder)
	require.Len(t, res.Phases, 3)
	for _, pr := range res.Phases {
		assert.Equal(t, PhaseCompleted, pr.Outcome)
	}

	assert.Equal(t, "c-1", persistInput["capsule_id"])
	assert.Equal(t, "positive", persistInput["sentiment"])
	assert.Equal(t, 3, persistInput["links"])

	assert.Equal(t, true, res.Output["stored"])
	assert.Equal(t, "positive", res.Output["sentiment"])
	assert.NotEmpty(t, res.RunID)
	assert.NotEmpty(t, res.CorrelationID)
}

func TestContinueDegradedKeepsGoing(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	require.NoError(t, env.orch.Configure(threePhases(ContinueDegraded)))

	env.addOverlay(t, "analyzer", "ANALYZE", outputs(map[string]any{"a": 1}))
	env.addOverlay(t, "enrich-bad", "ENRICH", failing("enrichment exploded"))
	env.addOverlay(t, "enrich-ok", "ENRICH", outputs(map[string]any{"b": 2}))
	env.addOverlay(t, "persister", "PERSIST", outputs(map[string]any{"stored": true}))

	res, err := env.orch.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Phases, 3)
	assert.Equal(t, PhaseCompleted, res.Phases[0].Outcome)
	assert.Equal(t, PhaseDegraded, res.Phases[1].Outcome)
	assert.Equal(t, PhaseCompleted, res.Phases[2].Outcome)
	assert.Contains(t, res.Phases[1].Failures["enrich-bad"], "exploded")

	// The healthy sibling's contribution and the later phase both survive.
	assert.Equal(t, 2, res.Output["b"])
	assert.Equal(t, true, res.Output["stored"])
	assert.Empty(t, res.Err)
}

func TestAbortPipelineSkipsRemainingPhases(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	require.NoError(t, env.orch.Configure(threePhases(AbortPipeline)))

	env.addOverlay(t, "analyzer", "ANALYZE", outputs(map[string]any{"a": 1}))
	env.addOverlay(t, "enrich-bad", "ENRICH", failing("enrichment exploded"))

	persisted := false
	env.addOverlay(t, "persister", "PERSIST",
		overlay.ImplementationFunc(func(context.Context, *overlay.Request) (*overlay.Result, error) {
			persisted = true
			return &overlay.Result{}, nil
		}))

	res, err := env.orch.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Phases, 3)
	assert.Equal(t, PhaseFailed, res.Phases[1].Outcome)
	assert.Equal(t, PhaseSkipped, res.Phases[2].Outcome)
	assert.False(t, persisted, "phases after an abort must not run")
	assert.Contains(t, res.Err, "ENRICH")
}

func TestSequentialAccumulationWithinPhase(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	require.NoError(t, env.orch.Configure([]PhaseConfig{
		{Name: "ANALYZE", Enabled: true, Mode: Sequential, FailurePolicy: AbortPipeline},
	}))

	// FindByPhase returns ids sorted, so step-1 runs before step-2.
	env.addOverlay(t, "step-1", "ANALYZE", outputs(map[string]any{"first": "done"}))

	var secondInput map[string]any
	env.addOverlay(t, "step-2", "ANALYZE",
		overlay.ImplementationFunc(func(_ context.Context, req *overlay.Request) (*overlay.Result, error) {
			secondInput = req.Input
			return &overlay.Result{}, nil
		}))

	_, err := env.orch.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "done", secondInput["first"], "later overlays see earlier output of the same phase")
}

func TestDisabledPhaseNotExecuted(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	require.NoError(t, env.orch.Configure([]PhaseConfig{
		{Name: "ANALYZE", Enabled: true, Mode: Sequential, FailurePolicy: AbortPipeline},
		{Name: "ENRICH", Enabled: false, Mode: Sequential, FailurePolicy: AbortPipeline},
	}))

	env.addOverlay(t, "analyzer", "ANALYZE", outputs(map[string]any{"a": 1}))
	ran := false
	env.addOverlay(t, "enricher", "ENRICH",
		overlay.ImplementationFunc(func(context.Context, *overlay.Request) (*overlay.Result, error) {
			ran = true
			return &overlay.Result{}, nil
		}))

	res, err := env.orch.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Phases, 1)
	assert.False(t, ran)
}

func TestRunDeadlineSkipsLaterPhases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunDeadline = 50 * time.Millisecond
	env := newEnv(t, cfg)
	require.NoError(t, env.orch.Configure(threePhases(ContinueDegraded)))

	env.addOverlay(t, "slow", "ANALYZE",
		overlay.ImplementationFunc(func(context.Context, *overlay.Request) (*overlay.Result, error) {
			time.Sleep(100 * time.Millisecond)
			return &overlay.Result{Output: map[string]any{"a": 1}}, nil
		}))
	env.addOverlay(t, "enricher", "ENRICH", outputs(map[string]any{"b": 2}))

	res, err := env.orch.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Phases, 3)
	assert.Equal(t, PhaseCompleted, res.Phases[0].Outcome, "in-flight phase finishes")
	assert.Equal(t, PhaseSkipped, res.Phases[1].Outcome)
	assert.Equal(t, PhaseSkipped, res.Phases[2].Outcome)
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	require.NoError(t, env.orch.Configure(threePhases(AbortPipeline)))

	var mu sync.Mutex
	var got []*events.Event
	seen := make(chan struct{}, 4)
	_, err := env.bus.Subscribe("watcher", "pipeline.*", "", func(_ context.Context, e *events.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		seen <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	res, err := env.orch.Run(context.Background(), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("pipeline lifecycle events not delivered")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, events.PipelineStarted, got[0].Type)
	assert.Equal(t, events.PipelineCompleted, got[1].Type)
	assert.Equal(t, res.CorrelationID, got[0].CorrelationID)
	assert.Equal(t, string(StatusCompleted), got[1].Payload["status"])
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLimit = 3
	env := newEnv(t, cfg)
	require.NoError(t, env.orch.Configure([]PhaseConfig{
		{Name: "ANALYZE", Enabled: true, Mode: Sequential, FailurePolicy: AbortPipeline},
	}))

	for i := 0; i < 5; i++ {
		_, err := env.orch.Run(context.Background(), nil)
		require.NoError(t, err)
	}

	hist := env.orch.History(0)
	assert.Len(t, hist, 3)
	assert.Len(t, env.orch.History(2), 2)
}
