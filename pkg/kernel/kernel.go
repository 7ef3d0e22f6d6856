package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/pipeline"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/sandbox"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/store"
)

// Version is the kernel API version overlay manifests constrain against.
const Version = overlay.KernelVersion

// Config aggregates the per-component configuration surfaces.
type Config struct {
	Bus       events.Config         `yaml:"bus" json:"bus"`
	Manager   overlay.ManagerConfig `yaml:"overlays" json:"overlays"`
	Pipeline  pipeline.Config       `yaml:"pipeline" json:"pipeline"`
	Sandbox   sandbox.Config        `yaml:"sandbox" json:"sandbox"`
	Admission AdmissionPolicy       `yaml:"admission" json:"admission"`
}

// DefaultConfig returns production defaults for every component.
func DefaultConfig() Config {
	return Config{
		Bus:       events.DefaultConfig(),
		Manager:   overlay.DefaultManagerConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Admission: DefaultAdmissionPolicy(),
	}
}

// Option customizes kernel construction.
type Option func(*options)

type options struct {
	chainStore events.ChainStore
	graph      store.GraphStore
	modules    sandbox.ModuleSource
	limiter    LimiterStore
}

// WithChainStore persists finished cascade chains.
func WithChainStore(cs events.ChainStore) Option {
	return func(o *options) { o.chainStore = cs }
}

// WithGraphStore backs capsule and graph host functions.
func WithGraphStore(gs store.GraphStore) Option {
	return func(o *options) { o.graph = gs }
}

// WithModuleSource resolves manifest module refs to Wasm bytes.
func WithModuleSource(src sandbox.ModuleSource) Option {
	return func(o *options) { o.modules = src }
}

// WithLimiterStore shares admission buckets, e.g. through Redis.
func WithLimiterStore(ls LimiterStore) Option {
	return func(o *options) { o.limiter = ls }
}

// Kernel wires the bus, overlay manager, pipeline orchestrator and sandbox
// runtime into one lifecycle.
type Kernel struct {
	cfg     Config
	logger  *slog.Logger
	bus     *events.Bus
	mgr     *overlay.Manager
	orch    *pipeline.Orchestrator
	runtime *sandbox.Runtime
	graph   store.GraphStore
	limiter LimiterStore

	mu      sync.Mutex
	started bool
	stopped bool
}

// New assembles a kernel. Components are constructed but idle until Start.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.graph == nil {
		o.graph = store.NewMemoryGraph()
	}
	if o.limiter == nil {
		o.limiter = NewLocalLimiterStore()
	}

	bus, err := events.NewBus(cfg.Bus, o.chainStore)
	if err != nil {
		return nil, fmt.Errorf("kernel: event bus: %w", err)
	}
	rt := sandbox.NewRuntime(cfg.Sandbox, o.modules, o.graph, bus)
	mgr := overlay.NewManager(cfg.Manager, bus, rt)
	orch := pipeline.NewOrchestrator(cfg.Pipeline, mgr, bus)

	return &Kernel{
		cfg:     cfg,
		logger:  slog.Default().With("component", "kernel"),
		bus:     bus,
		mgr:     mgr,
		orch:    orch,
		runtime: rt,
		graph:   o.graph,
		limiter: o.limiter,
	}, nil
}

// Start enables event flow. Idempotent.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return nil
	}
	if k.stopped {
		return fmt.Errorf("kernel: cannot restart a stopped kernel")
	}
	if err := k.bus.Start(ctx); err != nil {
		return err
	}
	k.started = true
	k.logger.InfoContext(ctx, "kernel started", "version", Version)
	return nil
}

// Shutdown drains the bus, cancels in-flight sandbox work and releases the
// Wasm compilation cache. The kernel cannot be restarted afterwards.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return nil
	}
	k.stopped = true
	k.started = false
	k.mu.Unlock()

	busErr := k.bus.Stop(ctx)
	k.runtime.Terminate()
	rtErr := k.runtime.Close(ctx)
	k.logger.InfoContext(ctx, "kernel stopped")
	if busErr != nil {
		return busErr
	}
	return rtErr
}

// Bus exposes the event bus for subscriptions and cascade control.
func (k *Kernel) Bus() *events.Bus { return k.bus }

// Overlays exposes the overlay manager.
func (k *Kernel) Overlays() *overlay.Manager { return k.mgr }

// Pipelines exposes the orchestrator.
func (k *Kernel) Pipelines() *pipeline.Orchestrator { return k.orch }

// Sandbox exposes the Wasm runtime, mainly for module preloading.
func (k *Kernel) Sandbox() *sandbox.Runtime { return k.runtime }

// Graph exposes the configured datastore.
func (k *Kernel) Graph() store.GraphStore { return k.graph }

// RegisterOverlay validates, registers and immediately activates an overlay.
func (k *Kernel) RegisterOverlay(ctx context.Context, man *overlay.Manifest, impl overlay.Implementation) error {
	if man == nil {
		return fmt.Errorf("kernel: nil manifest")
	}
	if man.Security.Sandboxed() && man.ModuleRef != "" {
		if err := k.runtime.Load(ctx, man); err != nil {
			return err
		}
	}
	if err := k.mgr.Register(man, impl); err != nil {
		return err
	}
	return k.mgr.Activate(man.ID)
}

// Submit rate-limits and publishes an external event. The admission key is
// the event source, so one noisy producer cannot starve the rest.
func (k *Kernel) Submit(ctx context.Context, e *events.Event) (int, error) {
	if e == nil {
		return 0, fmt.Errorf("kernel: nil event")
	}
	if err := evaluateAdmission(ctx, k.limiter, e.Source, k.cfg.Admission); err != nil {
		return 0, err
	}
	return k.bus.Publish(ctx, e)
}

// Ticket tracks an asynchronous submission.
type Ticket struct {
	done      chan struct{}
	delivered int
	err       error
}

// Await blocks until the submission settles or ctx expires.
func (t *Ticket) Await(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.delivered, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SubmitAsync performs admission synchronously, then publishes in the
// background. Rate-limit rejections therefore surface immediately.
func (k *Kernel) SubmitAsync(ctx context.Context, e *events.Event) (*Ticket, error) {
	if e == nil {
		return nil, fmt.Errorf("kernel: nil event")
	}
	if err := evaluateAdmission(ctx, k.limiter, e.Source, k.cfg.Admission); err != nil {
		return nil, err
	}
	t := &Ticket{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		t.delivered, t.err = k.bus.Publish(pctx, e)
	}()
	return t, nil
}

// RunPipeline executes the configured pipeline for one unit of work.
func (k *Kernel) RunPipeline(ctx context.Context, unit map[string]any) (*pipeline.Result, error) {
	return k.orch.Run(ctx, unit)
}

// Health is a point-in-time snapshot across the kernel's components.
type Health struct {
	Version  string           `json:"version"`
	Started  bool             `json:"started"`
	Bus      events.Metrics   `json:"bus"`
	Overlays []overlay.Health `json:"overlays"`
}

// Health reports component health in one document.
func (k *Kernel) Health() Health {
	k.mu.Lock()
	started := k.started
	k.mu.Unlock()
	return Health{
		Version:  Version,
		Started:  started,
		Bus:      k.bus.BusMetrics(),
		Overlays: k.mgr.HealthAll(),
	}
}
