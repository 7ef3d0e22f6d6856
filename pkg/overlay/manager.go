package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
)

// ManagerConfig tunes dispatch behavior.
type ManagerConfig struct {
	DefaultTimeout    time.Duration            `yaml:"default_timeout" json:"default_timeout"`
	Breaker           BreakerConfig            `yaml:"breaker" json:"breaker"`
	BreakerOverrides  map[string]BreakerConfig `yaml:"breaker_overrides,omitempty" json:"breaker_overrides,omitempty"`
	HistoryLimit      int                      `yaml:"history_limit" json:"history_limit"`
	DegradedThreshold int                      `yaml:"degraded_threshold" json:"degraded_threshold"`
}

// DefaultManagerConfig returns kernel defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultTimeout:    15 * time.Second,
		Breaker:           DefaultBreakerConfig(),
		HistoryLimit:      128,
		DegradedThreshold: 2,
	}
}

// registration is the mutable record for one registered overlay. Its mutex
// guards only in-memory state transitions; execution happens outside it.
type registration struct {
	mu               sync.Mutex
	manifest         *Manifest
	impl             Implementation
	caps             CapabilitySet
	state            State
	breaker          *CircuitBreaker
	history          []ExecutionRecord
	stats            Stats
	quarantineReason string
	breakerTripped   bool // quarantine caused by the breaker opening, not an operator
	degradedRuns     int
	subs             []events.SubscriptionHandle
}

// Manager registers overlay implementations, tracks lifecycle state, and
// dispatches execution requests with capability enforcement, timeouts, and a
// per-overlay circuit breaker.
type Manager struct {
	cfg     ManagerConfig
	bus     *events.Bus
	sandbox SandboxInvoker
	logger  *slog.Logger

	mu       sync.RWMutex
	overlays map[string]*registration
	byName   map[string]string
}

// NewManager wires a manager to the bus. sandbox may be nil when no sandboxed
// overlays are registered.
func NewManager(cfg ManagerConfig, bus *events.Bus, sandbox SandboxInvoker) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultManagerConfig().DefaultTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultManagerConfig().HistoryLimit
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultManagerConfig().DegradedThreshold
	}
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		sandbox:  sandbox,
		logger:   slog.Default().With("component", "overlay-manager"),
		overlays: make(map[string]*registration),
		byName:   make(map[string]string),
	}
}

// Register validates the manifest and records the overlay in REGISTERED state.
// For trusted overlays impl is required; sandboxed overlays execute via the
// runtime and may pass a nil impl.
func (m *Manager) Register(manifest *Manifest, impl Implementation) error {
	if manifest == nil {
		return errors.New("nil manifest")
	}
	doc, err := manifest.MarshalDoc()
	if err != nil {
		return fmt.Errorf("manifest %s: %w", manifest.ID, err)
	}
	if err := ValidateRaw(doc); err != nil {
		return fmt.Errorf("manifest %s: %w", manifest.ID, err)
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	if !manifest.Security.Sandboxed() && impl == nil {
		return fmt.Errorf("manifest %s: trusted overlay requires an implementation", manifest.ID)
	}

	for _, t := range manifest.EventTypes {
		if t != "*" && !events.Known(events.EventType(t)) &&
			!(len(t) > 2 && t[len(t)-2:] == ".*") {
			return fmt.Errorf("manifest %s: unknown event type %q", manifest.ID, t)
		}
	}

	bCfg := m.cfg.Breaker
	if override, ok := m.cfg.BreakerOverrides[manifest.ID]; ok {
		bCfg = override
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.overlays[manifest.ID]; exists {
		return fmt.Errorf("overlay %s already registered", manifest.ID)
	}
	m.overlays[manifest.ID] = &registration{
		manifest: manifest,
		impl:     impl,
		caps:     manifest.CapabilitySet(),
		state:    StateRegistered,
		breaker:  NewCircuitBreaker(bCfg),
	}
	m.byName[manifest.Name] = manifest.ID
	m.logger.Info("overlay registered",
		"overlay", manifest.ID, "security", string(manifest.Security))
	return nil
}

// Activate runs the activation check and moves the overlay to ACTIVE, binding
// its event subscriptions. INACTIVE is terminal until re-registration.
func (m *Manager) Activate(id string) error {
	reg, err := m.get(id)
	if err != nil {
		return err
	}

	reg.mu.Lock()
	switch reg.state {
	case StateInactive:
		reg.mu.Unlock()
		return fmt.Errorf("overlay %s is INACTIVE; re-register to activate", id)
	case StateActive:
		reg.mu.Unlock()
		return nil
	}
	if reg.manifest.Security.Sandboxed() && m.sandbox == nil {
		reg.mu.Unlock()
		return fmt.Errorf("overlay %s: sandbox runtime not configured", id)
	}
	reg.state = StateActive
	reg.degradedRuns = 0
	reg.quarantineReason = ""
	reg.breakerTripped = false
	reg.mu.Unlock()

	if err := m.bindSubscriptions(id, reg); err != nil {
		reg.mu.Lock()
		reg.state = StateRegistered
		reg.mu.Unlock()
		return err
	}
	m.logger.Info("overlay activated", "overlay", id)
	return nil
}

// Deactivate moves the overlay to INACTIVE and removes its subscriptions.
func (m *Manager) Deactivate(id string) error {
	reg, err := m.get(id)
	if err != nil {
		return err
	}
	m.unbindSubscriptions(reg)
	reg.mu.Lock()
	reg.state = StateInactive
	reg.mu.Unlock()
	m.logger.Info("overlay deactivated", "overlay", id)
	return nil
}

// Quarantine isolates the overlay by operator decision; only Activate lifts
// it. Breaker-tripped quarantines instead recover automatically through the
// breaker's half-open probe.
func (m *Manager) Quarantine(ctx context.Context, id, reason string) error {
	reg, err := m.get(id)
	if err != nil {
		return err
	}
	m.quarantine(ctx, id, reg, reason, false)
	return nil
}

func (m *Manager) quarantine(ctx context.Context, id string, reg *registration, reason string, tripped bool) {
	m.unbindSubscriptions(reg)
	reg.mu.Lock()
	reg.state = StateQuarantined
	reg.quarantineReason = reason
	reg.breakerTripped = tripped
	reg.mu.Unlock()
	m.logger.Warn("overlay quarantined", "overlay", id, "reason", reason)

	notice := events.New(events.OverlayQuarantined, "overlay-manager", map[string]any{
		"overlay_id": id,
		"reason":     reason,
	})
	if _, err := m.bus.Publish(ctx, notice); err != nil && !errors.Is(err, events.ErrBusStopped) {
		m.logger.Warn("quarantine notice publish failed", "overlay", id, "error", err)
	}
}

// Execute dispatches a request to the overlay, enforcing capability
// declarations, the circuit breaker, and a per-call timeout, then routes
// in-process or to the sandbox runtime per the manifest's security mode.
func (m *Manager) Execute(ctx context.Context, id string, req *Request) (*Result, error) {
	reg, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		req = &Request{}
	}

	reg.mu.Lock()
	state := reg.state
	tripped := reg.breakerTripped
	reg.mu.Unlock()
	if state != StateActive && state != StateDegraded {
		// A breaker-tripped quarantine falls through to the breaker gate:
		// callers see ErrBreakerOpen while it is OPEN, and after the recovery
		// window the single half-open probe runs here. Operator quarantines
		// and the other non-dispatchable states fail hard.
		if !(state == StateQuarantined && tripped) {
			return nil, fmt.Errorf("%w: overlay %s is %s", ErrNotActive, id, state)
		}
	}

	// Capability fast-fail: the implementation is never invoked.
	for _, c := range req.Capabilities {
		if !reg.caps.Has(c) {
			return nil, &CapabilityError{OverlayID: id, Capability: c}
		}
	}

	if !reg.breaker.Allow() {
		return nil, fmt.Errorf("%w: overlay %s", ErrBreakerOpen, id)
	}

	timeout := reg.manifest.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, execErr := m.invoke(callCtx, reg, req)
	latency := time.Since(start)

	if execErr == nil && res != nil && len(res.Emitted) > 0 && !reg.caps.Has(CapEmitEvent) {
		execErr = &CapabilityError{OverlayID: id, Capability: CapEmitEvent}
		res = nil
	}

	m.record(reg, req, latency, execErr)

	if execErr != nil {
		reg.breaker.Failure()
		m.onFailure(ctx, id, reg, execErr)
		return nil, execErr
	}

	reg.breaker.Success()
	m.onSuccess(id, reg)

	res.OverlayID = id
	res.Latency = latency
	m.publishEmitted(ctx, id, req, res)
	return res, nil
}

// invoke runs the implementation (or sandbox) under the call context. The call
// is allowed to finish or hit its own timeout; it is never hard-cancelled
// mid-host-call, to avoid leaving a sandbox instance in an undefined state.
func (m *Manager) invoke(ctx context.Context, reg *registration, req *Request) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		if reg.manifest.Security.Sandboxed() {
			res, err := m.sandbox.InvokeOverlay(ctx, reg.manifest, req)
			ch <- outcome{res, err}
			return
		}
		res, err := reg.impl.Execute(ctx, req)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("overlay %s: %w", reg.manifest.ID, ctx.Err())
	}
}

func (m *Manager) onSuccess(id string, reg *registration) {
	reg.mu.Lock()
	reg.degradedRuns = 0
	rebind := false
	switch {
	case reg.state == StateDegraded:
		reg.state = StateActive
		m.logger.Info("overlay recovered", "overlay", id)
	case reg.state == StateQuarantined && reg.breakerTripped:
		// The half-open probe succeeded and closed the breaker.
		reg.state = StateActive
		reg.breakerTripped = false
		reg.quarantineReason = ""
		rebind = true
		m.logger.Info("overlay recovered from quarantine", "overlay", id)
	}
	reg.mu.Unlock()
	if rebind {
		if err := m.bindSubscriptions(id, reg); err != nil {
			m.logger.Warn("subscription rebind after recovery failed", "overlay", id, "error", err)
		}
	}
}

func (m *Manager) onFailure(ctx context.Context, id string, reg *registration, execErr error) {
	if reg.breaker.State() == BreakerOpen {
		reg.mu.Lock()
		already := reg.state == StateQuarantined
		reg.mu.Unlock()
		if !already {
			m.quarantine(ctx, id, reg, "circuit breaker open: "+execErr.Error(), true)
		}
		return
	}
	reg.mu.Lock()
	reg.degradedRuns++
	if reg.state == StateActive && reg.degradedRuns >= m.cfg.DegradedThreshold {
		reg.state = StateDegraded
		m.logger.Warn("overlay degraded", "overlay", id, "consecutive_failures", reg.degradedRuns)
	}
	reg.mu.Unlock()
}

func (m *Manager) record(reg *registration, req *Request, latency time.Duration, execErr error) {
	rec := ExecutionRecord{
		At:           time.Now().UTC(),
		Phase:        req.Phase,
		Capabilities: req.Capabilities,
		Latency:      latency,
	}
	if execErr != nil {
		rec.Err = execErr.Error()
	}

	reg.mu.Lock()
	reg.history = append(reg.history, rec)
	if len(reg.history) > m.cfg.HistoryLimit {
		reg.history = reg.history[len(reg.history)-m.cfg.HistoryLimit:]
	}
	reg.stats.Executions++
	reg.stats.LastRun = rec.At
	reg.stats.TotalTime += latency
	if execErr != nil {
		reg.stats.Failures++
		reg.stats.LastError = execErr.Error()
	}
	reg.mu.Unlock()
}

// publishEmitted propagates derived events through the trigger's cascade
// chain so the depth/breadth guards bound feedback loops; a chain is opened
// lazily the first time a triggered execution emits.
func (m *Manager) publishEmitted(ctx context.Context, id string, req *Request, res *Result) {
	if len(res.Emitted) == 0 {
		return
	}

	trigger := req.TriggerEvent
	if trigger == nil {
		for _, e := range res.Emitted {
			out := e
			if req.CorrelationID != "" && out.CorrelationID == "" {
				out = out.WithCorrelation(req.CorrelationID)
			}
			if _, err := m.bus.Publish(ctx, out); err != nil {
				m.logger.Warn("emitted event publish failed",
					"overlay", id, "event_type", string(e.Type), "error", err)
			}
		}
		return
	}

	chainID := trigger.CorrelationID
	for _, child := range res.Emitted {
		err := m.propagate(ctx, &chainID, trigger, child)
		if errors.Is(err, events.ErrCascadeAborted) {
			m.logger.Warn("cascade aborted, dropping remaining emissions",
				"overlay", id, "chain_id", chainID)
			return
		}
		if err != nil {
			m.logger.Warn("cascade propagation failed",
				"overlay", id, "event_type", string(child.Type), "error", err)
		}
	}
}

func (m *Manager) propagate(ctx context.Context, chainID *string, parent, child *events.Event) error {
	if *chainID != "" {
		err := m.bus.Propagate(ctx, *chainID, parent, child)
		if !errors.Is(err, events.ErrChainNotFound) {
			return err
		}
	}
	// The trigger's correlation id was not a live chain: this emission is the
	// first downstream effect, so open a chain rooted at the trigger.
	*chainID = m.bus.InitiateCascade(parent)
	return m.bus.Propagate(ctx, *chainID, parent, child)
}

// bindSubscriptions subscribes the overlay's declared event types; delivered
// events are dispatched through Execute so breaker and capability enforcement
// apply on the event path too.
func (m *Manager) bindSubscriptions(id string, reg *registration) error {
	handler := func(ctx context.Context, e *events.Event) error {
		_, err := m.Execute(ctx, id, &Request{
			TriggerEvent:  e,
			CorrelationID: e.CorrelationID,
			Capabilities:  nil,
		})
		if errors.Is(err, ErrBreakerOpen) || errors.Is(err, ErrNotActive) {
			// Expected while isolated; dead-lettering these would be noise.
			return nil
		}
		return err
	}

	var handles []events.SubscriptionHandle
	for _, filter := range reg.manifest.EventTypes {
		h, err := m.bus.Subscribe(id, filter, "", handler)
		if err != nil {
			for _, prev := range handles {
				_ = m.bus.Unsubscribe(prev)
			}
			return fmt.Errorf("overlay %s: subscribe %q: %w", id, filter, err)
		}
		handles = append(handles, h)
	}
	reg.mu.Lock()
	reg.subs = handles
	reg.mu.Unlock()
	return nil
}

func (m *Manager) unbindSubscriptions(reg *registration) {
	reg.mu.Lock()
	handles := reg.subs
	reg.subs = nil
	reg.mu.Unlock()
	for _, h := range handles {
		_ = m.bus.Unsubscribe(h)
	}
}

func (m *Manager) get(id string) (*registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.overlays[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return reg, nil
}

// Get returns the manifest and state for an overlay id.
func (m *Manager) Get(id string) (*Manifest, State, error) {
	reg, err := m.get(id)
	if err != nil {
		return nil, "", err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.manifest, reg.state, nil
}

// GetByName resolves an overlay id by its manifest name.
func (m *Manager) GetByName(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: name %s", ErrNotFound, name)
	}
	return id, nil
}

// FindByEventType returns ids of dispatchable overlays subscribed to t.
func (m *Manager) FindByEventType(t events.EventType) []string {
	return m.find(func(man *Manifest) bool {
		for _, f := range man.EventTypes {
			if f == "*" || f == string(t) ||
				(len(f) > 2 && f[len(f)-2:] == ".*" && t.Category() == f[:len(f)-2]) {
				return true
			}
		}
		return false
	})
}

// FindByPhase returns ids of dispatchable overlays declaring the phase.
func (m *Manager) FindByPhase(phase string) []string {
	return m.find(func(man *Manifest) bool {
		for _, p := range man.Phases {
			if p == phase {
				return true
			}
		}
		return false
	})
}

func (m *Manager) find(match func(*Manifest) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, reg := range m.overlays {
		reg.mu.Lock()
		ok := (reg.state == StateActive || reg.state == StateDegraded) && match(reg.manifest)
		reg.mu.Unlock()
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HealthAll returns the read-only monitoring view of every overlay.
func (m *Manager) HealthAll() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Health, 0, len(m.overlays))
	for id, reg := range m.overlays {
		reg.mu.Lock()
		out = append(out, Health{
			ID:            id,
			Name:          reg.manifest.Name,
			State:         reg.state,
			Breaker:       reg.breaker.State(),
			Stats:         reg.stats,
			QuarantinedBy: reg.quarantineReason,
		})
		reg.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns up to limit most recent execution records for an overlay.
func (m *Manager) History(id string, limit int) ([]ExecutionRecord, error) {
	reg, err := m.get(id)
	if err != nil {
		return nil, err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n := len(reg.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ExecutionRecord, limit)
	copy(out, reg.history[n-limit:])
	return out, nil
}

// Breaker exposes an overlay's breaker for monitoring and tests.
func (m *Manager) Breaker(id string) (*CircuitBreaker, error) {
	reg, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return reg.breaker, nil
}
