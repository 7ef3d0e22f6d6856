package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/store"
)

// Host call status codes returned to the guest. Read-style calls return the
// written byte count when non-negative.
const (
	statusOK          = int64(0)
	statusErr         = int64(-1)
	statusFuel        = int64(-2)
	statusShortBuffer = int64(-3)
)

// fuelExitCode is the exit code the host closes a module with when its fuel
// budget runs out mid-call.
const fuelExitCode = uint32(0xF0E1)

// ModuleSource resolves a manifest's module_ref to raw Wasm bytes.
// Implemented by the artifact store.
type ModuleSource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ErrModuleNotLoaded is returned by Invoke when the overlay's module was never
// loaded and cannot be fetched.
var ErrModuleNotLoaded = errors.New("sandbox: module not loaded")

// ExecError is a guest-side failure: non-zero exit, trap, or malformed output.
type ExecError struct {
	OverlayID string
	ExitCode  uint32
	Detail    string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("sandbox: overlay %s failed (exit %d): %s", e.OverlayID, e.ExitCode, e.Detail)
}

// Config bounds every invocation the runtime performs.
type Config struct {
	// MemoryLimitPages caps guest linear memory in 64KiB pages.
	MemoryLimitPages uint32
	// DefaultFuel applies when a manifest declares no budget.
	DefaultFuel overlay.FuelBudget
	// DefaultTimeout applies when neither the manifest nor the caller set one.
	DefaultTimeout time.Duration
	// Costs overrides the operation cost table.
	Costs CostTable
}

func (c *Config) withDefaults() {
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = 256 // 16 MiB
	}
	if c.DefaultFuel == 0 {
		c.DefaultFuel = 10_000
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Second
	}
}

// Runtime executes sandboxed overlays. Compilation results are shared across
// invocations through a wazero compilation cache; each invocation gets a fresh
// wazero runtime so host bindings can close over per-invocation state.
type Runtime struct {
	cfg    Config
	source ModuleSource
	graph  store.GraphStore
	bus    *events.Bus
	cache  wazero.CompilationCache
	logger *slog.Logger

	mu      sync.Mutex
	modules map[string][]byte             // module_ref -> verified wasm bytes
	active  map[string]context.CancelFunc // invocation id -> cancel
}

// NewRuntime builds a Runtime around the given collaborators. source may be
// nil when every module is preloaded through LoadBytes.
func NewRuntime(cfg Config, source ModuleSource, graph store.GraphStore, bus *events.Bus) *Runtime {
	cfg.withDefaults()
	return &Runtime{
		cfg:     cfg,
		source:  source,
		graph:   graph,
		bus:     bus,
		cache:   wazero.NewCompilationCache(),
		logger:  slog.Default().With("component", "sandbox"),
		modules: make(map[string][]byte),
		active:  make(map[string]context.CancelFunc),
	}
}

// Load resolves and verifies the manifest's module ahead of first use.
func (r *Runtime) Load(ctx context.Context, man *overlay.Manifest) error {
	_, err := r.moduleBytes(ctx, man.ModuleRef)
	return err
}

// LoadBytes registers wasm bytes directly under a module ref, verifying the
// ref's digest. Used by tests and by deployments without an artifact store.
func (r *Runtime) LoadBytes(ref string, wasm []byte) error {
	if err := verifyRef(ref, wasm); err != nil {
		return err
	}
	r.mu.Lock()
	r.modules[ref] = wasm
	r.mu.Unlock()
	return nil
}

func (r *Runtime) moduleBytes(ctx context.Context, ref string) ([]byte, error) {
	r.mu.Lock()
	wasm, ok := r.modules[ref]
	r.mu.Unlock()
	if ok {
		return wasm, nil
	}
	if r.source == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotLoaded, ref)
	}
	wasm, err := r.source.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("sandbox: fetch module %s: %w", ref, err)
	}
	if err := verifyRef(ref, wasm); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.modules[ref] = wasm
	r.mu.Unlock()
	return wasm, nil
}

// verifyRef checks wasm bytes against a "sha256:<hex>" content address.
func verifyRef(ref string, wasm []byte) error {
	hexDigest, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return fmt.Errorf("sandbox: module ref %q is not content-addressed", ref)
	}
	sum := sha256.Sum256(wasm)
	if hex.EncodeToString(sum[:]) != hexDigest {
		return fmt.Errorf("sandbox: module digest mismatch for %s", ref)
	}
	return nil
}

// guestRequest is the JSON document the guest reads from stdin.
type guestRequest struct {
	OverlayID     string         `json:"overlay_id"`
	Phase         string         `json:"phase,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	TriggerEvent  *events.Event  `json:"trigger_event,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fuel          uint64         `json:"fuel"`
}

// guestResult is the JSON document the guest writes to stdout.
type guestResult struct {
	Output  map[string]any   `json:"output,omitempty"`
	Emitted []publishPayload `json:"emitted,omitempty"`
}

// InvokeOverlay executes one sandboxed invocation. It satisfies
// overlay.SandboxInvoker.
func (r *Runtime) InvokeOverlay(ctx context.Context, man *overlay.Manifest, req *overlay.Request) (*overlay.Result, error) {
	wasm, err := r.moduleBytes(ctx, man.ModuleRef)
	if err != nil {
		return nil, err
	}

	timeout := man.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	invID := uuid.NewString()
	r.mu.Lock()
	r.active[invID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, invID)
		r.mu.Unlock()
	}()

	budget := man.Fuel
	if budget == 0 {
		budget = r.cfg.DefaultFuel
	}
	fuel := NewFuelMeter(man.ID, budget, r.cfg.Costs)
	b := newBinder(man, fuel, r.graph, r.bus, req.CorrelationID)

	start := time.Now()
	out, err := r.run(ctx, wasm, man, req, b, fuel)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	var parsed guestResult
	if len(out) > 0 {
		if uerr := json.Unmarshal(out, &parsed); uerr != nil {
			return nil, &ExecError{OverlayID: man.ID, Detail: "malformed result: " + uerr.Error()}
		}
	}
	res := &overlay.Result{OverlayID: man.ID, Output: parsed.Output, Latency: latency}
	for _, em := range parsed.Emitted {
		e := events.New(events.EventType(em.Type), "overlay:"+man.ID, em.Payload)
		if req.CorrelationID != "" {
			e = e.WithCorrelation(req.CorrelationID)
		}
		res.Emitted = append(res.Emitted, e)
	}
	return res, nil
}

func (r *Runtime) run(ctx context.Context, wasm []byte, man *overlay.Manifest, req *overlay.Request, b *binder, fuel *FuelMeter) ([]byte, error) {
	rcfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(r.cfg.MemoryLimitPages).
		WithCompilationCache(r.cache).
		WithCloseOnContextDone(true)
	wr := wazero.NewRuntimeWithConfig(ctx, rcfg)
	defer func() { _ = wr.Close(context.WithoutCancel(ctx)) }()

	// Deny-by-default WASI: no filesystem mounts, no env, no clocks or
	// randomness beyond what the snapshot mandates.
	wasi_snapshot_preview1.MustInstantiate(ctx, wr)

	if err := r.instantiateHost(ctx, wr, b, fuel); err != nil {
		return nil, fmt.Errorf("sandbox: host module: %w", err)
	}

	compiled, err := wr.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile %s: %w", man.ID, err)
	}

	stdin, err := json.Marshal(guestRequest{
		OverlayID:     man.ID,
		Phase:         req.Phase,
		Input:         req.Input,
		TriggerEvent:  req.TriggerEvent,
		CorrelationID: req.CorrelationID,
		Fuel:          fuel.Remaining(),
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	mcfg := wazero.NewModuleConfig().
		WithName(man.ID).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := wr.InstantiateModule(ctx, compiled, mcfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()
	}
	if err != nil {
		if fe := fuel.Err(); fe != nil {
			return nil, fe
		}
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			switch exit.ExitCode() {
			case 0:
				return stdout.Bytes(), nil
			case fuelExitCode:
				return nil, &FuelError{OverlayID: man.ID, Limit: fuel.limit, Consumed: fuel.limit}
			default:
				return nil, &ExecError{OverlayID: man.ID, ExitCode: exit.ExitCode(), Detail: strings.TrimSpace(stderr.String())}
			}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sandbox: overlay %s: %w", man.ID, ctx.Err())
		}
		return nil, &ExecError{OverlayID: man.ID, Detail: err.Error()}
	}
	return stdout.Bytes(), nil
}

// instantiateHost builds the "forge" host module, exporting only the
// operations the invocation's capability set grants.
func (r *Runtime) instantiateHost(ctx context.Context, wr wazero.Runtime, b *binder, fuel *FuelMeter) error {
	hb := wr.NewHostModuleBuilder("forge")

	// onFuel closes the calling module so exhausted guests cannot spin.
	onFuel := func(ctx context.Context, m api.Module) int64 {
		_ = m.CloseWithExitCode(ctx, fuelExitCode)
		return statusFuel
	}

	readString := func(m api.Module, ptr, n uint32) (string, bool) {
		raw, ok := m.Memory().Read(ptr, n)
		if !ok {
			return "", false
		}
		return string(raw), true
	}

	// writeOut copies data into the guest's output buffer, returning the
	// written length or a short-buffer status.
	writeOut := func(m api.Module, outPtr, outCap uint32, data []byte) int64 {
		if uint32(len(data)) > outCap {
			return statusShortBuffer
		}
		if !m.Memory().Write(outPtr, data) {
			return statusErr
		}
		return int64(len(data))
	}

	type unary func(ctx context.Context, arg []byte) error
	type lookup func(ctx context.Context, arg []byte) ([]byte, error)

	exportUnary := func(name string, fn unary) {
		hb.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) int64 {
				raw, ok := m.Memory().Read(ptr, n)
				if !ok {
					return statusErr
				}
				if err := fn(ctx, raw); err != nil {
					if isFuelError(err) {
						return onFuel(ctx, m)
					}
					b.logger.Warn("host call failed", "op", name, "error", err)
					return statusErr
				}
				return statusOK
			}).
			Export(name)
	}
	exportLookup := func(name string, fn lookup) {
		hb.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, ptr, n, outPtr, outCap uint32) int64 {
				raw, ok := m.Memory().Read(ptr, n)
				if !ok {
					return statusErr
				}
				data, err := fn(ctx, raw)
				if err != nil {
					if isFuelError(err) {
						return onFuel(ctx, m)
					}
					b.logger.Warn("host call failed", "op", name, "error", err)
					return statusErr
				}
				return writeOut(m, outPtr, outCap, data)
			}).
			Export(name)
	}

	for _, op := range b.exportedOps() {
		switch op {
		case OpLog:
			hb.NewFunctionBuilder().
				WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) int64 {
					msg, ok := readString(m, ptr, n)
					if !ok {
						return statusErr
					}
					if err := b.doLog(msg); err != nil {
						if isFuelError(err) {
							return onFuel(ctx, m)
						}
						return statusErr
					}
					return statusOK
				}).
				Export(string(OpLog))
		case OpPublish:
			exportUnary(string(OpPublish), b.doPublish)
		case OpCapsuleRead:
			exportLookup(string(OpCapsuleRead), func(ctx context.Context, arg []byte) ([]byte, error) {
				return b.doCapsuleRead(ctx, string(arg))
			})
		case OpCapsuleWrite:
			hb.NewFunctionBuilder().
				WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) int64 {
					key, ok := readString(m, keyPtr, keyLen)
					if !ok {
						return statusErr
					}
					val, ok := m.Memory().Read(valPtr, valLen)
					if !ok {
						return statusErr
					}
					if err := b.doCapsuleWrite(ctx, key, append([]byte(nil), val...)); err != nil {
						if isFuelError(err) {
							return onFuel(ctx, m)
						}
						return statusErr
					}
					return statusOK
				}).
				Export(string(OpCapsuleWrite))
		case OpGraphRead:
			exportLookup(string(OpGraphRead), func(ctx context.Context, arg []byte) ([]byte, error) {
				return b.doGraphRead(ctx, string(arg))
			})
		case OpGraphWrite:
			hb.NewFunctionBuilder().
				WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) int64 {
					key, ok := readString(m, keyPtr, keyLen)
					if !ok {
						return statusErr
					}
					val, ok := m.Memory().Read(valPtr, valLen)
					if !ok {
						return statusErr
					}
					if err := b.doGraphWrite(ctx, key, append([]byte(nil), val...)); err != nil {
						if isFuelError(err) {
							return onFuel(ctx, m)
						}
						return statusErr
					}
					return statusOK
				}).
				Export(string(OpGraphWrite))
		case OpQuery:
			exportLookup(string(OpQuery), b.doQuery)
		}
	}

	// Fuel introspection is always available and free.
	hb.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) int64 {
			return int64(fuel.Remaining())
		}).
		Export("fuel_remaining")

	_, err := hb.Instantiate(ctx)
	return err
}

// Terminate cancels every in-flight invocation. Used by quarantine and
// shutdown paths.
func (r *Runtime) Terminate() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.active))
	for _, c := range r.active {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Unload drops a cached module's bytes.
func (r *Runtime) Unload(ref string) {
	r.mu.Lock()
	delete(r.modules, ref)
	r.mu.Unlock()
}

// Close releases the shared compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	r.Terminate()
	return r.cache.Close(ctx)
}
