package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MaxModuleSize caps stored module blobs. Oversized modules are rejected at
// publish time rather than discovered at instantiation.
const MaxModuleSize = 32 * 1024 * 1024 // 32MB

// wasmMagic is the \0asm preamble every binary module starts with.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

var (
	ErrNotWasm      = errors.New("artifacts: payload is not a wasm binary module")
	ErrModuleTooBig = fmt.Errorf("artifacts: module exceeds %d bytes", MaxModuleSize)
)

// Registry publishes overlay modules into a Store and tracks the binding
// from overlay id to module ref. The binding is advisory; manifests remain
// the source of truth for which ref an overlay runs.
type Registry struct {
	store Store

	mu       sync.RWMutex
	bindings map[string]string // overlay id -> module ref
}

// NewRegistry wraps a Store with publish-time validation.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, bindings: make(map[string]string)}
}

// Publish validates and stores a module, binding it to the overlay id.
// Returns the content ref to place in the overlay's manifest.
func (r *Registry) Publish(ctx context.Context, overlayID string, wasm []byte) (string, error) {
	if overlayID == "" {
		return "", errors.New("artifacts: empty overlay id")
	}
	if len(wasm) > MaxModuleSize {
		return "", ErrModuleTooBig
	}
	if len(wasm) < len(wasmMagic) || !bytes.Equal(wasm[:len(wasmMagic)], wasmMagic) {
		return "", ErrNotWasm
	}

	ref, err := r.store.Put(ctx, wasm)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.bindings[overlayID] = ref
	r.mu.Unlock()
	return ref, nil
}

// Resolve returns the published ref for an overlay id, if any.
func (r *Registry) Resolve(overlayID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.bindings[overlayID]
	return ref, ok
}

// Fetch resolves a ref through the underlying store.
func (r *Registry) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return r.store.Fetch(ctx, ref)
}

// Bindings returns the overlay ids with published modules, sorted.
func (r *Registry) Bindings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
