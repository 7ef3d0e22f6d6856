// Package store defines the kernel's persistence collaborators: the external
// graph datastore interface consumed by sandbox host functions, and durable
// audit stores for finished cascade chains.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNodeNotFound is returned on reads of absent keys.
var ErrNodeNotFound = errors.New("node not found")

// GraphStore is the narrow surface the kernel needs from the external graph
// datastore. The real implementation lives outside the kernel; the sandbox
// host functions reach it only through capability-gated bindings.
type GraphStore interface {
	ReadNode(ctx context.Context, key string) ([]byte, error)
	WriteNode(ctx context.Context, key string, value []byte) error
	Query(ctx context.Context, query string, params map[string]any) ([]byte, error)
}

// MemoryGraph is an in-memory GraphStore for development and tests.
type MemoryGraph struct {
	mu    sync.RWMutex
	nodes map[string][]byte
}

// NewMemoryGraph returns an empty store.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{nodes: make(map[string][]byte)}
}

func (g *MemoryGraph) ReadNode(ctx context.Context, key string) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.nodes[key]
	if !ok {
		return nil, ErrNodeNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (g *MemoryGraph) WriteNode(ctx context.Context, key string, value []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	g.nodes[key] = v
	return nil
}

// Query on the memory graph only supports key lookup by the "key" parameter;
// real query execution belongs to the external datastore.
func (g *MemoryGraph) Query(ctx context.Context, query string, params map[string]any) ([]byte, error) {
	key, _ := params["key"].(string)
	if key == "" {
		return nil, errors.New("memory graph supports only key-parameter queries")
	}
	return g.ReadNode(ctx, key)
}

// Len reports the number of stored nodes.
func (g *MemoryGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
