package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/store"
)

// opCapability maps each host operation to the capability that must be
// declared for its binding to exist. The mapping is structural: an op whose
// capability is missing is simply never exported into the guest's import
// namespace, so no payload inside the sandbox can reach it.
var opCapability = map[HostOp]overlay.Capability{
	OpLog:          overlay.CapLog,
	OpPublish:      overlay.CapEmitEvent,
	OpCapsuleRead:  overlay.CapReadCapsule,
	OpCapsuleWrite: overlay.CapWriteCapsule,
	OpGraphRead:    overlay.CapDatabaseRead,
	OpGraphWrite:   overlay.CapDatabaseWrite,
	OpQuery:        overlay.CapDatabaseRead,
}

// writeOps are suppressed entirely under strict mode, regardless of the
// declared capability set.
var writeOps = map[HostOp]struct{}{
	OpCapsuleWrite: {},
	OpGraphWrite:   {},
}

// binder holds one invocation's host-call state: the fuel meter, the granted
// capability set, and handles to the bus and datastore collaborators.
type binder struct {
	overlayID   string
	caps        overlay.CapabilitySet
	mode        overlay.SecurityMode
	fuel        *FuelMeter
	graph       store.GraphStore
	bus         *events.Bus
	correlation string
	logger      *slog.Logger
}

func newBinder(man *overlay.Manifest, fuel *FuelMeter, graph store.GraphStore, bus *events.Bus, correlation string) *binder {
	return &binder{
		overlayID:   man.ID,
		caps:        man.CapabilitySet(),
		mode:        man.Security,
		fuel:        fuel,
		graph:       graph,
		bus:         bus,
		correlation: correlation,
		logger:      slog.Default().With("component", "sandbox", "overlay", man.ID),
	}
}

// exported reports whether the host function for op is bound for this
// invocation.
func (b *binder) exported(op HostOp) bool {
	if b.mode == overlay.SecurityStrict {
		if _, isWrite := writeOps[op]; isWrite {
			return false
		}
	}
	cap, ok := opCapability[op]
	if !ok {
		return false
	}
	return b.caps.Has(cap)
}

// exportedOps returns the bound operation set, in stable order.
func (b *binder) exportedOps() []HostOp {
	all := []HostOp{OpLog, OpPublish, OpCapsuleRead, OpCapsuleWrite, OpGraphRead, OpGraphWrite, OpQuery}
	var out []HostOp
	for _, op := range all {
		if b.exported(op) {
			out = append(out, op)
		}
	}
	return out
}

func (b *binder) doLog(msg string) error {
	if err := b.fuel.Charge(OpLog); err != nil {
		return err
	}
	b.logger.Info("overlay log", "message", msg)
	return nil
}

// publishPayload is the wire shape guests pass to the publish host function.
type publishPayload struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (b *binder) doPublish(ctx context.Context, raw []byte) error {
	if err := b.fuel.Charge(OpPublish); err != nil {
		return err
	}
	var p publishPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	e := events.New(events.EventType(p.Type), "overlay:"+b.overlayID, p.Payload)
	if b.correlation != "" {
		e = e.WithCorrelation(b.correlation)
	}
	_, err := b.bus.Publish(ctx, e)
	return err
}

func (b *binder) doCapsuleRead(ctx context.Context, key string) ([]byte, error) {
	if err := b.fuel.Charge(OpCapsuleRead); err != nil {
		return nil, err
	}
	return b.graph.ReadNode(ctx, "capsule:"+key)
}

func (b *binder) doCapsuleWrite(ctx context.Context, key string, value []byte) error {
	if err := b.fuel.Charge(OpCapsuleWrite); err != nil {
		return err
	}
	return b.graph.WriteNode(ctx, "capsule:"+key, value)
}

func (b *binder) doGraphRead(ctx context.Context, key string) ([]byte, error) {
	if err := b.fuel.Charge(OpGraphRead); err != nil {
		return nil, err
	}
	return b.graph.ReadNode(ctx, key)
}

func (b *binder) doGraphWrite(ctx context.Context, key string, value []byte) error {
	if err := b.fuel.Charge(OpGraphWrite); err != nil {
		return err
	}
	return b.graph.WriteNode(ctx, key, value)
}

// queryPayload is the wire shape for the query host function; values reach
// the datastore only through bound parameters.
type queryPayload struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

func (b *binder) doQuery(ctx context.Context, raw []byte) ([]byte, error) {
	if err := b.fuel.Charge(OpQuery); err != nil {
		return nil, err
	}
	var q queryPayload
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("query payload: %w", err)
	}
	if b.mode == overlay.SecurityStrict {
		if err := ValidateQuery(q.Query); err != nil {
			return nil, err
		}
	}
	return b.graph.Query(ctx, q.Query, q.Params)
}

// isFuelError reports whether err is the invocation's fuel running out, which
// terminates the instance immediately.
func isFuelError(err error) bool {
	var fe *FuelError
	return errors.As(err, &fe)
}
