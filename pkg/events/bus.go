package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sentinel errors surfaced by bus operations.
var (
	ErrBusStopped       = errors.New("event bus is not running")
	ErrUnknownEventType = errors.New("event type not in closed enumeration")
	ErrSubscriberLimit  = errors.New("subscriber limit reached for event type")
	ErrChainNotFound    = errors.New("cascade chain not found")
	ErrCascadeAborted   = errors.New("cascade chain aborted by guard")
)

// BackpressurePolicy selects behavior when a subscriber queue is full.
type BackpressurePolicy string

const (
	RejectNew  BackpressurePolicy = "reject-new"
	DropOldest BackpressurePolicy = "drop-oldest"
)

// Config bounds bus resources.
type Config struct {
	QueueCapacity         int                `yaml:"queue_capacity" json:"queue_capacity"`
	Backpressure          BackpressurePolicy `yaml:"backpressure" json:"backpressure"`
	MaxSubscribersPerType int                `yaml:"max_subscribers_per_type" json:"max_subscribers_per_type"`
	DeliveryTimeout       time.Duration      `yaml:"delivery_timeout" json:"delivery_timeout"`
	ChainHistoryLimit     int                `yaml:"chain_history_limit" json:"chain_history_limit"`
	Guards                CascadeGuards      `yaml:"cascade_guards" json:"cascade_guards"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:         256,
		Backpressure:          RejectNew,
		MaxSubscribersPerType: 32,
		DeliveryTimeout:       10 * time.Second,
		ChainHistoryLimit:     256,
		Guards:                DefaultGuards(),
	}
}

// Handler consumes one delivered event. A returned error dead-letters the
// delivery; the bus never retries inline.
type Handler func(ctx context.Context, e *Event) error

// SubscriptionHandle identifies a registered subscription.
type SubscriptionHandle string

// DeadLetter records a failed delivery, keyed by subscription and event id.
type DeadLetter struct {
	Handle       SubscriptionHandle `json:"handle"`
	SubscriberID string             `json:"subscriber_id"`
	EventID      string             `json:"event_id"`
	EventType    EventType          `json:"event_type"`
	Reason       string             `json:"reason"`
	At           time.Time          `json:"at"`
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Published       uint64 `json:"published"`
	Delivered       uint64 `json:"delivered"`
	DeadLettered    uint64 `json:"dead_lettered"`
	Backpressured   uint64 `json:"backpressured"`
	DroppedOldest   uint64 `json:"dropped_oldest"`
	ActiveChains    int    `json:"active_chains"`
	Subscriptions   int    `json:"subscriptions"`
	AvgDeliveryNano int64  `json:"avg_delivery_nano"`
}

type subscription struct {
	handle       SubscriptionHandle
	subscriberID string
	filter       string
	predicate    string
	handler      Handler
	queue        chan *Event
}

// Bus is the cascade event bus. One delivery goroutine per subscription keeps
// events in publish order for that subscriber; no relative order is guaranteed
// across subscribers.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[SubscriptionHandle]*subscription
	byType  map[string]int // filter string → subscription count
	stopped bool           // set once by Stop; Subscribe rejects after

	chainMu  sync.Mutex
	chains   map[string]*CascadeChain
	finished []string // finalized chain ids, oldest first, capped by ChainHistoryLimit
	store    ChainStore

	dlMu        sync.Mutex
	deadLetters []DeadLetter

	pred    *PredicateEngine
	running atomic.Bool
	wg      sync.WaitGroup

	published     atomic.Uint64
	delivered     atomic.Uint64
	deadLettered  atomic.Uint64
	backpressured atomic.Uint64
	droppedOldest atomic.Uint64
	latencySum    atomic.Int64

	latencyHist metric.Float64Histogram
	publishCtr  metric.Int64Counter
}

// NewBus constructs a stopped bus. store may be nil (chains kept in memory
// only, e.g. in tests).
func NewBus(cfg Config, store ChainStore) (*Bus, error) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.Backpressure == "" {
		cfg.Backpressure = RejectNew
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	if cfg.ChainHistoryLimit <= 0 {
		cfg.ChainHistoryLimit = DefaultConfig().ChainHistoryLimit
	}
	pred, err := NewPredicateEngine()
	if err != nil {
		return nil, err
	}

	meter := otel.Meter("forge.cascade.bus")
	publishCtr, _ := meter.Int64Counter("forge.bus.published.total",
		metric.WithDescription("Events accepted by Publish"),
		metric.WithUnit("{event}"),
	)
	latencyHist, _ := meter.Float64Histogram("forge.bus.delivery.duration",
		metric.WithDescription("Handler delivery duration in seconds"),
		metric.WithUnit("s"),
	)

	return &Bus{
		cfg:         cfg,
		logger:      slog.Default().With("component", "event-bus"),
		subs:        make(map[SubscriptionHandle]*subscription),
		byType:      make(map[string]int),
		chains:      make(map[string]*CascadeChain),
		store:       store,
		pred:        pred,
		publishCtr:  publishCtr,
		latencyHist: latencyHist,
	}, nil
}

// Start enables publishing and delivery.
func (b *Bus) Start(ctx context.Context) error {
	b.running.Store(true)
	b.logger.InfoContext(ctx, "event bus started",
		"queue_capacity", b.cfg.QueueCapacity,
		"backpressure", string(b.cfg.Backpressure),
	)
	return nil
}

// Stop rejects new publishes and subscriptions, closes and removes every
// subscriber queue, and waits for in-flight deliveries to drain. A later
// Unsubscribe of a stopped handle reports not-found rather than touching the
// closed queue.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return nil
	}

	b.mu.Lock()
	b.stopped = true
	for handle, sub := range b.subs {
		close(sub.queue)
		delete(b.subs, handle)
	}
	b.byType = make(map[string]int)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.WarnContext(ctx, "event bus stop timed out draining deliveries")
		return ctx.Err()
	}
	b.logger.InfoContext(ctx, "event bus stopped", "dead_letters", b.deadLettered.Load())
	return nil
}

// Subscribe registers a handler for events matching filter. filter is an exact
// event type, a category wildcard ("capsule.*"), or "*". predicate is an
// optional CEL expression over the payload map; it is compiled here so a bad
// expression fails the subscriber, not the publisher.
func (b *Bus) Subscribe(subscriberID, filter, predicate string, handler Handler) (SubscriptionHandle, error) {
	if handler == nil {
		return "", errors.New("nil handler")
	}
	if err := validFilter(filter); err != nil {
		return "", err
	}
	if predicate != "" {
		if err := b.pred.Compile(predicate); err != nil {
			return "", err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return "", ErrBusStopped
	}
	if b.cfg.MaxSubscribersPerType > 0 && b.byType[filter] >= b.cfg.MaxSubscribersPerType {
		return "", fmt.Errorf("%w: %s", ErrSubscriberLimit, filter)
	}

	sub := &subscription{
		handle:       SubscriptionHandle(uuid.NewString()),
		subscriberID: subscriberID,
		filter:       filter,
		predicate:    predicate,
		handler:      handler,
		queue:        make(chan *Event, b.cfg.QueueCapacity),
	}
	b.subs[sub.handle] = sub
	b.byType[filter]++

	b.wg.Add(1)
	go b.deliveryLoop(sub)

	return sub.handle, nil
}

// Unsubscribe removes a subscription and drains its queue.
func (b *Bus) Unsubscribe(handle SubscriptionHandle) error {
	b.mu.Lock()
	sub, ok := b.subs[handle]
	if ok {
		delete(b.subs, handle)
		b.byType[sub.filter]--
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("subscription %s not found", handle)
	}
	close(sub.queue)
	return nil
}

// Publish delivers e to every matching subscription and returns the number of
// queues it was accepted into. Queue-full handling follows the configured
// backpressure policy; the publisher is never blocked indefinitely.
func (b *Bus) Publish(ctx context.Context, e *Event) (int, error) {
	if !b.running.Load() {
		return 0, ErrBusStopped
	}
	if e == nil {
		return 0, errors.New("nil event")
	}
	if !Known(e.Type) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}

	b.published.Add(1)
	if b.publishCtr != nil {
		b.publishCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(e.Type))))
	}

	// Matching and enqueueing stay under the read lock so Unsubscribe/Stop
	// cannot close a queue between the two. Every channel op here is
	// non-blocking, so no lock is held across an await.
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, sub := range b.subs {
		if !filterMatches(sub.filter, e.Type) {
			continue
		}
		if sub.predicate != "" {
			ok, err := b.pred.Match(sub.predicate, e.Payload)
			if err != nil {
				b.deadLetter(sub, e, fmt.Sprintf("predicate error: %v", err))
				continue
			}
			if !ok {
				continue
			}
		}
		if b.enqueue(sub, e) {
			count++
		}
	}
	return count, nil
}

func (b *Bus) enqueue(sub *subscription, e *Event) bool {
	select {
	case sub.queue <- e:
		return true
	default:
	}

	switch b.cfg.Backpressure {
	case DropOldest:
		// Make room by discarding from the head, then retry once. A concurrent
		// consumer may win the race; that still counts as accepted.
		select {
		case old := <-sub.queue:
			b.droppedOldest.Add(1)
			b.deadLetter(sub, old, "dropped by drop-oldest backpressure")
		default:
		}
		select {
		case sub.queue <- e:
			return true
		default:
		}
		b.backpressured.Add(1)
		b.deadLetter(sub, e, "queue full after drop-oldest")
		return false
	default: // RejectNew
		b.backpressured.Add(1)
		b.deadLetter(sub, e, "queue full (reject-new)")
		return false
	}
}

func (b *Bus) deliveryLoop(sub *subscription) {
	defer b.wg.Done()
	for e := range sub.queue {
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub *subscription, e *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DeliveryTimeout)
	start := time.Now()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.handler(ctx, e)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = fmt.Errorf("delivery timed out after %s", b.cfg.DeliveryTimeout)
	}
	cancel()

	elapsed := time.Since(start)
	b.latencySum.Add(int64(elapsed))
	if b.latencyHist != nil {
		b.latencyHist.Record(context.Background(), elapsed.Seconds(),
			metric.WithAttributes(attribute.String("event.type", string(e.Type))))
	}

	if err != nil {
		b.deadLetter(sub, e, err.Error())
		return
	}
	b.delivered.Add(1)
}

func (b *Bus) deadLetter(sub *subscription, e *Event, reason string) {
	b.deadLettered.Add(1)
	b.dlMu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Handle:       sub.handle,
		SubscriberID: sub.subscriberID,
		EventID:      e.ID,
		EventType:    e.Type,
		Reason:       reason,
		At:           time.Now().UTC(),
	})
	b.dlMu.Unlock()
	b.logger.Warn("delivery dead-lettered",
		"subscriber", sub.subscriberID,
		"event_id", e.ID,
		"event_type", string(e.Type),
		"reason", reason,
	)
}

// DeadLetters returns a copy of the dead-letter list.
func (b *Bus) DeadLetters() []DeadLetter {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// BusMetrics returns a snapshot of running counters.
func (b *Bus) BusMetrics() Metrics {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()
	b.chainMu.Lock()
	active := 0
	for _, c := range b.chains {
		if c.Status == ChainActive {
			active++
		}
	}
	b.chainMu.Unlock()

	delivered := b.delivered.Load()
	var avg int64
	if delivered > 0 {
		avg = b.latencySum.Load() / int64(delivered)
	}
	return Metrics{
		Published:       b.published.Load(),
		Delivered:       delivered,
		DeadLettered:    b.deadLettered.Load(),
		Backpressured:   b.backpressured.Load(),
		DroppedOldest:   b.droppedOldest.Load(),
		ActiveChains:    active,
		Subscriptions:   subs,
		AvgDeliveryNano: avg,
	}
}

// InitiateCascade opens a chain rooted at root and returns its id. The root
// event itself must already have been published by the caller.
func (b *Bus) InitiateCascade(root *Event) string {
	chain := newChain(root)
	b.chainMu.Lock()
	b.chains[chain.ID] = chain
	b.chainMu.Unlock()
	return chain.ID
}

// Propagate appends child under parent in the chain and publishes it with the
// chain id as correlation. When a depth or breadth guard trips, the chain is
// force-completed as ABORTED, the child is NOT published, and ErrCascadeAborted
// is returned; per the error design the root publisher is never failed for
// this, so callers log and move on.
func (b *Bus) Propagate(ctx context.Context, chainID string, parent, child *Event) error {
	b.chainMu.Lock()
	chain, ok := b.chains[chainID]
	b.chainMu.Unlock()
	if !ok {
		return ErrChainNotFound
	}

	if !chain.append(parent, child, b.cfg.Guards) {
		snap := chain.Snapshot()
		if snap.Status == ChainAborted {
			if chain.markFinalized() {
				b.finalizeChain(ctx, chain, CascadeAborted)
			}
			return fmt.Errorf("%w: %s", ErrCascadeAborted, snap.AbortReason)
		}
		return fmt.Errorf("cascade chain %s is %s", chainID, snap.Status)
	}

	if _, err := b.Publish(ctx, child.WithCorrelation(chainID)); err != nil {
		return err
	}
	return nil
}

// CompleteCascade closes an active chain as COMPLETED.
func (b *Bus) CompleteCascade(ctx context.Context, chainID string) error {
	b.chainMu.Lock()
	chain, ok := b.chains[chainID]
	b.chainMu.Unlock()
	if !ok {
		return ErrChainNotFound
	}
	if chain.complete() && chain.markFinalized() {
		b.finalizeChain(ctx, chain, CascadeCompleted)
	}
	return nil
}

// Chain returns a snapshot of a chain, finished or not.
func (b *Bus) Chain(chainID string) (CascadeChain, error) {
	b.chainMu.Lock()
	chain, ok := b.chains[chainID]
	b.chainMu.Unlock()
	if !ok {
		return CascadeChain{}, ErrChainNotFound
	}
	return chain.Snapshot(), nil
}

// finalizeChain persists the finished chain fire-and-forget, announces the
// outcome on the bus itself, and retires the chain from the in-memory table
// once the bounded tail of finished chains overflows.
func (b *Bus) finalizeChain(ctx context.Context, chain *CascadeChain, outcome EventType) {
	snap := chain.Snapshot()
	b.retireChain(snap.ID)
	if b.store != nil {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.store.SaveChain(pctx, &snap); err != nil {
				b.logger.Error("cascade chain persistence failed",
					"chain_id", snap.ID, "status", string(snap.Status), "error", err)
			}
		}()
	}
	if b.running.Load() {
		notice := New(outcome, "event-bus", map[string]any{
			"chain_id": snap.ID,
			"depth":    snap.Depth,
			"breadth":  snap.Breadth,
			"reason":   snap.AbortReason,
		})
		if _, err := b.Publish(ctx, notice.WithCorrelation(snap.ID)); err != nil {
			b.logger.Warn("cascade outcome publish failed", "chain_id", snap.ID, "error", err)
		}
	}
}

// retireChain appends id to the finished tail and evicts the oldest finished
// chains beyond the configured limit, so a long-running daemon's chain table
// stays bounded. Recently finished chains remain queryable via Chain, and
// Propagate into a still-retained aborted chain keeps returning
// ErrCascadeAborted, which bounds overlay feedback loops.
func (b *Bus) retireChain(id string) {
	b.chainMu.Lock()
	defer b.chainMu.Unlock()
	b.finished = append(b.finished, id)
	for len(b.finished) > b.cfg.ChainHistoryLimit {
		delete(b.chains, b.finished[0])
		b.finished = b.finished[1:]
	}
}

func validFilter(filter string) error {
	if filter == "*" {
		return nil
	}
	if strings.HasSuffix(filter, ".*") {
		return nil
	}
	if !Known(EventType(filter)) {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, filter)
	}
	return nil
}

func filterMatches(filter string, t EventType) bool {
	switch {
	case filter == "*":
		return true
	case strings.HasSuffix(filter, ".*"):
		return t.Category() == strings.TrimSuffix(filter, ".*")
	default:
		return filter == string(t)
	}
}
