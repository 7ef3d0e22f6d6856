package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b, err := NewBus(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

// collector is a handler that records delivered events in arrival order.
type collector struct {
	mu     sync.Mutex
	events []*Event
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, e *Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestPublishRequiresRunningBus(t *testing.T) {
	b, err := NewBus(DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), New(CapsuleCreated, "test", nil))
	require.ErrorIs(t, err, ErrBusStopped)
}

func TestPublishRejectsUnknownType(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	_, err := b.Publish(context.Background(), New(EventType("capsule.exploded"), "test", nil))
	require.ErrorIs(t, err, ErrUnknownEventType)

	_, err = b.Publish(context.Background(), nil)
	require.Error(t, err)
}

func TestSubscribeFilterValidation(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	h := func(context.Context, *Event) error { return nil }

	_, err := b.Subscribe("s", "capsule.created", "", h)
	require.NoError(t, err)
	_, err = b.Subscribe("s", "capsule.*", "", h)
	require.NoError(t, err)
	_, err = b.Subscribe("s", "*", "", h)
	require.NoError(t, err)

	_, err = b.Subscribe("s", "capsule.exploded", "", h)
	require.ErrorIs(t, err, ErrUnknownEventType)
	_, err = b.Subscribe("s", "capsule.created", "", nil)
	require.Error(t, err)
}

func TestSubscribeRejectsBadPredicate(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	_, err := b.Subscribe("s", "*", "payload.size >", func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}

func TestFilterMatching(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	exact := newCollector()
	category := newCollector()
	all := newCollector()

	_, err := b.Subscribe("exact", "capsule.created", "", exact.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("category", "capsule.*", "", category.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("all", "*", "", all.handle)
	require.NoError(t, err)

	created := New(CapsuleCreated, "test", nil)
	updated := New(CapsuleUpdated, "test", nil)
	derived := New(InsightDerived, "test", nil)

	n, err := b.Publish(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Publish(context.Background(), updated)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Publish(context.Background(), derived)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := exact.wait(t, 1)
	assert.Equal(t, created.ID, got[0].ID)
	got = category.wait(t, 2)
	assert.Equal(t, []string{created.ID, updated.ID}, []string{got[0].ID, got[1].ID})
	all.wait(t, 3)
}

func TestPredicateFiltering(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	big := newCollector()
	_, err := b.Subscribe("big", "capsule.*", `payload.size > 100`, big.handle)
	require.NoError(t, err)

	small := New(CapsuleCreated, "test", map[string]any{"size": 10})
	large := New(CapsuleCreated, "test", map[string]any{"size": 500})

	n, err := b.Publish(context.Background(), small)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = b.Publish(context.Background(), large)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := big.wait(t, 1)
	assert.Equal(t, large.ID, got[0].ID)
}

func TestPredicateEvalErrorDeadLetters(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	// Compiles fine, but fails at runtime when the key is absent.
	_, err := b.Subscribe("picky", "*", `payload.missing == "x"`, func(context.Context, *Event) error { return nil })
	require.NoError(t, err)

	n, err := b.Publish(context.Background(), New(CapsuleCreated, "test", map[string]any{"other": 1}))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	dls := b.DeadLetters()
	require.Len(t, dls, 1)
	assert.Contains(t, dls[0].Reason, "predicate")
}

func TestSubscriberLimitPerFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSubscribersPerType = 2
	b := newTestBus(t, cfg)
	h := func(context.Context, *Event) error { return nil }

	_, err := b.Subscribe("a", "capsule.created", "", h)
	require.NoError(t, err)
	_, err = b.Subscribe("b", "capsule.created", "", h)
	require.NoError(t, err)
	_, err = b.Subscribe("c", "capsule.created", "", h)
	require.ErrorIs(t, err, ErrSubscriberLimit)

	// Limit is per filter string, not global.
	_, err = b.Subscribe("d", "capsule.updated", "", h)
	require.NoError(t, err)
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	c := newCollector()
	_, err := b.Subscribe("ordered", "capsule.*", "", c.handle)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 20; i++ {
		e := New(CapsuleUpdated, "test", map[string]any{"seq": i})
		want = append(want, e.ID)
		_, err := b.Publish(context.Background(), e)
		require.NoError(t, err)
	}

	got := c.wait(t, 20)
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, want, ids)
}

func TestBackpressureRejectNewIsolatesSlowSubscriber(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	cfg.Backpressure = RejectNew
	b := newTestBus(t, cfg)

	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	slow := func(_ context.Context, _ *Event) error {
		entered <- struct{}{}
		<-gate
		return nil
	}
	fast := newCollector()

	_, err := b.Subscribe("slow", "capsule.created", "", slow)
	require.NoError(t, err)
	_, err = b.Subscribe("fast", "capsule.created", "", fast.handle)
	require.NoError(t, err)

	e1 := New(CapsuleCreated, "test", nil)
	e2 := New(CapsuleCreated, "test", nil)
	e3 := New(CapsuleCreated, "test", nil)

	n, err := b.Publish(context.Background(), e1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Wait until the slow handler holds e1, so e2 occupies its whole queue.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("slow handler never entered")
	}

	n, err = b.Publish(context.Background(), e2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Publish(context.Background(), e3)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "slow subscriber queue full, only fast accepts")

	// The fast subscriber is unaffected by its sibling's backpressure.
	got := fast.wait(t, 3)
	assert.Len(t, got, 3)

	dls := b.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, "slow", dls[0].SubscriberID)
	assert.Equal(t, e3.ID, dls[0].EventID)
	assert.Contains(t, dls[0].Reason, "reject-new")

	close(gate)
}

func TestBackpressureDropOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	cfg.Backpressure = DropOldest
	b := newTestBus(t, cfg)

	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	c := newCollector()
	handler := func(ctx context.Context, e *Event) error {
		entered <- struct{}{}
		<-gate
		return c.handle(ctx, e)
	}

	_, err := b.Subscribe("slow", "capsule.created", "", handler)
	require.NoError(t, err)

	e1 := New(CapsuleCreated, "test", nil)
	e2 := New(CapsuleCreated, "test", nil)
	e3 := New(CapsuleCreated, "test", nil)

	_, err = b.Publish(context.Background(), e1)
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never entered")
	}

	_, err = b.Publish(context.Background(), e2)
	require.NoError(t, err)
	n, err := b.Publish(context.Background(), e3)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "e3 accepted after dropping e2")

	dls := b.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, e2.ID, dls[0].EventID)
	assert.Contains(t, dls[0].Reason, "drop-oldest")

	close(gate)
	got := c.wait(t, 2)
	assert.Equal(t, []string{e1.ID, e3.ID}, []string{got[0].ID, got[1].ID})

	m := b.BusMetrics()
	assert.Equal(t, uint64(1), m.DroppedOldest)
}

func TestHandlerErrorDeadLetters(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	done := make(chan struct{}, 1)
	_, err := b.Subscribe("failing", "capsule.created", "", func(context.Context, *Event) error {
		defer func() { done <- struct{}{} }()
		return errors.New("handler blew up")
	})
	require.NoError(t, err)

	e := New(CapsuleCreated, "test", nil)
	_, err = b.Publish(context.Background(), e)
	require.NoError(t, err)
	<-done

	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	dl := b.DeadLetters()[0]
	assert.Equal(t, e.ID, dl.EventID)
	assert.Contains(t, dl.Reason, "blew up")
}

func TestDeliveryTimeoutDeadLetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeliveryTimeout = 50 * time.Millisecond
	b := newTestBus(t, cfg)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	_, err := b.Subscribe("stuck", "capsule.created", "", func(context.Context, *Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), New(CapsuleCreated, "test", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dls := b.DeadLetters()
		return len(dls) == 1 && dls[0].Reason == fmt.Sprintf("delivery timed out after %s", cfg.DeliveryTimeout)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	c := newCollector()
	handle, err := b.Subscribe("once", "capsule.created", "", c.handle)
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), New(CapsuleCreated, "test", nil))
	require.NoError(t, err)
	c.wait(t, 1)

	require.NoError(t, b.Unsubscribe(handle))
	require.Error(t, b.Unsubscribe(handle))

	n, err := b.Publish(context.Background(), New(CapsuleCreated, "test", nil))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStopDrainsAndRejectsFurtherPublishes(t *testing.T) {
	b, err := NewBus(DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	c := newCollector()
	_, err = b.Subscribe("drain", "capsule.created", "", c.handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := b.Publish(context.Background(), New(CapsuleCreated, "test", nil))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx)) // idempotent

	c.mu.Lock()
	delivered := len(c.events)
	c.mu.Unlock()
	assert.Equal(t, 10, delivered, "queued events drain before stop returns")

	_, err = b.Publish(context.Background(), New(CapsuleCreated, "test", nil))
	require.ErrorIs(t, err, ErrBusStopped)
}

func TestStopRemovesSubscriptions(t *testing.T) {
	b, err := NewBus(DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	h, err := b.Subscribe("late", "capsule.created", "", func(context.Context, *Event) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	// The stopped handle is gone; unsubscribing it reports not-found instead
	// of touching the already-closed queue.
	err = b.Unsubscribe(h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// No new subscriptions after Stop: the delivery goroutine would never be
	// reaped by a later Stop.
	_, err = b.Subscribe("too-late", "capsule.created", "", func(context.Context, *Event) error { return nil })
	require.ErrorIs(t, err, ErrBusStopped)

	assert.Zero(t, b.BusMetrics().Subscriptions)
}

func TestBusMetricsCounters(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	c := newCollector()
	_, err := b.Subscribe("m", "capsule.*", "", c.handle)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Publish(context.Background(), New(CapsuleCreated, "test", nil))
		require.NoError(t, err)
	}
	c.wait(t, 5)

	require.Eventually(t, func() bool {
		return b.BusMetrics().Delivered == 5
	}, 2*time.Second, 10*time.Millisecond)

	m := b.BusMetrics()
	assert.Equal(t, uint64(5), m.Published)
	assert.Equal(t, uint64(0), m.DeadLettered)
	assert.Equal(t, 1, m.Subscriptions)
	assert.Positive(t, m.AvgDeliveryNano)
}
