package events

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/nimbusforge/sokovan/pkg/wire"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDispatcher(db)
}

func TestConsumeDeliversEveryAnycastEvent(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []string

	require.NoError(t, d.Consume(ctx, KernelStartedAnycastEvent, "handlers",
		func(ctx context.Context, evs []wire.Event) error {
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range evs {
				received = append(received, ev.DomainID)
			}
			return nil
		}, nil))

	d.Dispatch(wire.Event{Name: string(KernelStartedAnycastEvent), Domain: wire.DomainKernel, DomainID: "kernel-1"})
	d.Dispatch(wire.Event{Name: string(KernelStartedAnycastEvent), Domain: wire.DomainKernel, DomainID: "kernel-2"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSameDomainIDStaysOrderedAcrossManyEvents(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []int

	require.NoError(t, d.Consume(ctx, AgentHeartbeatAnycastEvent, "handlers",
		func(ctx context.Context, evs []wire.Event) error {
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range evs {
				seen = append(seen, ev.Payload["n"].(int))
			}
			return nil
		}, nil))

	for i := 0; i < 20; i++ {
		d.Dispatch(wire.Event{
			Name: string(AgentHeartbeatAnycastEvent), Domain: wire.DomainAgent, DomainID: "agent-1",
			Payload: map[string]any{"n": i},
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
}

func TestCoalescingBatchesBurstByMaxBatchSize(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var batchSizes []int

	require.NoError(t, d.Consume(ctx, DoScheduleEvent, "handlers",
		func(ctx context.Context, evs []wire.Event) error {
			mu.Lock()
			defer mu.Unlock()
			batchSizes = append(batchSizes, len(evs))
			return nil
		}, &CoalescingOptions{MaxWait: time.Second, MaxBatchSize: 5}))

	for i := 0; i < 5; i++ {
		d.Dispatch(wire.Event{Name: string(DoScheduleEvent), Domain: wire.DomainSchedule, DomainID: "scheduler"})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batchSizes) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{5}, batchSizes)
}

func TestCoalescingFlushesOnMaxWaitWithoutFillingBatch(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var batchSizes []int

	require.NoError(t, d.Consume(ctx, DoScheduleEvent, "handlers",
		func(ctx context.Context, evs []wire.Event) error {
			mu.Lock()
			defer mu.Unlock()
			batchSizes = append(batchSizes, len(evs))
			return nil
		}, &CoalescingOptions{MaxWait: 20 * time.Millisecond, MaxBatchSize: 100}))

	d.Dispatch(wire.Event{Name: string(DoScheduleEvent), Domain: wire.DomainSchedule, DomainID: "scheduler"})
	d.Dispatch(wire.Event{Name: string(DoScheduleEvent), Domain: wire.DomainSchedule, DomainID: "scheduler"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batchSizes) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2}, batchSizes)
}

func TestSubscribeFansOutToEverySubscriber(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	countA, countB := 0, 0

	require.NoError(t, d.Subscribe(ctx, SchedulingBroadcastEvent, func(ctx context.Context, ev wire.Event) error {
		mu.Lock()
		countA++
		mu.Unlock()
		return nil
	}))
	require.NoError(t, d.Subscribe(ctx, SchedulingBroadcastEvent, func(ctx context.Context, ev wire.Event) error {
		mu.Lock()
		countB++
		mu.Unlock()
		return nil
	}))

	d.Dispatch(wire.Event{Name: string(SchedulingBroadcastEvent), Domain: wire.DomainSchedule, DomainID: "scheduler"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return countA == 1 && countB == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConsumeRejectsBroadcastEventType(t *testing.T) {
	d := newTestDispatcher(t)
	err := d.Consume(context.Background(), SchedulingBroadcastEvent, "handlers",
		func(ctx context.Context, evs []wire.Event) error { return nil }, nil)
	require.Error(t, err)
}

func TestSubscribeRejectsAnycastEventType(t *testing.T) {
	d := newTestDispatcher(t)
	err := d.Subscribe(context.Background(), KernelStartedAnycastEvent,
		func(ctx context.Context, ev wire.Event) error { return nil })
	require.Error(t, err)
}

func TestUnackedEventReplaysForNextMember(t *testing.T) {
	d := newTestDispatcher(t)

	var attempts int
	var mu sync.Mutex

	ctx1, cancel1 := context.WithCancel(context.Background())
	require.NoError(t, d.Consume(ctx1, KernelCancelledAnycastEvent, "handlers",
		func(ctx context.Context, evs []wire.Event) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return assert.AnError
		}, nil))

	d.Dispatch(wire.Event{Name: string(KernelCancelledAnycastEvent), Domain: wire.DomainKernel, DomainID: "kernel-1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 1
	}, time.Second, 5*time.Millisecond)
	cancel1()

	var delivered bool
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	require.NoError(t, d.Consume(ctx2, KernelCancelledAnycastEvent, "handlers",
		func(ctx context.Context, evs []wire.Event) error {
			mu.Lock()
			delivered = true
			mu.Unlock()
			return nil
		}, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	}, time.Second, 5*time.Millisecond)
}

