package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

// BatchHandler processes one or more events delivered together under
// CoalescingOptions; with no coalescing configured it is always
// called with a single-element slice.
type BatchHandler func(ctx context.Context, events []wire.Event) error

// CoalescingOptions compresses a burst of same-type events destined
// for one anycast group into a single handler call: whichever bound
// is hit first, MaxWait or MaxBatchSize, flushes the pending batch.
type CoalescingOptions struct {
	MaxWait      time.Duration
	MaxBatchSize int
}

type queuedEvent struct {
	seq uint64 // 0 for events routed directly, not yet persisted
	ev  wire.Event
}

type groupKey struct {
	eventType EventType
	name      string
}

// anycastGroup is one consumer group for one EventType: a durable
// queue plus a set of shard channels, one per member that has called
// Consume. Events are routed to a shard by hashing domain_id, so all
// events for the same domain land on the same shard and are handled
// in arrival order; different domains may be handled concurrently by
// different members.
type anycastGroup struct {
	eventType EventType
	queue     *durableQueue

	mu       sync.Mutex
	handler  BatchHandler
	coalesce *CoalescingOptions
	shards   []chan queuedEvent

	// shardCtxs[i] is the context of the member reading shards[i].
	shardCtxs []context.Context
}

type broadcastSub struct {
	ch chan wire.Event
}

// Dispatcher routes closed-set events to anycast consumer groups
// (durable, ordered per domain_id, exactly one member per event) and
// to broadcast subscribers (fan-out, best effort). It is the
// process-local stand-in for a durable message queue plus a pub/sub
// bus, both addressed through the same Dispatch call.
type Dispatcher struct {
	db *bolt.DB

	mu          sync.Mutex
	groups      map[groupKey]*anycastGroup
	subscribers map[EventType][]*broadcastSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher builds a Dispatcher backed by db for anycast
// durability. db may be nil if the dispatcher will only ever be used
// for broadcast delivery.
func NewDispatcher(db *bolt.DB) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		db:          db,
		groups:      make(map[groupKey]*anycastGroup),
		subscribers: make(map[EventType][]*broadcastSub),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// mergeCtx ties a caller-supplied context to the dispatcher's own
// lifetime: cancelling either one stops the handler goroutine.
func (d *Dispatcher) mergeCtx(ctx context.Context) context.Context {
	merged, cancel := context.WithCancel(ctx)
	context.AfterFunc(d.ctx, cancel)
	return merged
}

// Consume joins (or creates) a named anycast consumer group for
// eventType. Cancelling ctx removes this member only; any events left
// on its shard are not lost — they stay in the durable queue and are
// replayed the next time a member with this name joins.
func (d *Dispatcher) Consume(ctx context.Context, eventType EventType, name string, handler BatchHandler, opts *CoalescingOptions) error {
	if ModeOf(eventType) != Anycast {
		return fmt.Errorf("events: %s is not an anycast event type", eventType)
	}

	d.mu.Lock()
	key := groupKey{eventType: eventType, name: name}
	g, ok := d.groups[key]
	if !ok {
		q, err := newDurableQueue(d.db, eventType, name)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("open durable queue for %s/%s: %w", eventType, name, err)
		}
		g = &anycastGroup{eventType: eventType, queue: q}
		d.groups[key] = g
	}
	d.mu.Unlock()

	merged := d.mergeCtx(ctx)

	g.mu.Lock()
	g.handler = handler
	g.coalesce = opts
	// Drop the shards of members whose ctx is done, so the replay below
	// and later dispatches route only to live members.
	live, liveCtxs := g.shards[:0], g.shardCtxs[:0]
	for i, s := range g.shards {
		if g.shardCtxs[i].Err() == nil {
			live, liveCtxs = append(live, s), append(liveCtxs, g.shardCtxs[i])
		}
	}
	shard := make(chan queuedEvent, 256)
	g.shards = append(live, shard)
	g.shardCtxs = append(liveCtxs, merged)
	g.mu.Unlock()

	d.wg.Add(1)
	go d.runShard(merged, g, shard)

	// Replay whatever a previous member left unacked.
	return g.queue.replay(func(seq uint64, ev wire.Event) {
		d.routeToShard(g, queuedEvent{seq: seq, ev: ev})
	})
}

func (d *Dispatcher) runShard(ctx context.Context, g *anycastGroup, ch chan queuedEvent) {
	defer d.wg.Done()

	var batch []queuedEvent
	var flush <-chan time.Time

	flushNow := func() {
		if len(batch) == 0 {
			return
		}
		events := make([]wire.Event, len(batch))
		for i, qe := range batch {
			events[i] = qe.ev
		}
		g.mu.Lock()
		handler := g.handler
		g.mu.Unlock()
		if err := handler(ctx, events); err != nil {
			log.Logger.Error().Err(err).Str("event_type", string(g.eventType)).
				Msg("anycast handler failed, events remain queued for retry")
			batch = nil
			flush = nil
			return
		}
		for _, qe := range batch {
			if qe.seq != 0 {
				if err := g.queue.ack(qe.seq); err != nil {
					log.Logger.Warn().Err(err).Uint64("seq", qe.seq).Msg("failed to ack delivered event")
				}
			}
		}
		batch = nil
		flush = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushNow()
			return
		case qe, ok := <-ch:
			if !ok {
				flushNow()
				return
			}
			batch = append(batch, qe)
			g.mu.Lock()
			coalesce := g.coalesce
			g.mu.Unlock()
			if coalesce == nil || coalesce.MaxBatchSize <= 1 {
				flushNow()
				continue
			}
			if len(batch) >= coalesce.MaxBatchSize {
				flushNow()
				continue
			}
			if flush == nil {
				flush = time.NewTimer(coalesce.MaxWait).C
			}
		case <-flush:
			flushNow()
		}
	}
}

// Subscribe registers a broadcast handler for eventType; every
// dispatched event of that type is delivered to every subscriber,
// independent of any other subscriber's pace. Cancelling ctx
// unsubscribes.
func (d *Dispatcher) Subscribe(ctx context.Context, eventType EventType, handler func(ctx context.Context, ev wire.Event) error) error {
	if ModeOf(eventType) != Broadcast {
		return fmt.Errorf("events: %s is not a broadcast event type", eventType)
	}

	sub := &broadcastSub{ch: make(chan wire.Event, 256)}
	d.mu.Lock()
	d.subscribers[eventType] = append(d.subscribers[eventType], sub)
	d.mu.Unlock()

	merged := d.mergeCtx(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.removeSubscriber(eventType, sub)
		for {
			select {
			case <-merged.Done():
				return
			case ev := <-sub.ch:
				if err := handler(merged, ev); err != nil {
					log.Logger.Error().Err(err).Str("event_type", string(eventType)).Msg("broadcast handler failed")
				}
			}
		}
	}()
	return nil
}

func (d *Dispatcher) removeSubscriber(eventType EventType, target *broadcastSub) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subscribers[eventType]
	for i, sub := range subs {
		if sub == target {
			d.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Dispatch delivers ev according to the mode of its own Name: anycast
// events are durably queued and routed to a shard of every group
// registered for that type; broadcast events go straight to every
// subscriber's channel.
func (d *Dispatcher) Dispatch(ev wire.Event) {
	eventType := EventType(ev.Name)
	if ModeOf(eventType) == Broadcast {
		d.mu.Lock()
		subs := append([]*broadcastSub(nil), d.subscribers[eventType]...)
		d.mu.Unlock()
		for _, sub := range subs {
			select {
			case sub.ch <- ev:
			default:
				log.Logger.Warn().Str("event_type", string(eventType)).Msg("broadcast subscriber buffer full, dropping event")
			}
		}
		return
	}

	d.mu.Lock()
	var matched []*anycastGroup
	for key, g := range d.groups {
		if key.eventType == eventType {
			matched = append(matched, g)
		}
	}
	d.mu.Unlock()

	for _, g := range matched {
		seq, err := g.queue.enqueue(ev)
		if err != nil {
			log.Logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to persist anycast event")
			continue
		}
		d.routeToShard(g, queuedEvent{seq: seq, ev: ev})
	}
}

// routeToShard hashes domain_id to pick a shard: the same domain_id
// always lands on the same shard for a fixed membership count, giving
// per-domain ordering without a global lock.
func (d *Dispatcher) routeToShard(g *anycastGroup, qe queuedEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.shards) == 0 {
		return
	}
	h := fnv.New32a()
	h.Write([]byte(qe.ev.DomainID))
	idx := int(h.Sum32() % uint32(len(g.shards)))
	select {
	case g.shards[idx] <- qe:
	default:
		log.Logger.Warn().Str("domain_id", qe.ev.DomainID).Msg("anycast shard full, event stays in the durable queue until the next replay")
	}
}

// Shutdown cancels every Consume/Subscribe context derived from the
// dispatcher and waits for their goroutines to exit.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}
