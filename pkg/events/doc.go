/*
Package events implements the manager's event bus: a closed set of
typed events (pkg/wire.Event) partitioned by domain and delivery mode.

Anycast events (DoScheduleEvent, KernelStartedAnycastEvent, ...) are
consumed by exactly one member of a named consumer group, durably
queued in bbolt so a crash between enqueue and ack doesn't lose the
event, and sharded by domain_id so events for the same session or
kernel are always handled in arrival order by the same goroutine.

Broadcast events (SchedulingBroadcastEvent, BgtaskUpdatedEvent, ...)
fan out to every subscriber, for progress propagation to clients.

CoalescingOptions lets an anycast consumer collapse a burst of
same-type events into one handler call, bounded by whichever of
MaxWait or MaxBatchSize is hit first.

# Usage

	dispatcher := events.NewDispatcher(db)

	dispatcher.Consume(ctx, events.KernelTerminatedAnycastEvent, "lifecycle-handlers",
		func(ctx context.Context, evs []wire.Event) error {
			for _, ev := range evs {
				handleKernelTerminated(ev)
			}
			return nil
		}, nil)

	dispatcher.Subscribe(ctx, events.SchedulingBroadcastEvent,
		func(ctx context.Context, ev wire.Event) error {
			return broadcastToClients(ev)
		})

	dispatcher.Dispatch(wire.Event{
		Name:     string(events.KernelTerminatedAnycastEvent),
		Domain:   wire.DomainKernel,
		DomainID: kernelID.String(),
	})

	dispatcher.Shutdown()
*/
package events
