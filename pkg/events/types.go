package events

// Mode is the delivery mode of an EventType: anycast (exactly one
// consumer-group member) or broadcast (every subscriber).
type Mode int

const (
	Anycast Mode = iota
	Broadcast
)

// EventType is a member of the closed set of event names the
// dispatcher knows how to route. Unlisted names default to Broadcast
// in ModeOf, since fanning out an unrecognized event is the safer
// failure than silently dropping it for a nonexistent consumer group.
type EventType string

const (
	DoScheduleEvent         EventType = "do_schedule"
	DoStartSessionEvent     EventType = "do_start_session"
	DoTerminateSessionEvent EventType = "do_terminate_session"

	KernelStartedAnycastEvent    EventType = "kernel_started"
	KernelTerminatedAnycastEvent EventType = "kernel_terminated"
	KernelCancelledAnycastEvent  EventType = "kernel_cancelled"
	AgentHeartbeatAnycastEvent   EventType = "agent_heartbeat"
	AgentTerminatedAnycastEvent  EventType = "agent_terminated"

	SchedulingBroadcastEvent      EventType = "scheduling_broadcast"
	SessionEnqueuedBroadcastEvent EventType = "session_enqueued_broadcast"
	BgtaskUpdatedEvent            EventType = "bgtask_updated"
	BgtaskDoneEvent               EventType = "bgtask_done"
	IdleCheckBroadcastEvent       EventType = "idle_check_broadcast"
)

var modes = map[EventType]Mode{
	DoScheduleEvent:         Anycast,
	DoStartSessionEvent:     Anycast,
	DoTerminateSessionEvent: Anycast,

	KernelStartedAnycastEvent:    Anycast,
	KernelTerminatedAnycastEvent: Anycast,
	KernelCancelledAnycastEvent:  Anycast,
	AgentHeartbeatAnycastEvent:   Anycast,
	AgentTerminatedAnycastEvent:  Anycast,

	SchedulingBroadcastEvent:      Broadcast,
	SessionEnqueuedBroadcastEvent: Broadcast,
	BgtaskUpdatedEvent:            Broadcast,
	BgtaskDoneEvent:               Broadcast,
	IdleCheckBroadcastEvent:       Broadcast,
}

// ModeOf reports the fixed delivery mode for a known event type.
func ModeOf(t EventType) Mode {
	if m, ok := modes[t]; ok {
		return m
	}
	return Broadcast
}
