package handlers

import (
	"time"

	"github.com/nimbusforge/sokovan/pkg/events"
	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

// StageEntry is one kernel status reached during agent-side
// provisioning, with the timestamp it was reached.
type StageEntry struct {
	Status types.KernelStatus `msgpack:"status"`
	At     time.Time          `msgpack:"at"`
}

// StartedReport is the payload of a KernelStartedAnycastEvent: the
// ordered sequence of statuses the kernel passed through on its way
// to RUNNING. The agent reports once, at the end of its stage
// pipeline, rather than firing one event per stage, so the manager
// replays the whole sequence into status_history in one pass.
type StartedReport struct {
	Stages []StageEntry `msgpack:"stages"`
}

// NewKernelStartedEvent packs a StartedReport for dispatch. source is
// the reporting agent's node identity.
func NewKernelStartedEvent(source string, kernelID types.KernelID, stages []StageEntry) (wire.Event, error) {
	raw, err := wire.Marshal(StartedReport{Stages: stages})
	if err != nil {
		return wire.Event{}, err
	}
	return wire.Event{
		Name:     string(events.KernelStartedAnycastEvent),
		Domain:   wire.DomainKernel,
		DomainID: kernelID.String(),
		Source:   source,
		Payload:  map[string]any{"report": raw},
	}, nil
}

func parseStartedReport(ev wire.Event) (*StartedReport, error) {
	raw, _ := ev.Payload["report"].([]byte)
	if raw == nil {
		return &StartedReport{}, nil
	}
	var report StartedReport
	if err := wire.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// TerminalReport is the payload of a kernel_terminated/kernel_cancelled
// event: just enough context to explain the terminal transition.
type TerminalReport struct {
	StatusInfo string          `msgpack:"status_info"`
	Error      *types.ErrorInfo `msgpack:"error,omitempty"`
}

func NewKernelTerminalEvent(eventType, source string, kernelID types.KernelID, report TerminalReport) (wire.Event, error) {
	raw, err := wire.Marshal(report)
	if err != nil {
		return wire.Event{}, err
	}
	return wire.Event{
		Name:     eventType,
		Domain:   wire.DomainKernel,
		DomainID: kernelID.String(),
		Source:   source,
		Payload:  map[string]any{"report": raw},
	}, nil
}

func parseTerminalReport(ev wire.Event) (*TerminalReport, error) {
	raw, _ := ev.Payload["report"].([]byte)
	if raw == nil {
		return &TerminalReport{}, nil
	}
	var report TerminalReport
	if err := wire.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// parseHeartbeatPayload reads an agent_heartbeat event's address,
// public key, architecture/scaling-group, and available-capacity
// snapshot directly out of the event's payload map.
//
// available_slots is read leniently: an event built in-process still
// carries it as map[string]float64, but one that crossed the wire
// (join_server's /events, msgpack-decoded into the untyped Payload
// map) comes back as map[string]any, since the decoder has no type
// hint for a nested map. Both shapes are accepted so a real agent's
// heartbeat isn't silently dropped to zero capacity.
func parseHeartbeatPayload(ev wire.Event) (addr string, publicKey []byte, architecture, scalingGroup string, available map[string]float64) {
	addr, _ = ev.Payload["addr"].(string)
	publicKey, _ = ev.Payload["public_key"].([]byte)
	architecture, _ = ev.Payload["architecture"].(string)
	scalingGroup, _ = ev.Payload["scaling_group"].(string)
	switch slots := ev.Payload["available_slots"].(type) {
	case map[string]float64:
		available = slots
	case map[string]any:
		available = make(map[string]float64, len(slots))
		for k, v := range slots {
			switch n := v.(type) {
			case float64:
				available[k] = n
			case float32:
				available[k] = float64(n)
			case int:
				available[k] = float64(n)
			case int64:
				available[k] = float64(n)
			}
		}
	}
	return
}
