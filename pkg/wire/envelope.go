package wire

// Call is the wire shape of one Agent RPC request: method_name plus
// positional and keyword arguments.
type Call struct {
	Method string         `msgpack:"method"`
	Args   []any          `msgpack:"args"`
	Kwargs map[string]any `msgpack:"kwargs"`
}

// ErrorRecord is the wire shape of an agent-side exception, preserved
// across the RPC boundary so the manager can re-raise it as AgentError
// with the agent's traceback intact.
type ErrorRecord struct {
	ExcName string `msgpack:"exc_name"`
	ExcRepr string `msgpack:"exc_repr"`
	ExcArgs []any  `msgpack:"exc_args"`
	ExcTB   string `msgpack:"exc_tb"`
}

// Reply is the wire shape of one Agent RPC response: either Result is
// populated, or Error is, never both.
type Reply struct {
	Result any          `msgpack:"result,omitempty"`
	Error  *ErrorRecord `msgpack:"error,omitempty"`
}

// EventDomain partitions the closed set of event types.
type EventDomain string

const (
	DomainAgent    EventDomain = "agent"
	DomainKernel   EventDomain = "kernel"
	DomainSession  EventDomain = "session"
	DomainImage    EventDomain = "image"
	DomainSchedule EventDomain = "schedule"
	DomainVFolder  EventDomain = "vfolder"
	DomainBgtask   EventDomain = "bgtask"
	DomainIdle     EventDomain = "idle"
)

// Event is the wire shape shared by anycast and broadcast delivery:
// {name, domain, domain_id, source, timestamp, payload}.
type Event struct {
	Name      string         `msgpack:"name"`
	Domain    EventDomain    `msgpack:"domain"`
	DomainID  string         `msgpack:"domain_id"`
	Source    string         `msgpack:"source"`
	Timestamp string         `msgpack:"timestamp"`
	Payload   map[string]any `msgpack:"payload"`
}
