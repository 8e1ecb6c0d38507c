package rpc

import (
	"fmt"

	"github.com/nimbusforge/sokovan/pkg/types"
)

// RPCError is a connection or authentication failure talking to an
// agent — the peer was unreachable, the handshake failed, or the
// socket errored before a reply frame came back.
type RPCError struct {
	AgentID types.AgentID
	Addr    string
	Detail  string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc to agent %s (%s): %s", e.AgentID, e.Addr, e.Detail)
}

// AgentError carries an exception the agent itself raised while
// executing the call, re-surfaced in the caller's domain with the
// agent's traceback preserved rather than collapsed into a generic
// transport error.
type AgentError struct {
	AgentID types.AgentID
	ExcName string
	ExcRepr string
	ExcArgs []string
	ExcTB   string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s raised %s: %s", e.AgentID, e.ExcName, e.ExcRepr)
}
