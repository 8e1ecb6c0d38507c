package rpc

import (
	"context"
	"fmt"

	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

// Peer is one long-lived connection to a single agent: a Transport
// plus msgpack framing over wire.Call/wire.Reply. Callers never
// construct one directly — they go through AgentRPCCache.RPCContext,
// which owns the Peer's lifetime.
type Peer struct {
	agentID   types.AgentID
	addr      string
	transport Transport
}

func newPeer(agentID types.AgentID, addr string, transport Transport) *Peer {
	return &Peer{agentID: agentID, addr: addr, transport: transport}
}

// Call issues one RPC, encoding args as the method's positional
// parameters and decoding the reply into reply (nil to discard it). An
// agent-side exception surfaces as *AgentError, not a generic error.
func (p *Peer) Call(ctx context.Context, method string, args []any, reply any) error {
	req, err := wire.Marshal(wire.Call{Method: method, Args: args})
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", method, err)
	}

	raw, err := p.transport.Call(ctx, req)
	if err != nil {
		return &RPCError{AgentID: p.agentID, Addr: p.addr, Detail: err.Error()}
	}

	var rep wire.Reply
	if err := wire.Unmarshal(raw, &rep); err != nil {
		return &RPCError{AgentID: p.agentID, Addr: p.addr, Detail: fmt.Sprintf("decode reply: %v", err)}
	}
	if rep.Error != nil {
		args := make([]string, len(rep.Error.ExcArgs))
		for i, a := range rep.Error.ExcArgs {
			args[i] = fmt.Sprint(a)
		}
		return &AgentError{
			AgentID: p.agentID,
			ExcName: rep.Error.ExcName,
			ExcRepr: rep.Error.ExcRepr,
			ExcArgs: args,
			ExcTB:   rep.Error.ExcTB,
		}
	}
	if reply == nil || rep.Result == nil {
		return nil
	}

	resultBytes, err := wire.Marshal(rep.Result)
	if err != nil {
		return fmt.Errorf("re-encode result for %s: %w", method, err)
	}
	if err := wire.Unmarshal(resultBytes, reply); err != nil {
		return fmt.Errorf("decode result for %s: %w", method, err)
	}
	return nil
}

func (p *Peer) Close() error {
	return p.transport.Close()
}
