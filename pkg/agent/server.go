package agent

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"github.com/go-zeromq/zmq4/security/curve"
	"github.com/google/uuid"

	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

// ServerIdentity authenticates this agent's REP socket with CurveZMQ.
// A nil ServerIdentity passed to NewServer leaves the socket
// unauthenticated, matching the manager-side Peer's "nil means
// unauthenticated" convention.
type ServerIdentity struct {
	AgentPublic [32]byte
	AgentSecret [32]byte
}

// Server is the agent-side half of the manager's AgentRPCCache: a
// CurveZMQ REP socket that decodes wire.Call, dispatches to Backend,
// and encodes the result or error as wire.Reply. REP enforces strict
// recv/send alternation, so calls against one Server are necessarily
// serialized -- the agent processes one RPC at a time, same as the
// manager's Peer issues them one at a time per agent.
type Server struct {
	backend *Backend
	sock    zmq4.Socket
}

// NewServer builds a Server bound to backend; call Listen to start
// accepting calls.
func NewServer(backend *Backend, identity *ServerIdentity) (*Server, error) {
	opts := []zmq4.Option{}
	if identity != nil {
		sec, err := curve.NewServer(identity.AgentSecret)
		if err != nil {
			return nil, fmt.Errorf("build curve server security: %w", err)
		}
		opts = append(opts, zmq4.WithSecurity(sec))
	}
	return &Server{backend: backend, sock: zmq4.NewRep(context.Background(), opts...)}, nil
}

// Listen binds addr and serves requests until ctx is cancelled or the
// socket is closed.
func (s *Server) Listen(ctx context.Context, addr string) error {
	if err := s.sock.Listen(addr); err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		_ = s.sock.Close()
	}()

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recv call: %w", err)
		}

		reply := s.dispatch(ctx, msg.Bytes())
		raw, err := wire.Marshal(reply)
		if err != nil {
			return fmt.Errorf("encode reply: %w", err)
		}
		if err := s.sock.Send(zmq4.NewMsg(raw)); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
}

// dispatch decodes one wire.Call and runs the matching Backend method,
// converting a Go error into the wire.Reply's ErrorRecord shape rather
// than ever panicking across the RPC boundary.
func (s *Server) dispatch(ctx context.Context, frame []byte) wire.Reply {
	var call wire.Call
	if err := wire.Unmarshal(frame, &call); err != nil {
		return errorReply("ValueError", fmt.Sprintf("decode call: %v", err))
	}

	switch call.Method {
	case "create_kernel":
		info, ok := firstArg[*types.KernelCreationInfo](call.Args)
		if !ok {
			return errorReply("ValueError", "create_kernel: missing KernelCreationInfo argument")
		}
		if err := s.backend.CreateKernel(ctx, info, nil); err != nil {
			return errorReplyFrom(err)
		}
		return wire.Reply{Result: map[string]any{"kernel_id": info.KernelID.String()}}

	case "destroy_kernel":
		kernelID, reason, ok := kernelIDAndReason(call.Args)
		if !ok {
			return errorReply("ValueError", "destroy_kernel: missing kernel_id argument")
		}
		if err := s.backend.DestroyKernel(ctx, kernelID, reason); err != nil {
			return errorReplyFrom(err)
		}
		return wire.Reply{Result: map[string]any{}}

	case "restart_kernel":
		kernelID, _, ok := kernelIDAndReason(call.Args)
		if !ok {
			return errorReply("ValueError", "restart_kernel: missing kernel_id argument")
		}
		if err := s.backend.RestartKernel(ctx, kernelID); err != nil {
			return errorReplyFrom(err)
		}
		return wire.Reply{Result: map[string]any{}}

	case "get_managed_containers":
		containers, err := s.backend.GetManagedContainers(ctx, ContainerActivityStatus(""))
		if err != nil {
			return errorReplyFrom(err)
		}
		return wire.Reply{Result: containers}

	default:
		return errorReply("RuntimeError", fmt.Sprintf("unknown method %q", call.Method))
	}
}

// firstArg recovers args[0] as a concrete T. wire.Unmarshal decodes a
// Call's Args generically (a struct argument comes back as
// map[string]any, not the original type), so a plain type assertion
// never matches a struct arg; round-tripping it back through the same
// msgpack codec reconstructs it field by field instead.
func firstArg[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	raw, err := wire.Marshal(args[0])
	if err != nil {
		return zero, false
	}
	var out T
	if err := wire.Unmarshal(raw, &out); err != nil {
		return zero, false
	}
	return out, true
}

func kernelIDAndReason(args []any) (types.KernelID, string, bool) {
	if len(args) == 0 {
		return types.KernelID{}, "", false
	}
	idStr, ok := args[0].(string)
	if !ok {
		return types.KernelID{}, "", false
	}
	parsed, err := uuid.Parse(idStr)
	if err != nil {
		return types.KernelID{}, "", false
	}
	reason := ""
	if len(args) > 1 {
		reason, _ = args[1].(string)
	}
	return types.KernelID(parsed), reason, true
}

func errorReply(name, repr string) wire.Reply {
	return wire.Reply{Error: &wire.ErrorRecord{ExcName: name, ExcRepr: repr}}
}

func errorReplyFrom(err error) wire.Reply {
	return wire.Reply{Error: &wire.ErrorRecord{ExcName: "AgentError", ExcRepr: err.Error()}}
}
