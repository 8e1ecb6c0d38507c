package rpc

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"github.com/go-zeromq/zmq4/security/curve"
)

// Transport is the one-request-one-reply frame exchange a Peer drives;
// the production implementation is a CurveZMQ REQ socket, tests supply
// an in-memory double.
type Transport interface {
	Call(ctx context.Context, frame []byte) ([]byte, error)
	Close() error
}

// CurveIdentity is the agent's known public key plus the manager's own
// keypair, enough to authenticate a REQ socket with CurveZMQ. A nil
// Identity means connect unauthenticated, matching "unauthenticated
// otherwise" for agents this manager hasn't exchanged keys with yet.
type CurveIdentity struct {
	ManagerPublic [32]byte
	ManagerSecret [32]byte
	AgentPublic   [32]byte
}

// zmqTransport wraps a single zmq4 REQ socket dialed to one agent
// address. REQ enforces strict send/recv alternation, which is exactly
// the one-call-at-a-time contract order_key serialization needs above
// it.
type zmqTransport struct {
	sock zmq4.Socket
}

// DialZMQPeer opens a CurveZMQ REQ socket to addr. identity == nil
// dials unauthenticated.
func DialZMQPeer(ctx context.Context, addr string, identity *CurveIdentity, keepalive KeepaliveConfig) (Transport, error) {
	opts := []zmq4.Option{zmq4.WithDialer(keepalive.dialer())}
	if identity != nil {
		sec, err := curve.NewClient(identity.AgentPublic, identity.ManagerPublic, identity.ManagerSecret)
		if err != nil {
			return nil, fmt.Errorf("build curve client security: %w", err)
		}
		opts = append(opts, zmq4.WithSecurity(sec))
	}

	sock := zmq4.NewReq(ctx, opts...)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("dial agent at %s: %w", addr, err)
	}
	return &zmqTransport{sock: sock}, nil
}

func (t *zmqTransport) Call(ctx context.Context, frame []byte) ([]byte, error) {
	if err := t.sock.Send(zmq4.NewMsg(frame)); err != nil {
		return nil, fmt.Errorf("send request frame: %w", err)
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	// Recv has no ctx-aware variant; on cancellation this goroutine
	// stays blocked until the socket actually replies or is closed.
	go func() {
		msg, err := t.sock.Recv()
		done <- result{msg: msg, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("receive reply frame: %w", r.err)
		}
		return r.msg.Bytes(), nil
	}
}

func (t *zmqTransport) Close() error {
	return t.sock.Close()
}
