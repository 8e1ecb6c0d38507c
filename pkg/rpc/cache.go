package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimbusforge/sokovan/pkg/types"
)

// AgentDirectory resolves an agent's current address and known public
// key; RPCContext consults it only on a cache miss. The manager backs
// this with whatever store holds agent heartbeat state.
type AgentDirectory interface {
	Lookup(agentID types.AgentID) (addr string, publicKey *[32]byte, err error)
}

// Dial opens a fresh Transport to one agent. Production wiring is
// DialZMQPeer; tests substitute an in-memory transport.
type Dial func(ctx context.Context, addr string, identity *CurveIdentity, keepalive KeepaliveConfig) (Transport, error)

type agentEntry struct {
	addr       string
	publicKey  *[32]byte
	peer       *Peer
	orderMu    sync.Mutex
	orderLocks map[string]*sync.Mutex
}

// AgentRPCCache is the process-wide agent_id -> Peer mapping: one
// connection per agent (CurveZMQ-authenticated when the agent's public
// key is known, unauthenticated otherwise), reused across calls and
// serialized per order_key so that concurrent operations on the same
// kernel never race on the wire while operations on different kernels
// still run in parallel.
type AgentRPCCache struct {
	mu         sync.Mutex
	entries    map[types.AgentID]*agentEntry
	dial       Dial
	directory  AgentDirectory
	keepalive  KeepaliveConfig
	managerPub [32]byte
	managerSec [32]byte
}

// NewAgentRPCCache wires a cache against its collaborators. managerPub
// and managerSec form this manager's half of the CurveZMQ handshake;
// they're paired with each agent's known public key as it's resolved.
func NewAgentRPCCache(dial Dial, directory AgentDirectory, keepalive KeepaliveConfig, managerPub, managerSec [32]byte) *AgentRPCCache {
	return &AgentRPCCache{
		entries:    map[types.AgentID]*agentEntry{},
		dial:       dial,
		directory:  directory,
		keepalive:  keepalive,
		managerPub: managerPub,
		managerSec: managerSec,
	}
}

// Update refreshes the cached address/public key for an agent, driven
// by heartbeats. A changed address or key invalidates the cached peer
// so the next RPCContext call redials with the new identity.
func (c *AgentRPCCache) Update(agentID types.AgentID, addr string, publicKey *[32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[agentID]
	if !ok {
		c.entries[agentID] = &agentEntry{addr: addr, publicKey: publicKey, orderLocks: map[string]*sync.Mutex{}}
		return
	}
	if e.addr == addr && keysEqual(e.publicKey, publicKey) {
		return
	}
	if e.peer != nil {
		_ = e.peer.Close()
		e.peer = nil
	}
	e.addr, e.publicKey = addr, publicKey
}

// Discard drops an agent's cached peer entirely, driven by agent
// termination — there is nothing left to reuse a connection for.
func (c *AgentRPCCache) Discard(agentID types.AgentID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[agentID]
	if !ok {
		return
	}
	if e.peer != nil {
		_ = e.peer.Close()
	}
	delete(c.entries, agentID)
}

// RPCContextOptions configures one rpc_context acquisition.
type RPCContextOptions struct {
	InvokeTimeout time.Duration
	OrderKey      string
}

// ScopedPeer is the handle RPCContext hands the caller. Call issues
// one RPC, serialized against any other in-flight call sharing the
// same order_key. Release must run on every exit path, including
// error returns from Call — it returns the order_key slot to the
// cache, not the underlying connection, which stays pooled regardless.
type ScopedPeer struct {
	peer      *Peer
	orderLock *sync.Mutex
	timeout   time.Duration
}

func (s *ScopedPeer) Call(ctx context.Context, method string, args []any, reply any) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.peer.Call(ctx, method, args, reply)
}

func (s *ScopedPeer) Release() {
	if s.orderLock != nil {
		s.orderLock.Unlock()
	}
}

// RPCContext resolves (and lazily dials) the agent's cached Peer, then
// serializes on opts.OrderKey before returning. The caller must defer
// Release immediately on success.
func (c *AgentRPCCache) RPCContext(ctx context.Context, agentID types.AgentID, opts RPCContextOptions) (*ScopedPeer, error) {
	c.mu.Lock()
	e, ok := c.entries[agentID]
	if !ok {
		addr, pub, err := c.directory.Lookup(agentID)
		if err != nil {
			c.mu.Unlock()
			return nil, &RPCError{AgentID: agentID, Detail: fmt.Sprintf("resolve agent address: %v", err)}
		}
		e = &agentEntry{addr: addr, publicKey: pub, orderLocks: map[string]*sync.Mutex{}}
		c.entries[agentID] = e
	}

	if e.peer == nil {
		var identity *CurveIdentity
		if e.publicKey != nil {
			identity = &CurveIdentity{ManagerPublic: c.managerPub, ManagerSecret: c.managerSec, AgentPublic: *e.publicKey}
		}
		transport, err := c.dial(ctx, e.addr, identity, c.keepalive)
		if err != nil {
			c.mu.Unlock()
			return nil, &RPCError{AgentID: agentID, Addr: e.addr, Detail: fmt.Sprintf("dial agent: %v", err)}
		}
		e.peer = newPeer(agentID, e.addr, transport)
	}
	peer := e.peer

	var orderLock *sync.Mutex
	if opts.OrderKey != "" {
		e.orderMu.Lock()
		orderLock, ok = e.orderLocks[opts.OrderKey]
		if !ok {
			orderLock = &sync.Mutex{}
			e.orderLocks[opts.OrderKey] = orderLock
		}
		e.orderMu.Unlock()
	}
	c.mu.Unlock()

	if orderLock != nil {
		orderLock.Lock()
	}
	return &ScopedPeer{peer: peer, orderLock: orderLock, timeout: opts.InvokeTimeout}, nil
}

func keysEqual(a, b *[32]byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}
