// Package rpc implements the manager-side agent RPC cache: a
// process-wide agent_id -> Peer mapping over CurveZMQ REQ sockets,
// msgpack framing (pkg/wire), and per-order_key call serialization so
// that operations on the same kernel stay ordered without a global
// lock.
package rpc
