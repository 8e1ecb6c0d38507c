package rpc

import (
	"net"
	"time"
)

// KeepaliveConfig tunes the TCP keepalive probe schedule every Peer's
// underlying connection is dialed with. Idle is the configured
// rpc_keepalive_timeout; Interval follows from it and Count is fixed at 3.
type KeepaliveConfig struct {
	Idle time.Duration
}

// interval derives the keepalive probe spacing from Idle: a third of
// the idle timeout, floored at 2 seconds so a short idle timeout
// doesn't turn into a probe storm.
func (k KeepaliveConfig) interval() time.Duration {
	third := k.Idle / 3
	if third < 2*time.Second {
		return 2 * time.Second
	}
	return third
}

// dialer builds a net.Dialer carrying this keepalive schedule, used as
// the zmq4 transport's underlying net.Conn factory.
func (k KeepaliveConfig) dialer() *net.Dialer {
	return &net.Dialer{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     k.Idle,
			Interval: k.interval(),
			Count:    3,
		},
	}
}
