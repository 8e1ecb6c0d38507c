package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/nimbusforge/sokovan/pkg/lifecycle"
)

// zmqCodeRunner is the real lifecycle.CodeRunner: a PUSH socket dialed
// to the container's replin port and a PULL socket dialed to its
// replout port, the same split-socket pattern pkg/rpc's REQ/REP pair
// uses for its own request/reply framing.
type zmqCodeRunner struct {
	push zmq4.Socket
	pull zmq4.Socket
}

// DialCodeRunner opens the PUSH/PULL pair a KernelObject needs to talk
// to one container's REPL ports. Passed to NewBackend/
// NewKernelCreationPipeline as the dialCodeRunner hook.
func DialCodeRunner(host string, inPort, outPort int) (lifecycle.CodeRunner, error) {
	ctx := context.Background()

	push := zmq4.NewPush(ctx)
	if err := push.Dial(fmt.Sprintf("tcp://%s:%d", host, inPort)); err != nil {
		return nil, fmt.Errorf("dial replin at %s:%d: %w", host, inPort, err)
	}

	pull := zmq4.NewPull(ctx)
	if err := pull.Dial(fmt.Sprintf("tcp://%s:%d", host, outPort)); err != nil {
		_ = push.Close()
		return nil, fmt.Errorf("dial replout at %s:%d: %w", host, outPort, err)
	}

	return &zmqCodeRunner{push: push, pull: pull}, nil
}

func (r *zmqCodeRunner) Send(payload []byte) error {
	return r.push.Send(zmq4.NewMsg(payload))
}

func (r *zmqCodeRunner) Recv() ([]byte, error) {
	msg, err := r.pull.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

func (r *zmqCodeRunner) Close() error {
	pushErr := r.push.Close()
	pullErr := r.pull.Close()
	if pushErr != nil {
		return pushErr
	}
	return pullErr
}

// ProbePort is the ContainerCheckStage's readiness probe: a bare TCP
// dial, since the stage only needs to know the port is accepting
// connections, not speak the protocol behind it.
func ProbePort(host string, port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}
