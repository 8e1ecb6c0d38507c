package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/nimbusforge/sokovan/pkg/storage"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// SchedulerFSM applies committed raft log entries to a storage.Store.
// Only the raft leader schedules and commits; every replica's Store
// converges to the same state by replaying the same log, which is
// what gives the cluster a single logical scheduler without a
// separate distributed lock.
type SchedulerFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewSchedulerFSM builds an FSM over store.
func NewSchedulerFSM(store storage.Store) *SchedulerFSM {
	return &SchedulerFSM{store: store}
}

// Command is one state-change operation in the raft log: an op name
// plus its JSON-encoded argument.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpCreateSession = "create_session"
	OpUpdateSession = "update_session"
	OpDeleteSession = "delete_session"

	OpCreateKernel = "create_kernel"
	OpUpdateKernel = "update_kernel"
	OpDeleteKernel = "delete_kernel"

	OpCreateAgent = "create_agent"
	OpUpdateAgent = "update_agent"
	OpDeleteAgent = "delete_agent"

	OpPutImage = "put_image"
)

// Apply is called by raft for each committed log entry.
func (f *SchedulerFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpCreateSession, OpUpdateSession:
		var session types.Session
		if err := json.Unmarshal(cmd.Data, &session); err != nil {
			return err
		}
		if cmd.Op == OpCreateSession {
			return f.store.CreateSession(&session)
		}
		return f.store.UpdateSession(&session)

	case OpDeleteSession:
		var id types.SessionID
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteSession(id)

	case OpCreateKernel, OpUpdateKernel:
		var kernel types.Kernel
		if err := json.Unmarshal(cmd.Data, &kernel); err != nil {
			return err
		}
		if cmd.Op == OpCreateKernel {
			return f.store.CreateKernel(&kernel)
		}
		return f.store.UpdateKernel(&kernel)

	case OpDeleteKernel:
		var id types.KernelID
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteKernel(id)

	case OpCreateAgent, OpUpdateAgent:
		var agent types.Agent
		if err := json.Unmarshal(cmd.Data, &agent); err != nil {
			return err
		}
		if cmd.Op == OpCreateAgent {
			return f.store.CreateAgent(&agent)
		}
		return f.store.UpdateAgent(&agent)

	case OpDeleteAgent:
		var id types.AgentID
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteAgent(id)

	case OpPutImage:
		var rec struct {
			Ref    types.ImageRef `json:"ref"`
			Digest string         `json:"digest"`
		}
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.PutImage(rec.Ref, rec.Digest)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the full aggregate set for raft's periodic log
// compaction.
func (f *SchedulerFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sessions, err := f.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	agents, err := f.store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	var kernels []*types.Kernel
	for _, session := range sessions {
		ks, err := f.store.ListKernelsBySession(session.ID)
		if err != nil {
			return nil, fmt.Errorf("list kernels for session %s: %w", session.ID, err)
		}
		kernels = append(kernels, ks...)
	}

	return &schedulerSnapshot{Sessions: sessions, Kernels: kernels, Agents: agents}, nil
}

// Restore replaces store contents with the snapshot's contents, used
// when a node restarts or joins the cluster.
func (f *SchedulerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot schedulerSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, session := range snapshot.Sessions {
		if err := f.store.CreateSession(session); err != nil {
			return fmt.Errorf("restore session: %w", err)
		}
	}
	for _, kernel := range snapshot.Kernels {
		if err := f.store.CreateKernel(kernel); err != nil {
			return fmt.Errorf("restore kernel: %w", err)
		}
	}
	for _, agent := range snapshot.Agents {
		if err := f.store.CreateAgent(agent); err != nil {
			return fmt.Errorf("restore agent: %w", err)
		}
	}
	return nil
}

type schedulerSnapshot struct {
	Sessions []*types.Session `json:"sessions"`
	Kernels  []*types.Kernel  `json:"kernels"`
	Agents   []*types.Agent   `json:"agents"`
}

func (s *schedulerSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *schedulerSnapshot) Release() {}
