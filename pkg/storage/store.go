// Package storage defines the persistence interface for the manager's
// Session/Kernel/Agent/Image aggregates and a bbolt-backed
// implementation.
package storage

import (
	"github.com/nimbusforge/sokovan/pkg/types"
)

// Store is the persistence interface the scheduler, kernel state
// machine, and reconciler read and write through. A raft FSM
// (pkg/manager) applies committed log entries against a Store so that
// only the leader's writes take effect across the cluster.
type Store interface {
	// Sessions
	CreateSession(session *types.Session) error
	GetSession(id types.SessionID) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	ListSessionsByStatus(status types.SessionStatus) ([]*types.Session, error)
	UpdateSession(session *types.Session) error
	DeleteSession(id types.SessionID) error

	// Kernels
	CreateKernel(kernel *types.Kernel) error
	GetKernel(id types.KernelID) (*types.Kernel, error)
	ListKernelsBySession(sessionID types.SessionID) ([]*types.Kernel, error)
	ListKernelsByAgent(agentID types.AgentID) ([]*types.Kernel, error)
	UpdateKernel(kernel *types.Kernel) error
	DeleteKernel(id types.KernelID) error

	// Agents
	CreateAgent(agent *types.Agent) error
	GetAgent(id types.AgentID) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	UpdateAgent(agent *types.Agent) error
	DeleteAgent(id types.AgentID) error

	// Images: digest cache keyed by the canonical image reference,
	// reached through Manager.PutImage/GetImageDigest; neither the
	// scheduler nor the agent calls them.
	PutImage(ref types.ImageRef, digest string) error
	GetImageDigest(ref types.ImageRef) (string, bool, error)

	Close() error
}
