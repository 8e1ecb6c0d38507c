package manager

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	bolt "go.etcd.io/bbolt"

	"github.com/nimbusforge/sokovan/pkg/events"
	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/metrics"
	"github.com/nimbusforge/sokovan/pkg/security"
	"github.com/nimbusforge/sokovan/pkg/storage"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// Manager is one node of the raft cluster that schedules sessions
// across the agent fleet. Exactly one node holds the raft leadership
// at a time; only the leader's Apply calls mutate cluster state, and
// every node's BoltStore converges by replaying the same raft log.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *SchedulerFSM
	store storage.Store

	dispatcher   *events.Dispatcher
	eventsDB     *bolt.DB
	tokenManager *TokenManager

	joinServer *joinServer
}

// Config holds the parameters needed to construct a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// JoinAddr is the address the join HTTP endpoint listens on. A
	// candidate node's Join call sends its request here.
	JoinAddr string
	// ClusterSecret derives the key kernel environment variables are
	// encrypted with at rest (see pkg/security). Every node in a
	// cluster must be configured with the same value. Left empty, it
	// falls back to NodeID -- fine for a single-node cluster or local
	// development, but every production cluster should set a real
	// shared secret.
	ClusterSecret string
}

// NewManager builds a Manager's storage, FSM, and ancillary services
// but does not start raft; call Bootstrap or Join for that.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	eventsDB, err := bolt.Open(filepath.Join(cfg.DataDir, "events.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open events database: %w", err)
	}

	clusterSecret := cfg.ClusterSecret
	if clusterSecret == "" {
		clusterSecret = cfg.NodeID
	}
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterSecret)); err != nil {
		return nil, fmt.Errorf("failed to set cluster encryption key: %w", err)
	}

	m := &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		fsm:          NewSchedulerFSM(store),
		store:        store,
		dispatcher:   events.NewDispatcher(eventsDB),
		eventsDB:     eventsDB,
		tokenManager: NewTokenManager(),
	}
	m.joinServer = newJoinServer(m)

	if cfg.JoinAddr != "" {
		if err := m.joinServer.start(cfg.JoinAddr); err != nil {
			return nil, fmt.Errorf("failed to start join server: %w", err)
		}
	}

	return m, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Hashicorp raft's defaults (HeartbeatTimeout=1s, ElectionTimeout=1s,
	// LeaderLeaseTimeout=500ms) target WAN deployments. A scheduler
	// failover under 10s needs faster failure detection on a LAN, so
	// these are tuned down: heartbeats every ~250ms, election within
	// ~500ms of a missed heartbeat, total failover around 2-3s.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (m *Manager) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	config := m.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create raft: %w", err)
	}

	return r, transport, nil
}

// Bootstrap starts a brand-new single-node cluster with this manager
// as its only, voting member.
func (m *Manager) Bootstrap() error {
	r, transport, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.nodeID), Address: transport.LocalAddr()},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	return nil
}

// Join contacts an existing cluster's leader and becomes a new voting
// member. leaderJoinAddr is the leader's join-server address (see
// Config.JoinAddr), not its raft transport address.
func (m *Manager) Join(leaderJoinAddr, token string) error {
	r, _, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	log.Info(fmt.Sprintf("contacting %s to join cluster as %s", leaderJoinAddr, m.nodeID))
	if err := requestJoin(leaderJoinAddr, joinRequest{
		NodeID:   m.nodeID,
		RaftAddr: m.bindAddr,
		Token:    token,
	}); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	return nil
}

// AddVoter adds nodeID, reachable at address, as a full voting member
// of the raft cluster. Only the leader can do this.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	if err := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes nodeID from the raft cluster.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	return m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// GetClusterServers returns the current raft membership.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the raft transport address of the current leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// GetRaftStats reports basic raft diagnostics for health/metrics endpoints.
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}
	if configFuture := m.raft.GetConfiguration(); configFuture.Error() == nil {
		stats["peers"] = uint64(len(configFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}
	return stats
}

// Dispatcher returns the manager's event dispatcher, shared by the
// scheduler, kernel state machine, and lifecycle event handlers.
func (m *Manager) Dispatcher() *events.Dispatcher {
	return m.dispatcher
}

// Apply submits cmd to the raft log and waits for it to commit. Only
// the leader may call this; followers should forward writes to the
// leader instead.
func (m *Manager) Apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func apply[T any](m *Manager, op string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: op, Data: data})
}

// Sessions

func (m *Manager) CreateSession(session *types.Session) error {
	return apply(m, OpCreateSession, session)
}

func (m *Manager) UpdateSession(session *types.Session) error {
	return apply(m, OpUpdateSession, session)
}

func (m *Manager) DeleteSession(id types.SessionID) error {
	return apply(m, OpDeleteSession, id)
}

func (m *Manager) GetSession(id types.SessionID) (*types.Session, error) {
	return m.store.GetSession(id)
}

func (m *Manager) ListSessions() ([]*types.Session, error) {
	return m.store.ListSessions()
}

func (m *Manager) ListSessionsByStatus(status types.SessionStatus) ([]*types.Session, error) {
	return m.store.ListSessionsByStatus(status)
}

// Kernels

// CreateKernel stores kernel via raft, encrypting its environment
// variables first -- they routinely carry image credentials and must
// not sit in the raft log or BoltDB store as plaintext. The caller's
// kernel is left untouched; only the copy committed to raft is sealed.
func (m *Manager) CreateKernel(kernel *types.Kernel) error {
	sealed, err := sealKernelEnviron(kernel)
	if err != nil {
		return fmt.Errorf("seal kernel environ: %w", err)
	}
	return apply(m, OpCreateKernel, sealed)
}

func (m *Manager) UpdateKernel(kernel *types.Kernel) error {
	sealed, err := sealKernelEnviron(kernel)
	if err != nil {
		return fmt.Errorf("seal kernel environ: %w", err)
	}
	return apply(m, OpUpdateKernel, sealed)
}

func (m *Manager) DeleteKernel(id types.KernelID) error {
	return apply(m, OpDeleteKernel, id)
}

func (m *Manager) GetKernel(id types.KernelID) (*types.Kernel, error) {
	kernel, err := m.store.GetKernel(id)
	if err != nil {
		return nil, err
	}
	if err := unsealKernelEnviron(kernel); err != nil {
		return nil, fmt.Errorf("unseal kernel environ: %w", err)
	}
	return kernel, nil
}

func (m *Manager) ListKernelsBySession(sessionID types.SessionID) ([]*types.Kernel, error) {
	kernels, err := m.store.ListKernelsBySession(sessionID)
	if err != nil {
		return nil, err
	}
	for _, kernel := range kernels {
		if err := unsealKernelEnviron(kernel); err != nil {
			return nil, fmt.Errorf("unseal kernel environ: %w", err)
		}
	}
	return kernels, nil
}

// sealKernelEnviron returns a shallow copy of kernel with each Environ
// value AES-256-GCM encrypted and base64-encoded, ready to commit to
// the raft log. The original kernel (and its Environ map) is not
// mutated, so a caller that built it from a prior GetKernel keeps
// working with plaintext after the call returns.
func sealKernelEnviron(kernel *types.Kernel) (*types.Kernel, error) {
	if len(kernel.Environ) == 0 {
		return kernel, nil
	}
	sealed := *kernel
	sealed.Environ = make(map[string]string, len(kernel.Environ))
	for k, v := range kernel.Environ {
		ciphertext, err := security.Encrypt([]byte(v))
		if err != nil {
			return nil, err
		}
		sealed.Environ[k] = base64.StdEncoding.EncodeToString(ciphertext)
	}
	return &sealed, nil
}

// unsealKernelEnviron decrypts kernel.Environ in place, reversing
// sealKernelEnviron. Called on every read path so the rest of the
// codebase (scheduler RPC payloads, handlers, reconciler) never has to
// know the store holds ciphertext.
func unsealKernelEnviron(kernel *types.Kernel) error {
	if len(kernel.Environ) == 0 {
		return nil
	}
	plain := make(map[string]string, len(kernel.Environ))
	for k, v := range kernel.Environ {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return err
		}
		plaintext, err := security.Decrypt(raw)
		if err != nil {
			return err
		}
		plain[k] = string(plaintext)
	}
	kernel.Environ = plain
	return nil
}

func (m *Manager) ListKernelsByAgent(agentID types.AgentID) ([]*types.Kernel, error) {
	kernels, err := m.store.ListKernelsByAgent(agentID)
	if err != nil {
		return nil, err
	}
	for _, kernel := range kernels {
		if err := unsealKernelEnviron(kernel); err != nil {
			return nil, fmt.Errorf("unseal kernel environ: %w", err)
		}
	}
	return kernels, nil
}

// Agents

func (m *Manager) CreateAgent(agent *types.Agent) error {
	return apply(m, OpCreateAgent, agent)
}

func (m *Manager) UpdateAgent(agent *types.Agent) error {
	return apply(m, OpUpdateAgent, agent)
}

func (m *Manager) DeleteAgent(id types.AgentID) error {
	return apply(m, OpDeleteAgent, id)
}

func (m *Manager) GetAgent(id types.AgentID) (*types.Agent, error) {
	return m.store.GetAgent(id)
}

func (m *Manager) ListAgents() ([]*types.Agent, error) {
	return m.store.ListAgents()
}

// Images

func (m *Manager) PutImage(ref types.ImageRef, digest string) error {
	return apply(m, OpPutImage, struct {
		Ref    types.ImageRef `json:"ref"`
		Digest string         `json:"digest"`
	}{ref, digest})
}

func (m *Manager) GetImageDigest(ref types.ImageRef) (string, bool, error) {
	return m.store.GetImageDigest(ref)
}

// GenerateJoinToken mints a new join token; only the leader may do
// this, since tokens are held in the leader's in-memory TokenManager
// rather than replicated through raft.
func (m *Manager) GenerateJoinToken(role string, ttl time.Duration) (*JoinToken, error) {
	if !m.IsLeader() {
		return nil, fmt.Errorf("not the leader, tokens can only be generated by the leader")
	}
	return m.tokenManager.GenerateToken(role, ttl)
}

// ValidateJoinToken validates a join token and returns its role.
func (m *Manager) ValidateJoinToken(token string) (string, error) {
	return m.tokenManager.ValidateToken(token)
}

// CleanupExpiredJoinTokens discards every join token past its TTL.
// Called periodically by pkg/reconciler so the leader's in-memory
// token table doesn't grow unbounded across a long-lived cluster.
func (m *Manager) CleanupExpiredJoinTokens() {
	m.tokenManager.CleanupExpiredTokens()
}

// ListJoinTokens returns every join token not yet revoked or removed
// by CleanupExpiredJoinTokens, for the join server's token-listing
// endpoint. An expired token stays listed until that cleanup runs.
func (m *Manager) ListJoinTokens() []*JoinToken {
	return m.tokenManager.ListTokens()
}

// NodeID returns this manager's raft server ID.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Shutdown stops raft, the join server, and closes the manager's storage.
func (m *Manager) Shutdown() error {
	if m.joinServer != nil {
		m.joinServer.stop()
	}

	m.dispatcher.Shutdown()

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if err := m.eventsDB.Close(); err != nil {
		return fmt.Errorf("failed to close events database: %w", err)
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
