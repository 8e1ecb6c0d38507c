package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nimbusforge/sokovan/pkg/types"
)

var (
	bucketSessions = []byte("sessions")
	bucketKernels  = []byte("kernels")
	bucketAgents   = []byte("agents")
	bucketImages   = []byte("images")
)

// BoltStore implements Store on top of a single bbolt database file,
// one bucket per aggregate.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt database under
// dataDir and ensures every aggregate bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sokovan.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSessions, bucketKernels, bucketAgents, bucketImages} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Sessions

func (s *BoltStore) CreateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(session.ID.String()), data)
	})
}

func (s *BoltStore) GetSession(id types.SessionID) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("session not found: %s", id)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) ListSessionsByStatus(status types.SessionStatus) ([]*types.Session, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Session
	for _, session := range sessions {
		if session.Status == status {
			filtered = append(filtered, session)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateSession(session *types.Session) error {
	return s.CreateSession(session) // put is an upsert
}

func (s *BoltStore) DeleteSession(id types.SessionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id.String()))
	})
}

// Kernels

func (s *BoltStore) CreateKernel(kernel *types.Kernel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(kernel)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKernels).Put([]byte(kernel.ID.String()), data)
	})
}

func (s *BoltStore) GetKernel(id types.KernelID) (*types.Kernel, error) {
	var kernel types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKernels).Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("kernel not found: %s", id)
		}
		return json.Unmarshal(data, &kernel)
	})
	if err != nil {
		return nil, err
	}
	return &kernel, nil
}

func (s *BoltStore) listKernels() ([]*types.Kernel, error) {
	var kernels []*types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).ForEach(func(k, v []byte) error {
			var kernel types.Kernel
			if err := json.Unmarshal(v, &kernel); err != nil {
				return err
			}
			kernels = append(kernels, &kernel)
			return nil
		})
	})
	return kernels, err
}

func (s *BoltStore) ListKernelsBySession(sessionID types.SessionID) ([]*types.Kernel, error) {
	kernels, err := s.listKernels()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Kernel
	for _, kernel := range kernels {
		if kernel.SessionID == sessionID {
			filtered = append(filtered, kernel)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListKernelsByAgent(agentID types.AgentID) ([]*types.Kernel, error) {
	kernels, err := s.listKernels()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Kernel
	for _, kernel := range kernels {
		if kernel.Agent != nil && *kernel.Agent == agentID {
			filtered = append(filtered, kernel)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateKernel(kernel *types.Kernel) error {
	return s.CreateKernel(kernel)
}

func (s *BoltStore) DeleteKernel(id types.KernelID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).Delete([]byte(id.String()))
	})
}

// Agents

func (s *BoltStore) CreateAgent(agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAgents).Put([]byte(agent.ID), data)
	})
}

func (s *BoltStore) GetAgent(id types.AgentID) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("agent not found: %s", id)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) UpdateAgent(agent *types.Agent) error {
	return s.CreateAgent(agent)
}

func (s *BoltStore) DeleteAgent(id types.AgentID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// Images

type imageRecord struct {
	Digest string `json:"digest"`
}

func (s *BoltStore) PutImage(ref types.ImageRef, digest string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(imageRecord{Digest: digest})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketImages).Put([]byte(ref.Canonical()), data)
	})
}

func (s *BoltStore) GetImageDigest(ref types.ImageRef) (string, bool, error) {
	var rec imageRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketImages).Get([]byte(ref.Canonical()))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", false, err
	}
	return rec.Digest, found, nil
}
