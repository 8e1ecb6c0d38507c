package scheduler

import (
	"fmt"

	"github.com/nimbusforge/sokovan/pkg/types"
)

// Predicate is one enqueue-time check re-run on every scheduling tick.
// A failing predicate keeps the session PENDING without touching agent
// state; Check never mutates its arguments.
type Predicate interface {
	Name() string
	Check(session *types.Session, allSessions []*types.Session) *types.FailedPredicate
}

// VFolderDirectory resolves whether a named mount source currently
// exists. The vfolder backend itself is out of scope here; the
// scheduler only needs a yes/no answer to re-check the predicate.
type VFolderDirectory interface {
	Exists(hostPath string) bool
}

// permissiveVFolderDirectory treats every mount as present. It is the
// default when no real vfolder backend is wired in, which keeps the
// predicate a documented no-op rather than a silently-always-failing
// check.
type permissiveVFolderDirectory struct{}

func (permissiveVFolderDirectory) Exists(string) bool { return true }

// ConcurrencyPredicate rejects a session if its owner already has Limit
// non-terminal sessions running, not counting the candidate itself.
// Limit <= 0 means unlimited.
type ConcurrencyPredicate struct {
	Limit int
}

func (p ConcurrencyPredicate) Name() string { return "concurrency" }

func (p ConcurrencyPredicate) Check(session *types.Session, allSessions []*types.Session) *types.FailedPredicate {
	if p.Limit <= 0 {
		return nil
	}
	active := 0
	for _, s := range allSessions {
		if s.ID == session.ID || s.AccessKey != session.AccessKey {
			continue
		}
		if isTerminalSessionStatus(s.Status) {
			continue
		}
		active++
	}
	if active >= p.Limit {
		return &types.FailedPredicate{
			Name: p.Name(),
			Msg:  fmt.Sprintf("access key %s already has %d active session(s), limit is %d", session.AccessKey, active, p.Limit),
		}
	}
	return nil
}

func isTerminalSessionStatus(s types.SessionStatus) bool {
	return s == types.SessionTerminated || s == types.SessionCancelled
}

// ResourcePolicyPredicate checks a session's aggregate request against
// a per-keypair resource policy. No keypair resource-policy aggregate
// is modeled in this repo (the manager's policy store is out of
// scope), so with a nil Checker Check always passes; a real policy
// store plugs in through the Checker field.
type ResourcePolicyPredicate struct {
	Checker func(session *types.Session) *types.FailedPredicate
}

func (p ResourcePolicyPredicate) Name() string { return "resource-policy" }

func (p ResourcePolicyPredicate) Check(session *types.Session, _ []*types.Session) *types.FailedPredicate {
	if p.Checker == nil {
		return nil
	}
	return p.Checker(session)
}

// VFolderExistencePredicate rejects a session whose mounted folders
// have disappeared since enqueue time.
type VFolderExistencePredicate struct {
	Directory VFolderDirectory
}

func (p VFolderExistencePredicate) Name() string { return "vfolder-existence" }

func (p VFolderExistencePredicate) Check(session *types.Session, _ []*types.Session) *types.FailedPredicate {
	dir := p.Directory
	if dir == nil {
		dir = permissiveVFolderDirectory{}
	}
	for _, mount := range session.VFolderMounts {
		if !dir.Exists(mount.HostPath) {
			return &types.FailedPredicate{
				Name: p.Name(),
				Msg:  fmt.Sprintf("vfolder %s no longer exists", mount.HostPath),
			}
		}
	}
	return nil
}

// ReservedTimePredicate rejects a session whose reservation window
// hasn't opened yet. Batch-session scheduling (the only source of a
// reserved start time) is out of scope here, so this is permissive
// unless a caller supplies Checker.
type ReservedTimePredicate struct {
	Checker func(session *types.Session) *types.FailedPredicate
}

func (p ReservedTimePredicate) Name() string { return "reserved-time" }

func (p ReservedTimePredicate) Check(session *types.Session, _ []*types.Session) *types.FailedPredicate {
	if p.Checker == nil {
		return nil
	}
	return p.Checker(session)
}

// DefaultPredicates returns the four enqueue-time predicates, each
// permissive except concurrency (limit 0 = unlimited until the caller
// sets one).
func DefaultPredicates() []Predicate {
	return []Predicate{
		ConcurrencyPredicate{Limit: 0},
		ResourcePolicyPredicate{},
		VFolderExistencePredicate{},
		ReservedTimePredicate{},
	}
}
