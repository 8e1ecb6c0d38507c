package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/nimbusforge/sokovan/pkg/types"
)

func newTestSession(accessKey string, status types.SessionStatus) *types.Session {
	return &types.Session{
		ID:        types.SessionID(uuid.New()),
		Status:    status,
		AccessKey: accessKey,
	}
}

func TestConcurrencyPredicateUnlimitedByDefault(t *testing.T) {
	p := ConcurrencyPredicate{}
	session := newTestSession("ak-1", types.SessionPending)
	others := []*types.Session{
		newTestSession("ak-1", types.SessionRunning),
		newTestSession("ak-1", types.SessionRunning),
	}
	assert.Nil(t, p.Check(session, append(others, session)))
}

func TestConcurrencyPredicateRejectsAtLimit(t *testing.T) {
	p := ConcurrencyPredicate{Limit: 1}
	session := newTestSession("ak-1", types.SessionPending)
	other := newTestSession("ak-1", types.SessionRunning)
	all := []*types.Session{session, other}

	failed := p.Check(session, all)
	if assert.NotNil(t, failed) {
		assert.Equal(t, "concurrency", failed.Name)
	}
}

func TestConcurrencyPredicateIgnoresTerminalSessions(t *testing.T) {
	p := ConcurrencyPredicate{Limit: 1}
	session := newTestSession("ak-1", types.SessionPending)
	terminated := newTestSession("ak-1", types.SessionTerminated)
	all := []*types.Session{session, terminated}

	assert.Nil(t, p.Check(session, all))
}

func TestConcurrencyPredicateIgnoresOtherAccessKeys(t *testing.T) {
	p := ConcurrencyPredicate{Limit: 1}
	session := newTestSession("ak-1", types.SessionPending)
	other := newTestSession("ak-2", types.SessionRunning)
	all := []*types.Session{session, other}

	assert.Nil(t, p.Check(session, all))
}

func TestConcurrencyPredicateExcludesCandidateItself(t *testing.T) {
	p := ConcurrencyPredicate{Limit: 1}
	session := newTestSession("ak-1", types.SessionPending)

	assert.Nil(t, p.Check(session, []*types.Session{session}))
}

func TestResourcePolicyPredicatePermissiveByDefault(t *testing.T) {
	p := ResourcePolicyPredicate{}
	assert.Nil(t, p.Check(newTestSession("ak-1", types.SessionPending), nil))
}

func TestResourcePolicyPredicateDelegatesToChecker(t *testing.T) {
	want := &types.FailedPredicate{Name: "resource-policy", Msg: "over quota"}
	p := ResourcePolicyPredicate{Checker: func(*types.Session) *types.FailedPredicate { return want }}
	assert.Equal(t, want, p.Check(newTestSession("ak-1", types.SessionPending), nil))
}

func TestVFolderExistencePredicatePermissiveByDefault(t *testing.T) {
	p := VFolderExistencePredicate{}
	session := newTestSession("ak-1", types.SessionPending)
	session.VFolderMounts = []types.VFolderMount{{HostPath: "/vfroot/missing"}}
	assert.Nil(t, p.Check(session, nil))
}

type fakeVFolderDirectory struct {
	present map[string]bool
}

func (d fakeVFolderDirectory) Exists(hostPath string) bool { return d.present[hostPath] }

func TestVFolderExistencePredicateRejectsMissingMount(t *testing.T) {
	p := VFolderExistencePredicate{Directory: fakeVFolderDirectory{present: map[string]bool{"/vfroot/a": true}}}
	session := newTestSession("ak-1", types.SessionPending)
	session.VFolderMounts = []types.VFolderMount{{HostPath: "/vfroot/a"}, {HostPath: "/vfroot/gone"}}

	failed := p.Check(session, nil)
	if assert.NotNil(t, failed) {
		assert.Equal(t, "vfolder-existence", failed.Name)
	}
}

func TestReservedTimePredicatePermissiveByDefault(t *testing.T) {
	p := ReservedTimePredicate{}
	assert.Nil(t, p.Check(newTestSession("ak-1", types.SessionPending), nil))
}

func TestDefaultPredicatesOrderAndPermissiveness(t *testing.T) {
	predicates := DefaultPredicates()
	if assert.Len(t, predicates, 4) {
		assert.Equal(t, "concurrency", predicates[0].Name())
		assert.Equal(t, "resource-policy", predicates[1].Name())
		assert.Equal(t, "vfolder-existence", predicates[2].Name())
		assert.Equal(t, "reserved-time", predicates[3].Name())
	}

	session := newTestSession("ak-1", types.SessionPending)
	for _, p := range predicates {
		assert.Nil(t, p.Check(session, []*types.Session{session}), "predicate %s should default to permissive", p.Name())
	}
}
