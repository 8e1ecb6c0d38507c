package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/sokovan/pkg/types"
)

func fixedNow() time.Time { return time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC) }

func TestTransitAcceptsOnlyMapEdges(t *testing.T) {
	row := types.Kernel{Status: types.KernelPending}
	row, ok := Transit(row, types.KernelScheduled, fixedNow, "", nil)
	require.True(t, ok)
	assert.Equal(t, types.KernelScheduled, row.Status)
	assert.Contains(t, row.StatusHistory, types.KernelScheduled)
}

func TestTransitRejectsIllegalEdgeAndLeavesRowUnchanged(t *testing.T) {
	row := types.Kernel{Status: types.KernelPending, StatusInfo: "orig"}
	got, ok := Transit(row, types.KernelRunning, fixedNow, "should-not-apply", nil)
	assert.False(t, ok)
	assert.Equal(t, row, got) // P2: unchanged row returned
}

func TestTerminalStatusesAcceptNothing(t *testing.T) {
	for _, terminal := range []types.KernelStatus{types.KernelTerminated, types.KernelCancelled} {
		for _, to := range allStatuses {
			assert.False(t, CanTransit(terminal, to), "terminal %s should accept nothing, got edge to %s", terminal, to)
		}
	}
}

func TestStatusHistoryRecordsEachStatusOnce(t *testing.T) {
	row := types.Kernel{Status: types.KernelPending}
	row, _ = Transit(row, types.KernelScheduled, fixedNow, "", nil)
	row, _ = Transit(row, types.KernelPreparing, fixedNow, "", nil)
	row, _ = Transit(row, types.KernelPulling, fixedNow, "", nil)
	assert.Len(t, row.StatusHistory, 3)
	for status := range row.StatusHistory {
		assert.True(t, CanTransit(types.KernelPending, types.KernelScheduled) || status != types.KernelPending)
	}
}

func TestDeriveSessionStatusOrderIndependent(t *testing.T) {
	a := []types.KernelStatus{types.KernelRunning, types.KernelPreparing, types.KernelPulling}
	b := []types.KernelStatus{types.KernelPulling, types.KernelRunning, types.KernelPreparing}
	assert.Equal(t, DeriveSessionStatus(a), DeriveSessionStatus(b))
}

func TestDeriveSessionStatusAnyErrorWins(t *testing.T) {
	got := DeriveSessionStatus([]types.KernelStatus{types.KernelRunning, types.KernelError})
	assert.Equal(t, types.SessionError, got)
}

func TestDeriveSessionStatusAllTerminated(t *testing.T) {
	got := DeriveSessionStatus([]types.KernelStatus{types.KernelTerminated, types.KernelTerminated})
	assert.Equal(t, types.SessionTerminated, got)
}

func TestDeriveSessionStatusMinimumForwardProgress(t *testing.T) {
	got := DeriveSessionStatus([]types.KernelStatus{types.KernelRunning, types.KernelPrepared})
	assert.Equal(t, types.SessionPrepared, got)
}
