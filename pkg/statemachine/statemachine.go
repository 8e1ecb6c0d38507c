// Package statemachine encodes the kernel status transition map as a
// constant adjacency table and a pure transit function, kept separate
// from row setter methods, plus the session status derivation
// function.
package statemachine

import (
	"time"

	"github.com/nimbusforge/sokovan/pkg/types"
)

// edges is the fixed transition map: target set reachable from each
// source status. Entries not listed here are rejected.
var edges = map[types.KernelStatus]map[types.KernelStatus]bool{
	types.KernelPending: set(
		types.KernelScheduled, types.KernelCancelled, types.KernelError,
	),
	types.KernelScheduled: set(
		types.KernelPreparing, types.KernelPulling, types.KernelPrepared,
		types.KernelCancelled, types.KernelError,
	),
	types.KernelPreparing: set(
		types.KernelPulling, types.KernelPrepared,
		types.KernelCancelled, types.KernelError,
	),
	types.KernelPulling: set(
		types.KernelPrepared, types.KernelCancelled, types.KernelError,
	),
	types.KernelPrepared: set(
		types.KernelCreating, types.KernelCancelled, types.KernelError,
	),
	types.KernelCreating: set(
		types.KernelRunning, types.KernelTerminating, types.KernelTerminated,
		types.KernelCancelled, types.KernelError,
	),
	types.KernelRunning: set(
		types.KernelRestarting, types.KernelResizing, types.KernelTerminating,
		types.KernelTerminated, types.KernelError,
	),
	// RESTARTING, RESIZING, SUSPENDED accept any transition except back
	// into themselves, into PENDING or SCHEDULED, or directly into
	// TERMINATED.
	types.KernelRestarting: anyExcept(
		types.KernelRestarting, types.KernelPending, types.KernelScheduled, types.KernelTerminated,
	),
	types.KernelResizing: anyExcept(
		types.KernelResizing, types.KernelPending, types.KernelScheduled, types.KernelTerminated,
	),
	types.KernelSuspended: anyExcept(
		types.KernelSuspended, types.KernelPending, types.KernelScheduled, types.KernelTerminated,
	),
	types.KernelTerminating: set(
		types.KernelTerminated, types.KernelError,
	),
	types.KernelError: set(
		types.KernelTerminating, types.KernelTerminated,
	),
	types.KernelTerminated: {},
	types.KernelCancelled:  {},
}

var allStatuses = []types.KernelStatus{
	types.KernelPending, types.KernelScheduled, types.KernelPreparing,
	types.KernelPulling, types.KernelPrepared, types.KernelCreating,
	types.KernelRunning, types.KernelRestarting, types.KernelResizing,
	types.KernelSuspended, types.KernelTerminating, types.KernelTerminated,
	types.KernelCancelled, types.KernelError,
}

func set(statuses ...types.KernelStatus) map[types.KernelStatus]bool {
	m := make(map[types.KernelStatus]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}

func anyExcept(excluded ...types.KernelStatus) map[types.KernelStatus]bool {
	ex := set(excluded...)
	m := make(map[types.KernelStatus]bool, len(allStatuses))
	for _, s := range allStatuses {
		if !ex[s] {
			m[s] = true
		}
	}
	return m
}

// CanTransit reports whether (from, to) is an accepted edge.
func CanTransit(from, to types.KernelStatus) bool {
	targets, ok := edges[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Transit attempts to move a kernel row from its current status to to.
// On success it returns the updated row and true; the caller is
// expected to persist it. On an illegal (from, to) pair it returns the
// row unchanged and false — the caller should log a warning and treat
// it as a no-op.
func Transit(row types.Kernel, to types.KernelStatus, now func() time.Time, info string, data *types.StatusData) (types.Kernel, bool) {
	if !CanTransit(row.Status, to) {
		return row, false
	}
	ts := now()
	row.Status = to
	row.StatusChanged = ts
	if row.StatusHistory == nil {
		row.StatusHistory = make(map[types.KernelStatus]time.Time)
	}
	if _, already := row.StatusHistory[to]; !already {
		row.StatusHistory[to] = ts
	}
	if info != "" {
		row.StatusInfo = info
	}
	if data != nil {
		row.StatusData = *data
	}
	if to == types.KernelCancelled || to == types.KernelTerminated {
		row.TerminatedAt = &ts
	}
	return row, true
}

// statusRank orders statuses along the forward-progress path used by
// SessionStatus derivation; RESTARTING/RESIZING/SUSPENDED/ERROR are
// handled by special rules in DeriveSessionStatus, not by rank.
var statusRank = map[types.KernelStatus]int{
	types.KernelPending:     0,
	types.KernelScheduled:   1,
	types.KernelPreparing:   2,
	types.KernelPulling:     3,
	types.KernelPrepared:    4,
	types.KernelCreating:    5,
	types.KernelRunning:     6,
	types.KernelTerminating: 7,
	types.KernelTerminated:  8,
	types.KernelCancelled:   8,
}

func kernelToSession(s types.KernelStatus) types.SessionStatus {
	switch s {
	case types.KernelPending:
		return types.SessionPending
	case types.KernelScheduled:
		return types.SessionScheduled
	case types.KernelPreparing:
		return types.SessionPreparing
	case types.KernelPulling:
		return types.SessionPulling
	case types.KernelPrepared:
		return types.SessionPrepared
	case types.KernelCreating:
		return types.SessionCreating
	case types.KernelRunning:
		return types.SessionRunning
	case types.KernelTerminating:
		return types.SessionTerminating
	case types.KernelTerminated:
		return types.SessionTerminated
	case types.KernelCancelled:
		return types.SessionCancelled
	default:
		return types.SessionPending
	}
}

// DeriveSessionStatus is a pure function of the kernel statuses in a
// session: same multiset of statuses yields the same session status
// regardless of arrival order.
func DeriveSessionStatus(kernelStatuses []types.KernelStatus) types.SessionStatus {
	if len(kernelStatuses) == 0 {
		return types.SessionPending
	}

	any := func(pred func(types.KernelStatus) bool) bool {
		for _, s := range kernelStatuses {
			if pred(s) {
				return true
			}
		}
		return false
	}
	all := func(pred func(types.KernelStatus) bool) bool {
		for _, s := range kernelStatuses {
			if !pred(s) {
				return false
			}
		}
		return true
	}

	if any(func(s types.KernelStatus) bool { return s == types.KernelError }) {
		return types.SessionError
	}
	if all(func(s types.KernelStatus) bool { return s == types.KernelTerminated }) {
		return types.SessionTerminated
	}
	if all(func(s types.KernelStatus) bool { return s == types.KernelCancelled }) {
		return types.SessionCancelled
	}
	if any(func(s types.KernelStatus) bool { return s == types.KernelTerminating }) {
		return types.SessionTerminating
	}
	if any(func(s types.KernelStatus) bool { return s == types.KernelRestarting }) {
		return types.SessionRestarting
	}
	if any(func(s types.KernelStatus) bool { return s == types.KernelResizing }) {
		return types.SessionResizing
	}
	if any(func(s types.KernelStatus) bool { return s == types.KernelSuspended }) {
		return types.SessionSuspended
	}

	// Forward-progress statuses only beyond this point: take the
	// minimum rank that every kernel has at least reached.
	minRank := statusRank[types.KernelTerminated]
	for _, s := range kernelStatuses {
		r, ok := statusRank[s]
		if !ok {
			continue
		}
		if r < minRank {
			minRank = r
		}
	}
	for _, status := range allStatuses {
		if r, ok := statusRank[status]; ok && r == minRank {
			return kernelToSession(status)
		}
	}
	return types.SessionPending
}
