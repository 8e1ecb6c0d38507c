// Package resource implements ResourceSlot, the ordered decimal-valued
// resource quantity map shared by agents, kernels, and the scheduler.
package resource

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Slot is an ordered mapping from resource slot name (e.g. "cpu", "mem",
// "cuda.shares") to a Decimal quantity. A missing key is treated as zero
// by every operation below, matching the source semantics.
type Slot map[string]decimal.Decimal

// New builds a Slot from plain float inputs, for tests and call sites
// that don't need arbitrary precision.
func New(values map[string]float64) Slot {
	s := make(Slot, len(values))
	for k, v := range values {
		s[k] = decimal.NewFromFloat(v)
	}
	return s
}

// Clone returns an independent copy.
func (s Slot) Clone() Slot {
	out := make(Slot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Get returns the quantity for name, or zero if absent.
func (s Slot) Get(name string) decimal.Decimal {
	if v, ok := s[name]; ok {
		return v
	}
	return decimal.Zero
}

// keys returns the union of keys across the given slots, sorted for
// deterministic iteration.
func keys(slots ...Slot) []string {
	seen := make(map[string]struct{})
	for _, s := range slots {
		for k := range s {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Add returns s + other, component-wise, treating missing keys as zero.
func (s Slot) Add(other Slot) Slot {
	out := make(Slot)
	for _, k := range keys(s, other) {
		out[k] = s.Get(k).Add(other.Get(k))
	}
	return out
}

// Sub returns s - other, component-wise, treating missing keys as zero.
func (s Slot) Sub(other Slot) Slot {
	out := make(Slot)
	for _, k := range keys(s, other) {
		out[k] = s.Get(k).Sub(other.Get(k))
	}
	return out
}

// FitsIn reports whether s fits within capacity: capacity - s has no
// negative component, per P4.
func (s Slot) FitsIn(capacity Slot) bool {
	for _, k := range keys(s, capacity) {
		if capacity.Get(k).Sub(s.Get(k)).IsNegative() {
			return false
		}
	}
	return true
}

// HasNegative reports whether any component of s is negative.
func (s Slot) HasNegative() bool {
	for _, v := range s {
		if v.IsNegative() {
			return true
		}
	}
	return false
}

// IsZero reports whether every component of s is zero (missing keys and
// present-but-zero keys are equivalent).
func (s Slot) IsZero() bool {
	for _, v := range s {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// UnusedKinds counts the slot names present in capacity with zero
// occupancy that requested does not reference at all — used by the
// Concentrated/Legacy selector tiebreaks.
func UnusedKinds(capacity, occupied, requested Slot) int {
	count := 0
	for _, k := range keys(capacity) {
		if occupied.Get(k).IsZero() {
			if _, requestedHere := requested[k]; !requestedHere {
				count++
			}
		}
	}
	return count
}

// String renders the slot in a stable, sorted "key=qty" form for logs.
func (s Slot) String() string {
	out := ""
	for i, k := range keys(s) {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%s", k, s.Get(k).String())
	}
	return out
}
