package syncstate

import (
	"sync"

	"github.com/example/sync-state-bridge/internal/types"
)

// VectorClockTracker maintains the state vector of one replica: the highest
// update sequence integrated from every client. Local commits call BumpLocal
// while remote updates call Advance once they were applied.
type VectorClockTracker struct {
	mu    sync.RWMutex
	clock types.VectorClock
}

// NewVectorClockTracker constructs an empty tracker.
func NewVectorClockTracker() *VectorClockTracker {
	return &VectorClockTracker{clock: make(types.VectorClock)}
}

// BumpLocal increments the clock of the local client and returns the new
// sequence together with the dependencies the outbound update carries (the
// state vector before the bump, without the local entry).
func (t *VectorClockTracker) BumpLocal(client types.ClientID) (uint64, types.VectorClock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deps := t.clock.Clone()
	delete(deps, client)
	return t.clock.Bump(client), deps
}

// Advance records that the update with the given sequence from client has been
// integrated.
func (t *VectorClockTracker) Advance(client types.ClientID, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.clock[client] < seq {
		t.clock[client] = seq
	}
}

// MergeRemote folds a remote state vector, typically from a full-state
// snapshot, into the tracker and returns the updated snapshot.
func (t *VectorClockTracker) MergeRemote(other types.VectorClock) types.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock.Merge(other)
	return t.clock.Clone()
}

// Snapshot returns a copy of the current state vector.
func (t *VectorClockTracker) Snapshot() types.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clock.Clone()
}

// Seen reports whether the update seq from client was already integrated.
func (t *VectorClockTracker) Seen(client types.ClientID, seq uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clock[client] >= seq
}

// Ready reports whether an update can be integrated now: it must be the next
// sequence for its client and every dependency must already be covered.
func (t *VectorClockTracker) Ready(client types.ClientID, seq uint64, deps types.VectorClock) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.clock[client]+1 != seq {
		return false
	}
	return t.clock.Dominates(deps)
}
