package syncstate

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-state-bridge/internal/types"
)

type fakeUpdate struct {
	client types.ClientID
	seq    uint64
	deps   types.VectorClock
}

func (u fakeUpdate) Origin() types.ClientID          { return u.client }
func (u fakeUpdate) Sequence() uint64                { return u.seq }
func (u fakeUpdate) Dependencies() types.VectorClock { return u.deps }

func TestReorderBufferWaitsForPredecessors(t *testing.T) {
	tracker := NewVectorClockTracker()
	buf := NewReorderBuffer[fakeUpdate]("doc", tracker, zerolog.New(io.Discard))

	var applied []string
	apply := func(u fakeUpdate) error {
		applied = append(applied, string(u.client)+":"+string(rune('0'+u.seq)))
		return nil
	}

	// bob's update depends on alice:1 which has not arrived yet
	err := buf.Handle(fakeUpdate{client: "bob", seq: 1, deps: types.VectorClock{"alice": 1}}, apply)
	require.ErrorIs(t, err, ErrCausalityGap)

	// alice:2 arrives before alice:1
	err = buf.Handle(fakeUpdate{client: "alice", seq: 2}, apply)
	require.ErrorIs(t, err, ErrCausalityGap)
	assert.Equal(t, 2, buf.Len())

	require.NoError(t, buf.Handle(fakeUpdate{client: "alice", seq: 1}, apply))
	assert.Equal(t, []string{"alice:1", "bob:1", "alice:2"}, applied)
	assert.Zero(t, buf.Len())
	assert.Equal(t, types.VectorClock{"alice": 2, "bob": 1}, tracker.Snapshot())
}

func TestReorderBufferRejectsDuplicates(t *testing.T) {
	tracker := NewVectorClockTracker()
	buf := NewReorderBuffer[fakeUpdate]("doc", tracker, zerolog.New(io.Discard))
	apply := func(fakeUpdate) error { return nil }

	require.NoError(t, buf.Handle(fakeUpdate{client: "alice", seq: 1}, apply))
	assert.ErrorIs(t, buf.Handle(fakeUpdate{client: "alice", seq: 1}, apply), ErrDuplicate)
}

func TestBumpLocalExcludesOwnEntry(t *testing.T) {
	tracker := NewVectorClockTracker()
	tracker.Advance("bob", 4)

	seq, deps := tracker.BumpLocal("alice")
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, types.VectorClock{"bob": 4}, deps)

	seq, deps = tracker.BumpLocal("alice")
	assert.Equal(t, uint64(2), seq)
	assert.NotContains(t, deps, types.ClientID("alice"))
}
