package crdt

import (
	"fmt"

	"github.com/example/sync-state-bridge/internal/types"
)

// ID names an operation, and the shared type it created, uniquely across all
// replicas. Clock is a Lamport clock: every replica advances it past every
// clock it has observed before stamping a new operation.
type ID struct {
	Client types.ClientID `msgpack:"c"`
	Clock  uint64         `msgpack:"k"`
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id.Client == "" && id.Clock == 0 }

func (id ID) String() string { return fmt.Sprintf("%s@%d", id.Client, id.Clock) }

// compareIDs orders IDs by clock and then by client. The later ID wins a
// concurrent write to the same map key.
func compareIDs(a, b ID) int {
	switch {
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	case a.Client < b.Client:
		return -1
	case a.Client > b.Client:
		return 1
	default:
		return 0
	}
}
