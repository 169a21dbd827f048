package crdt

import (
	"math/rand"
	"sync"
	"time"

	"github.com/example/sync-state-bridge/internal/types"
)

// Position orders an element inside a shared array. Paths compare
// lexicographically (a prefix sorts first) and ties break on Client.
type Position struct {
	Path   []int          `msgpack:"p"`
	Client types.ClientID `msgpack:"c"`
}

// Compare returns -1 if p comes before other, 1 if after, and 0 if equal.
func (p Position) Compare(other Position) int {
	minLen := len(p.Path)
	if len(other.Path) < minLen {
		minLen = len(other.Path)
	}

	for i := 0; i < minLen; i++ {
		if p.Path[i] < other.Path[i] {
			return -1
		}
		if p.Path[i] > other.Path[i] {
			return 1
		}
	}

	if len(p.Path) < len(other.Path) {
		return -1
	}
	if len(p.Path) > len(other.Path) {
		return 1
	}

	switch {
	case p.Client < other.Client:
		return -1
	case p.Client > other.Client:
		return 1
	default:
		return 0
	}
}

// positionAllocator creates dense positions between two neighbours.
type positionAllocator struct {
	base   int
	client types.ClientID

	mu  sync.Mutex
	rng *rand.Rand
}

// newPositionAllocator initializes an allocator for the given client. The base
// bounds the branching factor of the position tree.
func newPositionAllocator(client types.ClientID) *positionAllocator {
	return &positionAllocator{
		base:   1 << 15,
		client: client,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Between returns a position strictly after left and strictly before right.
// An empty left path stands for the start of the array and an empty right path
// for its end.
func (a *positionAllocator) Between(left, right Position) Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	prefix := make([]int, 0, len(left.Path)+1)
	boundedRight := len(right.Path) > 0
	for depth := 0; ; depth++ {
		l := digit(left.Path, depth, 0)
		r := a.base
		if boundedRight {
			r = digit(right.Path, depth, a.base)
		}

		if r-l > 1 {
			return Position{Path: append(prefix, l+1+a.rng.Intn(r-l-1)), Client: a.client}
		}

		prefix = append(prefix, l)
		if l < r {
			// right no longer shares the prefix, the next level is open ended
			boundedRight = false
		}
	}
}

func digit(path []int, depth, fallback int) int {
	if depth < len(path) {
		return path[depth]
	}
	return fallback
}
