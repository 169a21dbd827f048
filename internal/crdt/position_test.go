package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBetweenStaysInsideNeighbours(t *testing.T) {
	alloc := newPositionAllocator("a")

	left := alloc.Between(Position{}, Position{})
	right := alloc.Between(left, Position{})
	require.Equal(t, -1, left.Compare(right))

	// repeatedly insert right after left to force deeper paths
	for i := 0; i < 200; i++ {
		mid := alloc.Between(left, right)
		require.Equal(t, -1, left.Compare(mid), "iteration %d", i)
		require.Equal(t, -1, mid.Compare(right), "iteration %d", i)
		right = mid
	}
}

func TestBetweenAdjacentDigits(t *testing.T) {
	alloc := newPositionAllocator("b")
	left := Position{Path: []int{10}, Client: "a"}
	right := Position{Path: []int{11}, Client: "a"}

	mid := alloc.Between(left, right)
	require.Equal(t, -1, left.Compare(mid))
	require.Equal(t, -1, mid.Compare(right))
	require.Len(t, mid.Path, 2)
}

func TestPositionCompareTiesOnClient(t *testing.T) {
	a := Position{Path: []int{3}, Client: "a"}
	b := Position{Path: []int{3}, Client: "b"}
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 0, a.Compare(a))
	require.Equal(t, -1, Position{Path: []int{3}}.Compare(Position{Path: []int{3, 1}}))
}
