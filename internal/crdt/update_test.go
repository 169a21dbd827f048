package crdt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-state-bridge/internal/types"
)

func TestUpdateCodecRestoresCanonicalScalars(t *testing.T) {
	u := Update{
		Client: "a",
		Seq:    3,
		Deps:   types.VectorClock{"b": 2},
		Ops: []Op{{
			Kind:   OpMapSet,
			Parent: Ref{Root: "state"},
			Key:    "values",
			ID:     ID{Client: "a", Clock: 9},
			Value: &Encoded{Kind: EncodedArray, Items: []EncodedItem{
				{ID: ID{Client: "a", Clock: 10}, Pos: Position{Path: []int{4}, Client: "a"}, Value: &Encoded{Kind: EncodedScalar, Scalar: int64(200)}},
				{ID: ID{Client: "a", Clock: 11}, Pos: Position{Path: []int{5}, Client: "a"}, Value: &Encoded{Kind: EncodedScalar, Scalar: uint64(math.MaxUint64)}},
				{ID: ID{Client: "a", Clock: 12}, Pos: Position{Path: []int{6}, Client: "a"}, Value: &Encoded{Kind: EncodedScalar, Scalar: 1.5}},
				{ID: ID{Client: "a", Clock: 13}, Pos: Position{Path: []int{7}, Client: "a"}, Value: &Encoded{Kind: EncodedScalar}},
				{ID: ID{Client: "a", Clock: 14}, Pos: Position{Path: []int{8}, Client: "a"}, Deleted: true},
			}},
		}},
	}

	data, err := EncodeUpdate(u)
	require.NoError(t, err)
	decoded, err := DecodeUpdate(data)
	require.NoError(t, err)

	items := decoded.Ops[0].Value.Items
	require.Len(t, items, 5)
	assert.Equal(t, int64(200), items[0].Value.Scalar)
	assert.Equal(t, uint64(math.MaxUint64), items[1].Value.Scalar)
	assert.Equal(t, 1.5, items[2].Value.Scalar)
	assert.Nil(t, items[3].Value.Scalar)
	assert.True(t, items[4].Deleted)
	assert.Equal(t, uint64(2), decoded.Deps["b"])
	assert.Equal(t, ID{Client: "a", Clock: 9}, decoded.Ops[0].ID)
}

func TestDecodeUpdateRejectsGarbage(t *testing.T) {
	_, err := DecodeUpdate([]byte{0xc1})
	require.Error(t, err)
}

func TestCanonicalScalar(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{int8(-3), int64(-3)},
		{uint32(7), int64(7)},
		{uint64(math.MaxInt64) + 1, uint64(math.MaxInt64) + 1},
		{float32(0.5), float64(0.5)},
		{"s", "s"},
		{nil, nil},
	}
	for _, tc := range cases {
		got, ok := CanonicalScalar(tc.in)
		require.True(t, ok)
		assert.Equal(t, tc.want, got)
	}

	_, err := NewScalar(struct{}{})
	require.ErrorIs(t, err, ErrInvalidScalar)
}
