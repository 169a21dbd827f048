package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-state-bridge/internal/store"
)

func TestFilters(t *testing.T) {
	s := store.State{"userName": "a", "userAge": 3, "draft": "x", "count": 1}

	assert.Equal(t, store.State{"count": 1}, Pick("count", "missing")(s))
	assert.Equal(t, store.State{"userName": "a", "userAge": 3, "count": 1}, Omit("draft")(s))

	f, err := MatchFields("user*", "{count,total}")
	require.NoError(t, err)
	assert.Equal(t, store.State{"userName": "a", "userAge": 3, "count": 1}, f(s))

	// filters never mutate their input
	assert.Len(t, s, 4)
}

func TestMatchFieldsRejectsBadPattern(t *testing.T) {
	_, err := MatchFields("[")
	require.Error(t, err)
	assert.Panics(t, func() { MustMatchFields("[") })
}
