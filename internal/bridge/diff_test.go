package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-state-bridge/internal/store"
)

func TestDiffReportsChangedFields(t *testing.T) {
	prev := store.State{
		"count":   int64(1),
		"name":    "Alice",
		"items":   []any{"a"},
		"removed": true,
		"act":     func() {},
	}
	next := store.State{
		"count": 1,
		"name":  "Bob",
		"items": []string{"a"},
		"added": map[string]any{"x": 1},
		"act":   func() {},
	}

	changes, errs := Diff(prev, next)
	require.Empty(t, errs)
	assert.Equal(t, []FieldChange{
		{Key: "added", Value: map[string]any{"x": 1}},
		{Key: "name", Value: "Bob"},
	}, changes)
}

func TestDiffNeverReportsMissingFields(t *testing.T) {
	changes, errs := Diff(store.State{"name": "Alice", "count": 1}, store.State{"count": 1})
	require.Empty(t, errs)
	assert.Empty(t, changes)
}

func TestDiffIsolatesSerializationErrors(t *testing.T) {
	next := store.State{
		"broken": map[string]any{"ch": make(chan int)},
		"fine":   2,
	}
	changes, errs := Diff(store.State{}, next)

	require.Len(t, errs, 1)
	var uv *UnrepresentableValueError
	require.ErrorAs(t, errs[0], &uv)
	assert.Equal(t, "broken", uv.Key)
	assert.Equal(t, []FieldChange{{Key: "fine", Value: 2}}, changes)
}

func TestDiffNilPrevious(t *testing.T) {
	changes, errs := Diff(nil, store.State{"a": nil})
	require.Empty(t, errs)
	assert.Equal(t, []FieldChange{{Key: "a"}}, changes)
}
