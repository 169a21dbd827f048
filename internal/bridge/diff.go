package bridge

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/example/sync-state-bridge/internal/store"
)

// FieldChange is one top-level field to write to the shared map.
type FieldChange struct {
	Key   string
	Value any
}

// Diff compares two projected snapshots field by field through their JSON
// serialization. Actions are skipped. A field that is new, or whose
// serialization differs, is reported as changed. Only fields present in next
// are considered, so a field that left the projection is never removed from
// the shared map. Fields that cannot be serialized are returned as errors and
// left out of the changes.
func Diff(prev, next store.State) ([]FieldChange, []error) {
	var (
		changes []FieldChange
		errs    []error
	)

	for _, key := range sortedKeys(next) {
		value := next[key]
		if isAction(value) {
			continue
		}
		nextJSON, err := json.Marshal(value)
		if err != nil {
			errs = append(errs, &UnrepresentableValueError{Key: key, Kind: "json", Err: err})
			continue
		}
		if old, ok := prev[key]; ok && !isAction(old) {
			if prevJSON, err := json.Marshal(old); err == nil && bytes.Equal(prevJSON, nextJSON) {
				continue
			}
		}
		changes = append(changes, FieldChange{Key: key, Value: value})
	}
	return changes, errs
}

func isAction(v any) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Func
}

func sortedKeys(s store.State) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
