package bridge

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/example/sync-state-bridge/internal/crdt"
)

// maxDepth bounds nesting so a cyclic graph fails instead of recursing
// forever.
const maxDepth = 64

// ToShared converts a plain value into content for the shared document.
// Primitives become scalars, slices and arrays become shared arrays and maps
// with string keys become shared maps, recursively. Everything else yields an
// *UnrepresentableValueError.
func ToShared(v any) (crdt.Content, error) {
	return convert(reflect.ValueOf(v), "", 0)
}

func convert(rv reflect.Value, path string, depth int) (crdt.Content, error) {
	if depth > maxDepth {
		return nil, &UnrepresentableValueError{Path: path, Kind: "depth", Err: fmt.Errorf("nesting exceeds %d levels", maxDepth)}
	}
	if !rv.IsValid() {
		return scalar(nil)
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return scalar(nil)
		}
		return convert(rv.Elem(), path, depth+1)
	case reflect.Bool:
		return scalar(rv.Bool())
	case reflect.String:
		return scalar(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return scalar(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return scalar(rv.Uint())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &UnrepresentableValueError{Path: path, Kind: rv.Kind().String(), Err: fmt.Errorf("non-finite number %v", f)}
		}
		return scalar(f)
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, &UnrepresentableValueError{Path: path, Kind: "binary"}
		}
		if rv.IsNil() {
			return scalar(nil)
		}
		return convertSequence(rv, path, depth)
	case reflect.Array:
		return convertSequence(rv, path, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnrepresentableValueError{Path: path, Kind: rv.Kind().String(), Err: fmt.Errorf("map key type %s", rv.Type().Key())}
		}
		if rv.IsNil() {
			return scalar(nil)
		}
		return convertMapping(rv, path, depth)
	default:
		return nil, &UnrepresentableValueError{Path: path, Kind: rv.Kind().String()}
	}
}

func convertSequence(rv reflect.Value, path string, depth int) (crdt.Content, error) {
	items := make([]crdt.Content, rv.Len())
	for i := range items {
		c, err := convert(rv.Index(i), path+"["+strconv.Itoa(i)+"]", depth+1)
		if err != nil {
			return nil, err
		}
		items[i] = c
	}
	return crdt.ArrayContent{Items: items}, nil
}

func convertMapping(rv reflect.Value, path string, depth int) (crdt.Content, error) {
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	entries := make(map[string]crdt.Content, len(keys))
	for _, k := range keys {
		child := k.String()
		if path != "" {
			child = path + "." + child
		}
		c, err := convert(rv.MapIndex(k), child, depth+1)
		if err != nil {
			return nil, err
		}
		entries[k.String()] = c
	}
	return crdt.MapContent{Entries: entries}, nil
}

func scalar(v any) (crdt.Content, error) {
	s, err := crdt.NewScalar(v)
	if err != nil {
		return nil, err
	}
	return s, nil
}
