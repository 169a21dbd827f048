package crdt

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidScalar is returned for a scalar that has no shared representation.
var ErrInvalidScalar = errors.New("value is not a shared scalar")

// Content is a value that can be written into a shared type. The set of
// variants is closed: Scalar, MapContent and ArrayContent.
type Content interface {
	isContent()
}

// Scalar holds a canonical primitive: nil, bool, string, int64, uint64 or
// float64.
type Scalar struct {
	value any
}

// MapContent becomes a nested shared map when written.
type MapContent struct {
	Entries map[string]Content
}

// ArrayContent becomes a nested shared array when written.
type ArrayContent struct {
	Items []Content
}

func (Scalar) isContent()       {}
func (MapContent) isContent()   {}
func (ArrayContent) isContent() {}

// Value returns the canonical primitive.
func (s Scalar) Value() any { return s.value }

// NewScalar canonicalizes v into a Scalar.
func NewScalar(v any) (Scalar, error) {
	canonical, ok := CanonicalScalar(v)
	if !ok {
		return Scalar{}, fmt.Errorf("%w: %T", ErrInvalidScalar, v)
	}
	return Scalar{value: canonical}, nil
}

// CanonicalScalar maps Go primitives onto the canonical scalar kinds. Signed
// and unsigned integers become int64 (uint64 only when the value does not fit),
// floats become float64.
func CanonicalScalar(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case bool:
		return x, true
	case string:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return canonicalUnsigned(uint64(x)), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return canonicalUnsigned(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return nil, false
	}
}

func canonicalUnsigned(x uint64) any {
	if x <= math.MaxInt64 {
		return int64(x)
	}
	return x
}
