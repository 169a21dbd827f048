package bridge

import "fmt"

// UnrepresentableValueError reports a field whose value has no shared
// representation. It only affects that field; siblings are still published.
type UnrepresentableValueError struct {
	// Key is the top-level field.
	Key string
	// Path locates the offending value below Key, e.g. "items[2].name". It is
	// empty when the field value itself is the problem.
	Path string
	// Kind names what was found: a reflect kind, "binary", "depth" or "json".
	Kind string
	Err  error
}

func (e *UnrepresentableValueError) Error() string {
	loc := e.Key
	if e.Path != "" {
		if loc == "" {
			loc = e.Path
		} else if e.Path[0] == '[' {
			loc += e.Path
		} else {
			loc += "." + e.Path
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("bridge: field %q: %s value not representable: %v", loc, e.Kind, e.Err)
	}
	return fmt.Sprintf("bridge: field %q: %s value not representable", loc, e.Kind)
}

func (e *UnrepresentableValueError) Unwrap() error { return e.Err }

// DocumentUnavailableError reports that a write to the shared map could not
// be committed. Local state is left as it is. Fields written in the same
// transaction before the failure stay in the shared map and are listed in
// Committed.
type DocumentUnavailableError struct {
	Map       string
	Committed []string
	Err       error
}

func (e *DocumentUnavailableError) Error() string {
	return fmt.Sprintf("bridge: shared map %q unavailable: %v", e.Map, e.Err)
}

func (e *DocumentUnavailableError) Unwrap() error { return e.Err }
