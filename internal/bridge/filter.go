package bridge

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/example/sync-state-bridge/internal/store"
)

// FieldFilter projects a snapshot onto the fields that are published. It must
// not modify its argument.
type FieldFilter func(store.State) store.State

func identity(s store.State) store.State { return s }

// Pick keeps only the named fields.
func Pick(keys ...string) FieldFilter {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}
	return func(s store.State) store.State {
		out := make(store.State, len(keep))
		for k, v := range s {
			if _, ok := keep[k]; ok {
				out[k] = v
			}
		}
		return out
	}
}

// Omit drops the named fields.
func Omit(keys ...string) FieldFilter {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	return func(s store.State) store.State {
		out := make(store.State, len(s))
		for k, v := range s {
			if _, ok := drop[k]; !ok {
				out[k] = v
			}
		}
		return out
	}
}

// MatchFields keeps the fields whose name matches any of the glob patterns,
// e.g. "user*" or "{count,name}".
func MatchFields(patterns ...string) (FieldFilter, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile field pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return func(s store.State) store.State {
		out := make(store.State, len(s))
		for k, v := range s {
			for _, g := range globs {
				if g.Match(k) {
					out[k] = v
					break
				}
			}
		}
		return out
	}, nil
}

// MustMatchFields is MatchFields for patterns known to be valid.
func MustMatchFields(patterns ...string) FieldFilter {
	f, err := MatchFields(patterns...)
	if err != nil {
		panic(err)
	}
	return f
}
