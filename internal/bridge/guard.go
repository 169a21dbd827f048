package bridge

import (
	"fmt"
	"sync/atomic"
)

var guardSeq atomic.Uint64

// loopGuard is the origin a binding stamps on the changes it makes. The
// publisher ignores store changes carrying it and the observer ignores
// document transactions carrying it, so a binding never reacts to its own
// writes while other bindings are unaffected.
type loopGuard struct {
	id uint64
}

func newLoopGuard() *loopGuard {
	return &loopGuard{id: guardSeq.Add(1)}
}

// owns reports whether origin was produced by this guard's binding.
func (g *loopGuard) owns(origin any) bool {
	other, ok := origin.(*loopGuard)
	return ok && other == g
}

func (g *loopGuard) String() string { return fmt.Sprintf("binding-%d", g.id) }
