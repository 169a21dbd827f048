package crdt

import (
	"sort"
	"sync"
)

// DeepEvent reports that a shared type, or anything nested below it, changed
// in one transaction.
type DeepEvent struct {
	// Keys lists the keys of an observed map under which a change happened,
	// sorted. It is empty for arrays.
	Keys []string
	// Origin is the origin the transaction was tagged with.
	Origin any
	// Local is false when the change came from another replica.
	Local bool
}

// DeepObserver is invoked once per transaction that touched the observed type.
type DeepObserver func(DeepEvent)

type sharedType interface {
	base() *branch
}

// branch is the part every shared type has in common: its place in the tree
// and its observers. parent is nil for roots and for types that were
// replaced or deleted.
type branch struct {
	doc       *Doc
	id        ID
	parent    *branch
	parentKey string

	obsMu      sync.Mutex
	observers  map[uint64]DeepObserver
	nextHandle uint64
}

func (b *branch) base() *branch { return b }

func (b *branch) observeDeep(fn DeepObserver) func() {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()

	if b.observers == nil {
		b.observers = make(map[uint64]DeepObserver)
	}
	handle := b.nextHandle
	b.nextHandle++
	b.observers[handle] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.obsMu.Lock()
			defer b.obsMu.Unlock()
			delete(b.observers, handle)
		})
	}
}

func (b *branch) observersSnapshot() []DeepObserver {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()

	if len(b.observers) == 0 {
		return nil
	}
	handles := make([]uint64, 0, len(b.observers))
	for h := range b.observers {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]DeepObserver, 0, len(handles))
	for _, h := range handles {
		out = append(out, b.observers[h])
	}
	return out
}

func (b *branch) clearObservers() {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observers = nil
}

// attach links a value just stored in a container to its new position.
func attach(v any, parent *branch, key string) {
	if t, ok := v.(sharedType); ok {
		child := t.base()
		child.parent = parent
		child.parentKey = key
	}
}

// detach unlinks a value that was overwritten or deleted.
func detach(v any) {
	if t, ok := v.(sharedType); ok {
		child := t.base()
		child.parent = nil
		child.parentKey = ""
	}
}

// plain converts a stored value to plain Go data.
func plain(v any) any {
	switch t := v.(type) {
	case *Map:
		return t.toJSONLocked()
	case *Array:
		return t.toJSONLocked()
	default:
		return v
	}
}
