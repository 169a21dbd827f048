// Package store is a small reactive state container. State is a shallow map of
// named fields; data fields and action functions live side by side, and
// every SetState notifies subscribers in order.
package store

import (
	"sort"
	"sync"

	"github.com/example/sync-state-bridge/internal/notify"
)

// State is one snapshot of a store. Values that are functions are actions;
// everything else is data.
type State map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Change describes one state transition.
type Change struct {
	Next   State
	Prev   State
	Origin any
}

// Listener receives the next and previous state after every change.
type Listener func(next, prev State)

// ChangeListener receives every change together with its origin.
type ChangeListener func(Change)

// API is what an Initializer receives and what middleware wraps.
type API interface {
	GetState() State
	SetState(partial State, opts ...SetOption)
	Update(fn func(State) State, opts ...SetOption)
	Subscribe(fn Listener) func()
	SubscribeChanges(fn ChangeListener) func()
	OnCreate(fn func())
	OnDestroy(fn func())
	Destroy()
}

// Initializer builds the initial state of a store. Actions it returns close
// over api to change the state later.
type Initializer func(api API) State

// SetOption configures one state change.
type SetOption func(*setOptions)

type setOptions struct {
	replace bool
	origin  any
}

// Replace makes SetState swap the whole state instead of merging into it.
func Replace() SetOption {
	return func(o *setOptions) { o.replace = true }
}

// WithOrigin tags the change; ChangeListeners see the origin.
func WithOrigin(origin any) SetOption {
	return func(o *setOptions) { o.origin = origin }
}

// Store implements API.
type Store struct {
	mu        sync.RWMutex
	state     State
	listeners map[uint64]ChangeListener
	next      uint64
	destroyed bool

	hooksMu  sync.Mutex
	created  bool
	onCreate []func()
	cleanups []func()

	queue notify.Queue
}

var _ API = (*Store)(nil)

// Create builds a store from init. Calls to SetState made while init runs
// change the in-progress state and are overwritten by init's result; the
// OnCreate callbacks run once that result is installed.
func Create(init Initializer) *Store {
	s := &Store{
		state:     State{},
		listeners: make(map[uint64]ChangeListener),
	}
	initial := init(s)
	s.mu.Lock()
	s.state = initial.Clone()
	s.mu.Unlock()

	s.hooksMu.Lock()
	s.created = true
	hooks := s.onCreate
	s.onCreate = nil
	s.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return s
}

// GetState returns a shallow copy of the current state.
func (s *Store) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// SetState merges partial into the state, or replaces the state with
// Replace, and notifies every subscriber. Notifications are delivered in the
// order changes were made; a SetState from inside a listener is applied at
// once and delivered after the current listener returns.
func (s *Store) SetState(partial State, opts ...SetOption) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	var next State
	if o.replace {
		next = partial.Clone()
	} else {
		next = prev.Clone()
		for k, v := range partial {
			next[k] = v
		}
	}
	s.state = next
	listeners := s.listenersLocked()
	s.queue.Push(func() {
		change := Change{Next: next.Clone(), Prev: prev.Clone(), Origin: o.origin}
		for _, l := range listeners {
			l(change)
		}
	})
	s.mu.Unlock()

	s.queue.Drain()
}

// Update computes the next partial state from the current state.
func (s *Store) Update(fn func(State) State, opts ...SetOption) {
	s.SetState(fn(s.GetState()), opts...)
}

// Subscribe registers fn for every change. It returns a function that
// unregisters fn.
func (s *Store) Subscribe(fn Listener) func() {
	return s.SubscribeChanges(func(c Change) { fn(c.Next, c.Prev) })
}

// SubscribeChanges registers fn for every change including its origin.
func (s *Store) SubscribeChanges(fn ChangeListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.next
	s.next++
	s.listeners[handle] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, handle)
	}
}

// OnCreate registers fn to run after Create has installed the initial state.
// On a store that is already created fn runs at once.
func (s *Store) OnCreate(fn func()) {
	s.hooksMu.Lock()
	if !s.created {
		s.onCreate = append(s.onCreate, fn)
		s.hooksMu.Unlock()
		return
	}
	s.hooksMu.Unlock()
	fn()
}

// OnDestroy registers fn to run when the store is destroyed.
func (s *Store) OnDestroy(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Destroy drops every subscriber and runs the OnDestroy callbacks in reverse
// registration order. Later SetState calls are ignored.
func (s *Store) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.listeners = make(map[uint64]ChangeListener)
	s.mu.Unlock()

	s.hooksMu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.hooksMu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

func (s *Store) listenersLocked() []ChangeListener {
	handles := make([]uint64, 0, len(s.listeners))
	for h := range s.listeners {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]ChangeListener, 0, len(handles))
	for _, h := range handles {
		out = append(out, s.listeners[h])
	}
	return out
}
