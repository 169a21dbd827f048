// Package bridge keeps a reactive store and a map of a shared document in
// step. A binding publishes every local change of the store's data fields to
// the shared map and applies every change of the shared map, local or remote,
// back to the store. Action functions stay local.
package bridge

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/store"
)

// ApplyMode selects how shared map changes are applied to the store.
type ApplyMode int

const (
	// ApplyWholesale replaces every data field of the store with the content
	// of the shared map. Actions are kept.
	ApplyWholesale ApplyMode = iota
	// ApplyFiltered replaces or removes only the fields inside the field
	// filter's projection. Fields outside of it stay local.
	ApplyFiltered
	// ApplyIncremental patches only the top-level fields a change touched.
	ApplyIncremental
)

func (m ApplyMode) String() string {
	switch m {
	case ApplyWholesale:
		return "wholesale"
	case ApplyFiltered:
		return "filtered"
	case ApplyIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// ErrorHandler receives the errors of a binding. It is called on the
// goroutine that delivered the change.
type ErrorHandler func(error)

// Option configures a binding.
type Option func(*options)

type options struct {
	filter  FieldFilter
	mode    ApplyMode
	logger  zerolog.Logger
	onError ErrorHandler
}

// WithFieldFilter restricts which fields are published and seeded.
func WithFieldFilter(f FieldFilter) Option {
	return func(o *options) {
		if f != nil {
			o.filter = f
		}
	}
}

// WithApplyMode selects how shared changes reach the store.
func WithApplyMode(mode ApplyMode) Option {
	return func(o *options) { o.mode = mode }
}

// WithLogger sets the logger used by the binding.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithErrorHandler replaces the default handler, which logs.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(o *options) { o.onError = fn }
}

// Binding connects one store to one shared map.
type Binding struct {
	doc     *crdt.Doc
	name    string
	shared  *crdt.Map
	api     store.API
	guard   *loopGuard
	filter  FieldFilter
	mode    ApplyMode
	logger  zerolog.Logger
	onError ErrorHandler

	mu        sync.Mutex
	closed    bool
	created   bool
	early     bool
	earlyKeys []string
	stopDoc   func()
	stopStore func()
}

// Sync returns a middleware binding the store built from the wrapped
// initializer to the shared map mapName of doc. Every store created with the
// returned initializer gets its own binding, closed when the store is
// destroyed.
func Sync(doc *crdt.Doc, mapName string, opts ...Option) func(store.Initializer) store.Initializer {
	return func(init store.Initializer) store.Initializer {
		return func(api store.API) store.State {
			_, state := Bind(api, doc, mapName, init, opts...)
			return state
		}
	}
}

// Bind attaches api to the shared map and returns the binding together with
// the initial state for the store. It must be called from inside the store's
// initializer.
func Bind(api store.API, doc *crdt.Doc, mapName string, init store.Initializer, opts ...Option) (*Binding, store.State) {
	o := options{filter: identity, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	guard := newLoopGuard()
	b := &Binding{
		doc:     doc,
		name:    mapName,
		shared:  doc.GetMap(mapName),
		api:     api,
		guard:   guard,
		filter:  o.filter,
		mode:    o.mode,
		logger:  o.logger.With().Str("map", mapName).Str("binding", guard.String()).Logger(),
		onError: o.onError,
	}
	if b.onError == nil {
		b.onError = b.logError
	}

	initial := b.bootstrap(init)

	b.stopDoc = b.shared.ObserveDeep(b.observe)
	b.stopStore = api.SubscribeChanges(b.publish)
	api.OnCreate(b.storeCreated)
	api.OnDestroy(b.Close)
	return b, initial
}

// MapName returns the name of the bound shared map.
func (b *Binding) MapName() string { return b.name }

// Close detaches the binding. The store and the shared map keep their
// current content.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.stopDoc()
	b.stopStore()
}

// storeCreated re-applies shared changes observed before the store installed
// its initial state. Installing it overwrote them.
func (b *Binding) storeCreated() {
	b.mu.Lock()
	b.created = true
	early, keys := b.early, b.earlyKeys
	b.early, b.earlyKeys = false, nil
	closed := b.closed
	b.mu.Unlock()

	if closed || !early {
		return
	}
	b.apply(keys)
	b.logger.Debug().Strs("keys", keys).Msg("re-applied shared change from before store creation")
}

// noteEarly records keys of a shared change that arrived before the store
// was created.
func (b *Binding) noteEarly(keys []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.created {
		b.early = true
		b.earlyKeys = append(b.earlyKeys, keys...)
	}
}

func (b *Binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Binding) report(err error) {
	var unrepresentable *UnrepresentableValueError
	var unavailable *DocumentUnavailableError
	switch {
	case errors.As(err, &unrepresentable):
		errorsTotal.WithLabelValues(b.name, "unrepresentable").Inc()
	case errors.As(err, &unavailable):
		errorsTotal.WithLabelValues(b.name, "unavailable").Inc()
	default:
		errorsTotal.WithLabelValues(b.name, "other").Inc()
	}
	b.onError(err)
}

func (b *Binding) logError(err error) {
	b.logger.Error().Err(err).Msg("sync bridge error")
}

// writeFields converts and writes changes in one transaction and returns the
// keys it committed. Conversion failures are reported per field. A document
// that refuses a write is reported as unavailable together with the keys
// written before the failure, which stay committed.
func (b *Binding) writeFields(changes []FieldChange) []string {
	type write struct {
		key     string
		content crdt.Content
	}

	writes := make([]write, 0, len(changes))
	for _, c := range changes {
		content, err := ToShared(c.Value)
		if err != nil {
			var uv *UnrepresentableValueError
			if errors.As(err, &uv) {
				uv.Key = c.Key
			} else {
				err = &UnrepresentableValueError{Key: c.Key, Kind: "scalar", Err: err}
			}
			b.report(err)
			continue
		}
		writes = append(writes, write{key: c.Key, content: content})
	}
	if len(writes) == 0 {
		return nil
	}

	committed := make([]string, 0, len(writes))
	err := b.doc.Transact(func(tx *crdt.Txn) error {
		for _, w := range writes {
			if err := b.shared.Set(tx, w.key, w.content); err != nil {
				return err
			}
			committed = append(committed, w.key)
		}
		return nil
	}, crdt.WithOrigin(b.guard))
	if err != nil {
		b.report(&DocumentUnavailableError{Map: b.name, Committed: committed, Err: err})
	}
	return committed
}
