package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/notify"
	syncstate "github.com/example/sync-state-bridge/internal/sync"
	"github.com/example/sync-state-bridge/internal/types"
)

var (
	// ErrClosed is returned by every mutation of a closed document.
	ErrClosed = errors.New("shared document is closed")

	// ErrUnknownParent marks an op addressing a type this replica never saw.
	// Such ops only ever target types that were replaced before a snapshot
	// was taken, and are skipped.
	ErrUnknownParent = errors.New("unknown parent type")

	// ErrForeignTransaction is returned when a type is mutated with a
	// transaction of another document.
	ErrForeignTransaction = errors.New("transaction belongs to another document")

	// ErrTransactionDone is returned when a transaction is used after commit.
	ErrTransactionDone = errors.New("transaction already committed")

	// ErrIndexOutOfRange is returned by array mutations with a bad index.
	ErrIndexOutOfRange = errors.New("array index out of range")
)

// UpdateEvent is delivered to update listeners once per integrated update.
type UpdateEvent struct {
	Update Update
	Origin any
	Local  bool
}

// UpdateListener receives committed updates.
type UpdateListener func(UpdateEvent)

// Option configures a Doc.
type Option func(*Doc)

// WithClientID sets the replica identity. It must be unique among the
// replicas of a document.
func WithClientID(id types.ClientID) Option {
	return func(d *Doc) {
		d.client = id
	}
}

// WithDocumentID names the document for logs and metrics.
func WithDocumentID(id types.DocumentID) Option {
	return func(d *Doc) {
		d.document = id
	}
}

// WithLogger sets the logger used for replication diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Doc) {
		d.logger = logger
	}
}

// Doc is one replica of a shared document: a set of named root maps holding
// scalars, nested maps and arrays. Mutations happen inside transactions;
// every committed transaction produces one Update for replication and one
// deep event per observed type it touched.
type Doc struct {
	client   types.ClientID
	document types.DocumentID
	logger   zerolog.Logger

	txnMu sync.Mutex // serializes local transactions and remote integration

	mu    sync.RWMutex // guards the type tree below
	clock uint64
	roots map[string]*Map
	types map[ID]sharedType
	alloc *positionAllocator

	tracker *syncstate.VectorClockTracker
	buffer  *syncstate.ReorderBuffer[Update]

	lmu        sync.RWMutex
	listeners  map[uint64]UpdateListener
	nextHandle uint64
	queue      notify.Queue
	closed     atomic.Bool
}

// NewDoc constructs an empty document replica. Without WithClientID a random
// ULID identifies the replica.
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		document:  "default",
		logger:    zerolog.Nop(),
		roots:     make(map[string]*Map),
		types:     make(map[ID]sharedType),
		tracker:   syncstate.NewVectorClockTracker(),
		listeners: make(map[uint64]UpdateListener),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == "" {
		d.client = types.ClientID(ulid.Make().String())
	}
	d.alloc = newPositionAllocator(d.client)
	d.buffer = syncstate.NewReorderBuffer[Update](string(d.document), d.tracker, d.logger)
	return d
}

// ClientID returns the replica identity.
func (d *Doc) ClientID() types.ClientID { return d.client }

// DocumentID returns the document name given at construction.
func (d *Doc) DocumentID() types.DocumentID { return d.document }

// StateVector returns the highest update sequence integrated per client.
func (d *Doc) StateVector() types.VectorClock { return d.tracker.Snapshot() }

// Pending reports how many remote updates wait for causal predecessors.
func (d *Doc) Pending() int { return d.buffer.Len() }

// Closed reports whether Close was called.
func (d *Doc) Closed() bool { return d.closed.Load() }

// GetMap returns the root map with the given name, creating it if absent.
func (d *Doc) GetMap(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rootLocked(name)
}

func (d *Doc) rootLocked(name string) *Map {
	m, ok := d.roots[name]
	if !ok {
		m = newMap(d, ID{})
		m.root = name
		d.roots[name] = m
	}
	return m
}

// ToJSON returns a plain copy of every root map that holds at least one key,
// keyed by root name.
func (d *Doc) ToJSON() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]any, len(d.roots))
	for name, m := range d.roots {
		content := m.toJSONLocked()
		if len(content) == 0 {
			continue
		}
		out[name] = content
	}
	return out
}

// OnUpdate registers a listener for committed updates. It returns a function
// that unregisters the listener.
func (d *Doc) OnUpdate(listener UpdateListener) func() {
	d.lmu.Lock()
	defer d.lmu.Unlock()

	handle := d.nextHandle
	d.nextHandle++
	d.listeners[handle] = listener
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		delete(d.listeners, handle)
	}
}

// Close detaches the replica. Later transactions and updates fail with
// ErrClosed and no further notifications are delivered.
func (d *Doc) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.lmu.Lock()
	d.listeners = make(map[uint64]UpdateListener)
	d.lmu.Unlock()

	d.mu.Lock()
	for _, m := range d.roots {
		m.clearObservers()
	}
	for _, t := range d.types {
		t.base().clearObservers()
	}
	d.mu.Unlock()
}

// TxnOption configures one transaction.
type TxnOption func(*Txn)

// WithOrigin tags the transaction; the origin is reported to deep observers
// and update listeners so they can recognise their own writes.
func WithOrigin(origin any) TxnOption {
	return func(tx *Txn) {
		tx.origin = origin
	}
}

// Transact runs fn and commits everything it wrote as one unit: one Update and
// at most one deep event per observed type. Writes made before fn returns an
// error are still committed. Notifications are delivered after fn returns, in
// commit order; a transaction started from inside a notification is committed
// immediately and notified after the current callback returns. fn must not
// call Transact itself.
func (d *Doc) Transact(fn func(*Txn) error, opts ...TxnOption) error {
	if d.closed.Load() {
		return ErrClosed
	}

	err := d.run(true, opts, fn)
	d.queue.Drain()
	return err
}

// ApplyUpdate integrates an update produced by another replica. Updates whose
// causal predecessors are missing are buffered and ErrCausalityGap-wrapped
// errors are returned; duplicates are ignored.
func (d *Doc) ApplyUpdate(u Update, origin any) error {
	if d.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := d.run(false, []TxnOption{WithOrigin(origin)}, func(tx *Txn) error {
		apply := func(u Update) error {
			if err := d.integrate(tx, u.Ops); err != nil {
				return err
			}
			tx.applied = append(tx.applied, u)
			return nil
		}

		if u.Snapshot {
			if err := d.integrate(tx, u.Ops); err != nil {
				return err
			}
			d.tracker.MergeRemote(u.State)
			tx.applied = append(tx.applied, u)
			return d.buffer.Drain(apply)
		}
		return d.buffer.Handle(u, apply)
	})
	d.queue.Drain()
	applyLatency.WithLabelValues(string(d.document)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil, errors.Is(err, syncstate.ErrDuplicate):
		return nil
	case errors.Is(err, syncstate.ErrCausalityGap):
		return fmt.Errorf("apply update %s/%d: %w", u.Client, u.Seq, err)
	default:
		d.logger.Error().Err(err).Str("document", string(d.document)).Str("client", string(u.Client)).Msg("failed to integrate update")
		return fmt.Errorf("apply update %s/%d: %w", u.Client, u.Seq, err)
	}
}

// EncodeState captures the whole document as a snapshot Update. Applying it to
// any replica merges the full state.
func (d *Doc) EncodeState() Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.roots))
	for name := range d.roots {
		names = append(names, name)
	}
	sort.Strings(names)

	var ops []Op
	for _, name := range names {
		m := d.roots[name]
		for _, key := range m.sortedKeysLocked(true) {
			entry := m.entries[key]
			op := Op{Kind: OpMapSet, Parent: Ref{Root: name}, Key: key, ID: entry.id}
			if entry.deleted {
				op.Kind = OpMapDelete
			} else {
				op.Value = encodeValueLocked(entry.value)
			}
			ops = append(ops, op)
		}
	}

	return Update{
		Client:   d.client,
		Snapshot: true,
		State:    d.tracker.Snapshot(),
		Ops:      ops,
	}
}

func (d *Doc) run(local bool, opts []TxnOption, fn func(*Txn) error) (err error) {
	d.txnMu.Lock()
	defer d.txnMu.Unlock()

	tx := &Txn{doc: d, local: local}
	for _, opt := range opts {
		opt(tx)
	}

	defer d.commit(tx)
	return fn(tx)
}

// commit seals the transaction and pushes its notifications. It runs with
// txnMu held so notifications follow commit order.
func (d *Doc) commit(tx *Txn) {
	tx.done = true

	if tx.local && len(tx.ops) > 0 {
		seq, deps := d.tracker.BumpLocal(d.client)
		tx.applied = append(tx.applied, Update{Client: d.client, Seq: seq, Deps: deps, Ops: tx.ops})
		transactionsTotal.WithLabelValues(string(d.document), "local").Inc()
	} else if len(tx.applied) > 0 {
		transactionsTotal.WithLabelValues(string(d.document), "remote").Inc()
	}

	if d.closed.Load() {
		return
	}

	var callbacks []func()
	for _, b := range tx.order {
		observers := b.observersSnapshot()
		if len(observers) == 0 {
			continue
		}
		evt := DeepEvent{Keys: tx.keysFor(b), Origin: tx.origin, Local: tx.local}
		for _, obs := range observers {
			obs := obs
			callbacks = append(callbacks, func() { obs(evt) })
		}
	}

	d.lmu.RLock()
	listeners := make([]UpdateListener, 0, len(d.listeners))
	handles := make([]uint64, 0, len(d.listeners))
	for h := range d.listeners {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	for _, h := range handles {
		listeners = append(listeners, d.listeners[h])
	}
	d.lmu.RUnlock()

	for _, u := range tx.applied {
		evt := UpdateEvent{Update: u, Origin: tx.origin, Local: tx.local}
		for _, l := range listeners {
			l := l
			callbacks = append(callbacks, func() { l(evt) })
		}
	}

	d.queue.Push(callbacks...)
}

func (d *Doc) nextIDLocked() ID {
	d.clock++
	return ID{Client: d.client, Clock: d.clock}
}

func (d *Doc) observeClockLocked(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

// integrate applies remote ops to the type tree.
func (d *Doc) integrate(tx *Txn, ops []Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range ops {
		if err := d.integrateOpLocked(tx, op); err != nil {
			if errors.Is(err, ErrUnknownParent) {
				d.logger.Debug().Err(err).Str("document", string(d.document)).Str("op", op.Kind.String()).Msg("skipping op for detached type")
				continue
			}
			return err
		}
	}
	return nil
}

func (d *Doc) integrateOpLocked(tx *Txn, op Op) error {
	var parent sharedType
	if op.Parent.Root != "" {
		parent = d.rootLocked(op.Parent.Root)
	} else {
		t, ok := d.types[op.Parent.Type]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParent, op.Parent.Type)
		}
		parent = t
	}
	d.observeClockLocked(op.ID)

	switch op.Kind {
	case OpMapSet, OpMapDelete:
		m, ok := parent.(*Map)
		if !ok {
			return fmt.Errorf("%s targets a non-map type %s", op.Kind, op.Parent.Type)
		}
		m.integrateEntryLocked(tx, op.Key, op.ID, op.Kind == OpMapDelete, op.Value)
	case OpArrayInsert:
		a, ok := parent.(*Array)
		if !ok {
			return fmt.Errorf("%s targets a non-array type %s", op.Kind, op.Parent.Type)
		}
		a.integrateItemLocked(tx, op.ID, op.Pos, false, op.Value)
	case OpArrayDelete:
		a, ok := parent.(*Array)
		if !ok {
			return fmt.Errorf("%s targets a non-array type %s", op.Kind, op.Parent.Type)
		}
		a.integrateDeleteLocked(tx, op.Target)
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

// materializeLocked turns an encoded value into a scalar or a detached shared
// type registered under id. A type already known under id absorbs the encoded
// entries instead, which makes snapshot application idempotent.
func (d *Doc) materializeLocked(tx *Txn, id ID, enc *Encoded) any {
	if enc == nil {
		return nil
	}
	switch enc.Kind {
	case EncodedMap:
		m, ok := d.types[id].(*Map)
		if !ok {
			m = newMap(d, id)
			d.types[id] = m
		}
		for _, e := range enc.Entries {
			d.observeClockLocked(e.ID)
			m.integrateEntryLocked(tx, e.Key, e.ID, e.Deleted, e.Value)
		}
		return m
	case EncodedArray:
		a, ok := d.types[id].(*Array)
		if !ok {
			a = newArray(d, id)
			d.types[id] = a
		}
		for _, it := range enc.Items {
			d.observeClockLocked(it.ID)
			a.integrateItemLocked(tx, it.ID, it.Pos, it.Deleted, it.Value)
		}
		return a
	default:
		return enc.Scalar
	}
}

// encodeContentLocked assigns fresh IDs to content about to be written
// locally. The holder ID has been allocated by the caller.
func (d *Doc) encodeContentLocked(c Content) (*Encoded, error) {
	switch v := c.(type) {
	case Scalar:
		return &Encoded{Kind: EncodedScalar, Scalar: v.value}, nil
	case MapContent:
		keys := make([]string, 0, len(v.Entries))
		for k := range v.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		enc := &Encoded{Kind: EncodedMap, Entries: make([]EncodedEntry, 0, len(keys))}
		for _, k := range keys {
			id := d.nextIDLocked()
			child, err := d.encodeContentLocked(v.Entries[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			enc.Entries = append(enc.Entries, EncodedEntry{Key: k, ID: id, Value: child})
		}
		return enc, nil
	case ArrayContent:
		enc := &Encoded{Kind: EncodedArray, Items: make([]EncodedItem, 0, len(v.Items))}
		var left Position
		for i, item := range v.Items {
			id := d.nextIDLocked()
			pos := d.alloc.Between(left, Position{})
			child, err := d.encodeContentLocked(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			enc.Items = append(enc.Items, EncodedItem{ID: id, Pos: pos, Value: child})
			left = pos
		}
		return enc, nil
	case nil:
		return &Encoded{Kind: EncodedScalar}, nil
	default:
		return nil, fmt.Errorf("unsupported content %T", c)
	}
}

// encodeValueLocked encodes the current value held by a type, tombstones
// included, for snapshots.
func encodeValueLocked(v any) *Encoded {
	switch t := v.(type) {
	case *Map:
		enc := &Encoded{Kind: EncodedMap}
		for _, key := range t.sortedKeysLocked(true) {
			entry := t.entries[key]
			e := EncodedEntry{Key: key, ID: entry.id, Deleted: entry.deleted}
			if !entry.deleted {
				e.Value = encodeValueLocked(entry.value)
			}
			enc.Entries = append(enc.Entries, e)
		}
		return enc
	case *Array:
		enc := &Encoded{Kind: EncodedArray}
		for _, el := range t.elems {
			it := EncodedItem{ID: el.id, Pos: el.pos, Deleted: el.deleted}
			if !el.deleted {
				it.Value = encodeValueLocked(el.value)
			}
			enc.Items = append(enc.Items, it)
		}
		return enc
	default:
		return &Encoded{Kind: EncodedScalar, Scalar: v}
	}
}

// Txn collects the mutations of one transaction.
type Txn struct {
	doc     *Doc
	origin  any
	local   bool
	done    bool
	ops     []Op
	applied []Update

	order   []*branch
	touched map[*branch]map[string]struct{}
}

// Origin returns the origin the transaction was tagged with.
func (tx *Txn) Origin() any { return tx.origin }

// Local reports whether the transaction was started on this replica.
func (tx *Txn) Local() bool { return tx.local }

func (tx *Txn) check(d *Doc) error {
	if tx.doc != d {
		return ErrForeignTransaction
	}
	if tx.done {
		return ErrTransactionDone
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return nil
}

// touch records a change under key of b and bubbles it up to every attached
// ancestor, each recording the key of the child the change sits under.
func (tx *Txn) touch(b *branch, key string) {
	if tx.touched == nil {
		tx.touched = make(map[*branch]map[string]struct{})
	}
	for cur, k := b, key; cur != nil; cur, k = cur.parent, cur.parentKey {
		keys, ok := tx.touched[cur]
		if !ok {
			keys = make(map[string]struct{})
			tx.touched[cur] = keys
			tx.order = append(tx.order, cur)
		}
		if k != "" {
			keys[k] = struct{}{}
		}
	}
}

func (tx *Txn) keysFor(b *branch) []string {
	keys := make([]string, 0, len(tx.touched[b]))
	for k := range tx.touched[b] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
