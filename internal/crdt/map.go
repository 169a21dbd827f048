package crdt

import (
	"sort"
)

type mapEntry struct {
	id      ID
	deleted bool
	value   any
}

// Map is a shared map from string keys to scalars, maps and arrays. Concurrent
// writes to one key resolve to the write with the greatest ID.
type Map struct {
	branch
	root    string
	entries map[string]*mapEntry
}

func newMap(d *Doc, id ID) *Map {
	return &Map{
		branch:  branch{doc: d, id: id},
		entries: make(map[string]*mapEntry),
	}
}

func (m *Map) ref() Ref {
	if m.root != "" {
		return Ref{Root: m.root}
	}
	return Ref{Type: m.id}
}

// Get returns the value stored under key: a canonical scalar, a *Map or an
// *Array.
func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok || entry.deleted {
		return nil, false
	}
	return entry.value, true
}

// Has reports whether key holds a value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	return m.sortedKeysLocked(false)
}

// Size returns the number of live keys.
func (m *Map) Size() int {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()

	n := 0
	for _, entry := range m.entries {
		if !entry.deleted {
			n++
		}
	}
	return n
}

// ToJSON returns a deep plain copy of the map.
func (m *Map) ToJSON() map[string]any {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	return m.toJSONLocked()
}

func (m *Map) toJSONLocked() map[string]any {
	out := make(map[string]any, len(m.entries))
	for key, entry := range m.entries {
		if entry.deleted {
			continue
		}
		out[key] = plain(entry.value)
	}
	return out
}

// Set stores c under key, replacing the previous value.
func (m *Map) Set(tx *Txn, key string, c Content) error {
	if err := tx.check(m.doc); err != nil {
		return err
	}

	d := m.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextIDLocked()
	enc, err := d.encodeContentLocked(c)
	if err != nil {
		return err
	}
	m.integrateEntryLocked(tx, key, id, false, enc)
	tx.ops = append(tx.ops, Op{Kind: OpMapSet, Parent: m.ref(), Key: key, ID: id, Value: enc})
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Map) Delete(tx *Txn, key string) error {
	if err := tx.check(m.doc); err != nil {
		return err
	}

	d := m.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.deleted {
		return nil
	}
	id := d.nextIDLocked()
	m.integrateEntryLocked(tx, key, id, true, nil)
	tx.ops = append(tx.ops, Op{Kind: OpMapDelete, Parent: m.ref(), Key: key, ID: id})
	return nil
}

// ObserveDeep registers fn for every transaction that changes the map or any
// type nested in it. It returns a function that unregisters fn.
func (m *Map) ObserveDeep(fn DeepObserver) func() {
	return m.observeDeep(fn)
}

// integrateEntryLocked applies a write to key if id wins over the current
// entry. A write the key already holds is re-applied to its nested type so
// snapshots can be merged more than once.
func (m *Map) integrateEntryLocked(tx *Txn, key string, id ID, deleted bool, enc *Encoded) {
	current, ok := m.entries[key]
	if ok {
		switch cmp := compareIDs(id, current.id); {
		case cmp < 0:
			return
		case cmp == 0:
			if !current.deleted && !deleted {
				if _, shared := current.value.(sharedType); shared {
					m.doc.materializeLocked(tx, id, enc)
				}
			}
			return
		}
		detach(current.value)
	}

	entry := &mapEntry{id: id, deleted: deleted}
	if !deleted {
		entry.value = m.doc.materializeLocked(tx, id, enc)
		attach(entry.value, &m.branch, key)
	}
	m.entries[key] = entry
	tx.touch(&m.branch, key)
}

func (m *Map) sortedKeysLocked(withTombstones bool) []string {
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if entry.deleted && !withTombstones {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
