package crdt

import (
	"fmt"
	"sort"
)

type arrayElem struct {
	id      ID
	pos     Position
	deleted bool
	value   any
}

// Array is a shared sequence. Elements are ordered by their dense positions;
// deleted elements stay behind as tombstones so concurrent inserts next to
// them still find their place.
type Array struct {
	branch
	elems []*arrayElem
}

func newArray(d *Doc, id ID) *Array {
	return &Array{branch: branch{doc: d, id: id}}
}

func (a *Array) ref() Ref { return Ref{Type: a.id} }

// Len returns the number of live elements.
func (a *Array) Len() int {
	a.doc.mu.RLock()
	defer a.doc.mu.RUnlock()
	return len(a.visibleLocked())
}

// Get returns the element at index.
func (a *Array) Get(index int) (any, bool) {
	a.doc.mu.RLock()
	defer a.doc.mu.RUnlock()

	visible := a.visibleLocked()
	if index < 0 || index >= len(visible) {
		return nil, false
	}
	return visible[index].value, true
}

// ToJSON returns a deep plain copy of the array.
func (a *Array) ToJSON() []any {
	a.doc.mu.RLock()
	defer a.doc.mu.RUnlock()
	return a.toJSONLocked()
}

func (a *Array) toJSONLocked() []any {
	out := make([]any, 0, len(a.elems))
	for _, el := range a.elems {
		if !el.deleted {
			out = append(out, plain(el.value))
		}
	}
	return out
}

// Insert places items before the element currently at index. index may equal
// Len to append.
func (a *Array) Insert(tx *Txn, index int, items ...Content) error {
	if err := tx.check(a.doc); err != nil {
		return err
	}

	d := a.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := a.visibleLocked()
	if index < 0 || index > len(visible) {
		return fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, len(visible))
	}

	var left, right Position
	if index > 0 {
		left = visible[index-1].pos
	}
	if index < len(visible) {
		right = visible[index].pos
	}

	for _, item := range items {
		id := d.nextIDLocked()
		pos := d.alloc.Between(left, right)
		enc, err := d.encodeContentLocked(item)
		if err != nil {
			return err
		}
		a.integrateItemLocked(tx, id, pos, false, enc)
		tx.ops = append(tx.ops, Op{Kind: OpArrayInsert, Parent: a.ref(), ID: id, Pos: pos, Value: enc})
		left = pos
	}
	return nil
}

// Push appends items.
func (a *Array) Push(tx *Txn, items ...Content) error {
	return a.Insert(tx, a.Len(), items...)
}

// Delete removes count elements starting at index.
func (a *Array) Delete(tx *Txn, index, count int) error {
	if err := tx.check(a.doc); err != nil {
		return err
	}

	d := a.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := a.visibleLocked()
	if index < 0 || count < 0 || index+count > len(visible) {
		return fmt.Errorf("%w: delete %d at %d of %d", ErrIndexOutOfRange, count, index, len(visible))
	}

	for _, el := range visible[index : index+count] {
		id := d.nextIDLocked()
		a.integrateDeleteLocked(tx, el.id)
		tx.ops = append(tx.ops, Op{Kind: OpArrayDelete, Parent: a.ref(), ID: id, Target: el.id})
	}
	return nil
}

// ObserveDeep registers fn for every transaction that changes the array or
// any type nested in it. It returns a function that unregisters fn.
func (a *Array) ObserveDeep(fn DeepObserver) func() {
	return a.observeDeep(fn)
}

func (a *Array) visibleLocked() []*arrayElem {
	out := make([]*arrayElem, 0, len(a.elems))
	for _, el := range a.elems {
		if !el.deleted {
			out = append(out, el)
		}
	}
	return out
}

func (a *Array) findLocked(id ID) *arrayElem {
	for _, el := range a.elems {
		if el.id == id {
			return el
		}
	}
	return nil
}

// integrateItemLocked inserts an element unless it is already present, in
// which case only a tombstone flag and nested content are merged.
func (a *Array) integrateItemLocked(tx *Txn, id ID, pos Position, deleted bool, enc *Encoded) {
	if existing := a.findLocked(id); existing != nil {
		if deleted && !existing.deleted {
			a.tombstoneLocked(tx, existing)
			return
		}
		if !existing.deleted {
			if _, shared := existing.value.(sharedType); shared {
				a.doc.materializeLocked(tx, id, enc)
			}
		}
		return
	}

	el := &arrayElem{id: id, pos: pos, deleted: deleted}
	if !deleted {
		el.value = a.doc.materializeLocked(tx, id, enc)
		attach(el.value, &a.branch, "")
	}

	idx := sort.Search(len(a.elems), func(i int) bool {
		cur := a.elems[i]
		if c := cur.pos.Compare(pos); c != 0 {
			return c > 0
		}
		return compareIDs(cur.id, id) > 0
	})
	a.elems = append(a.elems, nil)
	copy(a.elems[idx+1:], a.elems[idx:])
	a.elems[idx] = el

	if !deleted {
		tx.touch(&a.branch, "")
	}
}

func (a *Array) integrateDeleteLocked(tx *Txn, target ID) {
	el := a.findLocked(target)
	if el == nil || el.deleted {
		return
	}
	a.tombstoneLocked(tx, el)
}

func (a *Array) tombstoneLocked(tx *Txn, el *arrayElem) {
	el.deleted = true
	detach(el.value)
	el.value = nil
	tx.touch(&a.branch, "")
}
