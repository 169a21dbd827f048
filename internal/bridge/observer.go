package bridge

import (
	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/store"
)

// observe applies a change of the shared map to the store. Transactions the
// binding wrote itself are skipped; the store change it makes is stamped with
// the binding's guard so the publisher does not send it back.
func (b *Binding) observe(evt crdt.DeepEvent) {
	if b.isClosed() || b.guard.owns(evt.Origin) {
		return
	}

	b.noteEarly(evt.Keys)
	b.apply(evt.Keys)
	b.logger.Debug().Bool("local", evt.Local).Strs("keys", evt.Keys).Msg("applied shared change")
}

// apply brings the store in line with the shared map using the binding's
// apply mode. keys are the top-level fields the change touched.
func (b *Binding) apply(keys []string) {
	current := b.api.GetState()
	var next store.State
	switch b.mode {
	case ApplyFiltered:
		next = b.applyFiltered(current)
	case ApplyIncremental:
		next = b.applyIncremental(current, keys)
	default:
		next = b.applyWholesale(current)
	}

	b.api.SetState(next, store.Replace(), store.WithOrigin(b.guard))
	appliesTotal.WithLabelValues(b.name, b.mode.String()).Inc()
}

func (b *Binding) applyWholesale(current store.State) store.State {
	next := store.State(b.shared.ToJSON())
	for k, v := range current {
		if isAction(v) {
			next[k] = v
		}
	}
	return next
}

func (b *Binding) applyFiltered(current store.State) store.State {
	shared := store.State(b.shared.ToJSON())
	next := current.Clone()
	for k, v := range b.filter(current) {
		if isAction(v) {
			continue
		}
		if _, ok := shared[k]; !ok {
			delete(next, k)
		}
	}
	for k, v := range b.filter(shared) {
		if !isAction(current[k]) {
			next[k] = v
		}
	}
	return next
}

func (b *Binding) applyIncremental(current store.State, keys []string) store.State {
	next := current.Clone()
	for _, k := range keys {
		if isAction(current[k]) {
			continue
		}
		v, ok := b.shared.Get(k)
		if !ok {
			delete(next, k)
			continue
		}
		next[k] = toLocal(v)
	}
	return next
}

// toLocal materializes a value read from the shared map.
func toLocal(v any) any {
	switch t := v.(type) {
	case *crdt.Map:
		return t.ToJSON()
	case *crdt.Array:
		return t.ToJSON()
	default:
		return v
	}
}
