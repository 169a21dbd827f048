package bridge

import (
	"reflect"

	"github.com/example/sync-state-bridge/internal/store"
)

// publish writes the fields a store change modified to the shared map in one
// transaction. Changes the observer made are skipped. Errors are reported and
// never returned to the code that changed the store.
func (b *Binding) publish(c store.Change) {
	if b.isClosed() || b.guard.owns(c.Origin) {
		return
	}

	changes, errs := Diff(b.filter(c.Prev), b.filter(c.Next))
	for _, err := range errs {
		b.report(err)
	}
	if len(changes) == 0 {
		return
	}

	keys := b.writeFields(changes)
	if len(keys) == 0 {
		return
	}
	publishesTotal.WithLabelValues(b.name).Inc()
	fieldsPublished.WithLabelValues(b.name).Add(float64(len(keys)))

	if partial := b.materialized(b.api.GetState(), keys); len(partial) > 0 {
		b.api.SetState(partial, store.WithOrigin(b.guard))
	}
}

// materialized returns the fields among keys whose local value differs from
// the value the shared map now holds, in the shared map's form. Replicas
// reading the map get that form, so the publishing store adopts it too.
func (b *Binding) materialized(current store.State, keys []string) store.State {
	partial := store.State{}
	for _, k := range keys {
		if isAction(current[k]) {
			continue
		}
		v, ok := b.shared.Get(k)
		if !ok {
			continue
		}
		local := toLocal(v)
		if reflect.DeepEqual(current[k], local) {
			continue
		}
		partial[k] = local
	}
	return partial
}
