package bridge

import (
	"github.com/example/sync-state-bridge/internal/store"
)

// bootstrap produces the initial state of the store. The first replica to
// attach to an empty map seeds it with its filtered defaults; later replicas
// take the defaults overlaid with the shared content.
//
// Two replicas attaching concurrently to maps that are both still empty both
// seed. The document's conflict rule then decides per field which defaults
// survive; nothing detects this.
func (b *Binding) bootstrap(init store.Initializer) store.State {
	defaults := init(b.api)

	if b.shared.Size() == 0 {
		changes, errs := Diff(nil, b.filter(defaults))
		for _, err := range errs {
			b.report(err)
		}
		keys := b.writeFields(changes)
		if len(keys) == 0 {
			return defaults
		}
		b.logger.Debug().Int("fields", len(keys)).Msg("seeded shared map")
		seeded := defaults.Clone()
		for k, v := range b.materialized(defaults, keys) {
			seeded[k] = v
		}
		return seeded
	}

	merged := defaults.Clone()
	for k, v := range b.shared.ToJSON() {
		if isAction(defaults[k]) {
			continue
		}
		merged[k] = v
	}
	b.logger.Debug().Int("fields", len(merged)).Msg("joined populated shared map")
	return merged
}
