package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/store"
)

func asInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asStrings(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, it.(string))
		}
		return out
	default:
		return nil
	}
}

// creator mirrors a typical application store: data fields plus actions.
func creator(api store.API) store.State {
	return store.State{
		"count":   0,
		"name":    "Alice",
		"items":   []string{"apple", "banana", "cherry"},
		"details": map[string]any{"id": 1, "value": "initial"},
		"increment": func() {
			api.Update(func(s store.State) store.State {
				return store.State{"count": asInt(s["count"]) + 1}
			})
		},
		"setName": func(name string) {
			api.SetState(store.State{"name": name})
		},
		"addItem": func(item string) {
			api.Update(func(s store.State) store.State {
				return store.State{"items": append(asStrings(s["items"]), item)}
			})
		},
		"updateDetails": func(value string) {
			api.Update(func(s store.State) store.State {
				details := map[string]any{}
				for k, v := range s["details"].(map[string]any) {
					details[k] = v
				}
				details["value"] = value
				return store.State{"details": details}
			})
		},
		"reorderItems": func(items []string) {
			api.SetState(store.State{"items": items})
		},
	}
}

// dataJSON serializes the data fields of a store, actions excluded.
func dataJSON(t *testing.T, s *store.Store) string {
	t.Helper()
	data := store.State{}
	for k, v := range s.GetState() {
		if !isAction(v) {
			data[k] = v
		}
	}
	out, err := json.Marshal(data)
	require.NoError(t, err)
	return string(out)
}

// dataFields returns the data fields of a store, actions excluded.
func dataFields(s *store.Store) store.State {
	data := store.State{}
	for k, v := range s.GetState() {
		if !isAction(v) {
			data[k] = v
		}
	}
	return data
}

func fieldJSON(t *testing.T, s *store.Store, key string) string {
	t.Helper()
	out, err := json.Marshal(s.GetState()[key])
	require.NoError(t, err)
	return string(out)
}

func countUpdates(doc *crdt.Doc) *int {
	n := 0
	doc.OnUpdate(func(evt crdt.UpdateEvent) {
		if evt.Local {
			n++
		}
	})
	return &n
}

// pipe forwards every local update of one replica to the other, both ways.
func pipe(t *testing.T, a, b *crdt.Doc) {
	forward := func(to *crdt.Doc) crdt.UpdateListener {
		return func(evt crdt.UpdateEvent) {
			if !evt.Local {
				return
			}
			data, err := crdt.EncodeUpdate(evt.Update)
			require.NoError(t, err)
			u, err := crdt.DecodeUpdate(data)
			require.NoError(t, err)
			require.NoError(t, to.ApplyUpdate(u, "pipe"))
		}
	}
	a.OnUpdate(forward(b))
	b.OnUpdate(forward(a))
}

func twoStores(t *testing.T, opts ...Option) (*crdt.Doc, *store.Store, *store.Store) {
	t.Helper()
	doc := crdt.NewDoc(crdt.WithClientID("test"))
	sync := Sync(doc, "shared", opts...)
	return doc, store.Create(sync(creator)), store.Create(sync(creator))
}

func TestStoresStartWithTheSameState(t *testing.T) {
	_, s1, s2 := twoStores(t)
	assert.Equal(t, dataJSON(t, s1), dataJSON(t, s2))
	assert.Equal(t, `{"count":0,"details":{"id":1,"value":"initial"},"items":["apple","banana","cherry"],"name":"Alice"}`, dataJSON(t, s1))
}

func TestChangesFlowFromFirstToSecond(t *testing.T) {
	_, s1, s2 := twoStores(t)

	s1.GetState()["increment"].(func())()
	assert.Equal(t, `1`, fieldJSON(t, s2, "count"))

	s1.GetState()["setName"].(func(string))("Bob")
	assert.Equal(t, `"Bob"`, fieldJSON(t, s2, "name"))

	s1.GetState()["addItem"].(func(string))("date")
	assert.Equal(t, `["apple","banana","cherry","date"]`, fieldJSON(t, s2, "items"))

	s1.GetState()["updateDetails"].(func(string))("updated")
	assert.Equal(t, `{"id":1,"value":"updated"}`, fieldJSON(t, s2, "details"))
}

func TestChangesFlowFromSecondToFirst(t *testing.T) {
	_, s1, s2 := twoStores(t)

	s2.GetState()["increment"].(func())()
	assert.Equal(t, `1`, fieldJSON(t, s1, "count"))

	s2.GetState()["setName"].(func(string))("Charlie")
	assert.Equal(t, `"Charlie"`, fieldJSON(t, s1, "name"))

	s2.GetState()["addItem"].(func(string))("elderberry")
	assert.Equal(t, `["apple","banana","cherry","elderberry"]`, fieldJSON(t, s1, "items"))

	s2.GetState()["updateDetails"].(func(string))("from store2")
	assert.Equal(t, `{"id":1,"value":"from store2"}`, fieldJSON(t, s1, "details"))
}

func TestReorderingSyncsBothWays(t *testing.T) {
	_, s1, s2 := twoStores(t)

	s1.GetState()["reorderItems"].(func([]string))([]string{"cherry", "apple", "banana"})
	assert.Equal(t, `["cherry","apple","banana"]`, fieldJSON(t, s2, "items"))

	s2.GetState()["reorderItems"].(func([]string))([]string{"banana", "cherry", "apple"})
	assert.Equal(t, `["banana","cherry","apple"]`, fieldJSON(t, s1, "items"))
}

func TestActionsSurviveSharedChanges(t *testing.T) {
	_, s1, s2 := twoStores(t)
	s1.GetState()["setName"].(func(string))("Bob")

	for _, name := range []string{"increment", "setName", "addItem", "updateDetails", "reorderItems"} {
		assert.True(t, isAction(s2.GetState()[name]), name)
	}
	s2.GetState()["increment"].(func())()
	assert.Equal(t, `1`, fieldJSON(t, s1, "count"))
}

func TestNoEcho(t *testing.T) {
	doc, s1, _ := twoStores(t)
	updates := countUpdates(doc)

	s1.GetState()["increment"].(func())()
	assert.Equal(t, 1, *updates)

	// a change that serializes identically publishes nothing
	s1.SetState(store.State{"count": int64(1)})
	assert.Equal(t, 1, *updates)
}

func TestPublishWritesOneTransaction(t *testing.T) {
	doc, s1, _ := twoStores(t)
	updates := countUpdates(doc)

	s1.SetState(store.State{"count": 5, "name": "Zed", "items": []string{}})
	assert.Equal(t, 1, *updates)
	assert.Equal(t, map[string]any{
		"count":   int64(5),
		"name":    "Zed",
		"items":   []any{},
		"details": map[string]any{"id": int64(1), "value": "initial"},
	}, doc.GetMap("shared").ToJSON())
}

func TestReplicasConvergeAcrossDocuments(t *testing.T) {
	a := crdt.NewDoc(crdt.WithClientID("a"))
	b := crdt.NewDoc(crdt.WithClientID("b"))
	pipe(t, a, b)

	s1 := store.Create(Sync(a, "shared")(creator))
	s2 := store.Create(Sync(b, "shared")(creator))
	assert.Equal(t, dataJSON(t, s1), dataJSON(t, s2))

	s1.GetState()["increment"].(func())()
	s2.GetState()["addItem"].(func(string))("fig")
	s1.GetState()["updateDetails"].(func(string))("converged")

	assert.Equal(t, dataJSON(t, s1), dataJSON(t, s2))
	assert.Equal(t, dataFields(s1), dataFields(s2))
	assert.Equal(t, a.GetMap("shared").ToJSON(), b.GetMap("shared").ToJSON())
	assert.Equal(t, `["apple","banana","cherry","fig"]`, fieldJSON(t, s1, "items"))
	assert.Equal(t, `1`, fieldJSON(t, s2, "count"))
}

func TestPublisherAdoptsSharedForm(t *testing.T) {
	_, s1, s2 := twoStores(t)
	assert.Equal(t, dataFields(s1), dataFields(s2))
	assert.Equal(t, int64(0), s1.GetState()["count"])

	s1.SetState(store.State{"items": []string{"c", "a", "b"}, "count": 3})

	assert.Equal(t, []any{"c", "a", "b"}, s1.GetState()["items"])
	assert.Equal(t, int64(3), s1.GetState()["count"])
	assert.Equal(t, dataFields(s1), dataFields(s2))
}

func TestAdoptingSharedFormPublishesNothing(t *testing.T) {
	doc, s1, _ := twoStores(t)
	updates := countUpdates(doc)

	var changes int
	s1.Subscribe(func(store.State, store.State) { changes++ })
	s1.SetState(store.State{"items": []string{"x"}})

	assert.Equal(t, 1, *updates)
	assert.Equal(t, 2, changes)
}

func TestSharedChangeDuringCreateIsKept(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID("local"))
	sync := Sync(doc, "shared")

	s := store.Create(func(api store.API) store.State {
		state := sync(creator)(api)
		require.NoError(t, doc.Transact(func(tx *crdt.Txn) error {
			c, err := ToShared(9)
			if err != nil {
				return err
			}
			return doc.GetMap("shared").Set(tx, "count", c)
		}, crdt.WithOrigin("remote")))
		return state
	})

	assert.Equal(t, int64(9), doc.GetMap("shared").ToJSON()["count"])
	assert.Equal(t, int64(9), s.GetState()["count"])
	assert.True(t, isAction(s.GetState()["increment"]))
}

func TestRoundTripFidelity(t *testing.T) {
	doc, s1, s2 := twoStores(t)
	value := map[string]any{
		"nested": map[string]any{"list": []any{1, "two", 3.5, true, nil}},
		"empty":  map[string]any{},
	}
	s1.SetState(store.State{"details": value})

	want, err := json.Marshal(value)
	require.NoError(t, err)
	got, err := json.Marshal(doc.GetMap("shared").ToJSON()["details"])
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
	assert.JSONEq(t, string(want), fieldJSON(t, s2, "details"))
}

func TestFirstWriterSeedsFilteredDefaults(t *testing.T) {
	doc := crdt.NewDoc()
	s := store.Create(Sync(doc, "shared", WithFieldFilter(Omit("details")))(creator))

	shared := doc.GetMap("shared").ToJSON()
	assert.NotContains(t, shared, "details")
	assert.Contains(t, shared, "count")
	for _, v := range shared {
		assert.False(t, isAction(v))
	}
	// the store keeps every default, filtered or not
	assert.Equal(t, `{"id":1,"value":"initial"}`, fieldJSON(t, s, "details"))
}

func TestJoinMergesSharedOverDefaults(t *testing.T) {
	doc := crdt.NewDoc()
	require.NoError(t, doc.Transact(func(tx *crdt.Txn) error {
		c, err := ToShared(7)
		if err != nil {
			return err
		}
		if err := doc.GetMap("shared").Set(tx, "count", c); err != nil {
			return err
		}
		name, err := ToShared("shadow")
		if err != nil {
			return err
		}
		// a shared field named like an action never replaces the action
		return doc.GetMap("shared").Set(tx, "increment", name)
	}))
	updates := countUpdates(doc)

	s := store.Create(Sync(doc, "shared")(creator))
	assert.Equal(t, int64(7), s.GetState()["count"])
	assert.Equal(t, "Alice", s.GetState()["name"])
	assert.True(t, isAction(s.GetState()["increment"]))
	assert.Zero(t, *updates)

	s.GetState()["increment"].(func())()
	assert.Equal(t, int64(8), doc.GetMap("shared").ToJSON()["count"])
}

func TestFilteredPublishWithWholesaleApply(t *testing.T) {
	doc, s1, s2 := twoStores(t, WithFieldFilter(Omit("draft")))
	updates := countUpdates(doc)

	s1.SetState(store.State{"draft": "local only"})
	assert.Zero(t, *updates)
	assert.False(t, doc.GetMap("shared").Has("draft"))

	// wholesale apply drops fields the shared map does not carry
	s2.GetState()["increment"].(func())()
	_, ok := s1.GetState()["draft"]
	assert.False(t, ok)
}

func TestFilteredApplyKeepsLocalFields(t *testing.T) {
	_, s1, s2 := twoStores(t, WithFieldFilter(Omit("draft")), WithApplyMode(ApplyFiltered))

	s1.SetState(store.State{"draft": "local only"})
	s2.GetState()["increment"].(func())()

	assert.Equal(t, `"local only"`, fieldJSON(t, s1, "draft"))
	assert.Equal(t, `1`, fieldJSON(t, s1, "count"))
}

func TestFilteredApplyRemovesDeletedSharedFields(t *testing.T) {
	doc, s1, s2 := twoStores(t, WithApplyMode(ApplyFiltered))

	require.NoError(t, doc.Transact(func(tx *crdt.Txn) error {
		return doc.GetMap("shared").Delete(tx, "name")
	}, crdt.WithOrigin("remote")))

	for _, s := range []*store.Store{s1, s2} {
		_, ok := s.GetState()["name"]
		assert.False(t, ok)
		assert.True(t, isAction(s.GetState()["setName"]))
	}
}

func TestShrinkingProjectionKeepsSharedFields(t *testing.T) {
	whileOnline := func(s store.State) store.State {
		out := store.State{"count": s["count"]}
		if name, ok := s["name"]; ok && s["online"] == true {
			out["name"] = name
		}
		return out
	}
	doc := crdt.NewDoc()
	s := store.Create(Sync(doc, "shared", WithFieldFilter(whileOnline), WithApplyMode(ApplyFiltered))(func(store.API) store.State {
		return store.State{"count": 0, "name": "Alice", "online": true}
	}))
	require.Equal(t, map[string]any{"count": int64(0), "name": "Alice"}, doc.GetMap("shared").ToJSON())

	s.SetState(store.State{"online": false})
	assert.Equal(t, map[string]any{"count": int64(0), "name": "Alice"}, doc.GetMap("shared").ToJSON())

	s.SetState(store.State{"count": 1, "online": true}, store.Replace())
	assert.Equal(t, map[string]any{"count": int64(1), "name": "Alice"}, doc.GetMap("shared").ToJSON())
}

func TestLocalReplaceKeepsSharedFields(t *testing.T) {
	doc, s1, s2 := twoStores(t)

	s1.SetState(store.State{"count": 1}, store.Replace())

	assert.Equal(t, "Alice", doc.GetMap("shared").ToJSON()["name"])
	assert.Equal(t, "Alice", s2.GetState()["name"])
	assert.Equal(t, int64(1), s2.GetState()["count"])
}

func TestIncrementalApplyPatchesTouchedKeys(t *testing.T) {
	_, s1, s2 := twoStores(t, WithFieldFilter(Omit("draft")), WithApplyMode(ApplyIncremental))

	s1.SetState(store.State{"draft": "mine"})
	s2.SetState(store.State{"name": "Dora", "items": []string{"x"}})

	assert.Equal(t, `"mine"`, fieldJSON(t, s1, "draft"))
	assert.Equal(t, `"Dora"`, fieldJSON(t, s1, "name"))
	assert.Equal(t, `["x"]`, fieldJSON(t, s1, "items"))
	assert.Equal(t, `0`, fieldJSON(t, s1, "count"))
}

func TestFieldErrorsAreIsolated(t *testing.T) {
	var reported []error
	doc, s1, s2 := twoStores(t, WithErrorHandler(func(err error) { reported = append(reported, err) }))

	s1.SetState(store.State{
		"broken": map[string]any{"ch": make(chan int)},
		"name":   "Still published",
	})

	require.NotEmpty(t, reported)
	var uv *UnrepresentableValueError
	require.ErrorAs(t, reported[0], &uv)
	assert.Equal(t, "broken", uv.Key)
	assert.False(t, doc.GetMap("shared").Has("broken"))
	assert.Equal(t, `"Still published"`, fieldJSON(t, s2, "name"))
}

func TestConversionErrorsCarryTheField(t *testing.T) {
	var reported []error
	_, s1, _ := twoStores(t, WithErrorHandler(func(err error) { reported = append(reported, err) }))

	// serializes to JSON but has no shared representation
	s1.SetState(store.State{"raw": []byte("bytes")})

	require.Len(t, reported, 1)
	var uv *UnrepresentableValueError
	require.ErrorAs(t, reported[0], &uv)
	assert.Equal(t, "raw", uv.Key)
	assert.Equal(t, "binary", uv.Kind)
}

func TestClosedDocumentIsReported(t *testing.T) {
	var reported []error
	doc, s1, _ := twoStores(t, WithErrorHandler(func(err error) { reported = append(reported, err) }))
	doc.Close()

	assert.NotPanics(t, func() { s1.SetState(store.State{"name": "offline"}) })
	require.Len(t, reported, 1)

	var unavailable *DocumentUnavailableError
	require.ErrorAs(t, reported[0], &unavailable)
	assert.Equal(t, "shared", unavailable.Map)
	assert.Empty(t, unavailable.Committed)
	assert.True(t, errors.Is(reported[0], crdt.ErrClosed))
	assert.Equal(t, `"offline"`, fieldJSON(t, s1, "name"))
}

func TestDefaultErrorHandlerLogs(t *testing.T) {
	var buf bytes.Buffer
	doc, s1, _ := twoStores(t, WithLogger(zerolog.New(&buf)))
	doc.Close()

	s1.SetState(store.State{"name": "offline"})
	assert.Contains(t, buf.String(), "sync bridge error")
	assert.Contains(t, buf.String(), `"map":"shared"`)
}

func TestDestroyClosesBinding(t *testing.T) {
	doc, s1, s2 := twoStores(t)
	updates := countUpdates(doc)

	s1.Destroy()
	s2.GetState()["setName"].(func(string))("after")
	assert.Equal(t, 1, *updates)
	assert.Equal(t, `"Alice"`, fieldJSON(t, s1, "name"))
}

func TestBindExposesClose(t *testing.T) {
	doc := crdt.NewDoc()
	var binding *Binding
	s := store.Create(func(api store.API) store.State {
		b, state := Bind(api, doc, "shared", creator)
		binding = b
		return state
	})
	require.NotNil(t, binding)
	assert.Equal(t, "shared", binding.MapName())

	binding.Close()
	binding.Close()
	updates := countUpdates(doc)
	s.SetState(store.State{"name": "unbound"})
	assert.Zero(t, *updates)
}

func TestGuardsAreIndependentPerBinding(t *testing.T) {
	doc := crdt.NewDoc()
	sync := Sync(doc, "shared")
	stores := []*store.Store{store.Create(sync(creator)), store.Create(sync(creator)), store.Create(sync(creator))}

	// a change applied to one store from the document re-enters the
	// publisher of that store only, which must still let the others update
	stores[1].GetState()["setName"].(func(string))("middle")
	names := make([]string, 0, len(stores))
	for _, s := range stores {
		names = append(names, fieldJSON(t, s, "name"))
	}
	sort.Strings(names)
	assert.Equal(t, []string{`"middle"`, `"middle"`, `"middle"`}, names)

	// writing from inside an observer of another binding still publishes
	var nested bool
	stores[2].Subscribe(func(next, prev store.State) {
		if next["name"] == "trigger" && !nested {
			nested = true
			stores[2].SetState(store.State{"count": 42})
		}
	})
	stores[0].SetState(store.State{"name": "trigger"})
	assert.Equal(t, `42`, fieldJSON(t, stores[0], "count"))
	assert.Equal(t, `42`, fieldJSON(t, stores[1], "count"))
}
