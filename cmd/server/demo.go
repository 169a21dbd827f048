package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/bridge"
	"github.com/example/sync-state-bridge/internal/config"
	"github.com/example/sync-state-bridge/internal/store"
	"github.com/example/sync-state-bridge/internal/types"
)

// demo is a server-side store bound to a shared document. Its fields can be
// read and patched over HTTP and are synchronized with every replica of the
// document.
type demo struct {
	store  *store.Store
	logger zerolog.Logger
}

func newDemo(ctx context.Context, docs *documents, cfg config.Demo, logger zerolog.Logger) (*demo, error) {
	doc, err := docs.Open(ctx, types.DocumentID(cfg.Document))
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("document", cfg.Document).Str("map", cfg.Map).Logger()
	opts := []bridge.Option{bridge.WithLogger(logger)}
	if len(cfg.Fields) > 0 {
		filter, err := bridge.MatchFields(cfg.Fields...)
		if err != nil {
			return nil, fmt.Errorf("demo fields: %w", err)
		}
		opts = append(opts, bridge.WithFieldFilter(filter))
	}

	initial := func(api store.API) store.State {
		state := store.State{}
		for k, v := range cfg.Defaults {
			state[k] = v
		}
		state["increment"] = func() {
			api.Update(func(s store.State) store.State {
				return store.State{"count": asInt64(s["count"]) + 1}
			})
		}
		state["setTitle"] = func(title string) {
			api.SetState(store.State{"title": title})
		}
		return state
	}

	return &demo{
		store:  store.Create(bridge.Sync(doc, cfg.Map, opts...)(initial)),
		logger: logger,
	}, nil
}

// Routes mounts the demo endpoints.
func (d *demo) Routes(r chi.Router) {
	r.Route("/demo", func(r chi.Router) {
		r.Get("/state", d.getState)
		r.Patch("/state", d.patchState)
		r.Post("/increment", d.increment)
	})
}

// Close unbinds the store.
func (d *demo) Close() {
	d.store.Destroy()
}

func (d *demo) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, data(d.store.GetState()))
}

func (d *demo) patchState(w http.ResponseWriter, r *http.Request) {
	var partial store.State
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	current := d.store.GetState()
	for key := range partial {
		if isAction(current[key]) {
			http.Error(w, fmt.Sprintf("field %q is an action", key), http.StatusBadRequest)
			return
		}
	}

	d.store.SetState(partial)
	d.logger.Debug().Int("fields", len(partial)).Msg("demo state patched")
	writeJSON(w, data(d.store.GetState()))
}

func (d *demo) increment(w http.ResponseWriter, _ *http.Request) {
	if fn, ok := d.store.GetState()["increment"].(func()); ok {
		fn()
	}
	writeJSON(w, data(d.store.GetState()))
}

// data drops actions so the state can be encoded.
func data(s store.State) store.State {
	out := make(store.State, len(s))
	for k, v := range s {
		if isAction(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isAction(v any) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Func
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
