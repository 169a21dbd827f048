package playback

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/types"
)

// HTTPHandler exposes playback via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /documents/{id}/state.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// Routes mounts the playback endpoint.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/documents/{id}/state", h.ServeHTTP)
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	if docID == "" {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	req := Request{Document: types.DocumentID(docID), Client: types.ClientID(query.Get("at_client"))}
	if seq := query.Get("at_seq"); seq != "" {
		parsed, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			http.Error(w, "invalid at_seq", http.StatusBadRequest)
			return
		}
		req.Sequence = parsed
	}
	if atTime := query.Get("at_time"); atTime != "" {
		parsed, err := time.Parse(time.RFC3339Nano, atTime)
		if err != nil {
			http.Error(w, "invalid at_time", http.StatusBadRequest)
			return
		}
		req.AtTime = &parsed
	}

	resp, err := h.svc.Playback(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("document", docID).Msg("playback failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
