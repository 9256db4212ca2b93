package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-zigbee/internal/statestore"
)

// StateResponse is the body of GET /states/{key}.
type StateResponse struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Ack       bool      `json:"ack"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetStateRequest is the body of PUT /states/{key}.
type SetStateRequest struct {
	Value any `json:"value"`
}

// handleGetState returns the current value of a state key.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	st, err := s.store.Get(r.Context(), key)
	if errors.Is(err, statestore.ErrNotFound) {
		writeNotFound(w, "state not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read state", "key", key, "error", err)
		writeInternalError(w, "failed to read state")
		return
	}

	writeJSON(w, http.StatusOK, StateResponse{
		Key:       key,
		Value:     st.Value,
		Ack:       st.Ack,
		UpdatedAt: st.UpdatedAt,
	})
}

// handleSetState writes an unacknowledged command for a writable key.
// The bridge picks it up from the store and publishes it to the device.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if !s.store.IsSubscribed(key) {
		writeForbidden(w, "state is not writable")
		return
	}

	var req SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "value is required")
		return
	}

	err := s.store.Command(r.Context(), key, req.Value)
	if errors.Is(err, statestore.ErrInvalidValue) || errors.Is(err, statestore.ErrInvalidKey) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to write command", "key", key, "error", err)
		writeInternalError(w, "failed to write command")
		return
	}

	s.recordCommand(r, key, req.Value)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"key":    key,
		"value":  req.Value,
		"status": "accepted",
	})
}
