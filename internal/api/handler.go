// Package api provides the operator console HTTP API of the hand-off desk.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/handoff"
)

const maxBodyBytes = 4 << 10

// Handler holds what every console handler needs: the desk and its registry.
type Handler struct {
	desk *handoff.Desk
}

// NewHandler creates a new Handler over desk.
func NewHandler(desk *handoff.Desk) *Handler {
	return &Handler{desk: desk}
}

// label resolves the display label of a participant, falling back to the id.
func (h *Handler) label(r *http.Request, id string) string {
	if p, err := h.desk.Registry().Get(r.Context(), id); err == nil && p != nil {
		return p.Label()
	}
	return domain.Label(id, "")
}

// decode reads a small JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DeskError maps a desk error onto a status code. Storage failures are
// logged and reported without detail.
func DeskError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrStorage):
		slog.Error("Desk storage failure", "op", op, "error", err)
		Error(w, http.StatusInternalServerError, "storage error")
	case errors.Is(err, domain.ErrParticipantNotFound):
		Error(w, http.StatusNotFound, err.Error())
	default:
		Error(w, http.StatusBadRequest, err.Error())
	}
}
