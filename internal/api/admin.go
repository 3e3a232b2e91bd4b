package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/middleware"
)

// AdminHandler exposes the live queue and dialogs and role management.
type AdminHandler struct {
	*Handler
	secret string
	now    func() time.Time
}

// NewAdminHandler creates an admin handler guarded by secret.
func NewAdminHandler(base *Handler, secret string) *AdminHandler {
	return &AdminHandler{Handler: base, secret: secret, now: time.Now}
}

// QueueEntry is one waiting participant.
type QueueEntry struct {
	ParticipantID string `json:"participant_id"`
	Label         string `json:"label"`
	Position      int    `json:"position"`
}

// DialogEntry is one active dialog.
type DialogEntry struct {
	UserID     string    `json:"user_id"`
	OperatorID string    `json:"operator_id"`
	StartTime  time.Time `json:"start_time"`
	Seconds    int64     `json:"seconds"`
}

type roleRequest struct {
	Role string `json:"role"`
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminSecret(h.secret))
		r.Get("/queue", h.GetQueue)
		r.Get("/dialogs", h.GetDialogs)
		r.Post("/participants/{id}/role", h.SetRole)
	})
}

// GetQueue lists waiting participants, longest-waiting first.
func (h *AdminHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	snap := h.desk.Callstack().Snapshot()
	entries := make([]QueueEntry, 0, len(snap.Queue))
	for i, id := range snap.Queue {
		entries = append(entries, QueueEntry{ParticipantID: id, Label: h.label(r, id), Position: i + 1})
	}
	JSON(w, http.StatusOK, map[string]any{"queue": entries})
}

// GetDialogs lists active dialogs.
func (h *AdminHandler) GetDialogs(w http.ResponseWriter, _ *http.Request) {
	snap := h.desk.Callstack().Snapshot()
	now := h.now()
	entries := make([]DialogEntry, 0, len(snap.Dialogs))
	for _, d := range snap.Dialogs {
		entries = append(entries, DialogEntry{
			UserID:     d.UserID,
			OperatorID: d.OperatorID,
			StartTime:  d.StartTime,
			Seconds:    int64(now.Sub(d.StartTime).Seconds()),
		})
	}
	JSON(w, http.StatusOK, map[string]any{"dialogs": entries})
}

// SetRole changes a participant's role.
func (h *AdminHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req roleRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := h.desk.Registry().SetRole(r.Context(), id, role)
	if err == nil && !ok {
		err = fmt.Errorf("participant %s: %w", id, domain.ErrParticipantNotFound)
	}
	if err != nil {
		DeskError(w, "set_role", err)
		return
	}

	slog.Info("Participant role changed", "participant_id", id, "role", role)
	JSON(w, http.StatusOK, map[string]string{"participant_id": id, "role": string(role)})
}
