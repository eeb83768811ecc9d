package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arborhabit/arbor-push/internal/api/respond"
	"github.com/arborhabit/arbor-push/internal/dispatch"
	"github.com/arborhabit/arbor-push/internal/push"
)

// SendToUser runs a policy-aware send of one category to one user. The
// body is the caller-rendered payload; empty fields fall back to the
// category template.
func (h *Handler) SendToUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	category := chi.URLParam(r, "category")

	var payload push.Payload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
			return
		}
	}

	outcome, err := h.engine.SendCategory(r.Context(), userID, category, payload)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownCategory) {
			respond.WriteError(w, http.StatusNotFound, "UNKNOWN_CATEGORY", "No such alert category")
			return
		}
		respond.WriteError(w, http.StatusInternalServerError, "SEND_ERROR", "Send failed")
		return
	}
	respond.WriteJSON(w, http.StatusOK, outcome)
}

// Broadcast runs a policy-aware send of one category to every user with at
// least one endpoint.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")

	var payload push.Payload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
			return
		}
	}

	result, err := h.engine.SendCategoryToAll(r.Context(), category, payload)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownCategory) {
			respond.WriteError(w, http.StatusNotFound, "UNKNOWN_CATEGORY", "No such alert category")
			return
		}
		respond.WriteError(w, http.StatusInternalServerError, "SEND_ERROR", "Broadcast failed")
		return
	}
	respond.WriteJSON(w, http.StatusOK, result)
}
