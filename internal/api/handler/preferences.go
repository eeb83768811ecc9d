package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arborhabit/arbor-push/internal/api/respond"
	"github.com/arborhabit/arbor-push/internal/config"
	"github.com/arborhabit/arbor-push/internal/policy"
)

// preferenceBody mirrors policy.Preference on the wire. Omitted fields mean
// "use the category default."
type preferenceBody struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	Priority   *string `json:"priority,omitempty"`
	Channel    *string `json:"channel,omitempty"`
	QuietStart *string `json:"quiet_start,omitempty"`
	QuietEnd   *string `json:"quiet_end,omitempty"`
}

// GetPreference returns the stored override row for a (user, category)
// pair, or an empty object when the user has never customized it.
func (h *Handler) GetPreference(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	category := chi.URLParam(r, "category")
	if _, ok := config.AlertRegistry[category]; !ok {
		respond.WriteError(w, http.StatusNotFound, "UNKNOWN_CATEGORY", "No such alert category")
		return
	}

	pref, err := h.store.Preference(r.Context(), userID, category)
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to load preference")
		return
	}
	body := preferenceBody{}
	if pref != nil {
		body = preferenceBody{
			Enabled:    pref.Enabled,
			Priority:   pref.Priority,
			Channel:    pref.Channel,
			QuietStart: pref.QuietStart,
			QuietEnd:   pref.QuietEnd,
		}
	}
	respond.WriteJSON(w, http.StatusOK, body)
}

// PutPreference creates or replaces the override row.
func (h *Handler) PutPreference(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	category := chi.URLParam(r, "category")
	if _, ok := config.AlertRegistry[category]; !ok {
		respond.WriteError(w, http.StatusNotFound, "UNKNOWN_CATEGORY", "No such alert category")
		return
	}

	var body preferenceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
		return
	}

	pref := policy.Preference{
		Enabled:    body.Enabled,
		Priority:   body.Priority,
		Channel:    body.Channel,
		QuietStart: body.QuietStart,
		QuietEnd:   body.QuietEnd,
	}
	if err := h.store.UpsertPreference(r.Context(), userID, category, pref); err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to save preference")
		return
	}
	respond.WriteJSON(w, http.StatusOK, body)
}
