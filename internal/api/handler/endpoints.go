package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arborhabit/arbor-push/internal/api/respond"
	"github.com/arborhabit/arbor-push/internal/push"
)

// registerEndpointRequest is the body for POST /endpoints.
type registerEndpointRequest struct {
	UserID      string          `json:"user_id"`
	Platform    string          `json:"platform"`
	Endpoint    string          `json:"endpoint,omitempty"`
	P256dh      string          `json:"p256dh,omitempty"`
	Auth        string          `json:"auth,omitempty"`
	NativeToken string          `json:"native_token,omitempty"`
	Categories  map[string]bool `json:"categories"`
}

// RegisterEndpoint creates a device endpoint for a user.
func (h *Handler) RegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var req registerEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
		return
	}
	if req.UserID == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_USER", "user_id is required")
		return
	}
	platform := push.Platform(req.Platform)
	if !platform.Valid() {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_PLATFORM", "platform must be web, ios, or android")
		return
	}
	switch platform {
	case push.PlatformWeb:
		if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
			respond.WriteError(w, http.StatusBadRequest, "MISSING_KEYS", "web endpoints require endpoint, p256dh, and auth")
			return
		}
	case push.PlatformIOS, push.PlatformAndroid:
		if req.NativeToken == "" {
			respond.WriteError(w, http.StatusBadRequest, "MISSING_TOKEN", "native endpoints require native_token")
			return
		}
	}
	if req.Categories == nil {
		req.Categories = map[string]bool{}
	}

	ep := push.DeviceEndpoint{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Platform:    platform,
		Endpoint:    req.Endpoint,
		P256dh:      req.P256dh,
		Auth:        req.Auth,
		NativeToken: req.NativeToken,
		Categories:  req.Categories,
	}
	if err := h.store.InsertEndpoint(r.Context(), ep); err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to register endpoint")
		return
	}
	respond.WriteJSON(w, http.StatusCreated, map[string]interface{}{"id": ep.ID})
}

// UnregisterEndpoint deletes a device endpoint by id.
func (h *Handler) UnregisterEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "endpointID")
	if err := h.store.DeleteEndpoint(r.Context(), id); err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to delete endpoint")
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

// ListEndpoints returns a user's registered endpoints. Credentials are
// elided; only platform and category toggles are exposed.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	endpoints, err := h.store.EndpointsForUser(r.Context(), userID)
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to load endpoints")
		return
	}

	type endpointView struct {
		ID         string          `json:"id"`
		Platform   push.Platform   `json:"platform"`
		Categories map[string]bool `json:"categories"`
	}
	out := make([]endpointView, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, endpointView{ID: ep.ID, Platform: ep.Platform, Categories: ep.Categories})
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"endpoints": out})
}
