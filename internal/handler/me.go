package handler

import (
	"net/http"

	"github.com/tensorhub/tensorhub/internal/auth"
	"github.com/tensorhub/tensorhub/internal/model"
)

// MeResponse describes the authenticated principal.
type MeResponse struct {
	User       *model.User      `json:"user"`
	AuthMethod model.AuthMethod `json:"auth_method"`
	KeyID      string           `json:"key_id,omitempty"`
	Scopes     []string         `json:"scopes"`
}

// Me handles GET /api/v1/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	ac := auth.AuthFromContext(r.Context())
	if ac == nil || ac.User == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	writeJSON(w, http.StatusOK, MeResponse{
		User:       ac.User,
		AuthMethod: ac.Method,
		KeyID:      ac.KeyID,
		Scopes:     ac.Scopes,
	})
}
