package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tensorhub/tensorhub/internal/auth"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/service"
)

// APIKeyService is the key lifecycle used by APIKeyHandler.
type APIKeyService interface {
	Create(ctx context.Context, input service.CreateAPIKeyInput) (*service.CreatedAPIKey, error)
	List(ctx context.Context, ownerID string) ([]*model.APIKey, error)
	Revoke(ctx context.Context, id, ownerID string) error
	Delete(ctx context.Context, id, ownerID string) error
	Rotate(ctx context.Context, id, ownerID string) (*service.CreatedAPIKey, error)
}

// APIKeyHandler handles API key management endpoints. Every operation is
// scoped to the authenticated principal.
type APIKeyHandler struct {
	logger *slog.Logger
	keys   APIKeyService
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(logger *slog.Logger, keys APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{
		logger: logger,
		keys:   keys,
	}
}

// CreateAPIKey handles POST /api/v1/api-keys
func (h *APIKeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req model.APIKeyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	created, err := h.keys.Create(r.Context(), service.CreateAPIKeyInput{
		OwnerID:     ownerID,
		Name:        req.Name,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
		Scopes:      req.Scopes,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse(created))
}

// ListAPIKeys handles GET /api/v1/api-keys
func (h *APIKeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	keys, err := h.keys.List(r.Context(), ownerID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	responses := make([]model.APIKeyResponse, 0, len(keys))
	for _, key := range keys {
		responses = append(responses, key.ToResponse())
	}

	writeJSON(w, http.StatusOK, map[string]any{"keys": responses})
}

// RevokeAPIKey handles DELETE /api/v1/api-keys/{key_id}
func (h *APIKeyHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	if err := h.keys.Revoke(r.Context(), chi.URLParam(r, "key_id"), ownerID); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteAPIKey handles DELETE /api/v1/api-keys/{key_id}/permanent
func (h *APIKeyHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	if err := h.keys.Delete(r.Context(), chi.URLParam(r, "key_id"), ownerID); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RotateAPIKey handles POST /api/v1/api-keys/{key_id}/rotate
func (h *APIKeyHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	oldKeyID := chi.URLParam(r, "key_id")
	created, err := h.keys.Rotate(r.Context(), oldKeyID, ownerID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, model.APIKeyRotateResponse{
		OldKeyID: oldKeyID,
		NewKey:   createResponse(created),
	})
}

func createResponse(created *service.CreatedAPIKey) model.APIKeyCreateResponse {
	return model.APIKeyCreateResponse{
		APIKeyResponse: created.Key.ToResponse(),
		Key:            created.Plaintext,
	}
}

// requireOwner returns the authenticated user id. The auth middleware
// guarantees one on mounted routes.
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := auth.UserIDFromContext(r.Context())
	if id == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return "", false
	}
	return id, true
}
