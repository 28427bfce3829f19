package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/protocol-yield-orchestrator/internal/apikeyauth"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

type createApiKeyRequest struct {
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	ExpiresInDays      *int                `json:"expires_in_days,omitempty"`
	RateLimitPerMinute int                 `json:"rate_limit_per_minute,omitempty"`
	Permissions        []domain.Permission `json:"permissions,omitempty"`
}

const defaultApiKeyRateLimitPerMinute = 60

// handleCreateApiKey implements POST /admin/keys. The plaintext key is
// returned only in this response; every later read exposes just the
// prefix (spec §6.1).
func (s *Server) handleCreateApiKey(w http.ResponseWriter, r *http.Request) {
	var req createApiKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeErr(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}

	issued, err := apikeyauth.GenerateKey()
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	rateLimit := req.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = defaultApiKeyRateLimitPerMinute
	}
	permissions := req.Permissions
	if len(permissions) == 0 {
		permissions = []domain.Permission{domain.PermissionRead}
	}

	key := domain.ApiKey{
		ID:                 issued.ID,
		Name:               req.Name,
		Description:        req.Description,
		KeyHash:            issued.Hash,
		Prefix:             issued.Prefix,
		CreatedAt:          time.Now().UTC(),
		IsActive:           true,
		RateLimitPerMinute: rateLimit,
		Permissions:        permissions,
	}
	if req.ExpiresInDays != nil {
		expires := key.CreatedAt.AddDate(0, 0, *req.ExpiresInDays)
		key.ExpiresAt = &expires
	}

	if err := s.cfg.Store.CreateApiKey(r.Context(), key); err != nil {
		writeDomainErr(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"id":                    key.ID,
		"key":                   issued.Plaintext,
		"name":                  key.Name,
		"description":           key.Description,
		"prefix":                key.Prefix,
		"created_at":            key.CreatedAt,
		"expires_at":            key.ExpiresAt,
		"is_active":             key.IsActive,
		"rate_limit_per_minute": key.RateLimitPerMinute,
		"permissions":           key.Permissions,
	})
}

// handleListApiKeys implements GET /admin/keys.
func (s *Server) handleListApiKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.cfg.Store.AllApiKeys(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

// handleGetApiKey implements GET /admin/keys/{id}.
func (s *Server) handleGetApiKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, found, err := s.cfg.Store.GetApiKey(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no api key with that id")
		return
	}
	writeSuccess(w, http.StatusOK, key)
}

type updateApiKeyRequest struct {
	Name               *string             `json:"name,omitempty"`
	Description        *string             `json:"description,omitempty"`
	IsActive           *bool               `json:"is_active,omitempty"`
	RateLimitPerMinute *int                `json:"rate_limit_per_minute,omitempty"`
	Permissions        []domain.Permission `json:"permissions,omitempty"`
}

// handleUpdateApiKey implements PUT /admin/keys/{id}.
func (s *Server) handleUpdateApiKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, found, err := s.cfg.Store.GetApiKey(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no api key with that id")
		return
	}

	var req updateApiKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.Description != nil {
		key.Description = *req.Description
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}
	if req.RateLimitPerMinute != nil {
		key.RateLimitPerMinute = *req.RateLimitPerMinute
	}
	if req.Permissions != nil {
		key.Permissions = req.Permissions
	}

	if err := s.cfg.Store.UpdateApiKey(r.Context(), key); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, key)
}

// handleDeleteApiKey implements DELETE /admin/keys/{id}: a soft delete
// (is_active = 0) so the audit trail of who made past calls survives.
func (s *Server) handleDeleteApiKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, found, err := s.cfg.Store.GetApiKey(r.Context(), id); err != nil {
		writeDomainErr(w, err)
		return
	} else if !found {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no api key with that id")
		return
	}
	if err := s.cfg.Store.RevokeApiKey(r.Context(), id); err != nil {
		writeDomainErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
