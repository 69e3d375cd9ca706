package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/api/response"
	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// KeyStore is implemented by *store.APIKeyDAO.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// CacheClearer drops every cached read. cache.Cache implements it.
type CacheClearer interface {
	Clear(ctx context.Context) error
}

var validScopes = map[string]bool{
	store.ScopeRead:  true,
	store.ScopeWrite: true,
	store.ScopeAdmin: true,
}

// AdminHandler serves /api/v1/admin.
type AdminHandler struct {
	keys  KeyStore
	cache CacheClearer
	log   *zap.Logger
}

func NewAdminHandler(keys KeyStore, c CacheClearer, log *zap.Logger) *AdminHandler {
	return &AdminHandler{keys: keys, cache: c, log: logging.OrNop(log)}
}

// CreateKey handles POST /api/v1/admin/keys. The raw key is only ever
// returned here.
func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	for _, s := range req.Scopes {
		if !validScopes[s] {
			badRequest(w, "unknown scope "+s)
			return
		}
	}

	raw, key, err := store.GenerateAPIKey(req.Name, req.Scopes)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.keys.CreateAPIKey(r.Context(), key); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info("api key created", zap.Stringer("key_id", key.ID), zap.String("name", key.Name))
	response.Created(w, struct {
		*models.APIKey
		Key string `json:"key"`
	}{APIKey: key, Key: raw})
}

// ListKeys handles GET /api/v1/admin/keys.
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, keys)
}

// RevokeKey handles DELETE /api/v1/admin/keys/{keyID}.
func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		badRequest(w, "keyID must be a UUID")
		return
	}
	if err := h.keys.RevokeAPIKey(r.Context(), id); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info("api key revoked", zap.Stringer("key_id", id))
	response.NoContent(w)
}

// ClearCache handles POST /api/v1/admin/cache/clear.
func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(r.Context()); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info("cache cleared")
	response.JSON(w, map[string]bool{"cleared": true})
}
