package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/credential-broker/internal/auth"
	"github.com/felipepmaragno/credential-broker/internal/broker"
	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/repository"
)

type AdminHandler struct {
	broker  *broker.Broker
	apiKeys repository.APIKeyRepository
	rbac    *auth.RBACMiddleware
	mux     *http.ServeMux
}

func NewAdminHandler(b *broker.Broker, apiKeys repository.APIKeyRepository, authenticator *auth.KeyAuthenticator) *AdminHandler {
	h := &AdminHandler{
		broker:  b,
		apiKeys: apiKeys,
		rbac: auth.NewRBACMiddleware(authenticator, func(w http.ResponseWriter, status int, err error) {
			writeError(w, status, err.Error())
		}),
		mux: http.NewServeMux(),
	}

	h.handle("GET /admin/pools", auth.PermissionPoolsRead, h.listPools)
	h.handle("POST /admin/pools", auth.PermissionPoolsWrite, h.createPool)
	h.handle("GET /admin/pools/{id}", auth.PermissionPoolsRead, h.getPool)
	h.handle("PUT /admin/pools/{id}", auth.PermissionPoolsWrite, h.updatePool)
	h.handle("DELETE /admin/pools/{id}", auth.PermissionPoolsWrite, h.deletePool)
	h.handle("POST /admin/pools/{id}/enable", auth.PermissionPoolsWrite, h.setPoolEnabled(true))
	h.handle("POST /admin/pools/{id}/disable", auth.PermissionPoolsWrite, h.setPoolEnabled(false))

	h.handle("GET /admin/credentials", auth.PermissionCredentialsRead, h.listCredentials)
	h.handle("POST /admin/credentials", auth.PermissionCredentialsWrite, h.addCredential)
	h.handle("POST /admin/credentials/import", auth.PermissionCredentialsWrite, h.importCredentials)
	h.handle("GET /admin/credentials/{id}", auth.PermissionCredentialsRead, h.getCredential)
	h.handle("DELETE /admin/credentials/{id}", auth.PermissionCredentialsWrite, h.deleteCredential)
	h.handle("GET /admin/credentials/{id}/balance", auth.PermissionCredentialsRead, h.credentialBalance)
	h.handle("POST /admin/credentials/{id}/transfer", auth.PermissionCredentialsWrite, h.transferCredential)
	h.handle("POST /admin/credentials/{id}/reset", auth.PermissionCredentialsWrite, h.resetCredential)
	h.handle("POST /admin/credentials/{id}/enable", auth.PermissionCredentialsWrite, h.setCredentialDisabled(false))
	h.handle("POST /admin/credentials/{id}/disable", auth.PermissionCredentialsWrite, h.setCredentialDisabled(true))
	h.handle("PUT /admin/credentials/{id}/priority", auth.PermissionCredentialsWrite, h.setCredentialPriority)

	h.handle("GET /admin/api-keys", auth.PermissionAPIKeysManage, h.listAPIKeys)
	h.handle("POST /admin/api-keys", auth.PermissionAPIKeysManage, h.createAPIKey)
	h.handle("PUT /admin/api-keys/{id}/binding", auth.PermissionAPIKeysManage, h.bindAPIKey)
	h.handle("POST /admin/api-keys/{id}/enable", auth.PermissionAPIKeysManage, h.setAPIKeyEnabled(true))
	h.handle("POST /admin/api-keys/{id}/disable", auth.PermissionAPIKeysManage, h.setAPIKeyEnabled(false))
	h.handle("DELETE /admin/api-keys/{id}", auth.PermissionAPIKeysManage, h.deleteAPIKey)

	h.handle("GET /admin/bindings", auth.PermissionPoolsRead, h.listBindings)
	h.handle("GET /admin/snapshot", auth.PermissionCredentialsRead, h.snapshot)
	h.handle("GET /admin/health", auth.PermissionPoolsRead, h.health)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) handle(pattern string, permission auth.Permission, fn http.HandlerFunc) {
	h.mux.Handle(pattern, h.rbac.RequireAuth(h.rbac.RequirePermission(permission)(fn)))
}

func (h *AdminHandler) listPools(w http.ResponseWriter, r *http.Request) {
	pools := h.broker.ListPools()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pools": pools,
		"count": len(pools),
	})
}

func (h *AdminHandler) createPool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !decodeBody(w, r, &req) {
		return
	}

	mode, err := domain.ParseSchedulingMode(req.SchedulingMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pool, err := h.broker.CreatePool(broker.PoolSpec{
		ID:             req.ID,
		Name:           req.Name,
		Description:    req.Description,
		Enabled:        req.Enabled,
		SchedulingMode: mode,
		Priority:       req.Priority,
		Proxy:          req.Proxy,
	})
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, pool)
}

func (h *AdminHandler) getPool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	view, err := h.broker.GetPool(id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":        view,
		"credentials": redactAll(h.broker.ListCredentials(id)),
	})
}

func (h *AdminHandler) updatePool(w http.ResponseWriter, r *http.Request) {
	var req UpdatePoolRequest
	if !decodeBody(w, r, &req) {
		return
	}

	upd := broker.PoolUpdate{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
		Priority:    req.Priority,
		Proxy:       req.Proxy,
		ClearProxy:  req.ClearProxy,
	}
	if req.SchedulingMode != nil {
		mode, err := domain.ParseSchedulingMode(*req.SchedulingMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.SchedulingMode = &mode
	}

	pool, err := h.broker.UpdatePool(r.PathValue("id"), upd)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool)
}

func (h *AdminHandler) deletePool(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.DeletePool(r.PathValue("id")); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) setPoolEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool, err := h.broker.SetPoolEnabled(r.PathValue("id"), enabled)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pool)
	}
}

func (h *AdminHandler) listCredentials(w http.ResponseWriter, r *http.Request) {
	poolID := r.URL.Query().Get("pool_id")
	if poolID != "" {
		if _, err := h.broker.GetPool(poolID); err != nil {
			writeBrokerError(w, err)
			return
		}
	}

	creds := redactAll(h.broker.ListCredentials(poolID))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credentials": creds,
		"count":       len(creds),
	})
}

func (h *AdminHandler) addCredential(w http.ResponseWriter, r *http.Request) {
	var req AddCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cred, err := h.broker.AddCredential(req.spec())
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cred.Redacted())
}

func (h *AdminHandler) importCredentials(w http.ResponseWriter, r *http.Request) {
	var req ImportCredentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Credentials) == 0 {
		writeError(w, http.StatusBadRequest, "credentials must not be empty")
		return
	}

	specs := make([]broker.CredentialSpec, len(req.Credentials))
	for i, c := range req.Credentials {
		specs[i] = c.spec()
	}

	results, err := h.broker.ImportCredentials(req.PoolID, specs)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	resp := ImportCredentialsResponse{Results: results, CredentialIDs: []uint64{}}
	for _, res := range results {
		if res.Error != "" {
			resp.SkippedCount++
			continue
		}
		resp.ImportedCount++
		resp.CredentialIDs = append(resp.CredentialIDs, res.ID)
	}
	slog.Info("credentials imported",
		"pool_id", req.PoolID,
		"imported", resp.ImportedCount,
		"skipped", resp.SkippedCount,
	)
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) credentialBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := credentialID(w, r)
	if !ok {
		return
	}

	balance, err := h.broker.CredentialBalance(r.Context(), id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

func (h *AdminHandler) getCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := credentialID(w, r)
	if !ok {
		return
	}

	cred, err := h.broker.GetCredential(id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cred.Redacted())
}

func (h *AdminHandler) deleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := credentialID(w, r)
	if !ok {
		return
	}

	if err := h.broker.DeleteCredential(id); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) transferCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := credentialID(w, r)
	if !ok {
		return
	}

	var req TransferCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cred, err := h.broker.TransferCredential(id, req.PoolID)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cred.Redacted())
}

func (h *AdminHandler) resetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := credentialID(w, r)
	if !ok {
		return
	}

	cred, err := h.broker.ResetCredential(id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cred.Redacted())
}

func (h *AdminHandler) setCredentialDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := credentialID(w, r)
		if !ok {
			return
		}

		cred, err := h.broker.SetCredentialDisabled(id, disabled)
		if err != nil {
			writeBrokerError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, cred.Redacted())
	}
}

func (h *AdminHandler) setCredentialPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := credentialID(w, r)
	if !ok {
		return
	}

	var req SetPriorityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Priority == nil {
		writeError(w, http.StatusBadRequest, "priority is required")
		return
	}

	cred, err := h.broker.SetCredentialPriority(id, *req.Priority)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cred.Redacted())
}

func (h *AdminHandler) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.apiKeys.List(r.Context())
	if err != nil {
		slog.Error("failed to list api keys", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}

	out := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, APIKeyResponse{APIKey: k, PoolID: h.broker.ResolveAPIKey(k.ID)})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_keys": out,
		"count":    len(out),
	})
}

func (h *AdminHandler) createAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateAPIKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.PoolID != "" && req.PoolID != domain.AutoRoutePoolID {
		if _, err := h.broker.GetPool(req.PoolID); err != nil {
			writeBrokerError(w, err)
			return
		}
	}

	key, plaintext, err := repository.NewAPIKey(req.Name, time.Now())
	if err != nil {
		slog.Error("failed to generate api key", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}

	if err := h.apiKeys.Create(ctx, key); err != nil {
		writeBrokerError(w, err)
		return
	}

	if req.PoolID != "" {
		if err := h.broker.BindAPIKey(key.ID, req.PoolID); err != nil {
			// The pool vanished after the check above.
			_ = h.apiKeys.Delete(ctx, key.ID)
			writeBrokerError(w, err)
			return
		}
	}

	slog.Info("api key created", "api_key_id", key.ID, "name", key.Name, "pool_id", req.PoolID)

	writeJSON(w, http.StatusCreated, CreateAPIKeyResponse{
		APIKeyResponse: APIKeyResponse{APIKey: key, PoolID: h.broker.ResolveAPIKey(key.ID)},
		Key:            plaintext,
	})
}

func (h *AdminHandler) bindAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req BindAPIKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	key, err := h.apiKeys.GetByID(ctx, id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	if err := h.broker.BindAPIKey(key.ID, req.PoolID); err != nil {
		writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, APIKeyResponse{APIKey: key, PoolID: h.broker.ResolveAPIKey(key.ID)})
}

func (h *AdminHandler) setAPIKeyEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("id")

		if err := h.apiKeys.SetEnabled(ctx, id, enabled); err != nil {
			writeBrokerError(w, err)
			return
		}

		key, err := h.apiKeys.GetByID(ctx, id)
		if err != nil {
			writeBrokerError(w, err)
			return
		}

		slog.Info("api key updated", "api_key_id", id, "enabled", enabled)
		writeJSON(w, http.StatusOK, APIKeyResponse{APIKey: key, PoolID: h.broker.ResolveAPIKey(key.ID)})
	}
}

func (h *AdminHandler) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.apiKeys.Delete(r.Context(), id); err != nil {
		writeBrokerError(w, err)
		return
	}
	if err := h.broker.BindAPIKey(id, ""); err != nil {
		slog.Warn("failed to remove binding of deleted api key", "api_key_id", id, "error", err)
	}

	slog.Info("api key deleted", "api_key_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listBindings(w http.ResponseWriter, r *http.Request) {
	bindings := h.broker.Bindings()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bindings": bindings,
		"count":    len(bindings),
	})
}

func (h *AdminHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.broker.Snapshot()
	snap.Credentials = redactAll(snap.Credentials)
	writeJSON(w, http.StatusOK, snap)
}

func (h *AdminHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.Health())
}

type CreatePoolRequest struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Enabled        *bool               `json:"enabled,omitempty"`
	SchedulingMode string              `json:"scheduling_mode,omitempty"`
	Priority       int                 `json:"priority"`
	Proxy          *domain.ProxyConfig `json:"proxy,omitempty"`
}

type UpdatePoolRequest struct {
	Name           *string             `json:"name,omitempty"`
	Description    *string             `json:"description,omitempty"`
	Enabled        *bool               `json:"enabled,omitempty"`
	SchedulingMode *string             `json:"scheduling_mode,omitempty"`
	Priority       *int                `json:"priority,omitempty"`
	Proxy          *domain.ProxyConfig `json:"proxy,omitempty"`
	ClearProxy     bool                `json:"clear_proxy,omitempty"`
}

type AddCredentialRequest struct {
	PoolID       string              `json:"pool_id,omitempty"`
	AuthMethod   string              `json:"auth_method,omitempty"`
	RefreshToken string              `json:"refresh_token"`
	AccessToken  string              `json:"access_token,omitempty"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	ClientID     string              `json:"client_id,omitempty"`
	ClientSecret string              `json:"client_secret,omitempty"`
	Region       string              `json:"region,omitempty"`
	Priority     int                 `json:"priority"`
	Proxy        *domain.ProxyConfig `json:"proxy,omitempty"`
}

func (req AddCredentialRequest) spec() broker.CredentialSpec {
	spec := broker.CredentialSpec{
		PoolID:       req.PoolID,
		AuthMethod:   req.AuthMethod,
		RefreshToken: req.RefreshToken,
		AccessToken:  req.AccessToken,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Region:       req.Region,
		Priority:     req.Priority,
		Proxy:        req.Proxy,
	}
	if req.ExpiresAt != nil {
		spec.ExpiresAt = *req.ExpiresAt
	}
	return spec
}

// ImportCredentialsRequest adds every entry to PoolID; an entry's own
// pool_id is ignored.
type ImportCredentialsRequest struct {
	PoolID      string                 `json:"pool_id,omitempty"`
	Credentials []AddCredentialRequest `json:"credentials"`
}

type ImportCredentialsResponse struct {
	ImportedCount int                   `json:"imported_count"`
	SkippedCount  int                   `json:"skipped_count"`
	CredentialIDs []uint64              `json:"credential_ids"`
	Results       []broker.ImportResult `json:"results"`
}

type TransferCredentialRequest struct {
	PoolID string `json:"pool_id"`
}

type SetPriorityRequest struct {
	Priority *int `json:"priority"`
}

type CreateAPIKeyRequest struct {
	Name   string `json:"name"`
	PoolID string `json:"pool_id,omitempty"`
}

type BindAPIKeyRequest struct {
	PoolID string `json:"pool_id"`
}

type APIKeyResponse struct {
	*domain.APIKey
	PoolID string `json:"pool_id"`
}

// CreateAPIKeyResponse is the only response that carries the plaintext key.
type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

func credentialID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential id")
		return 0, false
	}
	return id, true
}

func redactAll(creds []domain.Credential) []domain.Credential {
	out := make([]domain.Credential, len(creds))
	for i, c := range creds {
		out[i] = c.Redacted()
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeBrokerError maps domain errors to HTTP statuses.
func writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrPoolNotFound),
		errors.Is(err, domain.ErrCredentialNotFound),
		errors.Is(err, domain.ErrAPIKeyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidMutation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNoCredentialAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrRefreshFailed), errors.Is(err, domain.ErrUsageQueryFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
