package server

import (
	"net/http"

	"github.com/CIRISAI/CIRISLens-sub000/internal/auth"
	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/schema"
)

// All handlers in this file are full-tier only; the router wraps them in
// requireTier(TierFull).

// HandleIssueToken handles POST /admin/tokens: mint a repository JWT for a
// partner or downstream consumer. The token is returned once, never stored.
func (h *Handlers) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req model.IssueTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}
	tier := auth.Tier(req.Tier)
	if !tier.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"tier must be one of full, partner, public")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.Subject, tier, req.AgentScope, req.PartnerAccess)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	h.logger.Info("repository token issued",
		"subject", req.Subject,
		"tier", req.Tier,
		"agent_scope_len", len(req.AgentScope),
		"issued_by", claims.Subject,
	)

	writeJSON(w, r, http.StatusOK, model.IssueTokenResponse{
		Token:     token,
		Tier:      string(tier),
		Subject:   req.Subject,
		ExpiresAt: expiresAt,
	})
}

// HandleCreateServiceToken handles POST /admin/service-tokens. The raw token
// appears in this response and nowhere else. Re-creating an existing service
// rotates its token.
func (h *Handlers) HandleCreateServiceToken(w http.ResponseWriter, r *http.Request) {
	var req model.CreateServiceTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ServiceName == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "service_name is required")
		return
	}

	claims := ClaimsFromContext(r.Context())
	raw, err := h.tokens.CreateToken(r.Context(), req.ServiceName, req.Description, claims.Subject)
	if err != nil {
		h.writeInternalError(w, r, "failed to create service token", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateServiceTokenResponse{
		ServiceName: req.ServiceName,
		Token:       raw,
	})
}

// HandleListServiceTokens handles GET /admin/service-tokens. Hashes never
// leave the database; the listing is metadata only.
func (h *Handlers) HandleListServiceTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.db.ListServiceTokens(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list service tokens", err)
		return
	}
	writeJSON(w, r, http.StatusOK, tokens)
}

// HandleRevokeServiceToken handles DELETE /admin/service-tokens/{service_name}.
func (h *Handlers) HandleRevokeServiceToken(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service_name")
	revoked, err := h.tokens.RevokeToken(r.Context(), service)
	if err != nil {
		h.writeInternalError(w, r, "failed to revoke service token", err)
		return
	}
	if !revoked {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "service token not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"service_name": service, "status": "revoked"})
}

// HandleListSchemas handles GET /admin/schemas.
func (h *Handlers) HandleListSchemas(w http.ResponseWriter, r *http.Request) {
	defs, err := h.db.LoadSchemaDefinitions(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to load schemas", err)
		return
	}
	writeJSON(w, r, http.StatusOK, defs)
}

// HandleGetSchema handles GET /admin/schemas/{version}: the cached
// definition including field extraction rules.
func (h *Handlers) HandleGetSchema(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	def, ok := h.schemaCache.Get(version)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "schema version not registered")
		return
	}
	writeJSON(w, r, http.StatusOK, def)
}

// HandleRegisterSchema handles POST /admin/schemas: upsert one schema
// definition and reload the cache so ingest picks it up immediately.
func (h *Handlers) HandleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	var def model.SchemaDefinition
	if err := decodeJSON(w, r, &def, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if def.Version == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "version is required")
		return
	}
	if def.MatchMode == "" {
		def.MatchMode = "all"
	}
	if def.MatchMode != "all" && def.MatchMode != "any" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"match_mode must be all or any")
		return
	}
	if def.Status == "" {
		def.Status = model.SchemaSupported
	}

	if err := h.db.UpsertSchemaDefinition(r.Context(), def); err != nil {
		h.writeInternalError(w, r, "failed to register schema", err)
		return
	}
	if err := h.refreshSchemaCache(r); err != nil {
		h.writeInternalError(w, r, "schema registered but cache reload failed", err)
		return
	}
	h.logger.Info("trace schema registered", "version", def.Version, "status", def.Status)
	writeJSON(w, r, http.StatusCreated, map[string]string{"version": def.Version})
}

// HandleDeleteSchema handles DELETE /admin/schemas/{version}.
func (h *Handlers) HandleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	deleted, err := h.db.DeleteSchemaDefinition(r.Context(), version)
	if err != nil {
		h.writeInternalError(w, r, "failed to delete schema", err)
		return
	}
	if !deleted {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "schema version not registered")
		return
	}
	if err := h.refreshSchemaCache(r); err != nil {
		h.writeInternalError(w, r, "schema deleted but cache reload failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"version": version, "status": "deleted"})
}

// HandleSyncSchemas handles POST /admin/schemas/sync: restore the built-in
// definitions (repairing any drift in seeded versions) and reload the cache.
// Operator-registered versions are left untouched.
func (h *Handlers) HandleSyncSchemas(w http.ResponseWriter, r *http.Request) {
	seeded := 0
	for _, def := range schema.SeedDefinitions() {
		if err := h.db.UpsertSchemaDefinition(r.Context(), def); err != nil {
			h.writeInternalError(w, r, "failed to sync schemas", err)
			return
		}
		seeded++
	}
	if err := h.refreshSchemaCache(r); err != nil {
		h.writeInternalError(w, r, "schemas synced but cache reload failed", err)
		return
	}
	h.logger.Info("trace schemas synced", "versions", seeded)
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "synced", "versions": seeded})
}

// HandleSchemaCacheStatus handles GET /admin/schemas/cache.
func (h *Handlers) HandleSchemaCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.SchemaCacheStatus{
		Loaded:   h.schemaCache.Loaded(),
		Versions: h.schemaCache.Versions(),
	})
}

// HandleRefreshSchemaCache handles POST /admin/schemas/cache/refresh.
func (h *Handlers) HandleRefreshSchemaCache(w http.ResponseWriter, r *http.Request) {
	if err := h.refreshSchemaCache(r); err != nil {
		h.writeInternalError(w, r, "failed to refresh schema cache", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SchemaCacheStatus{
		Loaded:   h.schemaCache.Loaded(),
		Versions: h.schemaCache.Versions(),
	})
}

func (h *Handlers) refreshSchemaCache(r *http.Request) error {
	defs, err := h.db.LoadSchemaDefinitions(r.Context())
	if err != nil {
		return err
	}
	h.schemaCache.Load(defs)
	return nil
}

// HandleListMalformed handles GET /admin/malformed-traces: recent rejection
// records, metadata only.
func (h *Handlers) HandleListMalformed(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	sinceVal := h.startedAt.AddDate(0, 0, -7)
	if since != nil {
		sinceVal = *since
	}

	records, err := h.db.ListMalformedTraces(r.Context(), sinceVal, queryLimit(r, 100))
	if err != nil {
		h.writeInternalError(w, r, "failed to list malformed traces", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}
