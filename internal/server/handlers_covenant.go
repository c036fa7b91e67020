package server

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/CIRISAI/CIRISLens-sub000/internal/auth"
	"github.com/CIRISAI/CIRISLens-sub000/internal/ingest"
	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/ratelimit"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// HandleIngestEvents handles POST /covenant/events. Authenticated with an
// agent service token; the batch is processed trace by trace so one bad
// payload never rejects its siblings.
func (h *Handlers) HandleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var req model.EventsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events is required")
		return
	}

	// A 200 here promises the batch will be stored. With the database down
	// and no spool behind the buffer, that promise cannot be kept once the
	// buffer fills, so refuse with 503 and let the agent retry.
	if h.buffer != nil && !h.buffer.Durable() && !h.storageReachable(r.Context()) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "storage unavailable, retry later")
		return
	}

	resp := h.ingestor.IngestBatch(r.Context(), &req, ratelimit.IPKeyFunc(r))
	writeJSON(w, r, http.StatusOK, resp)
}

// storageReachable reports whether the database can currently take writes.
func (h *Handlers) storageReachable(ctx context.Context) bool {
	if h.db == nil {
		return false
	}
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("storage unreachable", "error", err)
		return false
	}
	return true
}

// HandleRegisterKey handles POST /covenant/public-keys (full tier). The new
// key goes into the live ring immediately and the reverification worker is
// kicked so previously-unverifiable traces flip within one cycle.
func (h *Handlers) HandleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	pub, err := ingest.ParsePublicKey(req.PublicKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	key := model.PublicKey{
		KeyID:       req.KeyID,
		Algorithm:   "ed25519",
		PublicKey:   pub,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
	}
	if err := h.db.RegisterPublicKey(r.Context(), key); err != nil {
		h.writeInternalError(w, r, "failed to register key", err)
		return
	}

	h.keyring.Add(req.KeyID, pub)
	if h.reverifier != nil {
		h.reverifier.Kick()
	}
	h.logger.Info("signer key registered", "key_id", req.KeyID)

	writeJSON(w, r, http.StatusCreated, map[string]string{"key_id": req.KeyID})
}

// HandleListKeys handles GET /covenant/public-keys (full tier). Key material
// itself is never returned.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.db.ListPublicKeys(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list keys", err)
		return
	}
	writeJSON(w, r, http.StatusOK, keys)
}

// HandleRevokeKey handles DELETE /covenant/public-keys/{key_id} (full tier).
// Revocation is a timestamp; the key row stays for audit.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("key_id")
	revoked, err := h.db.RevokePublicKey(r.Context(), keyID)
	if err != nil {
		h.writeInternalError(w, r, "failed to revoke key", err)
		return
	}
	if !revoked {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "key not found or already revoked")
		return
	}
	h.keyring.Remove(keyID)
	h.logger.Info("signer key revoked", "key_id", keyID)
	writeJSON(w, r, http.StatusOK, map[string]string{"key_id": keyID, "status": "revoked"})
}

// scopeFilter narrows a trace filter to what the caller's tier may see.
func scopeFilter(f storage.TraceFilter, claims *auth.Claims) storage.TraceFilter {
	switch claims.Tier {
	case auth.TierFull:
		// no scope predicate beyond explicit filters
	case auth.TierPartner:
		scope := claims.AgentScope
		if scope == nil {
			scope = []string{}
		}
		partners := claims.PartnerAccess
		if partners == nil {
			partners = []string{}
		}
		f.AgentScope = scope
		f.PartnerIDs = partners
		f.IncludeSampled = true
	default:
		f.PublicOnly = true
	}
	return f
}

// canSeeTrace is the single-row form of the tier predicate.
func canSeeTrace(claims *auth.Claims, t model.StoredTrace) bool {
	switch claims.Tier {
	case auth.TierFull:
		return true
	case auth.TierPartner:
		if t.PublicSample || claims.CanSeeAgent(t.AgentIDHash) {
			return true
		}
		for _, p := range claims.PartnerAccess {
			if slices.Contains(t.PartnerAccess, p) {
				return true
			}
		}
		return false
	default:
		return t.PublicSample
	}
}

// elideSensitive strips signature material and free-text reasoning before a
// trace leaves the full tier.
func elideSensitive(t *model.StoredTrace) {
	t.Signature = ""
	t.AuditSignature = nil
	t.ActionRationale = nil
	t.IDMAResult = nil
	t.EpistemicData = nil
	t.RawTrace = nil
}

// HandleListTraces handles GET /covenant/traces with tier scoping.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	limit := queryLimit(r, 100)
	offset := queryOffset(r)
	f := scopeFilter(storage.TraceFilter{
		AgentName: r.URL.Query().Get("agent_name"),
		Domain:    r.URL.Query().Get("domain"),
		TraceType: r.URL.Query().Get("trace_type"),
		Since:     since,
		Until:     until,
		Limit:     limit,
		Offset:    offset,
	}, claims)

	traces, err := h.db.ListTraces(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list traces", err)
		return
	}

	if claims.Tier != auth.TierFull {
		for i := range traces {
			elideSensitive(&traces[i])
		}
	}
	writeList(w, r, traces, len(traces), limit, offset)
}

// HandleGetTrace handles GET /covenant/traces/{trace_id}. Rows outside the
// caller's scope read as not found, never as forbidden.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	traceID := r.PathValue("trace_id")

	t, err := h.db.GetTrace(r.Context(), traceID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get trace", err)
		return
	}
	if !canSeeTrace(claims, t) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
		return
	}
	if claims.Tier != auth.TierFull {
		elideSensitive(&t)
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleStatistics handles GET /covenant/statistics. Non-full tiers see
// aggregates over the public sample only.
func (h *Handlers) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	stats, err := h.db.GetTraceStatistics(r.Context(), claims.Tier != auth.TierFull)
	if err != nil {
		h.writeInternalError(w, r, "failed to compute statistics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}
