package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/analysis"
	"github.com/CIRISAI/CIRISLens-sub000/internal/auth"
	"github.com/CIRISAI/CIRISLens-sub000/internal/ingest"
	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/schema"
	"github.com/CIRISAI/CIRISLens-sub000/internal/scoring"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	tokens              *auth.TokenVerifier
	ingestor            *ingest.Ingestor
	buffer              *ingest.Buffer
	keyring             *ingest.KeyRing
	reverifier          *ingest.Reverifier
	analyzer            *analysis.Analyzer
	engine              *scoring.Engine
	schemaCache         *schema.Cache
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Buffer, Reverifier.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Tokens              *auth.TokenVerifier
	Ingestor            *ingest.Ingestor
	Buffer              *ingest.Buffer
	KeyRing             *ingest.KeyRing
	Reverifier          *ingest.Reverifier
	Analyzer            *analysis.Analyzer
	Engine              *scoring.Engine
	SchemaCache         *schema.Cache
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		tokens:              d.Tokens,
		ingestor:            d.Ingestor,
		buffer:              d.Buffer,
		keyring:             d.KeyRing,
		reverifier:          d.Reverifier,
		analyzer:            d.Analyzer,
		engine:              d.Engine,
		schemaCache:         d.SchemaCache,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db == nil {
		pgStatus = "not configured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		cap := h.buffer.Capacity()
		if bufDepth > cap*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > cap/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Postgres:     pgStatus,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.schemaCache != nil {
		resp.SchemaCount = len(h.schemaCache.Versions())
	}
	if h.keyring != nil {
		resp.SignerKeys = h.keyring.Len()
	}

	writeJSON(w, r, httpStatus, resp)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func queryFloat(r *http.Request, key string, defaultVal float64) float64 {
	if v := r.URL.Query().Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive
// sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return min(offset, maxQueryOffset)
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	return min(limit, maxQueryLimit)
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &timeParseError{key: key}
	}
	return &t, nil
}

type timeParseError struct{ key string }

func (e *timeParseError) Error() string {
	return "invalid " + e.key + ": expected RFC3339 format (e.g. 2026-01-01T00:00:00Z)"
}
