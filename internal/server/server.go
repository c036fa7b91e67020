package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/analysis"
	"github.com/CIRISAI/CIRISLens-sub000/internal/auth"
	"github.com/CIRISAI/CIRISLens-sub000/internal/ingest"
	"github.com/CIRISAI/CIRISLens-sub000/internal/ratelimit"
	"github.com/CIRISAI/CIRISLens-sub000/internal/schema"
	"github.com/CIRISAI/CIRISLens-sub000/internal/scoring"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds the server's dependencies and settings.
type ServerConfig struct {
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	Tokens      *auth.TokenVerifier
	Ingestor    *ingest.Ingestor
	Buffer      *ingest.Buffer
	KeyRing     *ingest.KeyRing
	Reverifier  *ingest.Reverifier
	Analyzer    *analysis.Analyzer
	Engine      *scoring.Engine
	SchemaCache *schema.Cache
	Limiter     *ratelimit.Limiter
	TierLimits  ratelimit.TierLimits
	Logger      *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// ingestRule bounds service-token push endpoints per service. Generous; the
// point is isolating a runaway shipper, not metering ingest.
var ingestRule = ratelimit.Rule{Prefix: "ingest", Limit: 600, Window: time.Minute}

// New creates a Server with all routes and middleware configured.
func New(cfg ServerConfig) *Server {
	handlers := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Tokens:              cfg.Tokens,
		Ingestor:            cfg.Ingestor,
		Buffer:              cfg.Buffer,
		KeyRing:             cfg.KeyRing,
		Reverifier:          cfg.Reverifier,
		Analyzer:            cfg.Analyzer,
		Engine:              cfg.Engine,
		SchemaCache:         cfg.SchemaCache,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Query endpoints are limited per tier, keyed by token subject; push
	// endpoints per service name. Both run after auth so the identity is known.
	limitQuery := ratelimit.Middleware(cfg.Limiter, func(r *http.Request) (ratelimit.Rule, string, bool) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			return ratelimit.Rule{}, "", false
		}
		key := claims.Subject
		if key == "" {
			key = ratelimit.IPKeyFunc(r)
		}
		return cfg.TierLimits.RuleFor(claims.Tier), key, true
	}, reqIDFunc)
	limitPush := ratelimit.Middleware(cfg.Limiter, func(r *http.Request) (ratelimit.Rule, string, bool) {
		svc := ServiceFromContext(r.Context())
		if svc == "" {
			return ratelimit.Rule{}, "", false
		}
		return ingestRule, svc, true
	}, reqIDFunc)

	admin := requireTier(auth.TierFull)

	mux := http.NewServeMux()

	// Liveness and public status.
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /status", handlers.HandleStatus)
	mux.HandleFunc("GET /api/v1/status", handlers.HandleStatus)
	mux.HandleFunc("GET /openapi.yaml", handlers.HandleOpenAPISpec)

	// Covenant ingest (service token) and signer keys (admin).
	mux.Handle("POST /covenant/events", limitPush(http.HandlerFunc(handlers.HandleIngestEvents)))
	mux.Handle("POST /covenant/public-keys", admin(http.HandlerFunc(handlers.HandleRegisterKey)))
	mux.Handle("GET /covenant/public-keys", admin(http.HandlerFunc(handlers.HandleListKeys)))
	mux.Handle("DELETE /covenant/public-keys/{key_id}", admin(http.HandlerFunc(handlers.HandleRevokeKey)))

	// Trace repository (tiered).
	mux.Handle("GET /covenant/traces", limitQuery(http.HandlerFunc(handlers.HandleListTraces)))
	mux.Handle("GET /covenant/traces/{trace_id}", limitQuery(http.HandlerFunc(handlers.HandleGetTrace)))
	mux.Handle("GET /covenant/statistics", limitQuery(http.HandlerFunc(handlers.HandleStatistics)))

	// Scoring. The literal fleet route takes precedence over the wildcard,
	// so an agent literally named "fleet" cannot shadow it.
	mux.Handle("GET /scoring/capacity/fleet", limitQuery(http.HandlerFunc(handlers.HandleScoringFleet)))
	mux.Handle("GET /scoring/capacity/{agent_name}", limitQuery(http.HandlerFunc(handlers.HandleScoringCapacity)))
	mux.Handle("GET /scoring/factors/{agent_name}", limitQuery(http.HandlerFunc(handlers.HandleScoringFactors)))
	mux.Handle("GET /scoring/alerts", limitQuery(http.HandlerFunc(handlers.HandleScoringAlerts)))
	mux.Handle("GET /scoring/parameters", limitQuery(http.HandlerFunc(handlers.HandleScoringParameters)))

	// Coherence Ratchet.
	mux.Handle("GET /coherence-ratchet/alerts", limitQuery(http.HandlerFunc(handlers.HandleListRatchetAlerts)))
	mux.Handle("GET /coherence-ratchet/alerts/{alert_id}", limitQuery(http.HandlerFunc(handlers.HandleGetRatchetAlert)))
	mux.Handle("POST /coherence-ratchet/run", admin(http.HandlerFunc(handlers.HandleRunRatchet)))
	mux.Handle("PUT /coherence-ratchet/alerts/{alert_id}/acknowledge", admin(http.HandlerFunc(handlers.HandleAcknowledgeAlert)))
	mux.Handle("PUT /coherence-ratchet/alerts/{alert_id}/resolve", admin(http.HandlerFunc(handlers.HandleResolveAlert)))

	// Service log shipping (service token).
	mux.Handle("POST /logs/ingest", limitPush(http.HandlerFunc(handlers.HandleLogsIngest)))

	// Admin surface.
	mux.Handle("POST /admin/tokens", admin(http.HandlerFunc(handlers.HandleIssueToken)))
	mux.Handle("POST /admin/service-tokens", admin(http.HandlerFunc(handlers.HandleCreateServiceToken)))
	mux.Handle("GET /admin/service-tokens", admin(http.HandlerFunc(handlers.HandleListServiceTokens)))
	mux.Handle("DELETE /admin/service-tokens/{service_name}", admin(http.HandlerFunc(handlers.HandleRevokeServiceToken)))
	mux.Handle("GET /admin/schemas", admin(http.HandlerFunc(handlers.HandleListSchemas)))
	mux.Handle("POST /admin/schemas", admin(http.HandlerFunc(handlers.HandleRegisterSchema)))
	mux.Handle("POST /admin/schemas/sync", admin(http.HandlerFunc(handlers.HandleSyncSchemas)))
	mux.Handle("GET /admin/schemas/cache", admin(http.HandlerFunc(handlers.HandleSchemaCacheStatus)))
	mux.Handle("POST /admin/schemas/cache/refresh", admin(http.HandlerFunc(handlers.HandleRefreshSchemaCache)))
	mux.Handle("GET /admin/schemas/{version}", admin(http.HandlerFunc(handlers.HandleGetSchema)))
	mux.Handle("DELETE /admin/schemas/{version}", admin(http.HandlerFunc(handlers.HandleDeleteSchema)))
	mux.Handle("GET /admin/malformed-traces", admin(http.HandlerFunc(handlers.HandleListMalformed)))

	// Middleware chain, innermost first.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.Tokens, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: handlers,
		logger:   cfg.Logger,
	}
}

// Handler returns the fully-wrapped HTTP handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the handler set (for tests).
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins listening for HTTP requests. Blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
