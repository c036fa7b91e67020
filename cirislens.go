// Package cirislens is the public API for embedding the CIRISLens covenant
// trace repository server.
//
// Operators import this package to construct and run the server without
// forking it:
//
//	app, err := cirislens.New(
//	    cirislens.WithVersion(version),
//	    cirislens.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: cirislens (root) imports
// internal/*, but internal/* never imports cirislens (root).
package cirislens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/CIRISAI/CIRISLens-sub000/api"
	"github.com/CIRISAI/CIRISLens-sub000/internal/analysis"
	"github.com/CIRISAI/CIRISLens-sub000/internal/auth"
	"github.com/CIRISAI/CIRISLens-sub000/internal/config"
	"github.com/CIRISAI/CIRISLens-sub000/internal/ingest"
	"github.com/CIRISAI/CIRISLens-sub000/internal/poll"
	"github.com/CIRISAI/CIRISLens-sub000/internal/ratelimit"
	"github.com/CIRISAI/CIRISLens-sub000/internal/schema"
	"github.com/CIRISAI/CIRISLens-sub000/internal/scoring"
	"github.com/CIRISAI/CIRISLens-sub000/internal/server"
	"github.com/CIRISAI/CIRISLens-sub000/internal/status"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
	"github.com/CIRISAI/CIRISLens-sub000/internal/telemetry"
	"github.com/CIRISAI/CIRISLens-sub000/migrations"
)

// App is the CIRISLens server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	buf          *ingest.Buffer
	spool        *ingest.Spool // nil when no spool dir configured
	reverifier   *ingest.Reverifier
	scheduler    *analysis.Scheduler
	supervisor   *poll.Supervisor
	discovery    *poll.Discovery
	prober       *status.Prober // nil when no probe targets configured
	limiter      *ratelimit.Limiter
	redisClient  *redis.Client // nil for the in-memory backend
	jwtMgr       *auth.JWTManager
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string

	workerCancel context.CancelFunc
	workers      sync.WaitGroup
}

// New initialises the CIRISLens server. It connects to the database, runs
// migrations, seeds the schema registry, loads the signer key ring, and
// wires all subsystems. Background workers start in Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("cirislens starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	cleanup := func() {
		db.Close()
		_ = otelShutdown(context.Background())
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		cleanup()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			cleanup()
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration. If the timescaledb
	// extension failed to create, hypertable migrations fail and the server
	// would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'covenant_traces')`,
	).Scan(&schemaOK); err != nil {
		cleanup()
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		cleanup()
		return nil, fmt.Errorf("critical table 'covenant_traces' does not exist after migration; check that the timescaledb extension is created")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("auth: %w", err)
	}
	tokens := auth.NewTokenVerifier(db, logger)

	// Schema registry: seed the built-in definitions on first boot, then
	// serve everything from the lock-free cache.
	schemaCache := schema.NewCache(logger)
	defs, err := db.LoadSchemaDefinitions(context.Background())
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("schema registry: %w", err)
	}
	if len(defs) == 0 {
		for _, def := range schema.SeedDefinitions() {
			if err := db.UpsertSchemaDefinition(context.Background(), def); err != nil {
				cleanup()
				return nil, fmt.Errorf("schema registry seed: %w", err)
			}
		}
		if defs, err = db.LoadSchemaDefinitions(context.Background()); err != nil {
			cleanup()
			return nil, fmt.Errorf("schema registry reload: %w", err)
		}
		logger.Info("schema registry seeded", "versions", len(defs))
	}
	schemaCache.Load(defs)

	// Signer key ring, loaded from registered public keys.
	keyring := ingest.NewKeyRing()
	keys, err := db.ListPublicKeys(context.Background())
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("key ring: %w", err)
	}
	keyring.Load(keys)
	logger.Info("signer key ring loaded", "keys", keyring.Len())

	// Optional sqlite spool for crash recovery of buffered traces.
	var spool *ingest.Spool
	if cfg.SpoolDir != "" {
		if spool, err = ingest.NewSpool(context.Background(), cfg.SpoolDir); err != nil {
			cleanup()
			return nil, fmt.Errorf("spool: %w", err)
		}
		logger.Info("trace spool enabled", "dir", cfg.SpoolDir)
	}

	buf := ingest.NewBuffer(db, spool, logger, cfg.IngestBufferSize, cfg.IngestFlushTimeout)
	parser := schema.NewParser(schemaCache)
	ingestor := ingest.NewIngestor(db, parser, keyring, buf, logger)
	reverifier := ingest.NewReverifier(db, keyring, logger, cfg.ReverifyInterval)

	analyzer := analysis.New(db, logger)
	scheduler := analysis.NewScheduler(analyzer, logger, cfg.HashChainInterval, cfg.DailyAnalysisInterval)

	engine := scoring.NewEngine(db, scoring.ParamsFromConfig(&cfg), logger)

	// Rate limiter backend selection.
	var limiter *ratelimit.Limiter
	var redisClient *redis.Client
	switch {
	case !cfg.RateLimitEnabled:
		limiter = ratelimit.NewDisabled(logger)
		logger.Info("rate limiting: disabled")
	case cfg.RedisURL != "":
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		limiter = ratelimit.New(redisClient, logger)
		logger.Info("rate limiting: redis", "addr", redisOpts.Addr)
	default:
		limiter = ratelimit.New(nil, logger)
		logger.Info("rate limiting: memory (in-process token bucket)")
	}

	// Polling fabric: agent sources from the environment, managers from the
	// store.
	sources := config.PollSources(os.Environ(), cfg.CollectionInterval)
	supervisor := poll.NewSupervisor(db, logger, sources, poll.Options{
		ConnectTimeout:   cfg.PollConnectTimeout,
		TotalTimeout:     cfg.PollTotalTimeout,
		MaxConcurrent:    int64(cfg.PollMaxConcurrent),
		FailureThreshold: cfg.CircuitFailureThreshold,
		ResetTimeout:     cfg.CircuitResetTimeout,
		BackoffInitial:   cfg.BackoffInitial,
		BackoffMax:       cfg.BackoffMax,
	})
	discovery := poll.NewDiscovery(db, logger)
	logger.Info("poll sources configured", "count", len(sources))

	// Status prober, only when targets are configured.
	var prober *status.Prober
	if targets := status.ParseTargets(cfg.StatusProbeTargets, logger); len(targets) > 0 {
		prober = status.NewProber(db, logger, targets, cfg.StatusProbeRegion, cfg.StatusProbeEvery)
		logger.Info("status prober configured", "targets", len(targets), "region", cfg.StatusProbeRegion)
	}

	srv := server.New(server.ServerConfig{
		DB:          db,
		JWTMgr:      jwtMgr,
		Tokens:      tokens,
		Ingestor:    ingestor,
		Buffer:      buf,
		KeyRing:     keyring,
		Reverifier:  reverifier,
		Analyzer:    analyzer,
		Engine:      engine,
		SchemaCache: schemaCache,
		Limiter:     limiter,
		TierLimits: ratelimit.TierLimits{
			Full:    cfg.RateLimitFull,
			Partner: cfg.RateLimitPartner,
			Public:  cfg.RateLimitPublic,
		},
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		buf:          buf,
		spool:        spool,
		reverifier:   reverifier,
		scheduler:    scheduler,
		supervisor:   supervisor,
		discovery:    discovery,
		prober:       prober,
		limiter:      limiter,
		redisClient:  redisClient,
		jwtMgr:       jwtMgr,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// JWTManager exposes the token minter for operator bootstrap (first
// full-tier token on a fresh deployment).
func (a *App) JWTManager() *auth.JWTManager {
	return a.jwtMgr
}

// Run starts all background workers and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	a.workerCancel = cancel

	a.startWorker(func() { a.reverifier.Run(workerCtx) })
	a.startWorker(func() { a.scheduler.Run(workerCtx) })
	a.startWorker(func() { a.supervisor.Run(workerCtx) })
	a.startWorker(func() { a.discovery.Run(workerCtx, a.cfg.CollectionInterval) })
	if a.prober != nil {
		a.startWorker(func() { a.prober.Run(workerCtx) })
	}
	a.startWorker(func() { a.retentionLoop(workerCtx) })

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

func (a *App) startWorker(run func()) {
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		run()
	}()
}

// retentionLoop sweeps expired hypertable chunks. TimescaleDB's own policies
// do the same job when its background workers are enabled; this pass covers
// databases where they are not.
func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetentionPassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			a.db.RunRetentionPass(opCtx)
			cancel()
		}
	}
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop background workers and wait out the grace period,
// (3) flush the trace buffer to Postgres.
// It then closes the spool, rate limiter, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("cirislens shutting down")

	// Phase 1: HTTP drain. In-flight requests may still append to the buffer.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: worker grace. Workers are mid-pass at most; bounded wait.
	if a.workerCancel != nil {
		a.workerCancel()
		done := make(chan struct{})
		go func() {
			a.workers.Wait()
			close(done)
		}()
		graceCtx, graceCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownWorkerGrace)
		select {
		case <-done:
		case <-graceCtx.Done():
			a.logger.Warn("workers did not stop within grace period")
		}
		graceCancel()
	}

	// Phase 3: buffer drain.
	bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownBufferDrainTimeout)
	drainErr := a.buf.Drain(bufCtx)
	bufCancel()
	if drainErr != nil {
		a.logger.Error("trace buffer drain incomplete, unflushed traces stay in the spool or are lost",
			"error", drainErr,
			"remaining_traces", a.buf.Len(),
			"configured_timeout", a.cfg.ShutdownBufferDrainTimeout,
		)
	}

	// Cleanup runs even after a failed drain; leaked handles help nobody.
	if a.spool != nil {
		_ = a.spool.Close()
	}
	_ = a.limiter.Close()
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	if drainErr != nil {
		return fmt.Errorf("buffer drain failed: %w", drainErr)
	}
	a.logger.Info("cirislens stopped")
	return nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
