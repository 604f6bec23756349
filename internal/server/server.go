// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/spaceporthq/spaceport/internal/admin"
	"github.com/spaceporthq/spaceport/internal/audit"
	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/billing"
	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/config"
	"github.com/spaceporthq/spaceport/internal/entitlement"
	"github.com/spaceporthq/spaceport/internal/health"
	"github.com/spaceporthq/spaceport/internal/logging"
	"github.com/spaceporthq/spaceport/internal/metrics"
	"github.com/spaceporthq/spaceport/internal/ratelimit"
	"github.com/spaceporthq/spaceport/internal/realtime"
	"github.com/spaceporthq/spaceport/internal/reconciliation"
	"github.com/spaceporthq/spaceport/internal/security"
	"github.com/spaceporthq/spaceport/internal/subscription"
	"github.com/spaceporthq/spaceport/internal/tenancy"
	"github.com/spaceporthq/spaceport/internal/traces"
	"github.com/spaceporthq/spaceport/internal/usage"
	"github.com/spaceporthq/spaceport/internal/validation"
	"github.com/spaceporthq/spaceport/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	authMgr     *auth.Manager
	tenantStore tenancy.Store
	tenants     *tenancy.Service
	subStore    subscription.Store
	subs        *subscription.Service
	engine      *entitlement.Engine
	usage       *usage.Service
	auditStore  audit.Store
	recorder    *audit.Recorder
	webhookSt   webhooks.Store
	dispatcher  *webhooks.Dispatcher
	emitter     *webhooks.Emitter
	reconciler  *billing.Reconciler
	sweeper     *subscription.Sweeper
	driftRunner *reconciliation.Runner
	driftTimer  *reconciliation.Timer
	hub         *realtime.Hub
	limiter     *ratelimit.Limiter
	checks      *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTraces   func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		authStore      auth.Store
		processedStore billing.ProcessedStore
		usageStore     usage.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// API keys with Postgres
		authPg := auth.NewPostgresStore(db)
		if err := authPg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = authPg

		// Tenant directory with Postgres
		tenantPg := tenancy.NewPostgresStore(db)
		if err := tenantPg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate tenant store", "error", err)
		}
		s.tenantStore = tenantPg

		// Subscriptions with Postgres
		subPg := subscription.NewPostgresStore(db)
		if err := subPg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate subscription store", "error", err)
		}
		s.subStore = subPg

		// Audit trail with Postgres
		auditPg := audit.NewPostgresStore(db)
		if err := auditPg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		s.auditStore = auditPg

		// Billing event dedup with Postgres
		processedPg := billing.NewPostgresProcessedStore(db)
		if err := processedPg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate billing store", "error", err)
		}
		processedStore = processedPg

		// Webhook endpoints with Postgres
		webhookPg := webhooks.NewPostgresStore(db)
		if err := webhookPg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		s.webhookSt = webhookPg

		// Usage counters with Postgres
		usagePg := usage.NewPostgresStore(db)
		if err := usagePg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate usage store", "error", err)
		}
		usageStore = usagePg
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		authStore = auth.NewMemoryStore()
		s.tenantStore = tenancy.NewMemoryStore()
		s.subStore = subscription.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		processedStore = billing.NewMemoryProcessedStore()
		s.webhookSt = webhooks.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
	}

	// Audit recorder sits under every mutating service. Fail-closed mode
	// turns a lost audit write into a denied request.
	s.recorder = audit.NewRecorder(s.auditStore, s.logger, cfg.AuditFailClosed)
	if cfg.AuditFailClosed {
		s.logger.Info("audit trail enabled (fail-closed)")
	} else {
		s.logger.Info("audit trail enabled")
	}

	// Subscription lifecycle
	trialFor := time.Duration(cfg.TrialDays) * 24 * time.Hour
	graceFor := time.Duration(cfg.GracePeriodDays) * 24 * time.Hour
	s.subs = subscription.NewService(s.subStore, s.recorder, trialFor, graceFor)

	// API key auth
	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Tenant lifecycle (onboarding issues the first API key)
	s.tenants = tenancy.NewService(s.tenantStore, s.subs, s.authMgr, s.recorder)

	// Rate limit counters (Redis if configured, otherwise in-process)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.limiter = ratelimit.New(ratelimit.NewRedisCounter(rdb))
		s.logger.Info("rate limiting enabled (redis)", "url", maskDSN(cfg.RedisURL))
	} else {
		s.limiter = ratelimit.New(ratelimit.NewMemoryCounter())
		s.logger.Info("rate limiting enabled (in-memory)")
	}

	// Entitlement engine
	s.engine = entitlement.NewEngine(s.subs, s.limiter, s.recorder).
		WithRateWindow(time.Duration(cfg.RateLimitWindowSeconds) * time.Second)

	// Usage counters back limit checks when callers omit currentUsage
	s.usage = usage.NewService(usageStore)

	// Outbound webhooks
	s.dispatcher = webhooks.NewDispatcher(s.webhookSt)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)
	s.logger.Info("webhooks enabled")

	// Billing webhook reconciler
	s.reconciler = billing.NewReconciler(s.subs, s.subStore, processedStore, s.recorder)

	// Expiry sweeper (trials and grace periods)
	s.sweeper = subscription.NewSweeper(s.subs, cfg.SweepInterval, s.logger)

	// Cross-store drift reconciliation
	s.driftRunner = reconciliation.NewRunner(s.tenantStore, s.subStore, s.logger)
	s.driftTimer = reconciliation.NewTimer(s.driftRunner, cfg.ReconcileInterval, s.logger)

	// Create realtime hub for the ops feed
	s.hub = realtime.NewHub(s.logger)
	s.logger.Info("realtime ops feed enabled")

	s.wireHooks()
	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// wireHooks connects service-level events to the ops feed and outbound
// webhooks. Hooks run synchronously inside the originating call, so they
// only hand off to async machinery (hub channel, dispatcher goroutines).
func (s *Server) wireHooks() {
	s.subs.WithTransitionHook(func(sub *subscription.Subscription, from, to subscription.Status, event subscription.Event) {
		s.tenants.SyncSubscription(sub, from, to, event)
		s.hub.BroadcastTransition(sub.TenantID, sub.ID, string(from), string(to), string(event), string(sub.Tier))
		s.emitter.EmitSubscriptionTransitioned(sub.TenantID, sub.ID, string(from), string(to), string(event), string(sub.Tier))
	})

	s.engine.WithDecisionHook(func(req entitlement.Request, d *entitlement.Decision) {
		s.hub.BroadcastDecision(req.TenantID, string(req.Capability), d.Allowed, string(d.Reason))
	})

	s.reconciler.WithResultHook(func(tenantID, eventType, result string) {
		s.hub.BroadcastBillingEvent(tenantID, eventType, result)
	})

	s.tenants.WithSuspensionHook(func(t *tenancy.Tenant, suspended bool, actor string) {
		if suspended {
			s.emitter.EmitTenantSuspended(t.ID, actor)
		} else {
			s.emitter.EmitTenantResumed(t.ID, string(t.Status))
		}
	})

	s.sweeper.WithSweepHook(func(scanned, expired int) {
		s.hub.BroadcastSweep(scanned, expired)
	})
}

func (s *Server) registerHealthChecks() {
	s.checks = health.NewRegistry()

	if s.db == nil {
		s.checks.Register("storage", func(ctx context.Context) health.Status {
			return health.Status{Name: "storage", Healthy: true, Detail: "in-memory"}
		})
	} else {
		s.checks.Register("storage", health.Ping("storage", s.db.PingContext))
	}

	s.checks.Register("ops_feed", func(ctx context.Context) health.Status {
		stats := s.hub.Stats()
		detail := fmt.Sprintf("%v clients", stats["connectedClients"])
		return health.Status{Name: "ops_feed", Healthy: true, Detail: detail}
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	origins := s.cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithCorrelationID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Ops overview page
	s.router.GET("/", opsPageHandler)

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.TenantParamMiddleware())

	authHandler := auth.NewHandler(s.authMgr)
	tenancyHandler := tenancy.NewHandler(s.tenants, s.subs, s.authMgr)

	// PUBLIC ROUTES (no auth required). Tenant-scoped limits live in the
	// entitlement engine; a flat per-IP limit shields these from abuse.
	public := v1.Group("")
	public.Use(ratelimit.IPMiddleware(s.limiter, 300, time.Minute))
	{
		public.GET("/catalog/tiers", s.catalogTiersHandler)
		public.GET("/auth/info", authHandler.Info)

		// Billing webhook authenticates by provider signature, not API key
		billingHandler := billing.NewHandler(billing.NewStripeParser(s.cfg.StripeWebhookSecret), s.reconciler)
		billingHandler.RegisterRoutes(public)
	}

	// PROTECTED ROUTES (require API key; admin secret also passes).
	// Suspension outranks everything the subscription allows, so it is
	// enforced here before any handler runs.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr), tenancy.RequireActive(s.tenantStore))
	{
		// Authorization checks and entitlement snapshots
		entHandler := entitlement.NewHandler(s.engine, s.subs).WithUsage(s.usage)
		entHandler.RegisterRoutes(protected)

		// Tenant reads and owner mutations (ownership checked per-handler)
		tenancyHandler.RegisterProtectedRoutes(protected)

		// Audit trail reads; the export is a tier-gated feature and rides
		// the export rate class, so it goes through the engine first
		audit.NewHandler(s.auditStore).RegisterRoutes(protected,
			entitlement.Require(s.engine, catalog.CapExportAuditLog, catalog.ClassExport))

		// Outbound webhook endpoint management
		webhooks.NewHandler(s.webhookSt).RegisterRoutes(protected)

		// Usage reporting and queries
		usage.NewHandler(s.usage, s.subs).RegisterRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentTenant)

		// Live ops feed (scope assigned server-side from auth state)
		protected.GET("/ops/feed", s.opsFeedHandler)
	}

	// ADMIN ROUTES (operator secret)
	adminGroup := v1.Group("")
	adminGroup.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		tenancyHandler.RegisterAdminRoutes(adminGroup)

		adminHandler := admin.NewHandler().
			WithDirectory(s.tenantStore).
			WithSweeper(s.subs).
			WithFeedStats(s.hub).
			WithAuditReader(s.auditStore).
			WithRetention(s.auditStore, s.subs).
			WithReconciler(s.driftRunner)
		adminHandler.RegisterRoutes(adminGroup)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// healthHandler reports aggregate subsystem health
func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		v := "healthy"
		if !st.Healthy {
			v = "unhealthy"
		}
		if st.Detail != "" {
			v = v + ": " + st.Detail
		}
		checks[st.Name] = v
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// infoHandler describes the API surface for people poking at the root
func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "Spaceport",
		"tagline": "Subscription and entitlement engine for multi-tenant products",
		"endpoints": gin.H{
			"catalog":      "GET /v1/catalog/tiers",
			"authorize":    "POST /v1/authorize",
			"entitlements": "GET /v1/tenants/:id/entitlements",
			"tenants":      "GET /v1/tenants/:id",
			"usage":        "GET /v1/tenants/:id/usage",
			"audit":        "GET /v1/tenants/:id/audit",
			"webhooks":     "GET /v1/tenants/:id/webhooks",
			"billing":      "POST /v1/billing/webhook",
			"opsFeed":      "GET /v1/ops/feed (websocket)",
		},
		"authentication": "Authorization: Bearer sk_... (see GET /v1/auth/info)",
	})
}

// catalogTiersHandler returns the static tier catalog: limits, features,
// and rate limits per tier, plus the catalog version tenants can pin.
func (s *Server) catalogTiersHandler(c *gin.Context) {
	type tierEntry struct {
		Tier       catalog.Tier                 `json:"tier"`
		Limits     catalog.Limits               `json:"limits"`
		Features   map[catalog.Capability]bool  `json:"features"`
		RateLimits map[catalog.EndpointClass]int `json:"rateLimits"`
	}

	tiers := make([]tierEntry, 0, len(catalog.Tiers()))
	for _, t := range catalog.Tiers() {
		rates := make(map[catalog.EndpointClass]int)
		for _, class := range catalog.EndpointClasses() {
			rates[class] = catalog.RateLimitFor(t, class)
		}
		tiers = append(tiers, tierEntry{
			Tier:       t,
			Limits:     catalog.LimitsFor(t),
			Features:   catalog.FeaturesFor(t),
			RateLimits: rates,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"version": catalog.Version,
		"tiers":   tiers,
	})
}

// opsFeedHandler upgrades to a WebSocket scoped to the caller: admins see
// every tenant, tenant keys see only their own events.
func (s *Server) opsFeedHandler(c *gin.Context) {
	scope := realtime.Scope{
		TenantID: auth.GetTenantID(c),
		Admin:    auth.IsAdmin(c),
	}
	s.hub.HandleWebSocket(c.Writer, c.Request, scope)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Trace export (no-op when no endpoint is configured)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start expiry sweeper
	go s.sweeper.Start(runCtx)

	// Start drift reconciliation timer
	go s.driftTimer.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop expiry sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("sweeper stopped")
	}

	// Stop drift reconciliation timer
	if s.driftTimer != nil {
		s.driftTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Flush pending trace spans
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Drain audit entries parked in the overflow buffer while the store is
	// still reachable
	if s.recorder != nil {
		if left := s.recorder.Flush(ctx); left > 0 {
			s.logger.Error("audit buffer not fully drained", "remaining", left)
		} else {
			s.logger.Info("audit buffer drained")
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
