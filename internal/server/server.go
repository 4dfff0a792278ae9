// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/mbd888/tiltguard/internal/analyst"
	"github.com/mbd888/tiltguard/internal/assessment"
	"github.com/mbd888/tiltguard/internal/audit"
	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/cache"
	"github.com/mbd888/tiltguard/internal/circuitbreaker"
	"github.com/mbd888/tiltguard/internal/config"
	"github.com/mbd888/tiltguard/internal/facial"
	"github.com/mbd888/tiltguard/internal/health"
	"github.com/mbd888/tiltguard/internal/idgen"
	"github.com/mbd888/tiltguard/internal/logging"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/ratelimit"
	"github.com/mbd888/tiltguard/internal/realtime"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/security"
	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/traces"
	"github.com/mbd888/tiltguard/internal/validation"
	"github.com/mbd888/tiltguard/internal/webhooks"
	"github.com/redis/go-redis/v9"
)

// Version is reported by the info and health endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	tables       *modality.Tables
	baselines    baseline.Store
	policies     policy.Store
	assessments  risk.Store
	auditStore   audit.Store
	auditWriter  *audit.Writer
	webhookStore webhooks.Store
	analyzer     *analyst.Analyzer
	faces        *facial.Registry
	service      *assessment.Service
	realtimeHub  *realtime.Hub
	health       *health.Registry
	cache        cache.Cache
	redis        *redis.Client // nil without REDIS_URL
	rateLimiter  *ratelimit.Limiter
	frameLimiter *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithAnalystRemote replaces the configured analyst endpoint (for testing)
func WithAnalystRemote(r analyst.Remote) Option {
	return func(s *Server) {
		breaker := circuitbreaker.New(s.cfg.BreakerThreshold, s.cfg.BreakerCooldown)
		s.analyzer = analyst.NewAnalyzer(r, breaker, s.logger)
	}
}

// WithPolicyStore seeds the policy store used with in-memory storage.
func WithPolicyStore(ps policy.Store) Option {
	return func(s *Server) {
		s.policies = ps
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tables, err := modality.LoadTables(cfg.WeightTablePaths...)
	if err != nil {
		return nil, err
	}
	s.tables = tables
	s.logger.Info("weight tables loaded", "versions", tables.Versions())

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := policy.CheckStored(ctx, s.policies, s.tables.Has); err != nil {
		if s.db != nil {
			_ = s.db.Close()
		}
		return nil, fmt.Errorf("stored policies: %w", err)
	}
	if err := s.setupCache(); err != nil {
		return nil, err
	}
	s.baselines = baseline.NewCachedStore(s.baselines, s.cache, cfg.CacheTTL)
	s.policies = policy.NewCachedStore(s.policies, s.cache, cfg.CacheTTL)

	if s.analyzer == nil {
		breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
		var remote analyst.Remote
		if cfg.AnalystURL != "" {
			remote = analyst.NewClient(analyst.Config{
				URL:     cfg.AnalystURL,
				APIKey:  cfg.AnalystAPIKey,
				Timeout: cfg.AnalystTimeout,
			})
			s.logger.Info("external analyst enabled", "url", maskDSN(cfg.AnalystURL))
		} else {
			s.logger.Info("external analyst not configured, using local heuristic")
		}
		s.analyzer = analyst.NewAnalyzer(remote, breaker, s.logger).
			WithRetry(cfg.AnalystRetries+1, 100*time.Millisecond)
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(cfg.CORSOrigins)

	faceCfg := facial.DefaultConfig()
	faceCfg.WatchdogTimeout = cfg.FaceWatchdogTimeout
	faceCfg.FrameBuffer = cfg.FaceFrameBuffer
	s.faces = facial.NewRegistry(faceCfg, s.logger).WithPublisher(func(userID string, m signals.FaceMetrics) {
		s.realtimeHub.BroadcastFaceMetrics(userID, m)
	})

	s.auditWriter = audit.NewWriter(s.auditStore, s.logger)

	alerts := webhooks.NewEmitter(webhooks.NewDispatcher(s.webhookStore, s.logger), s.logger)

	engine := risk.NewEngine(s.tables)
	s.service = assessment.NewService(engine, s.baselines, s.policies, s.assessments, s.logger).
		WithFaces(s.faces).
		WithAnalyst(s.analyzer).
		WithAudit(s.auditWriter).
		WithEvents(s.realtimeHub).
		WithNotifier(alerts)

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage opens PostgreSQL when DATABASE_URL is set, otherwise uses
// in-memory stores.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.baselines = baseline.NewMemoryStore()
		if s.policies == nil {
			s.policies = policy.NewMemoryStore()
		}
		s.assessments = risk.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	baselineStore := baseline.NewPostgresStore(db)
	policyStore := policy.NewPostgresStore(db)
	riskStore := risk.NewPostgresStore(db)
	auditStore := audit.NewPostgresStore(db)
	webhookStore := webhooks.NewPostgresStore(db)

	migrations := []struct {
		name  string
		store interface{ Migrate(context.Context) error }
	}{
		{"baseline", baselineStore},
		{"policy", policyStore},
		{"assessment", riskStore},
		{"audit", auditStore},
		{"webhooks", webhookStore},
	}
	for _, m := range migrations {
		if err := m.store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate store", "store", m.name, "error", err)
		}
	}

	s.baselines = baselineStore
	s.policies = policyStore
	s.assessments = riskStore
	s.auditStore = auditStore
	s.webhookStore = webhookStore
	return nil
}

// setupCache connects Redis when REDIS_URL is set, otherwise caches in
// process. In-memory stores are not cached: a shared cache would serve rows
// held by another process.
func (s *Server) setupCache() error {
	if s.db == nil {
		if s.cfg.RedisURL != "" {
			s.logger.Warn("REDIS_URL ignored with in-memory storage")
		}
		s.cache = cache.Nop{}
		return nil
	}
	if s.cfg.RedisURL == "" {
		s.cache = cache.NewMemory()
		return nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	s.redis = redis.NewClient(opts)
	s.cache = cache.NewRedis(s.redis, "tiltguard:", s.logger)
	s.logger.Info("using Redis cache", "addr", opts.Addr)
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.PingCheck("database", 0, s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("cache", health.OptionalPingCheck("cache", 0, func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	s.health.Register("analyst", health.BreakerCheck("analyst", func() bool {
		return s.analyzer.Breaker().Open(analyst.BreakerKey)
	}))
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	limits := ratelimit.DefaultConfig()
	limits.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limits)
	s.frameLimiter = ratelimit.New(ratelimit.FrameConfig())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if userID := c.Param("userId"); userID != "" {
			ctx = logging.WithUserID(ctx, userID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	v1 := s.router.Group("/v1")

	api := v1.Group("", s.rateLimiter.Middleware())
	assessment.NewHandler(s.service).RegisterRoutes(api)
	baseline.NewHandler(s.baselines).RegisterRoutes(api)
	policy.NewHandler(s.policies, s.tables.Has).RegisterRoutes(api)
	audit.NewHandler(s.auditStore).RegisterRoutes(api)
	webhooks.NewHandler(s.webhookStore, security.EndpointPolicy{AllowPrivate: s.cfg.WebhookAllowPrivate}).RegisterRoutes(api)

	// Frame uploads run at camera cadence and get their own per-user limit.
	frames := v1.Group("", s.frameLimiter.MiddlewareBy(ratelimit.ByParam("userId")))
	facial.NewHandler(s.faces).RegisterRoutes(frames)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	for _, chk := range checks {
		if chk.Degraded {
			status = "degraded"
		}
	}
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":          "tiltguard",
		"description":   "Multi-modal stress risk assessment for trade gating",
		"version":       Version,
		"weightTables":  s.tables.Versions(),
		"blockCeiling":  risk.BlockCeiling,
		"defaultPolicy": policy.Default(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.auditWriter.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop producers before the writer so their last events are flushed.
	s.faces.Close()
	s.service.Wait()
	s.auditWriter.Stop()
	s.logger.Info("audit writer stopped", "dropped", s.auditWriter.Dropped())

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.rateLimiter.Stop()
	s.frameLimiter.Stop()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the assessment service
func (s *Server) Service() *assessment.Service {
	return s.service
}
