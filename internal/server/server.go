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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/trustline/internal/auth"
	"github.com/mbd888/trustline/internal/circuitbreaker"
	"github.com/mbd888/trustline/internal/config"
	"github.com/mbd888/trustline/internal/dispute"
	"github.com/mbd888/trustline/internal/health"
	"github.com/mbd888/trustline/internal/idgen"
	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/metrics"
	"github.com/mbd888/trustline/internal/notify"
	"github.com/mbd888/trustline/internal/payments"
	"github.com/mbd888/trustline/internal/ratelimit"
	"github.com/mbd888/trustline/internal/realtime"
	"github.com/mbd888/trustline/internal/retry"
	"github.com/mbd888/trustline/internal/security"
	"github.com/mbd888/trustline/internal/sweeper"
	"github.com/mbd888/trustline/internal/traces"
	"github.com/mbd888/trustline/internal/transaction"
	"github.com/mbd888/trustline/internal/validation"
	"github.com/mbd888/trustline/migrations"
)

// Version is reported by /health and set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	authMgr      *auth.Manager
	gateway      payments.Gateway
	resilient    *payments.Resilient
	transactions *transaction.Service
	disputes     *dispute.Service
	sweeper      *sweeper.Sweeper
	sweepTimer   *sweeper.Timer
	realtimeHub  *realtime.Hub
	kafka        *notify.KafkaNotifier
	rateLimiter  *ratelimit.Limiter
	health       *health.Handler
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	now          func() time.Time
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration
	disableTimer bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the payment gateway (for testing). It is still
// wrapped with retries and a circuit breaker.
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithClock replaces the time source of every service (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithoutTimer keeps the periodic sweep from starting in Run.
func WithoutTimer() Option {
	return func(s *Server) {
		s.disableTimer = true
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		now:        time.Now,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		txStore      transaction.Store
		disputeStore dispute.Store
		keyStore     auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		txStore = transaction.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		txStore = transaction.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}
	s.authMgr = auth.NewManager(keyStore)

	// Payment gateway
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey, cfg.GatewayTimeout)
			s.logger.Info("using Stripe payment gateway")
		} else {
			s.gateway = payments.NewMemoryGateway()
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-memory payment gateway")
		}
	}
	policy := retry.DefaultPolicy
	policy.MaxAttempts = cfg.GatewayMaxAttempts
	s.resilient = payments.NewResilient(s.gateway,
		payments.WithPolicy(policy),
		payments.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
		payments.WithCallTimeout(cfg.GatewayTimeout),
		payments.WithResilientLogger(s.logger),
	)

	// Event sinks
	s.realtimeHub = realtime.NewHub(s.logger)
	events := notify.NewFanout().
		Add("log", notify.NewLogNotifier(s.logger)).
		Add("websocket", s.realtimeHub)
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		events.Add("kafka", s.kafka)
		s.logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// Domain services
	s.transactions = transaction.NewService(txStore, s.resilient).
		WithNotifier(events).
		WithLogger(s.logger).
		WithClock(s.now).
		WithDateExtension(cfg.DateExtension).
		WithDefaultFeeRatio(cfg.DefaultFeeSide)
	s.disputes = dispute.NewService(disputeStore, s.transactions).
		WithNotifier(events).
		WithLogger(s.logger).
		WithClock(s.now).
		WithWindow(cfg.DisputeWindow)
	s.sweeper = sweeper.New(s.transactions, s.disputes).
		WithLogger(s.logger).
		WithClock(s.now).
		WithRepair(cfg.RepairOnSweep)
	s.sweepTimer = sweeper.NewTimer(s.sweeper, cfg.SweepInterval, s.logger)

	// Health
	checks := health.NewRegistry()
	if s.db != nil {
		checks.RegisterCritical("database", health.Database(s.db))
	}
	if !s.disableTimer {
		checks.Register("sweeper", health.Sweeper(s.sweepTimer, time.Now))
	}
	checks.Register("gateway", health.Gateway(s.resilient))
	s.health = health.NewHandler(checks, Version)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
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
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if uid := auth.UserID(c); uid != "" {
			attrs = append(attrs, "user_id", uid)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health" || path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	// Websocket stream of lifecycle events. Browsers pass the key as ?token=.
	s.router.GET("/ws", auth.Middleware(s.authMgr), s.realtimeHub.HandleWebSocket(s.cfg.AdminSecret))

	v1 := s.router.Group("/v1")

	// PROTECTED ROUTES (API key required)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
		protected.Use(s.rateLimiter.Middleware())
	}
	auth.NewHandler(s.authMgr).RegisterRoutes(protected)
	transaction.NewHandler(s.transactions).RegisterRoutes(protected)
	dispute.NewHandler(s.disputes).RegisterRoutes(protected)

	// ADMIN ROUTES (X-Admin-Secret; any authenticated caller in demo mode)
	admin := v1.Group("")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin(s.cfg.AdminSecret))
	auth.NewHandler(s.authMgr).RegisterAdminRoutes(admin)
	transaction.NewHandler(s.transactions).RegisterAdminRoutes(admin)
	dispute.NewHandler(s.disputes).RegisterAdminRoutes(admin)
	sweeper.NewHandler(s.sweeper).RegisterAdminRoutes(admin)
	admin.GET("/admin/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Trustline",
		"description": "Escrow marketplace transaction lifecycle and deadline engine",
		"version":     Version,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers and blocks until ctx
// is cancelled, a signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if !s.disableTimer {
		go s.sweepTimer.Start(runCtx)
		s.logger.Info("deadline sweeper started", "interval", s.sweepTimer.Interval(), "repair", s.cfg.RepairOnSweep)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.health.SetReady(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains traffic and stops every worker. A sweep in flight
// finishes its current record before the timer loop exits.
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.sweepTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AuthManager exposes key issuance (for bootstrapping and tests).
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

// Sweeper returns the deadline sweeper (for testing and one-shot runs).
func (s *Server) Sweeper() *sweeper.Sweeper {
	return s.sweeper
}
