package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/analytics"
	"github.com/driftcall/server/internal/v1/config"
	"github.com/driftcall/server/internal/v1/gateway"
	"github.com/driftcall/server/internal/v1/health"
	"github.com/driftcall/server/internal/v1/logging"
	"github.com/driftcall/server/internal/v1/match"
	"github.com/driftcall/server/internal/v1/middleware"
	"github.com/driftcall/server/internal/v1/ratelimit"
	"github.com/driftcall/server/internal/v1/router"
	"github.com/driftcall/server/internal/v1/store"
	"github.com/driftcall/server/internal/v1/tracing"
)

const serviceName = "driftcall-signaling"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	// Logging comes up first so even config validation reports through it.
	// The same variables are re-validated by config below; the defaults here
	// mirror config's (unset GO_ENV means production).
	goEnv := os.Getenv("GO_ENV")
	if goEnv == "" {
		goEnv = "production"
	}
	if err := logging.Initialize(os.Getenv("LOG_LEVEL"), goEnv != "production"); err != nil {
		panic("failed to initialize logging: " + err.Error())
	}

	ctx := context.Background()
	if !envLoaded {
		logging.Warn(ctx, "no .env file found, relying on process environment")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Error(ctx, "environment validation failed", zap.Error(err))
		os.Exit(1)
	}

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.GoEnv, cfg.OTelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logging.Error(ctx, "tracer shutdown failed", zap.Error(err))
			}
		}()
		logging.Info(ctx, "tracing enabled", zap.String("collector", cfg.OTelCollectorAddr))
	}

	// --- Shared state store ---
	// The queue, the room registry, and the counters all live here; the
	// server cannot run without it.
	sss, err := store.NewService(store.Config{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logging.Error(ctx, "failed to connect to the state store", zap.Error(err))
		os.Exit(1)
	}

	// --- Analytics (optional, never blocking) ---
	// A refused connection degrades to the no-op recorder: signaling must
	// come up even when the analytics database is down.
	var recorder analytics.Recorder = analytics.Noop{}
	var analyticsPinger health.Pinger
	if cfg.AnalyticsEnabled {
		pg, err := analytics.NewPostgres(ctx, cfg.AnalyticsDatabaseURL)
		if err != nil {
			logging.Error(ctx, "analytics store unavailable, continuing without it", zap.Error(err))
		} else {
			recorder = pg
			analyticsPinger = pg
			logging.Info(ctx, "analytics recorder initialized")
		}
	}

	// --- Core wiring ---
	matcher := match.NewMatcher(sss, recorder)
	sessions := router.New()

	limiter, err := ratelimit.NewRateLimiter(cfg, sss.Client())
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		os.Exit(1)
	}

	gw := gateway.New(cfg, matcher, sessions, limiter)

	// --- Set up server ---
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		engine.Use(otelgin.Middleware(serviceName))
	}

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	engine.Use(cors.New(corsConfig))

	// Routing
	engine.GET("/ws", gw.ServeWs)

	api := engine.Group("/api", limiter.PublicMiddleware())
	api.GET("/stats", statsHandler(matcher))

	// Health check endpoints
	healthHandler := health.NewHandler(sss, analyticsPinger)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	// Prometheus metrics endpoint
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	// --- Graceful shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Drain live sessions first: paired clients hear partner-disconnected
	// and their rooms close before the listener goes away.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "gateway shutdown incomplete", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	// Flush the analytics queue, then release the store.
	recorder.Close()
	if err := sss.Close(); err != nil {
		logging.Error(ctx, "failed to close the state store", zap.Error(err))
	}

	logging.Info(ctx, "server exiting")
}

// statsHandler exposes the matcher's counters: current queue depth, live
// rooms, and the lifetime room count.
func statsHandler(matcher *match.Matcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := matcher.Stats(c.Request.Context())
		if err != nil {
			logging.Error(c.Request.Context(), "stats lookup failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
