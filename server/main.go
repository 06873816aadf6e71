package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/san-kum/collision-risk/server/cache"
	"github.com/san-kum/collision-risk/server/config"
	"github.com/san-kum/collision-risk/server/handlers"
	"github.com/san-kum/collision-risk/server/metrics"
	"github.com/san-kum/collision-risk/server/middleware"
	"github.com/san-kum/collision-risk/server/processor"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	router        *gin.Engine
	logger        *zap.Logger
	riskProcessor *processor.RiskProcessor
	rateLimiter   *middleware.RateLimiter
	config        *config.Config
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal("Failed to load .env: ", err)
	}

	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// The model is loaded exactly once; a ModelLoadError stops startup here.
	rt, err := processor.LoadRuntime(cfg.Model, logger)
	if err != nil {
		logger.Fatal("Failed to load model", zap.Error(err))
	}

	shutdownTracer := func(context.Context) {}
	if cfg.Telemetry.Endpoint != "" {
		shutdownTracer, err = initTracer(cfg.Telemetry, logger)
		if err != nil {
			logger.Fatal("Failed to set up the OTLP tracer", zap.Error(err))
		}
	}
	defer shutdownTracer(context.Background())

	server := NewServer(cfg, rt, logger)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("model_version", rt.Model.Version))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := server.riskProcessor.Shutdown(10 * time.Second); err != nil {
		logger.Error("Failed to shutdown risk processor", zap.Error(err))
	}

	server.rateLimiter.Shutdown()

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	return zcfg.Build()
}

func NewServer(cfg *config.Config, rt *processor.Runtime, logger *zap.Logger) *Server {
	resultCache := cache.NewMemoryCache(cfg.Processor.CacheSize, cfg.Processor.CacheTTL, logger)

	riskProcessor := processor.NewRiskProcessor(
		processor.NewPipeline(rt),
		resultCache,
		metrics.New(prometheus.DefaultRegisterer),
		cfg.Processor,
		logger,
	)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.AdminToken, logger)

	router := gin.New()

	if cfg.Telemetry.Endpoint != "" {
		router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.InputValidation(batchJobsPath))
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	predictHandler := handlers.NewPredictHandler(riskProcessor, cfg.Security.MaxUploadSize, logger).WithRateLimiter(rateLimiter)
	wsHandler := handlers.NewWebSocketHandler(riskProcessor, cfg.Security.AllowedOrigins, cfg.Security.RequestTimeout, logger)

	setupRoutes(router, routeDeps{
		predict:     predictHandler,
		ws:          wsHandler,
		auth:        authMiddleware,
		rateLimiter: rateLimiter,
		processor:   riskProcessor,
		security:    cfg.Security,
	})

	return &Server{
		router:        router,
		logger:        logger,
		riskProcessor: riskProcessor,
		rateLimiter:   rateLimiter,
		config:        cfg,
	}
}
