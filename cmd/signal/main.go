package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
	relay "peercall/internal/infrastructure/signal"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	configPath := pflag.String("config", "configs/config.yaml", "path to the YAML config file")
	issueToken := pflag.String("issue-token", "", "print a token for session:peer and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	zapLogger := newLogger(cfg)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peercall-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)

	hub, closeBackend, err := newHub(cfg, log)
	if err != nil {
		log.Fatalw("failed to create relay hub", "backend", cfg.Relay.Backend, "error", err)
	}

	relayCfg := relay.DefaultRelayConfig()
	relayCfg.PingInterval = cfg.Signal.PingInterval
	relayCfg.PongTimeout = cfg.Signal.PongTimeout
	relayCfg.WriteTimeout = cfg.Signal.WriteTimeout
	relayCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	relayCfg.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	relayCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		relayCfg.MessageLimiter = func() *rate.Limiter { return middleware.NewMessageLimiter(cfg) }
	}
	signalRelay := relay.NewRelay(hub, relayCfg, collector, log)

	health := monitoring.NewHealthChecker()
	health.AddCheck("relay_hub", hub.Ping, 2*time.Second)
	if limit := relayCfg.MaxConnections; limit > 0 {
		health.AddOptionalCheck("relay_capacity", func(context.Context) error {
			if n := signalRelay.ConnectionCount(); n*10 >= limit*9 {
				return fmt.Errorf("%d of %d connections in use", n, limit)
			}
			return nil
		}, time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestLogMiddleware(zapLogger))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))

	startTime := time.Now()
	router.GET("/health", func(c *gin.Context) {
		report := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !report.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      report.Status,
			"timestamp":   report.Timestamp,
			"uptime":      time.Since(startTime).Round(time.Second).String(),
			"checks":      report.Checks,
			"connections": signalRelay.ConnectionCount(),
		})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	api := router.Group("/")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Auth.Enabled {
		api.Use(middleware.AuthMiddleware(services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)))
	}
	signalRelay.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay",
			"address", cfg.Server.Address,
			"backend", cfg.Relay.Backend,
			"auth", cfg.Auth.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	signalRelay.Close()
	if err := hub.Close(); err != nil {
		log.Errorw("error closing relay hub", "error", err)
	}
	closeBackend()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}
	log.Info("signaling relay stopped")
}

func newLogger(cfg *config.Config) *zap.Logger {
	if cfg.Logging.Format == "console" {
		return logger.NewDevelopment(cfg.Logging.Level)
	}
	return logger.New(cfg.Logging.Level)
}

// newHub builds the configured hub and a func releasing its backend.
func newHub(cfg *config.Config, log *zap.SugaredLogger) (relay.Hub, func(), error) {
	switch cfg.Relay.Backend {
	case "memory":
		return relay.NewMemoryHub(cfg.Relay.BufferSize, log), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Address, err)
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				log.Errorw("error closing redis client", "error", err)
			}
		}
		return relay.NewRedisHub(client, cfg.Relay.BufferSize, cfg.Relay.CircuitBreaker, log), closeClient, nil
	}
	return nil, nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
}

// printToken writes a token scoped to "session:peer" to stdout.
func printToken(cfg *config.Config, scope string) error {
	sessionID, peerID, ok := strings.Cut(scope, ":")
	if !ok || sessionID == "" || peerID == "" {
		return fmt.Errorf("--issue-token wants session:peer, got %q", scope)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set")
	}
	token, err := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).
		GenerateToken(domain.SessionID(sessionID), peerID)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
