package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	signalinfra "rillcall/internal/infrastructure/signal"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	address := pflag.String("address", "", "listen address, overrides relay.address")
	logLevel := pflag.String("log-level", "", "log level, overrides logging.level")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Relay.Address = *address
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	ctxLogger := logger.NewContextLogger(zapLogger)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	relayCfg := signalinfra.RelayConfig{
		PingInterval:   cfg.Relay.PingInterval,
		ReadTimeout:    cfg.Relay.PongTimeout,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		MailboxSize:    cfg.Relay.MailboxSize,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.MessageBurst = cfg.RateLimiting.WebSocket.Burst
		relayCfg.MaxFrameBytes = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	relay := signalinfra.NewRelayServer(relayCfg, collector, log)

	var draining atomic.Bool
	health := monitoring.NewHealthChecker()
	health.AddProbeCheck("relay", func(context.Context) error {
		if draining.Load() {
			return errors.New("shutting down")
		}
		return nil
	}, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckInterval/2)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(ctxLogger),
		middleware.RequestContextMiddleware(),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(ctxLogger),
		middleware.ErrorHandlerMiddleware(ctxLogger),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	admission := []gin.HandlerFunc{middleware.NewConnectionRateLimitMiddleware(cfg)}
	if cfg.Auth.Enabled {
		authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		admission = append(admission, middleware.AuthMiddleware(authService))
		if cfg.Auth.IssueTokens {
			httphandlers.NewTokenHandler(authService).SetupRoutes(router)
			log.Warn("token issuing endpoint enabled")
		}
	} else {
		admission = append(admission, middleware.IdentityMiddleware())
		log.Warn("auth disabled, trusting the participant_id query parameter")
	}
	httphandlers.NewRelayHandler(relay, health, log).SetupRoutes(router, admission...)

	if cfg.Monitoring.PrometheusEnabled {
		httphandlers.RegisterMetrics(router, prometheus.DefaultGatherer)
		log.Info("Prometheus metrics enabled")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	health.StartBackgroundChecks(ctx)

	srv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting RillCall relay on %s", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	draining.Store(true)
	log.Info("Shutting down RillCall relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}
	stop()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Infow("RillCall relay stopped", "pending_signals", relay.Stats().PendingSignals)
}
