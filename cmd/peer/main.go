package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	redisinfra "rillcall/internal/infrastructure/redis"
	"rillcall/internal/infrastructure/reliability"
	signalinfra "rillcall/internal/infrastructure/signal"
	webrtcinfra "rillcall/internal/infrastructure/webrtc"
	"rillcall/pkg/circuitbreaker"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/retry"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	id := pflag.String("id", "", "local participant id, overrides participant.id")
	participants := pflag.StringSlice("participants", nil, "full participant list including the local one")
	transport := pflag.String("transport", "", "signal transport: memory, redis or websocket")
	logLevel := pflag.String("log-level", "", "log level, overrides logging.level")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *id != "" {
		cfg.Participant.ID = *id
	}
	if len(*participants) > 0 {
		cfg.Participant.Participants = *participants
	}
	if *transport != "" {
		cfg.SignalChannel.Transport = *transport
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, zapLogger); err != nil {
		log.Fatalw("peer failed", "error", err)
	}
}

// localPeer is one participant driven by this process.
type localPeer struct {
	id      domain.ParticipantID
	coord   *services.Coordinator
	channel ports.SignalChannel
	guard   *reliability.GuardedChannel
	media   *webrtcinfra.LocalMedia
}

// setParticipants applies the participant list and drops send breakers kept
// for anyone no longer on it.
func (p *localPeer) setParticipants(everyone []domain.ParticipantID) error {
	if err := p.coord.UpdateParticipants(everyone); err != nil {
		return err
	}
	if p.guard != nil {
		p.guard.Retain(everyone)
	}
	return nil
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-peer",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Errorw("Error shutting down tracer provider", "error", err)
		}
	}()

	ids, err := localParticipants(cfg)
	if err != nil {
		return err
	}
	everyone := toParticipantIDs(cfg.Participant.Participants)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	health := monitoring.NewHealthChecker()

	var (
		hub         *signalinfra.MemoryHub
		redisClient *redis.Client
	)
	switch cfg.SignalChannel.Transport {
	case config.TransportMemory:
		hub = signalinfra.NewMemoryHub()
	case config.TransportRedis:
		redisClient, err = redisinfra.NewRedisClient(ctx, redisinfra.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, dialRetry(cfg), log)
		if err != nil {
			return err
		}
		defer redisinfra.CloseRedisClient(redisClient)
		health.AddRedisCheck(redisClient, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckInterval/2)
	}

	peers := make([]*localPeer, 0, len(ids))
	defer func() {
		for _, p := range peers {
			if err := p.channel.Close(); err != nil {
				log.Warnw("failed to close signal channel", "participant_id", p.id, "error", err)
			}
		}
	}()
	for _, self := range ids {
		channel, err := openChannel(ctx, cfg, self, hub, redisClient, log)
		if err != nil {
			return err
		}
		p := &localPeer{id: self, channel: channel}
		if cfg.SignalChannel.Breaker.Enabled {
			p.guard = reliability.NewGuardedChannel(channel, circuitbreaker.Config{
				FailureThreshold: cfg.SignalChannel.Breaker.FailureThreshold,
				Timeout:          cfg.SignalChannel.Breaker.OpenTimeout,
			}, log.With("participant_id", self))
			p.channel = p.guard
		}
		peers = append(peers, p)

		var tracks []webrtc.TrackLocal
		if cfg.WebRTC.LocalMedia {
			p.media, err = webrtcinfra.NewLocalMedia(string(self) + "-stream")
			if err != nil {
				return err
			}
			tracks = p.media.Tracks()
		}
		links, err := webrtcinfra.NewLinkFactory(webrtcinfra.LinkConfig{
			ICEServers:      cfg.WebRTC.ICEServers,
			PortMin:         cfg.WebRTC.PortRange.Min,
			PortMax:         cfg.WebRTC.PortRange.Max,
			IncludeLoopback: cfg.WebRTC.IncludeLoopback,
		}, tracks, log.With("participant_id", self))
		if err != nil {
			return err
		}

		p.coord = services.NewCoordinator(services.CoordinatorConfig{
			Self:         self,
			RestartDelay: cfg.Participant.RestartDelay,
			SendTimeout:  cfg.Participant.SendTimeout,
			FetchRetry:   retry.DefaultConfig(),
		}, p.channel, links, &logPresenter{self: self, log: log}, collector, log)
	}

	listers := make(map[domain.ParticipantID]httphandlers.SessionLister, len(peers))
	for _, p := range peers {
		p := p
		listers[p.id] = p.coord
		health.AddProbeCheck("coordinator."+string(p.id), func(ctx context.Context) error {
			_, err := p.coord.Sessions(ctx)
			return err
		}, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckInterval/2)
	}
	health.StartBackgroundChecks(ctx)

	var srv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		srv = startStatusServer(cfg, zapLogger, health, listers)
	}

	var (
		wg      sync.WaitGroup
		failure error
	)
	runErr := make(chan error, len(peers))
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.coord.Run(ctx); err != nil {
				runErr <- fmt.Errorf("coordinator %s: %w", p.id, err)
			}
		}()
		if p.media != nil {
			go func() {
				if err := p.media.SendSilence(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warnw("local media stopped", "participant_id", p.id, "error", err)
				}
			}()
		}
		if err := p.setParticipants(everyone); err != nil {
			failure = fmt.Errorf("participant %s: %w", p.id, err)
			break
		}
		log.Infow("participant started", "participant_id", p.id, "participants", everyone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

loop:
	for failure == nil {
		select {
		case err := <-runErr:
			failure = err
			break loop
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reloadParticipants(cfg, peers, log)
				continue
			}
			log.Infow("Received shutdown signal", "signal", sig)
			break loop
		}
	}

	cancel()
	wg.Wait()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during status server shutdown", "error", err)
		}
	}
	log.Info("RillCall peer stopped")
	return failure
}

// localParticipants returns the participants this process drives: every
// participant for the memory transport, the configured id otherwise.
func localParticipants(cfg *config.Config) ([]domain.ParticipantID, error) {
	everyone := toParticipantIDs(cfg.Participant.Participants)
	if len(everyone) == 0 {
		return nil, errors.New("participant.participants must not be empty")
	}
	if cfg.SignalChannel.Transport == config.TransportMemory {
		return everyone, nil
	}
	if cfg.Participant.ID == "" {
		return nil, fmt.Errorf("participant.id is required for the %s transport", cfg.SignalChannel.Transport)
	}
	return []domain.ParticipantID{domain.ParticipantID(cfg.Participant.ID)}, nil
}

func toParticipantIDs(list []string) []domain.ParticipantID {
	ids := make([]domain.ParticipantID, 0, len(list))
	for _, id := range list {
		ids = append(ids, domain.ParticipantID(id))
	}
	return ids
}

func dialRetry(cfg *config.Config) retry.Config {
	r := retry.DefaultConfig()
	r.MaxAttempts = cfg.SignalChannel.DialAttempts
	r.Enabled = cfg.SignalChannel.DialAttempts > 0
	return r
}

func openChannel(
	ctx context.Context,
	cfg *config.Config,
	self domain.ParticipantID,
	hub *signalinfra.MemoryHub,
	redisClient *redis.Client,
	log *zap.SugaredLogger,
) (ports.SignalChannel, error) {
	switch cfg.SignalChannel.Transport {
	case config.TransportMemory:
		return hub.Channel(self), nil
	case config.TransportRedis:
		return signalinfra.NewRedisChannel(redisClient, self, signalinfra.RedisChannelConfig{
			MaxLen: cfg.SignalChannel.StreamMaxLen,
			TTL:    cfg.SignalChannel.StreamTTL,
			Block:  cfg.Participant.FetchWait,
		}, log), nil
	case config.TransportWebSocket:
		url := cfg.SignalChannel.URL
		if cfg.SignalChannel.Token == "" {
			url += "?participant_id=" + string(self)
		}
		return signalinfra.DialWebSocketChannel(ctx, self, signalinfra.WebSocketChannelConfig{
			URL:          url,
			Token:        cfg.SignalChannel.Token,
			WriteTimeout: cfg.Participant.SendTimeout,
			DialRetry:    dialRetry(cfg),
		}, log)
	}
	return nil, fmt.Errorf("unknown signal transport %q", cfg.SignalChannel.Transport)
}

// reloadParticipants re-reads the participant list and applies it to every
// local participant.
func reloadParticipants(cfg *config.Config, peers []*localPeer, log *zap.SugaredLogger) {
	path := pflag.Lookup("config").Value.String()
	fresh, err := config.Load(path)
	if err != nil {
		log.Errorw("failed to reload config", "path", path, "error", err)
		return
	}
	if len(fresh.Participant.Participants) == 0 {
		log.Warnw("reloaded config has no participants, keeping the current list", "path", path)
		return
	}
	cfg.Participant.Participants = fresh.Participant.Participants
	everyone := toParticipantIDs(fresh.Participant.Participants)
	for _, p := range peers {
		if err := p.setParticipants(everyone); err != nil {
			log.Errorw("failed to apply participants", "participant_id", p.id, "error", err)
			continue
		}
		log.Infow("participants reloaded", "participant_id", p.id, "participants", everyone)
	}
}

func startStatusServer(
	cfg *config.Config,
	zapLogger *zap.Logger,
	health *monitoring.HealthChecker,
	listers map[domain.ParticipantID]httphandlers.SessionLister,
) *http.Server {
	log := zapLogger.Sugar()
	ctxLogger := logger.NewContextLogger(zapLogger)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(ctxLogger),
		middleware.RequestContextMiddleware(),
		middleware.ErrorHandlerMiddleware(ctxLogger),
	)
	router.GET("/health", func(c *gin.Context) {
		status := health.LastStatus()
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	httphandlers.NewSessionHandler(listers).SetupRoutes(router)
	httphandlers.RegisterMetrics(router, prometheus.DefaultGatherer)

	srv := &http.Server{
		Addr:    cfg.Monitoring.Address,
		Handler: router,
	}
	go func() {
		log.Infof("Starting status server on %s", cfg.Monitoring.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("status server failed", "error", err)
		}
	}()
	return srv
}
