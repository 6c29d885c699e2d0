package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/repositories"
	wsignal "meshcall/internal/infrastructure/signal"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("MESHCALL_CONFIG"); p != "" {
		return p
	}
	for _, p := range []string{"configs/config.yaml", "config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "configs/config.yaml"
}

func run() error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	log.Infow("configuration loaded", "path", path)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer repoFactory.Close()

	policy, err := services.NewRoomPolicy(cfg.Rooms.EndPolicy)
	if err != nil {
		return err
	}
	retention, err := services.NewRetentionStrategy(cfg.Rooms.Retention, cfg.Rooms.EmptyGrace)
	if err != nil {
		return err
	}

	collector := monitoring.NewPrometheusCollector(nil)
	relay := services.NewRelay(collector, log.Named("relay"))

	opts := []services.RegistryOption{
		services.WithPolicy(policy),
		services.WithRetention(retention),
		services.WithMetrics(collector),
		services.WithLogger(log.Named("registry")),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		bus = distributed.NewEventBus(client, cfg.Redis.EventsChannel, instanceID, log.Named("events"))
		opts = append(opts, services.WithPublisher(bus))

		go func() {
			err := bus.Subscribe(ctx, false, func(m distributed.Message) error {
				log.Infow("room event from another instance",
					"instance_id", m.InstanceID,
					"type", m.Type,
					"room_id", m.RoomID,
				)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				log.Warnw("event subscription ended", "error", err)
			}
		}()
		log.Infow("room events published over redis", "channel", cfg.Redis.EventsChannel, "instance_id", instanceID)
	}

	registry := services.NewRoomRegistry(repoFactory.CreateRoomRepository(), relay, opts...)
	presence := services.NewPresenceHandler(relay, registry, collector, log.Named("presence"))
	meetings := services.NewMeetingService(repoFactory.CreateMeetingRepository(), log.Named("meetings"))

	if cfg.Rooms.Retention != services.RetentionKeep {
		go services.NewRoomSweeper(registry, cfg.Rooms.SweepInterval, log.Named("sweeper")).Run(ctx)
	}

	wsOpts := wsignal.OptionsFromConfig(cfg)
	wsServer := wsignal.NewWebSocketServer(relay, presence, registry, wsOpts, log.Named("ws"))

	checker := monitoring.NewHealthChecker()
	checker.AddCheck("repositories", repoFactory.HealthCheck, 2*time.Second)
	if bus != nil {
		checker.AddCheck("event_bus", func(context.Context) error {
			if state := bus.PublishState(); state == circuitbreaker.StateOpen {
				return fmt.Errorf("event publishing circuit is %s", state)
			}
			return nil
		}, time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET("/ws", middleware.NewWebSocketUpgradeLimiter(cfg), gin.WrapF(wsServer.HandleWebSocket))

	httphandlers.NewHealthHandler(checker, registry, wsServer.SessionCount).SetupRoutes(router)

	api := router.Group("/api/v1")
	httphandlers.NewRoomHandler(registry, wsOpts.ICEServers).SetupRoutes(api)
	httphandlers.NewMeetingHandler(meetings).SetupRoutes(api)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting meshcall signaling server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during http shutdown", "error", err)
		_ = srv.Close()
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing signaling sessions", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error ending rooms", "error", err)
	}

	cancel()
	if bus != nil {
		_ = bus.Close()
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("meshcall signaling server stopped")
	return nil
}
