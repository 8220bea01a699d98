package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/config"
	"github.com/mian7535/msm/internal/consumer"
	"github.com/mian7535/msm/internal/database"
	"github.com/mian7535/msm/internal/httpapi"
	"github.com/mian7535/msm/internal/mqtt"
	"github.com/mian7535/msm/internal/protocol"
	"github.com/mian7535/msm/internal/realtime"
	"github.com/mian7535/msm/internal/repository"
	"github.com/mian7535/msm/internal/scheduler"
)

// FleetService the assembled ingestion/normalization/distribution pipeline
type FleetService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	router    *consumer.Router
	hub       *realtime.Hub
	protocols *protocol.Service
	scheduler *scheduler.Scheduler
	httpSrv   *http.Server

	cancel context.CancelFunc
}

// NewFleetService wires every component. Single-instance-per-process
// semantics come from constructing this once at startup, not from globals.
func NewFleetService(cfg *config.Config, logger *zap.Logger) (*FleetService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	telemetryRepo := repository.NewTelemetryRepository(db, logger)
	deviceRepo := repository.NewDeviceRepository(db, logger)
	configRepo := repository.NewConfigRepository(db, logger)
	dashboardRepo := repository.NewDashboardRepository(db, logger)

	protocols := protocol.NewService(
		telemetryRepo,
		deviceRepo,
		protocol.NewRedisKVStore(redisClient),
		protocol.Defaults{
			Limit:         cfg.Protocol.DefaultLimit,
			Timezone:      cfg.Protocol.DefaultTimezone,
			Range:         cfg.Protocol.DefaultRange,
			AverageWindow: cfg.Protocol.AverageWindow,
			CacheTTL:      cfg.Protocol.CacheTTL,
		},
		logger,
	)

	hub := realtime.NewHub(protocols, logger)

	shadow := consumer.NewShadowSync(mqttClient, cfg.Fleet.ShadowTopicRoot, cfg.MQTT.QoS, logger)

	topics := &consumer.TopicConfig{
		Prefix:       cfg.Fleet.TopicPrefix,
		ShadowRoot:   cfg.Fleet.ShadowTopicRoot,
		PresenceRoot: cfg.Fleet.PresenceRoot,
	}

	router := consumer.NewRouter(
		topics,
		telemetryRepo,
		deviceRepo,
		configRepo,
		dashboardRepo,
		hub,
		shadow,
		logger,
	)

	sched := scheduler.NewScheduler(
		deviceRepo,
		configRepo,
		mqttClient,
		hub,
		cfg.Fleet.TopicPrefix,
		cfg.Scheduler.Channels,
		cfg.MQTT.QoS,
		logger,
	)

	handler := httpapi.NewHandler(
		protocols,
		telemetryRepo,
		configRepo,
		sched,
		mqttClient,
		hub,
		cfg.Fleet.TopicPrefix,
		cfg.MQTT.QoS,
		logger,
	)

	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
	}

	return &FleetService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		router:      router,
		hub:         hub,
		protocols:   protocols,
		scheduler:   sched,
		httpSrv:     httpSrv,
	}, nil
}

// Start subscribes the router, starts the hub, scheduler and HTTP server
func (s *FleetService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	filters := []string{
		fmt.Sprintf("%s/+/+", s.config.Fleet.TopicPrefix),
		fmt.Sprintf("%s/things/+/shadow/update", s.config.Fleet.ShadowTopicRoot),
		fmt.Sprintf("%s/#", s.config.Fleet.PresenceRoot),
	}
	for _, filter := range filters {
		if err := s.mqttClient.Subscribe(filter, s.config.MQTT.QoS, s.router.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
		}
	}

	go s.hub.Run(ctx)

	if s.config.Scheduler.Enabled {
		go func() {
			if err := s.scheduler.Run(ctx); err != nil {
				s.logger.Error("Scheduler stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Fleet service started",
		zap.Strings("topic_filters", filters),
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.Bool("scheduler_enabled", s.config.Scheduler.Enabled),
	)

	return nil
}

// Stop shuts everything down
func (s *FleetService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping fleet service")

	if s.cancel != nil {
		s.cancel()
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down HTTP server", zap.Error(err))
	}

	s.mqttClient.Disconnect()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Fleet service stopped")
	return nil
}
