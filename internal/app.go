package internal

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prappser/prappser_ingest/internal/media"
	"github.com/prappser/prappser_ingest/internal/middleware"
	"github.com/prappser/prappser_ingest/internal/status"
	"github.com/prappser/prappser_ingest/internal/storage"
	"github.com/prappser/prappser_ingest/internal/sweep"
	"github.com/prappser/prappser_ingest/internal/transcode"
	"github.com/prappser/prappser_ingest/internal/upload"
	"github.com/prappser/prappser_ingest/internal/usage"
	"github.com/prappser/prappser_ingest/internal/user"
	"github.com/prappser/prappser_ingest/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const minStagingSweepInterval = time.Minute

// Service is the wired ingest server.
type Service struct {
	Handler     fasthttp.RequestHandler
	Coordinator *upload.Coordinator
	Usage       *usage.Cache
	Hub         *websocket.Hub

	sweeper *sweep.Scheduler
	store   usage.Store
	cancel  context.CancelFunc
}

// NewService builds every component on top of repo. db may be nil when
// the repository is not backed by postgres.
func NewService(ctx context.Context, config *Config, repo media.Repository, db status.Pinger, registry *prometheus.Registry) (*Service, error) {
	backend, err := storage.NewBackend(&config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	store, err := usage.NewStore(ctx, config.Cache, config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage store: %w", err)
	}
	usageCache := usage.NewCache(store, repo)

	staging, err := upload.NewStaging(config.Upload.StagingDir)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	sessions := upload.NewSessionTracker()
	metrics := upload.NewMetrics(registry)
	hub := websocket.NewHub()

	receiver := upload.NewReceiver(&config.Upload, staging, sessions, metrics)
	coordinator := upload.NewCoordinator(&config.Upload, staging, sessions, usageCache, backend, transcode.NewImageTranscoder(), repo, hub, metrics)

	userService := user.NewUserService(config.Auth)
	cors := middleware.NewCORSMiddleware(config.Server.AllowedOrigins)
	wsHandler := websocket.NewHandler(hub, userService, cors.Allows)
	statusEndpoints := status.NewEndpoints(config.Server.Version, db, status.Source{
		ActiveSessions: coordinator.ActiveSessions,
		CacheStats:     usageCache.Stats,
		Connections:    hub.GetStats,
	})

	handler := NewRequestHandler(config, userService, upload.NewEndpoints(receiver, coordinator, &config.Upload), statusEndpoints, wsHandler, MetricsHandler(registry))

	return &Service{
		Handler:     handler,
		Coordinator: coordinator,
		Usage:       usageCache,
		Hub:         hub,
		sweeper:     sweep.NewScheduler(sweepJobs(config, store, coordinator)...),
		store:       store,
	}, nil
}

func sweepJobs(config *Config, store usage.Store, coordinator *upload.Coordinator) []sweep.Job {
	interval := max(config.Upload.StagingTTL/4, minStagingSweepInterval)
	jobs := []sweep.Job{{
		Name:     "staging",
		Interval: interval,
		Run:      coordinator.SweepStaging,
	}}

	// Redis expires keys on its own.
	if memoryStore, ok := store.(*usage.MemoryStore); ok {
		jobs = append(jobs, sweep.Job{
			Name:     "usage-cache",
			Interval: config.Cache.TTL,
			Run: func(time.Time) (int, error) {
				return memoryStore.Sweep(), nil
			},
		})
	}
	return jobs
}

// Start runs the notification hub and the periodic sweeps until Close.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.Hub.Run(ctx)
	s.sweeper.Start()
}

func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.sweeper.Stop()
	if closer, ok := s.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close usage store")
			return err
		}
	}
	return nil
}
