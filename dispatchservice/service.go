package dispatchservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-transit-notification-service/dispatchservice/config"
	"github.com/tinywideclouds/go-transit-notification-service/internal/api"
	"github.com/tinywideclouds/go-transit-notification-service/internal/sweeper"
)

// Dependencies are the shared handles created once at process start.
type Dependencies struct {
	Dispatcher     api.Dispatcher
	Identity       api.IdentityFunc
	AuthMiddleware func(http.Handler) http.Handler

	// Sweeper is optional. When SweepConsumer is set, sweeps are driven by
	// Pub/Sub ticks; otherwise the sweeper's own cron schedule runs.
	Sweeper       *sweeper.Sweeper
	SweepConsumer messagepipeline.MessageConsumer
}

type Wrapper struct {
	*microservice.BaseServer
	sweeper      *sweeper.Sweeper
	sweepService *messagepipeline.StreamingService[sweeper.Trigger]
	logger       *slog.Logger
}

// New assembles the service.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Wrapper, error) {
	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	w := &Wrapper{
		BaseServer: baseServer,
		logger:     logger,
	}

	// 2. Sweep trigger
	if deps.Sweeper != nil {
		w.sweeper = deps.Sweeper
		if deps.SweepConsumer != nil {
			streamingService, err := messagepipeline.NewStreamingService[sweeper.Trigger](
				messagepipeline.StreamingServiceConfig{NumWorkers: cfg.Sweep.NumWorkers},
				deps.SweepConsumer,
				sweeper.TriggerTransformer,
				sweeper.NewTriggerProcessor(deps.Sweeper),
				logger,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create sweep trigger service: %w", err)
			}
			w.sweepService = streamingService
		}
	}

	// 3. API (Callable endpoints)
	dispatchAPI := api.NewDispatchAPI(deps.Dispatcher, deps.Identity, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(deps.AuthMiddleware(handlerFunc)))
	}

	handle("POST /api/v1/notify/all", dispatchAPI.SendToAll)
	handle("POST /api/v1/notify/topic", dispatchAPI.SendToTopic)
	handle("POST /api/v1/notify/user", dispatchAPI.SendToUser)
	handle("POST /api/v1/notify/route-update", dispatchAPI.SendRouteUpdate)
	handle("POST /api/v1/notify/schedule-change", dispatchAPI.SendScheduleChange)

	// Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("GET /internal/metrics", promhttp.Handler())

	return w, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	switch {
	case w.sweepService != nil:
		w.logger.Info("Sweep trigger pipeline starting...")
		if err := w.sweepService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sweep trigger pipeline: %w", err)
		}
	case w.sweeper != nil:
		if err := w.sweeper.Start(); err != nil {
			return fmt.Errorf("failed to schedule sweeper: %w", err)
		}
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	switch {
	case w.sweepService != nil:
		if err := w.sweepService.Stop(ctx); err != nil {
			w.logger.Error("Sweep trigger pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	case w.sweeper != nil:
		select {
		case <-w.sweeper.Stop().Done():
		case <-ctx.Done():
			w.logger.Warn("Sweep still running at shutdown deadline.")
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
