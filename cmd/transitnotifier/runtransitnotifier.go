package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-transit-notification-service/dispatchservice"
	"github.com/tinywideclouds/go-transit-notification-service/dispatchservice/config"
	"github.com/tinywideclouds/go-transit-notification-service/internal/api"
	"github.com/tinywideclouds/go-transit-notification-service/internal/auth"
	"github.com/tinywideclouds/go-transit-notification-service/internal/dispatcher"
	"github.com/tinywideclouds/go-transit-notification-service/internal/envelope"
	"github.com/tinywideclouds/go-transit-notification-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-transit-notification-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-transit-notification-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-transit-notification-service/internal/sweeper"
	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-transit-notification-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
	if err != nil {
		logger.Error("Failed to initialize Firebase App", "err", err)
		os.Exit(1)
	}

	// --- Token Store (Decorated) ---
	var tokenStore dispatch.TokenStore = fsStore.NewFirestoreStore(fsClient)
	logger.Info("TokenStore initialized", "type", "firestore")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		tokenStore = cache.NewCachedTokenStore(tokenStore, redisClient, cfg.Redis.TTL, logger)
		logger.Info("TokenStore upgraded", "type", "redis_cached_firestore", "ttl", cfg.Redis.TTL.String())
	}

	// --- Messaging Gateway (FCM) ---
	fcmMessaging, err := fbApp.Messaging(ctx)
	if err != nil {
		logger.Error("Failed to create FCM messaging client", "err", err)
		os.Exit(1)
	}
	gateway := fcm.NewGateway(fcmMessaging, logger)

	// --- Auth ---
	authMiddleware, identity, err := newAuth(ctx, cfg, fbApp, logger)
	if err != nil {
		logger.Error("Auth setup failed", "err", err)
		os.Exit(1)
	}

	// --- Sweeper ---
	deps := dispatchservice.Dependencies{
		Dispatcher:     dispatcher.New(tokenStore, gateway, envelope.NewBuilder(time.Now), logger),
		Identity:       identity,
		AuthMiddleware: authMiddleware,
	}
	if cfg.Sweep.Enabled {
		deps.Sweeper = sweeper.New(tokenStore, logger,
			sweeper.WithRetention(cfg.Sweep.Retention()),
			sweeper.WithSchedule(cfg.Sweep.Schedule),
		)
		if cfg.Sweep.Trigger == config.TriggerPubsub {
			psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
			if err != nil {
				logger.Error("PubSub client failed", "err", err)
				os.Exit(1)
			}
			defer psClient.Close()

			consumer, err := newSweepConsumer(ctx, cfg, psClient, logger)
			if err != nil {
				logger.Error("Sweep consumer failed", "err", err)
				os.Exit(1)
			}
			deps.SweepConsumer = consumer
		}
	}

	service, err := dispatchservice.New(cfg, deps, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "listen_addr", cfg.ListenAddr)
	if err := service.Start(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

// newAuth prefers the identity service's JWKS when configured and falls back
// to verifying Firebase ID tokens.
func newAuth(ctx context.Context, cfg *config.Config, app *firebase.App, logger *slog.Logger) (func(http.Handler) http.Handler, api.IdentityFunc, error) {
	if cfg.Auth.IdentityServiceURL != "" {
		jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.Auth.IdentityServiceURL, middleware.RSA256, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("jwks discovery failed: %w", err)
		}
		authMiddleware, err := auth.NewJWKSMiddleware(jwksURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("jwks middleware failed: %w", err)
		}
		logger.Info("Auth initialized", "type", "jwks", "jwks_url", jwksURL)
		return authMiddleware, auth.SubjectFromContext, nil
	}

	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("firebase auth client failed: %w", err)
	}
	logger.Info("Auth initialized", "type", "firebase")
	return auth.NewFirebaseMiddleware(authClient, logger), auth.CallerFromContext, nil
}

func newSweepConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	subConfig := &pubsubpb.Subscription{
		Name:               convertPubsub(cfg.ProjectID, cfg.Sweep.SubscriptionID, "subscriptions"),
		Topic:              convertPubsub(cfg.ProjectID, cfg.Sweep.TopicID, "topics"),
		AckDeadlineSeconds: 600,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: durationpb.New(time.Minute),
		},
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", subConfig.Name)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(cfg.Sweep.ConsumerConfig(), psClient, logger)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
