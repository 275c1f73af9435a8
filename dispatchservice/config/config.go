package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	TriggerCron   = "cron"
	TriggerPubsub = "pubsub"

	defaultListenAddr    = ":8080"
	defaultRetentionDays = 30
	defaultSchedule      = "@every 168h"
	defaultCacheTTL      = time.Hour
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// AuthConfig selects how callers are identified. With an identity service URL
// the JWKS middleware is used; otherwise Firebase ID tokens are verified.
type AuthConfig struct {
	IdentityServiceURL string
}

// SweepConfig controls the stale token sweeper.
type SweepConfig struct {
	Enabled        bool
	Trigger        string
	Schedule       string
	RetentionDays  int
	TopicID        string
	SubscriptionID string
	NumWorkers     int

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// ConsumerConfig returns a copy of the Pub/Sub consumer settings for the
// sweep trigger, falling back to the library defaults for SubscriptionID.
func (s SweepConfig) ConsumerConfig() *messagepipeline.GooglePubsubConsumerConfig {
	if s.PubsubConsumerConfig == nil {
		return messagepipeline.NewGooglePubsubConsumerDefaults(s.SubscriptionID)
	}
	consumerCfg := *s.PubsubConsumerConfig
	return &consumerCfg
}

// Retention is the retention window as a duration.
func (s SweepConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID  string
	ListenAddr string

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Sweep      SweepConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "IDENTITY_SERVICE_URL", "source", "env")
		cfg.Auth.IdentityServiceURL = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}
	if val := os.Getenv("TOKEN_CACHE_TTL"); val != "" {
		ttl, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_CACHE_TTL %q: %w", val, err)
		}
		cfg.Redis.TTL = ttl
	}

	// Sweep Overrides
	if val := os.Getenv("SWEEP_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Sweep.Enabled = enabled
	}
	if val := os.Getenv("SWEEP_TRIGGER"); val != "" {
		logger.Debug("Overriding config value", "key", "SWEEP_TRIGGER", "source", "env")
		cfg.Sweep.Trigger = val
	}
	if val := os.Getenv("SWEEP_SCHEDULE"); val != "" {
		logger.Debug("Overriding config value", "key", "SWEEP_SCHEDULE", "source", "env")
		cfg.Sweep.Schedule = val
	}
	if val := os.Getenv("SWEEP_RETENTION_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil && days > 0 {
			logger.Debug("Overriding config value", "key", "SWEEP_RETENTION_DAYS", "source", "env")
			cfg.Sweep.RetentionDays = days
		}
	}
	if val := os.Getenv("SWEEP_TOPIC_ID"); val != "" {
		cfg.Sweep.TopicID = val
	}
	if val := os.Getenv("SWEEP_SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SWEEP_SUBSCRIPTION_ID", "source", "env")
		cfg.Sweep.SubscriptionID = val
		cfg.Sweep.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = defaultCacheTTL
	}
	if cfg.Sweep.Trigger == "" {
		cfg.Sweep.Trigger = TriggerCron
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = defaultSchedule
	}
	if cfg.Sweep.RetentionDays <= 0 {
		cfg.Sweep.RetentionDays = defaultRetentionDays
	}
	if cfg.Sweep.NumWorkers <= 0 {
		cfg.Sweep.NumWorkers = 1
	}

	switch cfg.Sweep.Trigger {
	case TriggerCron:
	case TriggerPubsub:
		if cfg.Sweep.Enabled && cfg.Sweep.SubscriptionID == "" {
			return nil, fmt.Errorf("sweep.subscription_id is required for the pubsub trigger (set via YAML or SWEEP_SUBSCRIPTION_ID env var)")
		}
	default:
		return nil, fmt.Errorf("unknown sweep trigger %q (want %q or %q)", cfg.Sweep.Trigger, TriggerCron, TriggerPubsub)
	}

	if cfg.Sweep.PubsubConsumerConfig == nil && cfg.Sweep.SubscriptionID != "" {
		cfg.Sweep.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Sweep.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
