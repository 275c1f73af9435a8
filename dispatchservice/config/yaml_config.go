package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlSweepConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Trigger        string `yaml:"trigger"`
	Schedule       string `yaml:"schedule"`
	RetentionDays  int    `yaml:"retention_days"`
	TopicID        string `yaml:"topic_id"`
	SubscriptionID string `yaml:"subscription_id"`
	NumWorkers     int    `yaml:"num_workers"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID          string          `yaml:"project_id"`
	ListenAddr         string          `yaml:"listen_addr"`
	IdentityServiceURL string          `yaml:"identity_service_url"`
	CorsConfig         YamlCorsConfig  `yaml:"cors"`
	RedisConfig        YamlRedisConfig `yaml:"redis"`
	SweepConfig        YamlSweepConfig `yaml:"sweep"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	var ttl time.Duration
	if baseCfg.RedisConfig.TTL != "" {
		parsed, err := time.ParseDuration(baseCfg.RedisConfig.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.ttl %q: %w", baseCfg.RedisConfig.TTL, err)
		}
		ttl = parsed
	}

	cfg := &Config{
		ProjectID:  baseCfg.ProjectID,
		ListenAddr: baseCfg.ListenAddr,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      ttl,
		},
		Auth: AuthConfig{
			IdentityServiceURL: baseCfg.IdentityServiceURL,
		},
		Sweep: SweepConfig{
			Enabled:        baseCfg.SweepConfig.Enabled,
			Trigger:        baseCfg.SweepConfig.Trigger,
			Schedule:       baseCfg.SweepConfig.Schedule,
			RetentionDays:  baseCfg.SweepConfig.RetentionDays,
			TopicID:        baseCfg.SweepConfig.TopicID,
			SubscriptionID: baseCfg.SweepConfig.SubscriptionID,
			NumWorkers:     baseCfg.SweepConfig.NumWorkers,
		},
	}

	if cfg.Sweep.SubscriptionID != "" {
		cfg.Sweep.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Sweep.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"sweep_trigger", cfg.Sweep.Trigger,
	)

	return cfg, nil
}
