package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/logger"
	"github.com/badrtairlbahrepro/VisionClaw/statestore"
)

// Viper keys for command-line and VISIONCLAW_* overrides.
const (
	keyLiveModel   = "live.model"
	keyGatewayHost = "gateway.host"
	keyGatewayPort = "gateway.port"
	keyRedisAddr   = "history.redisAddr"
	keyMetricsAddr = "metrics.addr"
)

// loadConfig reads the config file (or defaults), applies overrides,
// validates, and configures logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Configure(&logger.LoggingConfigSpec{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		CommonFields: cfg.Logging.CommonFields,
	})
	if viper.GetBool("verbose") {
		logger.SetVerbose(true)
	}
	return cfg, nil
}

// applyOverrides copies non-empty viper values over cfg.
func applyOverrides(cfg *config.Config) {
	if v := viper.GetString(keyLiveModel); v != "" {
		cfg.Live.Model = v
	}
	if v := viper.GetString(keyGatewayHost); v != "" {
		cfg.Gateway.Host = v
	}
	if v := viper.GetInt(keyGatewayPort); v != 0 {
		cfg.Gateway.Port = v
	}
	if v := viper.GetString(keyRedisAddr); v != "" {
		cfg.History.RedisAddr = v
	}
	if v := viper.GetString(keyMetricsAddr); v != "" {
		cfg.Metrics.Addr = v
	}
}

// openStore connects the Redis history mirror. It returns a nil store when
// no Redis address is configured.
func openStore(ctx context.Context, cfg *config.Config) (*statestore.RedisStore, func(), error) {
	if cfg.History.RedisAddr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.History.RedisAddr})
	store := statestore.NewRedisStore(client,
		statestore.WithTTL(cfg.History.TTL),
		statestore.WithPrefix(cfg.History.Prefix),
	)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("history store unavailable at %s: %w", cfg.History.RedisAddr, err)
	}
	return store, func() { _ = client.Close() }, nil
}
