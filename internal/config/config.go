package config

import (
	"encoding/json"
	"fmt"
	"time"

	"masthead/internal/broker"
	"masthead/internal/resolver"
	"masthead/pkg/config"
	"masthead/pkg/logging"
)

// Config is the broker service configuration, read from the environment.
type Config struct {
	TunerCount       int
	HDHomeRunBaseURL string
	Credentials      []resolver.ProviderCredential

	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	SweepInterval     time.Duration

	TokenSecret string
	TokenTTL    time.Duration

	DatabaseURL string
	RedisAddr   string
}

// Load reads the service configuration. IPTV_CREDENTIALS is a JSON array
// of provider logins; slot IDs default to array order (1-based) and
// max_connections defaults to 1, matching how providers sell single
// concurrent-connection plans.
func Load(logger logging.Logger) (*Config, error) {
	cfg := &Config{
		TunerCount:        config.GetEnvInt("TUNER_COUNT", 2),
		HDHomeRunBaseURL:  config.GetEnv("HDHOMERUN_BASE_URL", "http://hdhomerun.local:5004"),
		HeartbeatInterval: config.GetEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		SweepInterval:     config.GetEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		TokenSecret:       config.GetEnv("STREAM_TOKEN_SECRET", ""),
		TokenTTL:          config.GetEnvDuration("STREAM_TOKEN_TTL", 6*time.Hour),
		DatabaseURL:       config.GetEnv("DATABASE_URL", ""),
		RedisAddr:         config.GetEnv("REDIS_ADDR", ""),
	}

	// Stale threshold defaults to 3x the heartbeat interval so a session
	// survives two missed beats but not three.
	cfg.StaleThreshold = config.GetEnvDuration("STALE_THRESHOLD", 3*cfg.HeartbeatInterval)

	if raw := config.GetEnv("IPTV_CREDENTIALS", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Credentials); err != nil {
			return nil, fmt.Errorf("parse IPTV_CREDENTIALS: %w", err)
		}
		for i := range cfg.Credentials {
			if cfg.Credentials[i].SlotID == 0 {
				cfg.Credentials[i].SlotID = i + 1
			}
			if cfg.Credentials[i].MaxConnections <= 0 {
				cfg.Credentials[i].MaxConnections = 1
			}
		}
	}

	if cfg.TunerCount < 0 {
		return nil, fmt.Errorf("TUNER_COUNT must not be negative, got %d", cfg.TunerCount)
	}
	if cfg.TunerCount == 0 && len(cfg.Credentials) == 0 {
		logger.Warn("No tuners and no IPTV credentials configured; every request will be rejected")
	}

	return cfg, nil
}

// BrokerConfig maps the service configuration to the broker's inventory.
func (c *Config) BrokerConfig() broker.Config {
	bc := broker.Config{
		TunerCount:     c.TunerCount,
		StaleThreshold: c.StaleThreshold,
	}
	for _, cred := range c.Credentials {
		bc.Credentials = append(bc.Credentials, broker.CredentialSlot{
			ID:             cred.SlotID,
			ProviderID:     cred.ProviderID,
			MaxConnections: cred.MaxConnections,
		})
	}
	return bc
}

// ResolverConfig maps the service configuration to the stream resolver.
func (c *Config) ResolverConfig() resolver.Config {
	rc := resolver.Config{
		HDHomeRunBaseURL: c.HDHomeRunBaseURL,
		Credentials:      c.Credentials,
		TokenTTL:         c.TokenTTL,
	}
	if c.TokenSecret != "" {
		rc.TokenSecret = []byte(c.TokenSecret)
	}
	return rc
}
