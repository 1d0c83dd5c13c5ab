package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"SL_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"SL_DB_MAX_CONNS" default:"8"`

	LLMAPIKey  string `envconfig:"LLM_API_KEY" default:""`
	LLMBaseURL string `envconfig:"LLM_BASE_URL" default:""`
	LLMModel   string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`

	ReviewTTL      time.Duration `envconfig:"REVIEW_CACHE_TTL" default:"168h"`
	MarketplaceTTL time.Duration `envconfig:"MARKETPLACE_CACHE_TTL" default:"24h"`

	DiscoveryLimit    int           `envconfig:"DISCOVERY_LIMIT" default:"5"`
	IngestConcurrency int           `envconfig:"INGEST_CONCURRENCY" default:"5"`
	CallTimeout       time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`

	RoundBudget  int           `envconfig:"ROUND_BUDGET" default:"8"`
	GuardRetries int           `envconfig:"GUARD_RETRIES" default:"1"`
	TurnDeadline time.Duration `envconfig:"TURN_DEADLINE" default:"300s"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("SL_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("SL_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SL_DB_MIN_CONNS (%d) cannot exceed SL_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ReviewTTL <= 0 {
		return fmt.Errorf("REVIEW_CACHE_TTL must be positive")
	}
	if c.MarketplaceTTL <= 0 {
		return fmt.Errorf("MARKETPLACE_CACHE_TTL must be positive")
	}
	if c.DiscoveryLimit < 1 {
		return fmt.Errorf("DISCOVERY_LIMIT must be >= 1")
	}
	if c.IngestConcurrency < 1 {
		return fmt.Errorf("INGEST_CONCURRENCY must be >= 1")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	if c.RoundBudget < 1 {
		return fmt.Errorf("ROUND_BUDGET must be >= 1")
	}
	if c.GuardRetries < 0 {
		return fmt.Errorf("GUARD_RETRIES must be >= 0")
	}
	if c.TurnDeadline <= 0 {
		return fmt.Errorf("TURN_DEADLINE must be positive")
	}
	return nil
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
