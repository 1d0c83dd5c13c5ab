package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/cli"
	"horse.fit/shoplens/internal/config"
	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/discovery"
	"horse.fit/shoplens/internal/freshness"
	"horse.fit/shoplens/internal/ingest"
	"horse.fit/shoplens/internal/llm"
	"horse.fit/shoplens/internal/logging"
	"horse.fit/shoplens/internal/marketplace"
	"horse.fit/shoplens/internal/reviews"
)

func loadRuntime(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("initialize logger: %w", err)
	}

	return cfg, logger, nil
}

func connectPool(cfg *config.Config, logger zerolog.Logger) (*db.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

// buildPipelines assembles the gathering stack shared by serve and the
// one-shot commands.
func buildPipelines(cfg *config.Config, pool *db.Pool, logger zerolog.Logger) (*reviews.Pipeline, *marketplace.Pipeline, *discovery.Adapter, *llm.Client, error) {
	client, err := llm.NewClient(cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("initialize llm client: %w", err)
	}

	discoverer := discovery.NewAdapter(client, cfg.DiscoveryLimit, logger)
	ingester := ingest.NewAdapter(client, logger)
	gate := freshness.NewGate(cfg.ReviewTTL, cfg.MarketplaceTTL)

	reviewPipeline := reviews.NewPipeline(pool, discoverer, ingester, reviews.Options{
		Gate:        gate,
		Concurrency: cfg.IngestConcurrency,
		CallTimeout: cfg.CallTimeout,
		LockWaitMax: cfg.TurnDeadline,
	}, logger)

	marketplacePipeline := marketplace.NewPipeline(pool, discoverer, gate, cfg.TurnDeadline, logger)

	return reviewPipeline, marketplacePipeline, discoverer, client, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
