package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/shoplens/internal/cli"
	"horse.fit/shoplens/internal/progress"
)

func runGather(args []string) int {
	fs := flag.NewFlagSet("gather", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	force := fs.Bool("force", false, "Bypass the freshness gate and gather again")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	productName := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if productName == "" {
		fmt.Fprintln(os.Stderr, "gather requires a product name, e.g. shoplens gather sony wh-1000xm5")
		return 2
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	pool, err := connectPool(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	reviewPipeline, _, _, _, err := buildPipelines(cfg, pool, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to assemble pipelines: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := reviewPipeline.Gather(ctx, productName, *force, progress.LogSink{Logger: logger})
	if err != nil {
		logger.Error().Err(err).Str("product", productName).Msg("gather failed")
		fmt.Fprintf(os.Stderr, "Gather failed: %v\n", err)
		return 1
	}

	if err := printJSON(result); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}
