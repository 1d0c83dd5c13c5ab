package app

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"horse.fit/shoplens/internal/cli"
	"horse.fit/shoplens/internal/globaltime"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	pool, err := connectPool(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Database check failed: %v\n", err)
		return 1
	}
	defer pool.Close()

	if err := printJSON(map[string]any{
		"status": "ok",
		"time":   globaltime.UTC(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}
