// Package raffle parses raffle service flags and launches the service.
package raffle

import (
	"context"
	"flag"

	entrypoint "github.com/tombola-engine/tombola/internal/platform/cmd"
	server "github.com/tombola-engine/tombola/internal/services/raffle/app"
)

// Config holds raffle command configuration.
type Config struct {
	Port int `env:"TOMBOLA_PORT" envDefault:"8080"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The raffle HTTP server port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the raffle HTTP API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRaffle, func(context.Context) error {
		return server.Run(ctx, cfg.Port)
	})
}
