package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/bbernstein/nearby/internal/config"
	"github.com/bbernstein/nearby/internal/handler"
	"github.com/bbernstein/nearby/internal/metrics"
	"github.com/bbernstein/nearby/internal/server"
	"github.com/bbernstein/nearby/internal/station"
)

func main() {
	config.LoadDotEnv(".env.local")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.InitializeLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("Server exiting")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	finder, channel, err := station.NewFromConfig(cfg, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := channel.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing upstream channel")
		}
	}()

	log.Info().
		Str("upstream", cfg.UpstreamURL.String()).
		Str("transport", string(cfg.Transport)).
		Bool("h2c_reuse", cfg.H2CReuse).
		Msg("Station directory configured")

	srv := server.New(cfg, handler.NewNearbyHandler(finder), m)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("serving on %s: %w", cfg.Addr, err)
	}
	return nil
}
