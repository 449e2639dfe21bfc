package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/watchparty/go/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	log.Info().
		Str("room", cfg.Room).
		Str("identity", cfg.Identity).
		Bool("host", cfg.Host).
		Str("nats_url", cfg.NATS.URL).
		Str("addr", cfg.Gateway.Addr).
		Msg("starting watchparty agent")

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup services")
	}
	defer services.Close()

	server := setupServer(cfg, services)

	if err := services.Writer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start timeline writer")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return services.Signaler.Run(gctx) })
	g.Go(func() error { return services.Gateway.Start(gctx, services.Room) })
	g.Go(func() error { return services.Room.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("watchparty agent stopped with error")
	}
	if err := services.Writer.Stop(); err != nil {
		log.Warn().Err(err).Msg("timeline writer stop failed")
	}
	log.Info().Msg("watchparty agent shutdown complete")
}
