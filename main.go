// mirror/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/vinizap/lumi/mirror/auth"
	"github.com/vinizap/lumi/mirror/blob"
	"github.com/vinizap/lumi/mirror/config"
	"github.com/vinizap/lumi/mirror/filesystem"
	httphandlers "github.com/vinizap/lumi/mirror/http"
	"github.com/vinizap/lumi/mirror/index"
	"github.com/vinizap/lumi/mirror/ledger"
	"github.com/vinizap/lumi/mirror/pipeline"
	"github.com/vinizap/lumi/mirror/quota"
	"github.com/vinizap/lumi/mirror/remote"
	"github.com/vinizap/lumi/mirror/watch"
	"github.com/vinizap/lumi/mirror/ws"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	envFile := pflag.String("env-file", ".env", "path to a .env file")
	port := pflag.String("port", "", "listen port (overrides LUMI_PORT)")
	pflag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *port != "" {
		cfg.Port = *port
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open blob store")
	}
	store, err := filesystem.New(cfg.Root, blobs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open data dir")
	}
	led := ledger.New(store, ledger.WithHistoryLimit(cfg.HistoryLimit))

	var idx index.Index
	if cfg.DatabaseURL != "" {
		pg, err := index.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open postgres index")
		}
		defer pg.Close()
		idx = pg
	} else {
		idx = index.NewFile(cfg.Root)
	}
	added, err := index.Rebuild(ctx, idx, store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to rebuild library index")
	}

	tracker := quota.NewTracker(quota.NewFileStore(cfg.QuotaFile()), quota.WithLimits(cfg.Quota))
	client := remote.NewRetrying(
		remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Token),
		tracker,
		remote.WithAttempts(cfg.Remote.Retries),
		remote.WithBackoff(cfg.Remote.Backoff),
	)
	if cfg.Remote.Token == "" {
		log.Warn().Msg("FIGMA_ACCESS_TOKEN is not set, remote calls will be rejected")
	}

	hub := ws.NewHub()
	go hub.Run(ctx)

	orchestrator := pipeline.New(client, store, led, idx, pipeline.WithNotifier(hub))

	authenticator, err := auth.New(cfg.Password, cfg.AuthCost)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up auth")
	}

	go watch.New(orchestrator, idx, tracker, cfg.Watch.Interval).Start(ctx)

	server := httphandlers.NewServer(httphandlers.Deps{
		Sync:   orchestrator,
		Index:  idx,
		Ledger: led,
		Store:  store,
		Quota:  tracker,
		Hub:    hub,
		Auth:   authenticator,
	})
	app := server.App()

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()

	log.Info().
		Str("port", cfg.Port).
		Str("root", cfg.Root).
		Str("index", idx.Type()).
		Str("blobs", blobs.Type()).
		Int("indexed", added).
		Msg("server starting")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
