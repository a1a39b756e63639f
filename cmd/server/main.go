package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/studyhall/internal/adapters/http"
	sigws "github.com/dkeye/studyhall/internal/adapters/signal"
	"github.com/dkeye/studyhall/internal/adapters/store/mongo"
	"github.com/dkeye/studyhall/internal/app"
	"github.com/dkeye/studyhall/internal/app/docstore"
	"github.com/dkeye/studyhall/internal/app/orch"
	"github.com/dkeye/studyhall/internal/config"
	"github.com/dkeye/studyhall/internal/core"
)

type closableStore interface {
	core.SignalStore
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config) (closableStore, error) {
	switch cfg.Store.Backend {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
		s, err := mongo.Connect(connectCtx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return docstore.New(), nil
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("store close")
		}
	}()

	orch := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Store:    store,
		Policy:   app.SimplePolicy{},
		Limiter:  sigws.NewAppendRateLimiter(cfg.AppendLimit, cfg.AppendInterval),
	}

	r := router.SetupRouter(ctx, cfg, orch)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Backend).Msg("study hall relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
