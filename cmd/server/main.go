package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Callbox/internal/adapters/http"
	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/auth"
	"github.com/dkeye/Callbox/internal/config"
	"github.com/dkeye/Callbox/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
	docs, err := store.Open(openCtx, cfg.StoreOptions())
	openCancel()
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open document store")
	}
	defer docs.Close()

	tokens, err := auth.NewManager(cfg.Secret, cfg.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token manager")
	}

	limiter := app.NewWriteLimiter(cfg.Limits.Writes, cfg.Limits.Window)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep()
			}
		}
	}()

	r := router.SetupRouter(ctx, router.Deps{
		Config:   cfg,
		Store:    docs,
		Tokens:   tokens,
		Registry: app.NewRegistry(),
		Limiter:  limiter,
	})
	addr := cfg.HTTPAddr()

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Callbox server started")
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
