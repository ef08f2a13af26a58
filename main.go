package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"

	"snipvault/internal/billing"
	"snipvault/internal/config"
	"snipvault/internal/db"
	httpapi "snipvault/internal/http"
	"snipvault/internal/services"
	"snipvault/internal/usage"
)

func newLogger(appEnv string) zerolog.Logger {
	if appEnv == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func main() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	cfg := config.Load()
	log := newLogger(cfg.AppEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	svc := services.New(pool)
	if err := svc.EnsureDefaultCategories(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure categories failed")
	}

	stripe.Key = cfg.StripeSecretKey

	engine := usage.NewEngine(svc, svc)
	reconciler := billing.NewReconciler(svc, billing.StripeFetcher{}, cfg.StripePrices(), cfg.StripeWebhookSecret, log)

	server := httpapi.NewServer(svc, engine, reconciler, cfg, log)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}
