/*
main.go - Application entry point

PURPOSE:
  Boots the booking financial engine: configuration, storage, domain
  services, background jobs, outbox relay and the HTTP server, with
  graceful shutdown on SIGINT/SIGTERM.

STARTUP SEQUENCE:
  1. Parse flags and environment
  2. Open SQLite store (migrations run inline)
  3. Wire domain services over the store
  4. Start sweep/reconciliation scheduler and outbox relay
  5. Serve HTTP until a shutdown signal

EXAMPLES:
  # Run with file database
  ./server -d="./data/booking.db"

  # Run with in-memory database
  ./server -d=":memory:"

  # Point the outbox relay at a consumer
  ./server -webhook-url="https://hooks.example.com/booking"

SEE ALSO:
  - config/config.go: every tunable
  - api/server.go: routing
*/
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/config"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/promo"
	"github.com/warp/booking-engine/recon"
	"github.com/warp/booking-engine/shop"
	"github.com/warp/booking-engine/store/sqlite"
	"github.com/warp/booking-engine/wallet"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		sugar.Fatalw("open database", "path", cfg.DatabasePath, "error", err)
	}
	defer store.Close()

	bookings := booking.NewService(store, store, sugar, cfg.PendingTimeout)
	orders := shop.NewService(store, store, sugar)
	promos := promo.NewEngine(store, store, sugar)
	topUps := wallet.NewTopUpService(store, sugar)
	reconJob := recon.NewJob(store, store, sugar)
	relay := outbox.NewRelay(store, sugar, cfg.WebhookURL, cfg.WebhookInterval)

	handler := &api.Handler{
		Store:           store,
		Bookings:        bookings,
		Orders:          orders,
		Promos:          promos,
		TopUps:          topUps,
		Recon:           reconJob,
		Log:             sugar,
		TaxRate:         decimal.NewFromFloat(cfg.TaxRate),
		TaxIncluded:     cfg.TaxIncluded,
		DefaultCurrency: core.EUR,
	}
	auth := &api.Auth{
		TokenSecret: cfg.ServiceTokenSecret,
		JobSecret:   cfg.JobSecret,
	}

	scheduler := &api.Scheduler{
		Bookings:      bookings,
		Recon:         reconJob,
		Log:           sugar,
		SweepInterval: cfg.SweepInterval,
		ReconInterval: cfg.ReconInterval,
		ReconDays:     cfg.ReconDays,
	}

	server := &http.Server{
		Addr:         cfg.RunAddress,
		Handler:      api.NewRouter(handler, auth, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	scheduler.Start()

	g.Go(func() error {
		relay.Run(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("server starting", "address", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("server stopped", "error", err)
	}

	scheduler.Stop()
	sugar.Info("server stopped")
}
