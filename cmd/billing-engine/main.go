package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mealweek/billing-engine/internal/cache"
	"github.com/mealweek/billing-engine/internal/config"
	"github.com/mealweek/billing-engine/internal/database"
	"github.com/mealweek/billing-engine/internal/events"
	"github.com/mealweek/billing-engine/internal/logger"
	"github.com/mealweek/billing-engine/internal/paymob"
	"github.com/mealweek/billing-engine/internal/reconcile"
	"github.com/mealweek/billing-engine/internal/scheduler"
	"github.com/mealweek/billing-engine/internal/signature"
	"github.com/mealweek/billing-engine/internal/websocket"
)

func main() {
	log := logger.New("billing-engine")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", "error", err)
	}
	if cfg.PaymobHMACKey == "" {
		log.Warn("PAYMOB_HMAC_KEY not set, all inbound callbacks will be rejected")
	}

	store, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureSchema(ctx); err != nil {
		cancel()
		log.Fatal("Failed to ensure database schema", "error", err)
	}
	cancel()

	// Redis backs the webhook replay fast path; the engine stays correct
	// without it, so a failed connection only degrades to DB-level checks.
	var dedup reconcile.Deduper
	redisClient, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Warn("Redis unavailable, webhook dedup degraded", "error", err)
	} else {
		dedup = redisClient
		defer redisClient.Close()
	}

	hub := websocket.NewHub(nil)
	go hub.Run()

	publisher := events.NewPublisher(cfg.NotificationURL, hub)
	gateway := paymob.NewClient(cfg.PaymobBaseURL, cfg.PaymobSecretKey, cfg.Billing.GatewayTimeout)
	verifier := signature.NewVerifier(cfg.PaymobHMACKey)

	sched := scheduler.New(store, gateway, publisher, &scheduler.Config{
		BillingOffset:  cfg.Billing.BillingOffset,
		LookbackWindow: cfg.Billing.LookbackWindow,
		WarmupDelay:    cfg.Billing.WarmupDelay,
		Currency:       cfg.Billing.Currency,
		Enabled:        cfg.Billing.Enabled,
	}, log)

	reconciler := reconcile.NewHandler(store, dedup, publisher, log)

	server := NewServer(store, redisClient, sched, reconciler, verifier, publisher, hub, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sched.Start()

	go func() {
		log.Info("Billing engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", "error", err)
	}

	log.Info("Billing engine stopped")
}
