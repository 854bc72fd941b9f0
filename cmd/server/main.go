package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/api"
	"github.com/xtrntr/resale/internal/auth"
	"github.com/xtrntr/resale/internal/config"
	"github.com/xtrntr/resale/internal/db"
	"github.com/xtrntr/resale/internal/events"
	"github.com/xtrntr/resale/internal/exchange"
	"github.com/xtrntr/resale/internal/fulfillment"
	"github.com/xtrntr/resale/internal/logger"
	"github.com/xtrntr/resale/internal/settlement"
	"github.com/xtrntr/resale/internal/store"
)

const producer = "resale-api"

// Main entry point: sets up the ledger, matching engine, lifecycle
// managers, background workers and HTTP server
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewForEnvironment(cfg.AppEnv, cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger: PostgreSQL when configured, in-memory otherwise
	var st store.Store
	if cfg.PostgresDSN != "" {
		database, err := db.NewDB(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer database.Close(context.Background())
		st = database
	} else {
		log.Warn("POSTGRES_DSN not set, using in-memory ledger")
		st = store.NewMemory()
	}

	ex := exchange.NewExchange(st, exchange.Config{
		MaxAttempts:   cfg.MatchMaxAttempts,
		PaymentWindow: cfg.PaymentWindow,
	}, log.Named("exchange"))

	sim := settlement.NewSimulator(log.Named("settlement"))
	orders, sales := fulfillment.NewManagers(fulfillment.Deps{
		Store:     st,
		Payments:  sim,
		Shipments: sim,
		Warehouse: sim,
		Payouts:   sim,
		Relister:  ex,
		Log:       log.Named("fulfillment"),
	}, fulfillment.Config{
		ShipWindow:      cfg.ShipWindow,
		ReceiveWindow:   cfg.ReceiveWindow,
		RelistOnFailure: cfg.RelistOnFailure,
	})

	// Event fan-out: log, browsers, and Kafka when brokers are configured
	hub := events.NewHub(log.Named("ws"), producer)
	pubs := events.Multi{events.LogPublisher{Log: log.Named("events")}, hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic, producer)
		defer kp.Close()
		pubs = append(pubs, kp)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fulfillment.NewSweeper(orders, sales, cfg.SweepInterval).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		events.NewRelay(st, pubs, log.Named("relay"), cfg.RelayInterval).Run(ctx)
	}()

	authService := auth.NewAuthService(st, cfg.JWTSecret)
	handler := api.NewHandler(st, ex, orders, sales, authService, cfg.Operators, log.Named("api"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket event stream
	r.Get("/ws", hub.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler.Mount(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("starting server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	wg.Wait()
}
