package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/prediq/settlement-engine/internal/config"
	"github.com/prediq/settlement-engine/internal/metrics"
	"github.com/prediq/settlement-engine/internal/settlement"
	"github.com/prediq/settlement-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool, cfg.LockTimeout)
		if err := pg.InitSchema(context.Background()); err != nil {
			slog.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Admin capability check ---
	// The API layer forwards a pre-validated token; the engine only
	// checks the capability at its boundary.
	adminToken := cfg.AdminToken
	if adminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin operations are disabled")
	}
	authorize := func(caller string) bool {
		return adminToken != "" && caller == adminToken
	}

	// --- WebSocket hub ---
	hub := settlement.NewHub()
	go hub.Run()

	// --- Settlement service ---
	svc := settlement.NewService(st, authorize, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time settlement events.
		r.Get("/ws", hub.HandleWS)

		// Users and balances.
		r.Post("/users", svc.HandleCreateUser)
		r.Get("/users/{userID}", svc.HandleGetUser)
		r.Post("/users/{userID}/deposit", svc.HandleDeposit)
		r.Post("/users/{userID}/withdraw", svc.HandleWithdraw)
		r.Get("/users/{userID}/positions", svc.HandlePositions)
		r.Get("/users/{userID}/transactions", svc.HandleTransactions)
		r.Get("/users/{userID}/bets", svc.HandleBetsByUser)

		// Market management.
		r.Get("/markets", svc.HandleListMarkets)
		r.Post("/markets", svc.HandleCreateMarket)
		r.Get("/markets/{marketID}", svc.HandleGetMarket)
		r.Post("/markets/{marketID}/resolve", svc.HandleResolveMarket)
		r.Post("/markets/{marketID}/close", svc.HandleCloseMarket)
		r.Post("/markets/{marketID}/cancel", svc.HandleCancelMarket)
		r.Put("/outcomes/{outcomeID}/probability", svc.HandleUpdateProbability)

		// Trade execution.
		r.Post("/bets", svc.HandlePlaceBet)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}
