package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/portfolio-engine/internal/api"
	"github.com/papertrade/portfolio-engine/internal/config"
	"github.com/papertrade/portfolio-engine/internal/ledger"
	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/quote"
	"github.com/papertrade/portfolio-engine/internal/refresh"
	"github.com/papertrade/portfolio-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAPERTRADE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Quote provider ---
	var quotes quote.Provider
	if cfg.Quotes.APIKey != "" {
		client := &http.Client{Timeout: cfg.Quotes.Timeout}
		quotes = quote.NewAlphaVantage(cfg.Quotes.APIKey, cfg.Quotes.BaseURL, client)
		slog.Info("using Alpha Vantage quotes")
	} else {
		slog.Warn("ALPHAVANTAGE_API_KEY not set, using static quotes (prices will not refresh)")
		quotes = quote.NewStatic()
	}

	// --- Ledger, WebSocket hub and refresh ---
	l := ledger.Open(ctx, st)

	wsHub := api.NewWSHub(quotes, cfg.Quotes.SearchDebounce, cfg.Quotes.SearchLimit)
	go wsHub.Run(ctx)

	rc := refresh.New(l, quotes, refresh.Options{
		Timeout:       cfg.Quotes.Timeout,
		MaxConcurrent: cfg.Quotes.MaxConcurrent,
		OnComplete:    api.RefreshNotifier(l, wsHub),
	})

	if cfg.Refresh.OnStartup && l.Initialized() {
		if _, err := rc.Start(ctx); err != nil {
			slog.Warn("startup refresh not started", "err", err)
		}
	}
	go rc.Run(ctx, cfg.Refresh.Interval)

	svc := api.NewService(l, rc, quotes, cfg.Quotes.SearchLimit, wsHub)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket handler returns right after the upgrade, so the
	// request timeout does not bound the connection.
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-engine stopped")
}

// openStore picks the backend from cfg: Postgres, then the JSON file, then
// process memory. A Redis URL wraps the choice in a read-through cache.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch {
	case cfg.DatabaseURL != "":
		pool, err := store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, cfg.PortfolioID)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL", "portfolio", cfg.PortfolioID)

	case cfg.File != "":
		st = store.NewFileStore(cfg.File)
		slog.Info("using file store", "path", cfg.File)

	default:
		slog.Warn("no DATABASE_URL or PORTFOLIO_FILE set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL, cfg.PortfolioID)
		slog.Info("Redis cache enabled")
	}

	return st, cleanup, nil
}
