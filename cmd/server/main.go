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

	"github.com/levmarket/margin-engine/internal/api"
	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/clock"
	"github.com/levmarket/margin-engine/internal/config"
	"github.com/levmarket/margin-engine/internal/controller"
	"github.com/levmarket/margin-engine/internal/dex"
	"github.com/levmarket/margin-engine/internal/margin"
	"github.com/levmarket/margin-engine/internal/metrics"
	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/priceguard"
	"github.com/levmarket/margin-engine/internal/store"
)

// genesis anchors the wall clock's block numbers.
var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid environment", "err", err)
		os.Exit(1)
	}
	boot, err := config.LoadBootstrap(cfg.MarketsFile)
	if err != nil {
		slog.Error("invalid bootstrap file", "file", cfg.MarketsFile, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger, clock and venue ---
	b := bank.New()
	for _, t := range boot.Tokens {
		if err := b.Register(t); err != nil {
			slog.Error("token registration failed", "token", t.Symbol, "err", err)
			os.Exit(1)
		}
	}
	clk := clock.NewWall(genesis, cfg.BlockInterval)
	venue := dex.NewMemory(boot.Accounts.Dex, boot.DexFeeBps)
	for _, p := range boot.Prices {
		if err := venue.SetPrice(p.Base, p.Quote, p.Price); err != nil {
			slog.Error("venue price rejected", "base", p.Base, "quote", p.Quote, "err", err)
			os.Exit(1)
		}
	}
	guard := priceguard.New(venue, clk, boot.Guard)

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Engine and controller ---
	engine, err := margin.New(margin.Config{
		Account:          boot.Accounts.Engine,
		Treasury:         boot.Accounts.Treasury,
		Controller:       boot.Accounts.Controller,
		ReferralDiscount: boot.ReferralDiscount,
		ReferralReward:   boot.ReferralReward,
		Bank:             b,
		Clock:            clk,
		Guard:            guard,
		Swapper:          venue,
		Store:            st,
		OnCommit:         hub.PublishEvents,
	})
	if err != nil {
		slog.Error("engine initialization failed", "err", err)
		os.Exit(1)
	}

	limits := controller.NewExposureLimiter(boot.Exposure.Default)
	for token, lim := range boot.Exposure.Tokens {
		limits.SetLimit(token, lim)
	}
	ctl, err := controller.New(controller.Config{
		Admin:   cfg.AdminAccount,
		Account: boot.Accounts.Controller,
		Bank:    b,
		Clock:   clk,
		Engine:  engine,
		Store:   st,
		OnPoolCommit: func(s model.PoolState, evs []model.Event) {
			metrics.ObservePool(s, evs)
			hub.PublishPool(s, evs)
		},
		Limits: limits,
	})
	if err != nil {
		slog.Error("controller initialization failed", "err", err)
		os.Exit(1)
	}

	if err := bootstrap(ctx, st, b, ctl, cfg.AdminAccount, boot); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}

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

	svc := api.NewService(engine, ctl, st, hub, api.NewRateLimiter(cfg.RatePerMin))
	svc.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("margin-engine listening", "port", cfg.Port, "markets", len(engine.Markets()), "block", clk.Now())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down margin-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("margin-engine stopped")
}

// openStore picks Postgres when DATABASE_URL is set, optionally fronted by
// Redis, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config) (store.Store, []func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	var cleanup []func()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, cleanup, nil
}

// bootstrap restores persisted state, or on an empty store creates the
// configured markets and credits the faucet grants.
func bootstrap(ctx context.Context, st store.Store, b *bank.Bank, ctl *controller.Controller, admin string, boot config.Bootstrap) error {
	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if len(snap.Markets) > 0 {
		return ctl.Restore(snap, boot.MarketParams())
	}

	for _, p := range boot.Markets {
		if _, err := ctl.CreateMarket(ctx, admin, p); err != nil {
			return fmt.Errorf("create market %s/%s: %w", p.Token0, p.Token1, err)
		}
	}

	var granted []model.Balance
	for _, g := range boot.Faucet {
		if err := b.Faucet(g.Token, g.Account, g.Amount); err != nil {
			return fmt.Errorf("faucet %s to %s: %w", g.Token, g.Account, err)
		}
		granted = append(granted, model.Balance{Token: g.Token, Account: g.Account, Amount: b.BalanceOf(g.Token, g.Account)})
	}
	if err := st.Apply(ctx, model.Changeset{Balances: granted}); err != nil {
		return fmt.Errorf("persist faucet grants: %w", err)
	}
	slog.Info("bootstrapped", "markets", len(boot.Markets), "grants", len(granted))
	return nil
}
