package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli"

	"github.com/atmx/prediction-ledger/internal/approval"
	"github.com/atmx/prediction-ledger/internal/config"
	"github.com/atmx/prediction-ledger/internal/limits"
	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/metrics"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/settlement"
	"github.com/atmx/prediction-ledger/internal/trade"
)

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg, cfg.Storage.Migrate)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Pricing and limits ---
	engine := pricing.NewEngine(
		decimal.NewFromFloat(cfg.Trading.LiquidityFactor),
		decimal.NewFromFloat(cfg.Trading.MaxImpact),
	)
	book := market.NewBook(engine)
	fees := pricing.NewFeeSchedule(decimal.NewFromFloat(cfg.Trading.FeeRate))
	limiter := limits.NewPositionLimiter(
		decimal.NewFromFloat(cfg.Limits.MaxPerPosition),
		decimal.NewFromFloat(cfg.Limits.MaxPerMarket),
		decimal.NewFromFloat(cfg.Limits.MaxPerUser),
	)

	// --- Approval ---
	var verifier approval.Verifier
	if cfg.Approval.PublicKey != "" {
		v, err := approval.NewEd25519Verifier(cfg.Approval.PublicKey)
		if err != nil {
			return fmt.Errorf("approval public key: %w", err)
		}
		verifier = v
	} else {
		slog.Warn("approval public key not set, any non-empty signature confirms a sell")
	}

	wsHub := trade.NewWSHub()
	channels := approval.Fanout{approval.LogChannel{Logger: slog.Default()}, wsHub}
	if cfg.Approval.Telegram.Enabled() {
		tg, err := approval.NewTelegramChannel(approval.TelegramConfig{
			Token:   cfg.Approval.Telegram.Token,
			ChatID:  cfg.Approval.Telegram.ChatID,
			BaseURL: cfg.Approval.Telegram.APIBase,
			Rate:    cfg.Approval.Telegram.Rate,
		})
		if err != nil {
			return err
		}
		channels = append(channels, tg)
		slog.Info("telegram approval channel enabled")
	}
	dispatcher := approval.NewDispatcher(channels, cfg.Approval.QueueSize)

	// Background workers outlive in-flight requests and stop after the
	// server has shut down.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	go wsHub.Run(workCtx)
	go dispatcher.Run(workCtx)

	// --- Trade service ---
	sells := settlement.NewWorkflow(st, book, fees, verifier, dispatcher)
	tradeSvc := trade.NewService(st, book, fees, limiter, sells, wsHub)

	if err := tradeSvc.EnsureMarkets(ctx, seedMarkets(cfg.Markets)); err != nil {
		return fmt.Errorf("seed markets: %w", err)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"prediction-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		tradeSvc.Mount(r, wsHub)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("prediction-ledger listening", "port", cfg.HTTP.Port, "driver", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopWork()
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down prediction-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// Deliver queued sell notifications before exit.
	stopWork()
	select {
	case <-dispatcher.Done():
	case <-shutdownCtx.Done():
		slog.Warn("notification queue not drained before shutdown timeout")
	}
	slog.Info("prediction-ledger stopped")
	return nil
}

func seedMarkets(seeds []config.SeedMarket) []market.OpenRequest {
	reqs := make([]market.OpenRequest, 0, len(seeds))
	for _, s := range seeds {
		req := market.OpenRequest{
			ID:          s.ID,
			Title:       s.Title,
			Description: s.Description,
		}
		if s.YesPrice > 0 {
			req.YesPrice = decimal.NewFromFloat(s.YesPrice)
		}
		reqs = append(reqs, req)
	}
	return reqs
}
