/*
Package main is the entry point for the relaychat server.

It loads configuration, initializes the global logger, opens the configured message store,
starts the broker and the HTTP server, and shuts everything down in order when the process
receives SIGINT or SIGTERM. The migrate subcommand applies the PostgreSQL schema and exits.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"relaychat/internal/app/chat"
	"relaychat/internal/app/db"
	"relaychat/internal/app/store"
	"relaychat/internal/configs"
	"relaychat/internal/handler"
	"relaychat/internal/pkg/logx"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var cfg *configs.AppConfig

	app := &cli.Command{
		Name:  "relaychat",
		Usage: "Real-time relay between two groups of participants",
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			loaded, err := configs.LoadConfig()
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			cfg = loaded

			logx.InitGlobalLogger(cfg.IsDevelopment(), cfg.LogLevel)
			return ctx, nil
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, cfg)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the HTTP and WebSocket server",
				Action: func(ctx context.Context, c *cli.Command) error {
					return serve(ctx, cfg)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply PostgreSQL migrations and exit",
				Action: func(ctx context.Context, c *cli.Command) error {
					return migrate(ctx, cfg)
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logx.Fatal(err, "relaychat exited with an error")
	}
}

func openStore(ctx context.Context, cfg *configs.AppConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case configs.StoreDriverBadger:
		bdb, err := store.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		st, err := store.NewBadgerStore(bdb)
		if err != nil {
			_ = bdb.Close()
			return nil, err
		}
		return st, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseDSN, true)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(pool), nil
	}
}

func serve(ctx context.Context, cfg *configs.AppConfig) error {
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Str("store", cfg.StoreDriver).
		Strs("roles", cfg.Roles).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logx.Error(err, "Failed to close store")
		}
	}()

	policy := chat.PolicyFromConfig(cfg)
	broker := chat.NewBroker(st, policy, chat.Options{
		HistoryLimit: cfg.HistoryLimit,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	deps := &handler.AppDeps{Broker: broker, Policy: policy, Store: st, Config: cfg}

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Router(deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logx.Info(fmt.Sprintf("relaychat starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		broker.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	// hijacked websocket connections are not covered by server.Shutdown
	broker.Shutdown()

	logx.Info("Server gracefully stopped.")
	return nil
}

func migrate(ctx context.Context, cfg *configs.AppConfig) error {
	if cfg.StoreDriver != configs.StoreDriverPostgres {
		return fmt.Errorf("migrate requires STORE_DRIVER=%s, got %q", configs.StoreDriverPostgres, cfg.StoreDriver)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseDSN, false)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.RunMigrations(ctx, pool)
}
