// Command printqueued runs the print queue service: the HTTP API, the queue
// processor and the webhook relay.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/printqueue/internal/api"
	"github.com/orrn/printqueue/internal/api/middleware"
	"github.com/orrn/printqueue/internal/config"
	"github.com/orrn/printqueue/internal/core"
	"github.com/orrn/printqueue/internal/db"
	"github.com/orrn/printqueue/internal/events"
	"github.com/orrn/printqueue/internal/logging"
	"github.com/orrn/printqueue/internal/store"
	"github.com/orrn/printqueue/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "printqueued: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	var database *sql.DB
	if cfg.Store.Driver == "sqlite" || cfg.Server.AuthEnabled {
		database, err = db.Open(db.Config{Path: cfg.Database.Path})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()
	}

	kv, closeKV, err := openKV(cfg, database)
	if err != nil {
		return err
	}
	defer closeKV()
	logger.Info("snapshot store ready", "driver", cfg.Store.Driver)

	bus := events.NewBus(logger)
	printers := core.NewPrinterManager(&cfg.Printers, logger)
	service := core.NewService(printers, store.NewSnapshotStore(kv, cfg.Store.Key), bus, &cfg.Queue, logger)

	sender := webhook.NewSender(cfg.Webhooks, logger)
	sender.Start(bus)

	var auth *middleware.AuthMiddleware
	if cfg.Server.AuthEnabled {
		auth, err = middleware.NewAuthMiddleware(db.NewSettingsOperations(database), cfg.Server.GinMode == gin.ReleaseMode)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
	}

	gin.SetMode(cfg.Server.GinMode)
	router := api.NewRouter(api.Dependencies{
		Config:   cfg,
		Service:  service,
		Printers: printers,
		Auth:     auth,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", srv.Addr, "auth", cfg.Server.AuthEnabled, "gin_mode", cfg.Server.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		if err := service.Close(shutdownCtx); err != nil {
			logger.Warn("queue shutdown incomplete", "error", err)
		}
		sender.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("stopped")
	return nil
}

// openKV picks the snapshot medium named by store.driver.
func openKV(cfg *config.Config, database *sql.DB) (store.KV, func(), error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLiteKV(database), func() {}, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout)
		defer cancel()
		kv, err := store.NewRedisKVFromURL(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return kv, closer(kv), nil
	case "memory":
		return store.NewMemoryKV(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}
}
