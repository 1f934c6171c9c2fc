package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"feedsync/config"
	"feedsync/internal/backend"
	"feedsync/internal/handler"
	"feedsync/internal/httpclient"
	"feedsync/internal/metrics"
	"feedsync/internal/operation"
	"feedsync/internal/scheduler"
	"feedsync/internal/search"
	"feedsync/internal/service"
	"feedsync/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("feedsync stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the database
	if cfg.Database.Driver != store.DriverPostgres {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return err
		}
	}
	index := search.NewAsync(search.NewLogging(logger), logger)
	defer index.Close()
	st, err := store.Open(
		store.Config{Driver: cfg.Database.Driver, Path: cfg.Database.Path, DSN: cfg.Database.DSN},
		store.WithLogger(logger),
		store.WithSearchIndex(index),
		store.WithWriteObserver(metrics.RecordStoreWrite),
	)
	if err != nil {
		return err
	}
	defer st.Close()

	httpClient := httpclient.New(httpclient.Config{
		Timeout:         cfg.HTTP.Timeout,
		PerHostInterval: cfg.HTTP.PerHostInterval,
		UserAgent:       cfg.HTTP.UserAgent,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
	}, logger)

	var repo backend.Repository
	if cfg.Backend.BaseURL != "" {
		client := backend.NewClient(backend.Config{
			BaseURL:      cfg.Backend.BaseURL,
			AccountID:    cfg.Backend.AccountID,
			AccountType:  cfg.Backend.AccountType,
			ClientID:     cfg.Backend.ClientID,
			ClientSecret: cfg.Backend.ClientSecret,
		}, httpClient, st.Credentials(), logger)
		if err := client.Bootstrap(ctx, cfg.Backend.RefreshToken); err != nil {
			return err
		}
		repo = client
	}

	// Services
	work := operation.NewQueue("work", cfg.Workers.WorkQueueSize, logger)
	mainQueue := operation.NewQueue("main", 1, logger)
	feedSvc := service.NewFeedService(st, httpClient, repo, cfg.Workers.WorkQueueSize, logger)
	syncSvc := service.NewSyncService(st, repo, work, mainQueue, logger)
	statusSvc := service.NewStatusService(st)

	sched := scheduler.NewScheduler(feedSvc, syncSvc, cfg.Cron, logger)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())

	h := handler.NewHandler(feedSvc, syncSvc, statusSvc)
	h.SetScheduler(sched)
	h.RegisterRoutes(r)

	srv := &http.Server{Addr: cfg.GetServerAddress(), Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr, "backend", repo != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Let submitted sync passes persist before the store closes.
	work.Wait()
	mainQueue.Wait()
	return nil
}
