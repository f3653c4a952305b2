package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stream-checker/work/checker"
	"stream-checker/work/config"
	"stream-checker/work/logger"
	"stream-checker/work/middleware"
)

var Version = "v0.1.0"

func main() {
	configPath := os.Getenv("STREAM_CHECKER_CONFIG")
	if configPath == "" {
		configPath = "/settings/checker_config.json"
	}

	cfgMgr := config.Load(configPath)
	cfg := cfgMgr.Get()
	logger.SetLogLevel(cfg.LogLevel)

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("creating worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	service := checker.New(cfgMgr, workerPool)
	if cfg.Enabled {
		service.Start()
	} else {
		logger.Warn("checker disabled by config; admin surface only")
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	setupAdminRoutes(router, service)
	router.Use(middleware.Gzip)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	logger.Info("stream checker %s listening on %s", Version, cfg.ListenAddr)
	logger.Info("  - API base URL: %s", cfg.APIBaseURL)
	logger.Info("  - pipeline mode: %s", cfg.PipelineMode)
	logger.Info("  - schedule: %s (enabled=%v)", cfg.CronExpression(), cfg.Schedule.Enabled)
	logger.Info("  - sources: %d", len(cfg.Sources))
	logger.Info("  - data dir: %s", cfg.DataDir)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	case err := <-errCh:
		logger.Error("server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown: %v", err)
	}
	service.Stop()
}
