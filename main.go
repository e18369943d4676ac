package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailsync_server/config"
	"mailsync_server/internal/bootstrap"
	"mailsync_server/pkg/logger"

	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	mode := flag.String("mode", "all", "what to run: api, worker or all")
	flag.Parse()

	runAPI, runWorker := false, false
	switch *mode {
	case "api":
		runAPI = true
	case "worker":
		runWorker = true
	case "all":
		runAPI, runWorker = true, true
	default:
		logger.Fatal("Unknown -mode %q, want api, worker or all", *mode)
	}

	// .env is a development convenience; deployments set the environment.
	dotenvErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}
	logger.Init(logger.Config{Level: logger.ParseLevel(cfg.LogLevel), Service: "mailsync"})
	if dotenvErr != nil {
		logger.Debug("No .env loaded: %v", dotenvErr)
	}

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	var (
		api   *bootstrap.API
		wkr   *bootstrap.Worker
		errCh = make(chan error, 2)
	)
	if runWorker {
		wkr = bootstrap.NewWorker(deps)
		go func() { errCh <- wkr.Start() }()
	}
	if runAPI {
		api = bootstrap.NewAPI(deps)
		go func() { errCh <- api.App.Listen(":" + cfg.Port) }()
	}
	logger.Info("mailsync running: mode=%s worker=%s port=%s", *mode, cfg.WorkerID, cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("Signal received, draining for up to %v", shutdownTimeout)
	case err := <-errCh:
		if err != nil {
			logger.Error("Component stopped: %v", err)
		}
	}

	if !drain(api, wkr) {
		logger.Warn("Drain timed out, exiting")
		cleanup()
		os.Exit(1)
	}
	logger.Info("Stopped")
}

// drain stops the API before the worker so no new syncs are triggered while
// the pool finishes. It reports whether both stopped within shutdownTimeout.
func drain(api *bootstrap.API, wkr *bootstrap.Worker) bool {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if api != nil {
			if err := api.Shutdown(ctx); err != nil {
				logger.Error("API shutdown: %v", err)
			}
		}
		if wkr != nil {
			wkr.Stop()
		}
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
