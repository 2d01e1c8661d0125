package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/app"
	"github.com/antoniostano/teleagent/internal/config"
	"github.com/antoniostano/teleagent/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logging error: %v", err)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	res, err := app.Build(bootCtx, cfg, logger)
	bootCancel()
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.WithError(err).Warn("cleanup failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"model_provider": res.Model.Provider,
		"model":          res.Model.Model,
		"voice":          res.Model.Voice,
		"booking":        res.Booking,
	}).Info("call agent configured")

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	res.Calls.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	// Hang up whatever is still on the line so the session tears down before
	// the listener goes away.
	if active, ok := res.Calls.Active(); ok {
		if _, err := res.Calls.Hangup(active.ID); err != nil {
			logger.WithError(err).WithField("call_id", active.ID).Warn("hangup on shutdown failed")
		}
	}
	runCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
}
