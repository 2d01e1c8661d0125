package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/app"
	"github.com/antoniostano/teleagent/internal/config"
	"github.com/antoniostano/teleagent/internal/httpapi"
	"github.com/antoniostano/teleagent/internal/logging"
	"github.com/antoniostano/teleagent/internal/observability"
)

// bookingapi serves only the slot and appointment REST surface, for
// deployments where the call agent reaches bookings over BOOKING_API_URL.
func main() {
	addr := flag.String("addr", envOr("BOOKING_BIND_ADDR", ":3001"), "listen address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	cfg.BindAddr = *addr
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logging error: %v", err)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := app.OpenBookingStore(bootCtx, cfg, logger)
	bootCancel()
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("booking store close failed")
		}
	}()

	api := httpapi.New(cfg, httpapi.Deps{
		Booking:     store,
		BookingMode: app.BookingMode(cfg),
		Metrics:     observability.NewMetrics(cfg.MetricsNamespace),
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("booking api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
