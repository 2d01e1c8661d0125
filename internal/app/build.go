package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/booking"
	"github.com/antoniostano/teleagent/internal/calls"
	"github.com/antoniostano/teleagent/internal/config"
	"github.com/antoniostano/teleagent/internal/gemini"
	"github.com/antoniostano/teleagent/internal/httpapi"
	"github.com/antoniostano/teleagent/internal/live"
	"github.com/antoniostano/teleagent/internal/memory"
	"github.com/antoniostano/teleagent/internal/observability"
)

type ModelInfo struct {
	Provider string
	Model    string
	Voice    string
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Calls   *calls.Manager
	Runner  *CallRunner
	Store   booking.Store
	History memory.Store
	Metrics *observability.Metrics
	Model   ModelInfo
	Booking string

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

// Build wires the outbound call agent: model dialer, booking backend, tool
// broker, call manager and HTTP API.
func Build(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var (
		svc   booking.Service
		store booking.Store
		mode  string
	)
	if cfg.BookingAPIURL != "" {
		svc = booking.NewHTTPClient(cfg.BookingAPIURL, cfg.BookingAPITimeout)
		mode = "http"
		logger.WithField("url", cfg.BookingAPIURL).Info("booking backend: remote API")
	} else {
		var err error
		store, err = OpenBookingStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		svc = store
		mode = BookingMode(cfg)
	}

	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	history, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("call history store init failed: %w", err)
	}

	dialer, model, err := resolveDialer(ctx, cfg, logger)
	if err != nil {
		closeStore()
		_ = history.Close()
		return nil, err
	}

	manager := calls.NewManager(calls.DefaultContacts(), cfg.CallPendingTimeout, logger)
	manager.SetEndHook(func(c *calls.Call) {
		saveOutcome(history, c, logger)
		if c.Attached {
			return
		}
		// Calls that never reached a session were not counted as started.
		metrics.CallEvent("expired")
	})

	runner := &CallRunner{
		Calls:   manager,
		Booking: svc,
		Dialer:  dialer,
		Metrics: metrics,
		Logger:  logger,
		History: history,
		Settings: RunnerSettings{
			Model:             model.Model,
			Voice:             cfg.AgentVoice,
			SystemInstruction: cfg.SystemInstruction,
			ChunkSamples:      cfg.CaptureChunkSamples,
			ResultCap:         cfg.AvailabilityResultCap,
			HistoryLimit:      cfg.CallHistoryLimit,
		},
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Booking:       store,
		BookingMode:   mode,
		Calls:         manager,
		Runner:        runner,
		History:       history,
		ModelProvider: model.Provider,
		Metrics:       metrics,
		Logger:        logger,
	})

	cleanup := func() error {
		var errs []error
		if err := history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("call history store close: %w", err))
		}
		if store != nil {
			if err := store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("booking store close: %w", err))
			}
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Calls:   manager,
		Runner:  runner,
		Store:   store,
		History: history,
		Metrics: metrics,
		Model:   model,
		Booking: mode,
		Cleanup: cleanup,
	}, nil
}

// OpenBookingStore opens the configured store and seeds the upcoming days.
func OpenBookingStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (booking.Store, error) {
	store, err := booking.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("booking store init failed: %w", err)
	}
	created, err := booking.Seed(ctx, store, cfg.BookingSeedDays, time.Now())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("booking seed failed: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"backend": BookingMode(cfg),
		"days":    cfg.BookingSeedDays,
		"created": created,
	}).Info("booking store ready")
	return store, nil
}

// BookingMode names the local store backend selected by cfg.
func BookingMode(cfg config.Config) string {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}

func resolveDialer(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (live.Dialer, ModelInfo, error) {
	if !cfg.UseGemini() {
		logger.Info("model provider: mock (no GEMINI_API_KEY or MODEL_PROVIDER=mock)")
		return live.NewMockDialer(), ModelInfo{Provider: "mock", Model: "mock", Voice: cfg.AgentVoice}, nil
	}
	dialer, err := gemini.NewDialer(ctx, gemini.Config{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiModel,
		Logger: logger,
	})
	if err != nil {
		return nil, ModelInfo{}, fmt.Errorf("gemini dialer init failed: %w", err)
	}
	logger.WithFields(logrus.Fields{"model": cfg.GeminiModel, "voice": cfg.AgentVoice}).Info("model provider: gemini live")
	return dialer, ModelInfo{Provider: "gemini", Model: cfg.GeminiModel, Voice: cfg.AgentVoice}, nil
}

func saveOutcome(store memory.Store, c *calls.Call, logger logrus.FieldLogger) {
	outcome := memory.Outcome{
		CallID:    c.ID,
		ContactID: c.ContactID,
		Status:    string(c.Status),
		StartedAt: c.CreatedAt,
	}
	if c.EndedAt != nil {
		outcome.EndedAt = *c.EndedAt
	}
	if c.Appointment != nil {
		id := c.Appointment.ID
		outcome.AppointmentID = &id
	}
	if c.Status == calls.StatusFailed {
		for i := len(c.Logs) - 1; i >= 0; i-- {
			if c.Logs[i].Level == live.LevelError {
				outcome.Failure = c.Logs[i].Message
				break
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := store.SaveOutcome(ctx, outcome); err != nil {
		logger.WithError(err).WithField("call_id", c.ID).Warn("save call outcome")
	}
}
