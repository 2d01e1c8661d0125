package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.ModelProvider != "auto" {
		t.Fatalf("ModelProvider = %q, want auto", cfg.ModelProvider)
	}
	if cfg.UseGemini() {
		t.Fatalf("UseGemini() = true without an API key")
	}
	if cfg.AgentVoice != "Kore" {
		t.Fatalf("AgentVoice = %q, want Kore", cfg.AgentVoice)
	}
	if !strings.Contains(cfg.SystemInstruction, "Studio Dentistico Sorriso") {
		t.Fatalf("SystemInstruction = %q, want default recall script", cfg.SystemInstruction)
	}
	if cfg.CaptureChunkSamples != 4096 {
		t.Fatalf("CaptureChunkSamples = %d, want 4096", cfg.CaptureChunkSamples)
	}
	if cfg.AvailabilityResultCap != 10 {
		t.Fatalf("AvailabilityResultCap = %d, want 10", cfg.AvailabilityResultCap)
	}
	if cfg.CallHistoryLimit != 3 {
		t.Fatalf("CallHistoryLimit = %d, want 3", cfg.CallHistoryLimit)
	}
	if cfg.CallPendingTimeout != 2*time.Minute {
		t.Fatalf("CallPendingTimeout = %s, want 2m", cfg.CallPendingTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "http://localhost:5173" {
		t.Fatalf("AllowedOrigins = %v, want local dev origins", cfg.AllowedOrigins)
	}
	if cfg.BookingAPIURL != "" || cfg.DatabaseURL != "" {
		t.Fatalf("booking backends should default to in-memory, got %q / %q", cfg.BookingAPIURL, cfg.DatabaseURL)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("GEMINI_API_KEY", " key-123 ")
	t.Setenv("AGENT_VOICE", "Puck")
	t.Setenv("BOOKING_API_URL", "http://localhost:3001/")
	t.Setenv("APP_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("CAPTURE_CHUNK_SAMPLES", "2048")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GeminiAPIKey != "key-123" {
		t.Fatalf("GeminiAPIKey = %q, want trimmed value", cfg.GeminiAPIKey)
	}
	if !cfg.UseGemini() {
		t.Fatalf("UseGemini() = false with MODEL_PROVIDER=auto and a key")
	}
	if cfg.BookingAPIURL != "http://localhost:3001" {
		t.Fatalf("BookingAPIURL = %q, want trailing slash trimmed", cfg.BookingAPIURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.CaptureChunkSamples != 2048 {
		t.Fatalf("CaptureChunkSamples = %d, want 2048", cfg.CaptureChunkSamples)
	}
}

func TestLoadMockProviderIgnoresKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MODEL_PROVIDER", "MOCK")
	t.Setenv("GEMINI_API_KEY", "key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UseGemini() {
		t.Fatalf("UseGemini() = true with MODEL_PROVIDER=mock")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"APP_CALL_PENDING_TIMEOUT", "2s", "APP_CALL_PENDING_TIMEOUT"},
		{"MODEL_PROVIDER", "openai", "MODEL_PROVIDER"},
		{"MODEL_PROVIDER", "gemini", "GEMINI_API_KEY"},
		{"LOG_FORMAT", "xml", "LOG_FORMAT"},
		{"CAPTURE_CHUNK_SAMPLES", "0", "CAPTURE_CHUNK_SAMPLES"},
		{"AVAILABILITY_RESULT_CAP", "abc", "AVAILABILITY_RESULT_CAP"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe", "APP_ALLOW_ANY_ORIGIN"},
		{"BOOKING_API_TIMEOUT", "soon", "BOOKING_API_TIMEOUT"},
		{"CALL_HISTORY_LIMIT", "-1", "CALL_HISTORY_LIMIT"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error mentioning %s", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_CALL_PENDING_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_ALLOWED_ORIGINS",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"MODEL_PROVIDER",
		"GEMINI_API_KEY",
		"GEMINI_MODEL",
		"AGENT_VOICE",
		"AGENT_SYSTEM_INSTRUCTION",
		"CAPTURE_CHUNK_SAMPLES",
		"AVAILABILITY_RESULT_CAP",
		"CALL_HISTORY_LIMIT",
		"BOOKING_API_URL",
		"BOOKING_API_TIMEOUT",
		"DATABASE_URL",
		"BOOKING_SEED_DAYS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
