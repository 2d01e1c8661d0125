package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSystemInstruction is the outbound recall script used when
// AGENT_SYSTEM_INSTRUCTION is unset.
const DefaultSystemInstruction = `Sei l'assistente virtuale di "Studio Dentistico Sorriso".
Il tuo obiettivo è chiamare i clienti della lista per un check-up annuale gratuito.
IMPORTANTE: Appena la connessione è stabilita, inizia TU a parlare. Presentati al cliente immediatamente dicendo "Buongiorno" e il tuo nome. Non attendere che l'utente parli per primo.
Sii gentile, professionale e concisa.
Cerca di convincere il cliente a prenotare un appuntamento.
Se il cliente accetta, usa lo strumento 'checkAvailability' per proporre gli orari liberi.
Una volta ottenuta data e ora, usa lo strumento 'prenotaAppuntamento' per confermare.
Se il cliente vuole annullare, usa lo strumento 'cancellareAppuntamento'.
Parla in italiano in modo naturale.`

// Config contains all runtime settings for the outbound call agent and the
// booking API.
type Config struct {
	BindAddr           string
	ShutdownTimeout    time.Duration
	CallPendingTimeout time.Duration
	MetricsNamespace   string

	AllowAnyOrigin bool
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	ModelProvider     string
	GeminiAPIKey      string
	GeminiModel       string
	AgentVoice        string
	SystemInstruction string

	CaptureChunkSamples   int
	AvailabilityResultCap int
	CallHistoryLimit      int

	BookingAPIURL     string
	BookingAPITimeout time.Duration
	DatabaseURL       string
	BookingSeedDays   int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "teleagent"),
		AllowAnyOrigin:   false,
		AllowedOrigins:   splitList(envOrDefault("APP_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:5174")),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		ModelProvider:    strings.ToLower(envOrDefault("MODEL_PROVIDER", "auto")),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:      envOrDefault("GEMINI_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		// Kore is the prebuilt voice the recall script was tuned with.
		AgentVoice:            envOrDefault("AGENT_VOICE", "Kore"),
		SystemInstruction:     envOrDefault("AGENT_SYSTEM_INSTRUCTION", DefaultSystemInstruction),
		CaptureChunkSamples:   4096,
		AvailabilityResultCap: 10,
		CallHistoryLimit:      3,
		BookingAPIURL:         strings.TrimRight(stringsTrimSpace("BOOKING_API_URL"), "/"),
		BookingAPITimeout:     10 * time.Second,
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		BookingSeedDays:       14,
		ShutdownTimeout:       15 * time.Second,
		CallPendingTimeout:    2 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallPendingTimeout, err = durationFromEnv("APP_CALL_PENDING_TIMEOUT", cfg.CallPendingTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BookingAPITimeout, err = durationFromEnv("BOOKING_API_TIMEOUT", cfg.BookingAPITimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureChunkSamples, err = intFromEnv("CAPTURE_CHUNK_SAMPLES", cfg.CaptureChunkSamples)
	if err != nil {
		return Config{}, err
	}
	cfg.AvailabilityResultCap, err = intFromEnv("AVAILABILITY_RESULT_CAP", cfg.AvailabilityResultCap)
	if err != nil {
		return Config{}, err
	}
	cfg.CallHistoryLimit, err = intFromEnv("CALL_HISTORY_LIMIT", cfg.CallHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.BookingSeedDays, err = intFromEnv("BOOKING_SEED_DAYS", cfg.BookingSeedDays)
	if err != nil {
		return Config{}, err
	}

	if cfg.CallPendingTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CALL_PENDING_TIMEOUT must be at least 5s")
	}
	if cfg.BookingAPITimeout <= 0 {
		return Config{}, fmt.Errorf("BOOKING_API_TIMEOUT must be positive")
	}
	switch cfg.ModelProvider {
	case "auto", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("MODEL_PROVIDER must be one of auto, gemini, mock")
	}
	if cfg.ModelProvider == "gemini" && cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY is required when MODEL_PROVIDER=gemini")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json")
	}
	if cfg.CaptureChunkSamples <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_CHUNK_SAMPLES must be positive")
	}
	if cfg.AvailabilityResultCap <= 0 {
		return Config{}, fmt.Errorf("AVAILABILITY_RESULT_CAP must be positive")
	}
	if cfg.CallHistoryLimit < 0 {
		return Config{}, fmt.Errorf("CALL_HISTORY_LIMIT must be >= 0")
	}
	if cfg.BookingSeedDays < 0 {
		return Config{}, fmt.Errorf("BOOKING_SEED_DAYS must be >= 0")
	}

	return cfg, nil
}

// UseGemini reports whether calls should dial the hosted live model.
func (c Config) UseGemini() bool {
	switch c.ModelProvider {
	case "gemini":
		return true
	case "mock":
		return false
	default:
		return c.GeminiAPIKey != ""
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
