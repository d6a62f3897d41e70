package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the conversation service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	VoiceProvider   string
	GeminiAPIKey    string
	GeminiLiveModel string
	GeminiVoice     string

	CallDuration  time.Duration
	MatchDelay    time.Duration
	MockOpenDelay time.Duration

	DatabaseURL string
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "deutschtalk"),
		AllowAnyOrigin:   false,
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		VoiceProvider:    strings.ToLower(envOrDefault("VOICE_PROVIDER", "auto")),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		// Native-audio Live model; override when Google rotates previews.
		GeminiLiveModel:          envOrDefault("GEMINI_LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-12-2025"),
		GeminiVoice:              envOrDefault("GEMINI_VOICE", "Kore"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		CallDuration:             600 * time.Second,
		MatchDelay:               3500 * time.Millisecond,
		MockOpenDelay:            300 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CallDuration, err = durationFromEnv("CALL_DURATION", cfg.CallDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.MatchDelay, err = durationFromEnv("MATCH_DELAY", cfg.MatchDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MockOpenDelay, err = durationFromEnv("MOCK_OPEN_DELAY", cfg.MockOpenDelay)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.CallDuration < time.Second || cfg.CallDuration%time.Second != 0 {
		return Config{}, fmt.Errorf("CALL_DURATION must be a whole number of seconds >= 1s")
	}
	if cfg.MatchDelay < 0 || cfg.MockOpenDelay < 0 {
		return Config{}, fmt.Errorf("MATCH_DELAY and MOCK_OPEN_DELAY must not be negative")
	}
	switch cfg.VoiceProvider {
	case "auto", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("VOICE_PROVIDER must be one of auto, gemini, mock")
	}
	if cfg.VoiceProvider == "gemini" && cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("VOICE_PROVIDER=gemini requires GEMINI_API_KEY")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console")
	}

	return cfg, nil
}

// ResolvedVoiceProvider maps "auto" to a concrete provider name.
func (c Config) ResolvedVoiceProvider() string {
	if c.VoiceProvider != "auto" {
		return c.VoiceProvider
	}
	if c.GeminiAPIKey != "" {
		return "gemini"
	}
	return "mock"
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
