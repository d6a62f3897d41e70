package config

import (
	"os"
	"path/filepath"
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
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.CallDuration != 600*time.Second {
		t.Fatalf("CallDuration = %v, want 600s", cfg.CallDuration)
	}
	if cfg.MatchDelay != 3500*time.Millisecond {
		t.Fatalf("MatchDelay = %v, want 3.5s", cfg.MatchDelay)
	}
	if cfg.GeminiVoice != "Kore" {
		t.Fatalf("GeminiVoice = %q, want Kore", cfg.GeminiVoice)
	}
	if got := cfg.ResolvedVoiceProvider(); got != "mock" {
		t.Fatalf("ResolvedVoiceProvider() = %q, want mock without API key", got)
	}
}

func TestAutoProviderPicksGeminiWithKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GEMINI_API_KEY", "  test-key  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GeminiAPIKey != "test-key" {
		t.Fatalf("GeminiAPIKey = %q, want trimmed value", cfg.GeminiAPIKey)
	}
	if got := cfg.ResolvedVoiceProvider(); got != "gemini" {
		t.Fatalf("ResolvedVoiceProvider() = %q, want gemini", got)
	}
}

func TestLoadRejectsGeminiWithoutKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "gemini")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing key error")
	}
}

func TestLoadRejectsFractionalCallDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALL_DURATION", "1500ms")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want CALL_DURATION error")
	}
}

func TestLoadRejectsBadBool(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want bool parse error")
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("APP_BIND_ADDR=:7070\nMATCH_DELAY=1s\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("MATCH_DELAY", "2s")
	// godotenv keeps variables that exist, even when empty.
	os.Unsetenv("APP_BIND_ADDR")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want value from .env", cfg.BindAddr)
	}
	if cfg.MatchDelay != 2*time.Second {
		t.Fatalf("MatchDelay = %v, want existing env value 2s", cfg.MatchDelay)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v, want nil", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"VOICE_PROVIDER",
		"GEMINI_API_KEY",
		"GEMINI_LIVE_MODEL",
		"GEMINI_VOICE",
		"CALL_DURATION",
		"MATCH_DELAY",
		"MOCK_OPEN_DELAY",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
