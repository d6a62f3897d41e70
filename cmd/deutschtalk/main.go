package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/deutschtalk/internal/calllog"
	"github.com/antoniostano/deutschtalk/internal/config"
	"github.com/antoniostano/deutschtalk/internal/httpapi"
	"github.com/antoniostano/deutschtalk/internal/logging"
	"github.com/antoniostano/deutschtalk/internal/matching"
	"github.com/antoniostano/deutschtalk/internal/observability"
	"github.com/antoniostano/deutschtalk/internal/session"
	"github.com/antoniostano/deutschtalk/internal/voice"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv("DOTENV_PATH")); err != nil {
		fmt.Fprintf(os.Stderr, "dotenv error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	callStore, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("call log store init failed")
	}
	defer callStore.Close()

	provider, err := newProvider(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("voice provider init failed")
	}
	logger.Info().Str("provider", provider.Name()).Msg("voice provider ready")

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	matcher := matching.NewMatcher(cfg.MatchDelay, logging.Component(logger, "matching"))

	api := httpapi.New(cfg, sessions, matcher, provider, callStore, metrics, logger)
	sessions.SetExpireHook(api.HandleSessionExpired)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	api.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}

// newProvider resolves VOICE_PROVIDER to a concrete endpoint adapter.
func newProvider(cfg config.Config, logger zerolog.Logger) (voice.Provider, error) {
	switch name := cfg.ResolvedVoiceProvider(); name {
	case "gemini":
		p, err := voice.NewGeminiProvider(voice.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiLiveModel,
			Voice:  cfg.GeminiVoice,
		}, logging.Component(logger, "gemini"))
		if err != nil {
			return nil, err
		}
		return p, nil
	case "mock":
		return voice.NewMockProvider(voice.MockConfig{OpenDelay: cfg.MockOpenDelay}), nil
	default:
		return nil, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|gemini|mock)", name)
	}
}
