package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"promptcaller/internal/caller"
	"promptcaller/internal/config"
	"promptcaller/internal/metrics"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("failed to read .env")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Streamed tokens own stdout in CLI mode.
	logOut := io.Writer(os.Stdout)
	if cfg.AppMode == config.ModeCLI {
		logOut = os.Stderr
	}
	setupLogger(cfg.Log.Level, logOut)

	backend, err := caller.ParseBackend(cfg.LLM.Backend, cfg.LLM.Model, cfg.LLM.APIBase)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backend")
	}
	log.Info().
		Str("mode", cfg.AppMode).
		Str("model", cfg.LLM.Model).
		Str("backend", backend.String()).
		Msg("starting promptcaller")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	completer, err := caller.NewOpenAICompleter(backend, cfg.LLM.APIKey, &http.Client{Timeout: cfg.LLM.ClientTimeout})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create completion client")
	}

	out := io.Discard
	if cfg.AppMode == config.ModeCLI && cfg.LLM.EchoStream {
		out = os.Stdout
	}
	pc, err := caller.New(caller.Config{
		Model:       cfg.LLM.Model,
		Backend:     backend,
		Completer:   completer,
		Out:         out,
		Logger:      log.Logger,
		Metrics:     metrics.Global(),
		ChunkDelay:  cfg.LLM.ChunkDelay,
		StrictUsage: cfg.LLM.StrictUsage,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create caller")
	}

	if cfg.AppMode == config.ModeCLI {
		if err := runCLI(ctx, cfg, pc, os.Args[1:]); err != nil {
			log.Fatal().Err(err).Msg("call failed")
		}
		return
	}
	if err := runServices(ctx, cfg, pc); err != nil {
		log.Error().Err(err).Msg("runtime error")
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}

func setupLogger(level string, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
