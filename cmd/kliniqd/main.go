package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/config"
	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/db"
	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness"
	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/server"
)

// loadEnv applies a dotenv file. A missing file is normal outside development.
func loadEnv(path string, logger zerolog.Logger) {
	err := godotenv.Load(path)
	switch {
	case err == nil:
		logger.Debug().Str("path", path).Msg("Loaded env file")
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug().Str("path", path).Msg("No env file")
	default:
		logger.Warn().Err(err).Str("path", path).Msg("Failed to load env file")
	}
}

func main() {
	configPath := flag.String("config", "", "path to the config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	flag.Parse()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	loadEnv(*envFile, boot)

	cfg, err := config.Watch(*configPath, func(next *config.Config, err error) {
		if err != nil {
			boot.Warn().Err(err).Msg("Ignoring invalid config change")
			return
		}
		setLevel(next.App.LogLevel)
		boot.Info().Str("log_level", next.App.LogLevel).Msg("Config reloaded")
	})
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := newLogger(cfg.App)
	setLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, err := db.Open(ctx, cfg.Database, logger.With().Str("component", "db").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer handle.Close()

	manager, err := harness.NewFactory(cfg, handle, logger).CreateManager(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to wire conversation manager")
	}

	e := server.New(server.NewHandler(manager, cfg.Server.RequestTimeout, logger.With().Str("component", "http").Logger()))

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("provider", cfg.Model.Provider).Msg("Starting server")
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func newLogger(app config.AppConfig) zerolog.Logger {
	if strings.EqualFold(app.LogFormat, "console") {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("app", app.Name).Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Str("app", app.Name).Logger()
}

func setLevel(name string) {
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
