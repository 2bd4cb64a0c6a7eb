package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/billing"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/engine"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/log"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/metering"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/server"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/spot"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/robfig/cron/v3"
)

func main() {
	// init packages
	mc := metering.Configured()
	spots := spot.Configured()
	bills := billing.Configured(mc, spots)
	eng := engine.Configured(mc, spots, bills)

	// init server
	srv := server.Configured(eng)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	// Ctx loggers share the package-level level var, not slog.Default's
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	for name, v := range map[string]interface{ Validate() error }{
		"metering": mc,
		"nordpool": spots,
		"billing":  bills,
		"engine":   eng,
		"server":   srv,
	} {
		if err := v.Validate(); err != nil {
			slog.Error("invalid configuration", slog.String("component", name), slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to initialize engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Refresh(ctx); err != nil {
		// a cold start with a flaky upstream still serves whatever warmed
		log.Ctx(ctx).WarnContext(ctx, "initial refresh incomplete", "error", err)
	}

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		if err := eng.Refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "refresh incomplete", "error", err)
		}
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to schedule refresh", "error", err)
		os.Exit(1)
	}
	if _, err := c.AddFunc("@daily", func() {
		// billing results barely move; once a day keeps the calibration warm
		bills.Forget()
		bills.CalibrationRatio(ctx)
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to schedule billing warmup", "error", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
