package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relaymesh/drc/internal/server"
	"github.com/relaymesh/drc/pkg/config"
	"github.com/relaymesh/drc/pkg/logging"
)

func main() {
	configName := pflag.String("config", "drc", "config file name (without extension), searched in the working directory")
	address := pflag.String("address", "", "listen address override")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger := logging.New(logging.ParseLevel(*logLevel))
	slog.SetDefault(logger)

	loadConfig := func() (*config.Config, error) {
		return config.Load(logger, *configName)
	}
	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if *address != "" {
		cfg.Server.Address = *address
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg, loadConfig)
	if err != nil {
		logger.Error("Failed to initialize server", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
