package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/afroash/smartband-monitor/internal/config"
	"github.com/afroash/smartband-monitor/internal/server"
	"github.com/afroash/smartband-monitor/internal/storage"
)

const version = "v0.3.0"

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := cfg.Logging.NewLogger("collector")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", version).
		Str("addr", cfg.Addr()).
		Msg("Starting SmartBand collector")
	logger.Debug().Str("config", cfg.String()).Msg("Configuration loaded")

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create data directory")
	}
	sqliteStore, err := storage.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create SQLite store")
	}

	recorder := storage.NewRecorder(sqliteStore, storage.RecorderConfig{
		MaxReadings: cfg.Storage.MaxReadings,
		ChannelSize: cfg.Storage.QueueSize,
	}, logger)

	retentionCleaner := storage.NewRetentionCleaner(sqliteStore, storage.RetentionCleanerConfig{
		RetentionDays: cfg.Storage.RetentionDays,
		MaxReadings:   cfg.Storage.MaxReadings,
		CleanupPeriod: cfg.Storage.CleanupPeriod,
	}, logger)

	store := server.NewMemoryStore(cfg.Storage.BufferSize)

	handler := server.NewHandler(
		cfg.Server.AuthToken,
		store,
		logger,
		cfg.Server.AllowedOrigins...,
	)
	handler.SetSessionWriter(recorder)

	apiHandler := server.NewAPIHandlerWithHistory(store, sqliteStore, logger)
	apiHandler.SetBands(handler)
	apiHandler.SetVersion(version)

	mux := http.NewServeMux()
	apiHandler.Register(mux)
	mux.Handle("/band-stream", handler)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down server...")

	// Stop accepting bands before draining the recorder
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	recorder.Stop()
	stats := recorder.Stats()
	logger.Info().
		Int64("batches", stats.TotalBatches).
		Int64("sessions", stats.TotalSessions).
		Int64("errors", stats.TotalErrors).
		Msg("Recorder stopped")

	retentionCleaner.Stop()
	logger.Info().Msg("RetentionCleaner stopped")

	if err := sqliteStore.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close SQLite store")
	}

	logger.Info().Msg("Server stopped")
}
