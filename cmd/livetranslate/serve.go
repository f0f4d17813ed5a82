package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
	"github.com/MisterGoodDeal/live-translation/internal/config"
	"github.com/MisterGoodDeal/live-translation/internal/eventbus"
	"github.com/MisterGoodDeal/live-translation/internal/metrics"
	"github.com/MisterGoodDeal/live-translation/internal/server"
	"github.com/MisterGoodDeal/live-translation/internal/session"
	"github.com/MisterGoodDeal/live-translation/internal/settings"
	"github.com/MisterGoodDeal/live-translation/internal/transcription"
	"github.com/MisterGoodDeal/live-translation/internal/translation"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", viper.GetString("config")),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.Int("devices", len(cfg.Audio.Devices)),
		slog.String("transcription_backend", cfg.Transcription.Backend),
		slog.Bool("translation_enabled", cfg.Translation.Enabled),
		slog.String("settings_path", cfg.Settings.Path),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(nil)

	if _, err := exec.LookPath(cfg.Audio.FFmpegCommand); err != nil {
		return fmt.Errorf("capture backend unavailable: %w", err)
	}
	catalog := audio.NewCatalog(catalogDevices(cfg.Audio.Devices))
	source := audio.NewFFmpegSource(audio.FFmpegConfig{
		Command:      cfg.Audio.FFmpegCommand,
		FrameSamples: cfg.Audio.FrameSamples,
		StartupWait:  cfg.Audio.GetStartupWaitDuration(),
	}, catalog, logger)
	logger.Info("Capture source initialized",
		slog.String("ffmpeg", cfg.Audio.FFmpegCommand),
		slog.Int("devices", catalog.Len()),
	)

	store, err := settings.Load(cfg.Settings.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	backend, err := newTranscriptionBackend(cfg.Transcription, cfg.Inference)
	if err != nil {
		return fmt.Errorf("failed to create transcription backend: %w", err)
	}
	transcriber := transcription.NewStage(backend, cfg.Inference.GetTimeoutDuration(), logger)
	logger.Info("Transcription backend initialized", slog.String("backend", backend.Name()))

	var translationBackend translation.Backend
	if cfg.Translation.Enabled {
		tb, err := translation.NewHTTPBackend(translation.HTTPConfig{
			Endpoint: cfg.Translation.Endpoint,
			APIKey:   cfg.Translation.APIKey,
			Timeout:  cfg.Translation.GetTimeoutDuration(),
		})
		if err != nil {
			return fmt.Errorf("failed to create translation backend: %w", err)
		}
		translationBackend = tb
	}
	translator := translation.NewStage(translationBackend, cfg.Translation.GetTimeoutDuration(), logger)
	// An unavailable translator is not fatal: raw transcriptions are sent instead.
	_ = translator.Init(ctx)

	hub := eventbus.NewHub(eventbus.Config{SendBuffer: cfg.Server.SendBuffer}, logger, appMetrics)

	controller, err := session.NewController(session.Config{
		QueueCapacity:          cfg.Audio.QueueCapacity,
		OpenRetries:            cfg.Audio.OpenRetries,
		OpenBackoff:            cfg.Audio.GetOpenBackoffDuration(),
		MaxConcurrent:          cfg.Inference.MaxConcurrent,
		StopTimeout:            cfg.Session.GetStopTimeoutDuration(),
		SaturationWarnInterval: cfg.Audio.GetSaturationWarnInterval(),
	}, session.Dependencies{
		Source:      source,
		Settings:    store,
		Transcriber: transcriber,
		Translator:  translator,
		Events:      hub,
		Metrics:     appMetrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create session controller: %w", err)
	}

	loop := server.NewLoop(cfg.Server.InboxSize, server.LoopDependencies{
		Events:      hub,
		Session:     controller,
		Settings:    store,
		Microphones: catalog,
		Metrics:     appMetrics,
		Logger:      logger,
	})

	httpDeps := server.HTTPDependencies{
		Config:     cfg,
		Hub:        hub,
		Loop:       loop,
		Session:    controller,
		Settings:   store,
		Translator: translator,
		Metrics:    appMetrics,
		Logger:     logger,
	}
	if stats, ok := backend.(server.TranscriptionStats); ok {
		httpDeps.Transcription = stats
	}
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:    cfg.Server.Port,
		Address: cfg.Server.Address,
	}, httpDeps)

	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Address, cfg.Server.Port)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gctx)
	})

	if cfg.Settings.Watch {
		g.Go(func() error {
			if err := store.Watch(gctx, loop.SettingsChanged); err != nil {
				logger.Warn("Settings watcher disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		// Let in-flight chunks finish before the clients go away.
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.GetStopTimeoutDuration())
		defer cancel()
		if err := controller.Stop(stopCtx); err != nil {
			logger.Error("Error stopping session", slog.String("error", err.Error()))
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		return nil
	})

	err = g.Wait()

	stats := loop.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("requests_handled", stats.RequestsHandled),
		slog.Uint64("requests_rejected", stats.RequestsRejected),
		slog.Uint64("client_connections", stats.ClientConnections),
	)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Service stopped")
	return nil
}

func newTranscriptionBackend(cfg config.TranscriptionConfig, inference config.InferenceConfig) (transcription.Backend, error) {
	switch cfg.Backend {
	case config.BackendCLI:
		return transcription.NewCLIBackend(transcription.CLIConfig{
			BinaryPath: cfg.CLI.Binary,
			ModelPath:  cfg.CLI.ModelPath,
			Threads:    cfg.CLI.Threads,
		})
	default:
		return transcription.NewHTTPBackend(transcription.HTTPConfig{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Timeout:       inference.GetTimeoutDuration(),
			MaxRetries:    cfg.MaxRetries,
			MaxConcurrent: cfg.MaxConcurrent,
		})
	}
}

func catalogDevices(devices []config.DeviceConfig) []audio.Device {
	list := make([]audio.Device, 0, len(devices))
	for _, d := range devices {
		list = append(list, audio.Device{
			Name:              d.Name,
			Format:            d.Format,
			Input:             d.Input,
			Channels:          d.Channels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return list
}
