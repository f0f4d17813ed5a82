package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/MisterGoodDeal/live-translation/internal/config"
	"github.com/MisterGoodDeal/live-translation/internal/transcription"
)

func TestCatalogDevices(t *testing.T) {
	devices := catalogDevices([]config.DeviceConfig{
		{Name: "Mic", Format: "pulse", Input: "default", Channels: 1, DefaultSampleRate: 48000},
		{Name: "Speakers", Format: "pulse", Input: "monitor", Channels: 0, DefaultSampleRate: 44100},
	})

	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(devices))
	}
	if devices[0].Name != "Mic" || devices[0].Input != "default" || devices[0].Channels != 1 {
		t.Errorf("Unexpected first device: %+v", devices[0])
	}
	if devices[1].DefaultSampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %v", devices[1].DefaultSampleRate)
	}
}

func TestNewTranscriptionBackend(t *testing.T) {
	cfg := config.Default()

	backend, err := newTranscriptionBackend(cfg.Transcription, cfg.Inference)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := backend.(*transcription.HTTPBackend); !ok {
		t.Errorf("Expected HTTP backend, got %T", backend)
	}

	cfg.Transcription.Backend = config.BackendCLI
	cfg.Transcription.CLI.Binary = "definitely-not-a-whisper-binary"
	if _, err := newTranscriptionBackend(cfg.Transcription, cfg.Inference); err == nil {
		t.Error("Expected error for missing CLI binary")
	}
}

func TestInitLoggerLevels(t *testing.T) {
	tests := []struct {
		level     string
		format    string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", "text", true, true},
		{"info", "text", false, true},
		{"error", "json", false, false},
		{"bogus", "json", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level+"_"+tt.format, func(t *testing.T) {
			logger := initLogger(config.LoggingConfig{Level: tt.level, Format: tt.format, Output: "stderr"})
			ctx := context.Background()

			if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("Expected debug enabled %v, got %v", tt.wantDebug, got)
			}
			if got := logger.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("Expected info enabled %v, got %v", tt.wantInfo, got)
			}
		})
	}
}
