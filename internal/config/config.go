package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Inference     InferenceConfig     `yaml:"inference"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Translation   TranslationConfig   `yaml:"translation"`
	Settings      SettingsConfig      `yaml:"settings"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP and WebSocket server configuration
type ServerConfig struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	SendBuffer int    `yaml:"send_buffer"` // events queued per client
	InboxSize  int    `yaml:"inbox_size"`  // inbound messages queued for the event loop
}

// DeviceConfig describes one capture device known to ffmpeg
type DeviceConfig struct {
	Name              string  `yaml:"name"`
	Format            string  `yaml:"format"`
	Input             string  `yaml:"input"`
	Channels          int     `yaml:"channels"`
	DefaultSampleRate float64 `yaml:"default_sample_rate"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	FFmpegCommand          string         `yaml:"ffmpeg_command"`
	Devices                []DeviceConfig `yaml:"devices"`
	FrameSamples           int            `yaml:"frame_samples"`
	QueueCapacity          int            `yaml:"queue_capacity"` // frames
	OpenRetries            int            `yaml:"open_retries"`
	OpenBackoff            int            `yaml:"open_backoff"`             // milliseconds
	StartupWait            int            `yaml:"startup_wait"`             // milliseconds
	SaturationWarnInterval int            `yaml:"saturation_warn_interval"` // seconds
}

// InferenceConfig bounds transcription and translation work
type InferenceConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	Timeout       int `yaml:"timeout"` // seconds
}

// CLIConfig contains local whisper CLI configuration
type CLIConfig struct {
	Binary    string `yaml:"binary"`
	ModelPath string `yaml:"model_path"`
	Threads   int    `yaml:"threads"`
}

// TranscriptionConfig contains speech recognition backend configuration
type TranscriptionConfig struct {
	Backend       string    `yaml:"backend"`
	Endpoint      string    `yaml:"endpoint"`
	APIKey        string    `yaml:"api_key"`
	MaxRetries    int       `yaml:"max_retries"`
	MaxConcurrent int       `yaml:"max_concurrent"`
	CLI           CLIConfig `yaml:"cli"`
}

// TranslationConfig contains translation backend configuration
type TranslationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// SettingsConfig locates the persisted runtime settings
type SettingsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// SessionConfig contains session lifecycle configuration
type SessionConfig struct {
	StopTimeout int `yaml:"stop_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Transcription backends
const (
	BackendHTTP = "http"
	BackendCLI  = "cli"
)

// Default returns the configuration used for fields absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:    "127.0.0.1",
			Port:       8765,
			SendBuffer: 256,
			InboxSize:  1000,
		},
		Audio: AudioConfig{
			FFmpegCommand:          "ffmpeg",
			FrameSamples:           1024,
			QueueCapacity:          160,
			OpenRetries:            3,
			OpenBackoff:            200,
			StartupWait:            250,
			SaturationWarnInterval: 5,
		},
		Inference: InferenceConfig{
			MaxConcurrent: 2,
			Timeout:       30,
		},
		Transcription: TranscriptionConfig{
			Backend:       BackendHTTP,
			Endpoint:      "http://127.0.0.1:9000/v1/audio/transcriptions",
			MaxRetries:    2,
			MaxConcurrent: 2,
			CLI: CLIConfig{
				Binary:  "whisper-cli",
				Threads: 4,
			},
		},
		Translation: TranslationConfig{
			Enabled:  true,
			Endpoint: "http://127.0.0.1:5000",
			Timeout:  15,
		},
		Settings: SettingsConfig{
			Path:  "config.json",
			Watch: true,
		},
		Session: SessionConfig{
			StopTimeout: 35,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file over the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Inference.Validate(); err != nil {
		return fmt.Errorf("inference config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Translation.Validate(); err != nil {
		return fmt.Errorf("translation config: %w", err)
	}

	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if c.Session.StopTimeout < c.Inference.Timeout {
		return fmt.Errorf("session config: stop_timeout (%d) must not be shorter than inference timeout (%d)",
			c.Session.StopTimeout, c.Inference.Timeout)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be at least 1, got %d", s.SendBuffer)
	}

	if s.InboxSize < 1 {
		return fmt.Errorf("inbox_size must be at least 1, got %d", s.InboxSize)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.FFmpegCommand == "" {
		return fmt.Errorf("ffmpeg_command cannot be empty")
	}

	if a.FrameSamples < 64 || a.FrameSamples > 16384 {
		return fmt.Errorf("frame_samples must be between 64 and 16384, got %d", a.FrameSamples)
	}

	if a.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1 frame, got %d", a.QueueCapacity)
	}

	if a.OpenRetries < 1 {
		return fmt.Errorf("open_retries must be at least 1, got %d", a.OpenRetries)
	}

	if a.OpenBackoff < 0 {
		return fmt.Errorf("open_backoff cannot be negative, got %d", a.OpenBackoff)
	}

	if a.StartupWait < 0 {
		return fmt.Errorf("startup_wait cannot be negative, got %d", a.StartupWait)
	}

	if a.SaturationWarnInterval < 1 {
		return fmt.Errorf("saturation_warn_interval must be at least 1 second, got %d", a.SaturationWarnInterval)
	}

	for i, d := range a.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name cannot be empty", i)
		}
		if d.Format == "" || d.Input == "" {
			return fmt.Errorf("devices[%d] (%s): format and input are required", i, d.Name)
		}
		if d.Channels < 0 {
			return fmt.Errorf("devices[%d] (%s): channels cannot be negative, got %d", i, d.Name, d.Channels)
		}
	}

	return nil
}

// Validate validates inference configuration
func (i *InferenceConfig) Validate() error {
	if i.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", i.MaxConcurrent)
	}

	if i.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", i.Timeout)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case BackendHTTP:
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
		}
		if t.MaxConcurrent < 1 {
			return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
		}
	case BackendCLI:
		if t.CLI.Binary == "" {
			return fmt.Errorf("cli.binary cannot be empty for the cli backend")
		}
		if t.CLI.ModelPath == "" {
			return fmt.Errorf("cli.model_path cannot be empty for the cli backend")
		}
		if t.CLI.Threads < 1 {
			return fmt.Errorf("cli.threads must be at least 1, got %d", t.CLI.Threads)
		}
	default:
		return fmt.Errorf("backend must be '%s' or '%s', got '%s'", BackendHTTP, BackendCLI, t.Backend)
	}

	return nil
}

// Validate validates translation configuration
func (t *TranslationConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when translation is enabled")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	return nil
}

// Validate validates settings configuration
func (s *SettingsConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.StopTimeout < 1 {
		return fmt.Errorf("stop_timeout must be at least 1 second, got %d", s.StopTimeout)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path.
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetOpenBackoffDuration returns the device open backoff as a time.Duration
func (a *AudioConfig) GetOpenBackoffDuration() time.Duration {
	return time.Duration(a.OpenBackoff) * time.Millisecond
}

// GetStartupWaitDuration returns the capture startup wait as a time.Duration
func (a *AudioConfig) GetStartupWaitDuration() time.Duration {
	return time.Duration(a.StartupWait) * time.Millisecond
}

// GetSaturationWarnInterval returns the queue saturation warning interval as a time.Duration
func (a *AudioConfig) GetSaturationWarnInterval() time.Duration {
	return time.Duration(a.SaturationWarnInterval) * time.Second
}

// GetTimeoutDuration returns the inference timeout as a time.Duration
func (i *InferenceConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(i.Timeout) * time.Second
}

// GetTimeoutDuration returns the translation timeout as a time.Duration
func (t *TranslationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetStopTimeoutDuration returns the session stop timeout as a time.Duration
func (s *SessionConfig) GetStopTimeoutDuration() time.Duration {
	return time.Duration(s.StopTimeout) * time.Second
}
