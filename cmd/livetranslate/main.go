package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MisterGoodDeal/live-translation/internal/config"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "live-translation"
	serviceVersion    = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:   "livetranslate",
	Short: "Live microphone transcription and translation server",
	Long: `livetranslate captures a microphone, transcribes what it hears and
translates the text, pushing every step to WebSocket clients.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().String("address", "", "Address to bind the server to")
	rootCmd.PersistentFlags().Int("port", 0, "Port to listen on")
	rootCmd.PersistentFlags().String("settings", "", "Path to the runtime settings file")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("server.address", rootCmd.PersistentFlags().Lookup("address"))
	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("settings.path", rootCmd.PersistentFlags().Lookup("settings"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devicesCmd)
}

// initConfig lets LIVETRANSLATE_* environment variables override the file,
// e.g. LIVETRANSLATE_SERVER_PORT or LIVETRANSLATE_TRANSCRIPTION_API_KEY.
func initConfig() {
	viper.SetEnvPrefix("LIVETRANSLATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the YAML file and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	if viper.IsSet("server.address") {
		cfg.Server.Address = viper.GetString("server.address")
	}
	if viper.IsSet("server.port") {
		cfg.Server.Port = viper.GetInt("server.port")
	}
	if viper.IsSet("logging.level") {
		cfg.Logging.Level = viper.GetString("logging.level")
	}
	if viper.IsSet("logging.format") {
		cfg.Logging.Format = viper.GetString("logging.format")
	}
	if viper.IsSet("settings.path") {
		cfg.Settings.Path = viper.GetString("settings.path")
	}
	if viper.IsSet("transcription.api_key") {
		cfg.Transcription.APIKey = viper.GetString("transcription.api_key")
	}
	if viper.IsSet("transcription.endpoint") {
		cfg.Transcription.Endpoint = viper.GetString("transcription.endpoint")
	}
	if viper.IsSet("translation.api_key") {
		cfg.Translation.APIKey = viper.GetString("translation.api_key")
	}
	if viper.IsSet("translation.endpoint") {
		cfg.Translation.Endpoint = viper.GetString("translation.endpoint")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level:     slog.Level(level),
			AddSource: level == log.DebugLevel,
		}))
	default:
		handler := log.NewWithOptions(output, log.Options{
			Level:           level,
			ReportTimestamp: true,
			ReportCaller:    level == log.DebugLevel,
			Prefix:          serviceName,
		})
		return slog.New(handler)
	}
}
