package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
)

// CLIConfig configures the local whisper CLI backend
type CLIConfig struct {
	BinaryPath string
	ModelPath  string
	Threads    int
	TempDir    string
}

// CLIBackend runs a whisper CLI once per chunk on a temporary WAV file and
// parses the JSON it prints on stdout.
type CLIBackend struct {
	config CLIConfig
}

// cliSegment is one segment of the CLI JSON output
type cliSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// cliOutput is the JSON document printed by the CLI
type cliOutput struct {
	Segments []cliSegment `json:"segments"`
	Language string       `json:"language"`
}

// NewCLIBackend creates a backend around the binary in config.
func NewCLIBackend(config CLIConfig) (*CLIBackend, error) {
	if config.BinaryPath == "" {
		return nil, fmt.Errorf("binary path cannot be empty")
	}
	if _, err := exec.LookPath(config.BinaryPath); err != nil {
		return nil, fmt.Errorf("whisper binary %q not usable: %w", config.BinaryPath, err)
	}
	return &CLIBackend{config: config}, nil
}

// Name returns the backend identifier.
func (b *CLIBackend) Name() string {
	return "whisper_cli"
}

// Transcribe writes chunk to a temp file and runs the CLI on it. The process
// is killed when ctx ends.
func (b *CLIBackend) Transcribe(ctx context.Context, chunk *audio.AudioChunk, opts Options) (Result, error) {
	wav, err := audio.EncodeWAV(chunk.Samples, chunk.SampleRate)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode chunk: %w", err)
	}

	f, err := os.CreateTemp(b.config.TempDir, "chunk-*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(wav); err != nil {
		f.Close()
		return Result{}, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.config.BinaryPath, b.buildArgs(f.Name(), opts)...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("whisper CLI killed: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Result{}, fmt.Errorf("whisper CLI failed: %w: %s", err, msg)
		}
		return Result{}, fmt.Errorf("whisper CLI failed: %w", err)
	}

	var output cliOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return Result{}, fmt.Errorf("failed to parse whisper CLI output: %w", err)
	}

	parts := make([]string, 0, len(output.Segments))
	for _, seg := range output.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return Result{Text: strings.Join(parts, " "), Language: output.Language}, nil
}

// buildArgs constructs the CLI arguments.
func (b *CLIBackend) buildArgs(filePath string, opts Options) []string {
	var args []string

	switch {
	case b.config.ModelPath != "":
		args = append(args, "--model", b.config.ModelPath)
	case opts.Model != "":
		args = append(args, "--model", opts.Model)
	}

	args = append(args, "--output-json", "--device", opts.Device())

	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}

	if b.config.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(b.config.Threads))
	}

	return append(args, filePath)
}
