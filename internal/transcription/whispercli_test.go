package transcription

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeFakeScript creates a shell script standing in for the whisper binary.
func writeFakeScript(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "whisper")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("failed to write fake script: %v", err)
	}
	return path
}

func TestCLIBackendTranscribe(t *testing.T) {
	output := `{"segments": [{"start": 0.0, "end": 1.0, "text": " Hello"}, {"start": 1.0, "end": 2.0, "text": "world "}], "language": "en"}`
	bin := writeFakeScript(t, "echo '"+output+"'\n")

	backend, err := NewCLIBackend(CLIConfig{BinaryPath: bin, TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewCLIBackend failed: %v", err)
	}

	res, err := backend.Transcribe(context.Background(), testChunk(), Options{Language: "en", Model: "small"})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if res.Text != "Hello world" {
		t.Errorf("Expected joined segments, got %q", res.Text)
	}
	if res.Language != "en" {
		t.Errorf("Expected language en, got %q", res.Language)
	}
}

func TestCLIBackendRemovesTempFile(t *testing.T) {
	tmp := t.TempDir()
	bin := writeFakeScript(t, `echo '{"segments": []}'`+"\n")

	backend, _ := NewCLIBackend(CLIConfig{BinaryPath: bin, TempDir: tmp})
	if _, err := backend.Transcribe(context.Background(), testChunk(), Options{}); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("Expected temp dir cleaned up, found %d entries", len(entries))
	}
}

func TestCLIBackendFailure(t *testing.T) {
	bin := writeFakeScript(t, "echo 'model not found' >&2\nexit 2\n")
	backend, _ := NewCLIBackend(CLIConfig{BinaryPath: bin, TempDir: t.TempDir()})

	_, err := backend.Transcribe(context.Background(), testChunk(), Options{})
	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("Expected stderr in error, got %v", err)
	}
}

func TestCLIBackendTimeout(t *testing.T) {
	bin := writeFakeScript(t, "exec sleep 10\n")
	backend, _ := NewCLIBackend(CLIConfig{BinaryPath: bin, TempDir: t.TempDir()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := backend.Transcribe(ctx, testChunk(), Options{}); err == nil {
		t.Fatal("Expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Process was not killed on timeout")
	}
}

func TestCLIBackendArgs(t *testing.T) {
	backend := &CLIBackend{config: CLIConfig{BinaryPath: "whisper", Threads: 4}}
	args := strings.Join(backend.buildArgs("/tmp/x.wav", Options{Model: "base", Language: "de"}), " ")

	want := "--model base --output-json --device cpu --language de --threads 4 /tmp/x.wav"
	if args != want {
		t.Errorf("Expected args %q, got %q", want, args)
	}
}

func TestNewCLIBackendMissingBinary(t *testing.T) {
	if _, err := NewCLIBackend(CLIConfig{BinaryPath: "/nonexistent/whisper"}); err == nil {
		t.Error("Expected error for missing binary")
	}
}
