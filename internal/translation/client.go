package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPConfig contains LibreTranslate-compatible endpoint configuration
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPBackend talks to a LibreTranslate-compatible API.
type HTTPBackend struct {
	config     HTTPConfig
	httpClient *http.Client

	mu        sync.RWMutex
	languages map[string]bool
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error,omitempty"`
}

type language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// NewHTTPBackend creates a backend for the endpoint in config.
func NewHTTPBackend(config HTTPConfig) (*HTTPBackend, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	return &HTTPBackend{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns the backend identifier.
func (b *HTTPBackend) Name() string {
	return "libretranslate"
}

// Init probes the language list; an unreachable service or an empty list
// leaves the translator unavailable.
func (b *HTTPBackend) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.Endpoint+"/languages", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var langs []language
	if err := json.NewDecoder(resp.Body).Decode(&langs); err != nil {
		return fmt.Errorf("failed to parse language list: %w", err)
	}
	if len(langs) == 0 {
		return fmt.Errorf("service reports no languages")
	}

	supported := make(map[string]bool, len(langs))
	for _, l := range langs {
		supported[l.Code] = true
	}

	b.mu.Lock()
	b.languages = supported
	b.mu.Unlock()

	return nil
}

// Supports reports whether code was in the language list seen at Init.
func (b *HTTPBackend) Supports(code string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.languages[code]
}

// Translate sends text for translation from src to tgt.
func (b *HTTPBackend) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	if !b.Supports(src) {
		return "", fmt.Errorf("unsupported source language %q", src)
	}
	if !b.Supports(tgt) {
		return "", fmt.Errorf("unsupported target language %q", tgt)
	}

	payload, err := json.Marshal(translateRequest{
		Q:      text,
		Source: src,
		Target: tgt,
		Format: "text",
		APIKey: b.config.APIKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.Endpoint+"/translate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	var result translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse response JSON (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if result.Error != "" {
			return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, result.Error)
		}
		return "", fmt.Errorf("HTTP error %d", resp.StatusCode)
	}

	return result.TranslatedText, nil
}
