package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
)

// HTTPConfig contains Whisper-compatible endpoint configuration
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	BaseBackoff   time.Duration
}

// HTTPBackend posts chunks as WAV files to a Whisper-compatible
// /audio/transcriptions endpoint.
type HTTPBackend struct {
	config     HTTPConfig
	httpClient *http.Client
	sem        *semaphore.Weighted
	active     int64

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// transcriptionResponse is the JSON body returned by the endpoint
type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// ClientStats represents backend statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int64         `json:"active_requests"`
}

// statusError is a non-2xx response from the endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewHTTPBackend creates a backend for the endpoint in config.
func NewHTTPBackend(config HTTPConfig) (*HTTPBackend, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 500 * time.Millisecond
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPBackend{
		config:     config,
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}, nil
}

// Name returns the backend identifier.
func (b *HTTPBackend) Name() string {
	return "http"
}

// Transcribe uploads chunk and returns the recognised text. Retryable failures
// are retried with exponential backoff.
func (b *HTTPBackend) Transcribe(ctx context.Context, chunk *audio.AudioChunk, opts Options) (Result, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer b.sem.Release(1)

	b.mu.Lock()
	b.active++
	b.totalRequests++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	wav, err := audio.EncodeWAV(chunk.Samples, chunk.SampleRate)
	if err != nil {
		b.incrementFailedRequests()
		return Result{}, fmt.Errorf("failed to encode chunk: %w", err)
	}

	startTime := time.Now()
	var lastErr error

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			b.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * b.config.BaseBackoff
			if backoffTime > 10*time.Second {
				backoffTime = 10 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				b.incrementFailedRequests()
				return Result{}, ctx.Err()
			}
		}

		response, err := b.doRequest(ctx, chunk, wav, opts)
		if err == nil {
			b.incrementSuccessRequests()
			b.updateAvgResponseTime(time.Since(startTime))
			return Result{Text: response.Text, Language: response.Language}, nil
		}

		lastErr = err

		if ctx.Err() != nil || !isRetryableError(err) {
			break
		}
	}

	b.incrementFailedRequests()
	return Result{}, fmt.Errorf("transcription failed after %d attempts: %w", b.config.MaxRetries+1, lastErr)
}

// doRequest performs a single upload
func (b *HTTPBackend) doRequest(ctx context.Context, chunk *audio.AudioChunk, wav []byte, opts Options) (*transcriptionResponse, error) {
	body, contentType, err := createMultipartRequest(chunk, wav, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "live-translation/1.0")
	if b.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(respBody))}
	}

	var result transcriptionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &result, nil
}

// createMultipartRequest builds the multipart/form-data body
func createMultipartRequest(chunk *audio.AudioChunk, wav []byte, opts Options) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", chunk.ChunkID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"model", opts.Model},
		{"response_format", "json"},
		{"temperature", "0"},
		{"device", opts.Device()},
		{"chunk_id", chunk.ChunkID},
		{"sample_rate", strconv.Itoa(chunk.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", chunk.Duration.Seconds())},
	}
	if opts.Language != "" {
		fields = append(fields, [2]string{"language", opts.Language})
	}

	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether another attempt may succeed: server errors,
// rate limiting, timeouts and connection failures.
func isRetryableError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Statistics methods
func (b *HTTPBackend) incrementSuccessRequests() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successRequests++
}

func (b *HTTPBackend) incrementFailedRequests() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failedRequests++
}

func (b *HTTPBackend) incrementTotalRetries() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRetries++
}

func (b *HTTPBackend) updateAvgResponseTime(responseTime time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.avgResponseTime == 0 {
		b.avgResponseTime = responseTime
	} else {
		b.avgResponseTime = (b.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current backend statistics
func (b *HTTPBackend) GetStats() ClientStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	successRate := float64(0)
	if b.totalRequests > 0 {
		successRate = float64(b.successRequests) / float64(b.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   b.totalRequests,
		SuccessRequests: b.successRequests,
		FailedRequests:  b.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    b.totalRetries,
		AvgResponseTime: b.avgResponseTime,
		ActiveRequests:  b.active,
	}
}
