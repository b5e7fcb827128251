// Package ocr submits page images to the external OCR endpoint and routes
// structured results through the task queue into the store.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/observability"
)

// ClientConfig holds the OCR endpoint settings.
type ClientConfig struct {
	Endpoint       string
	APIKey         string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client talks to the OCR HTTP endpoint.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	log        *observability.Logger
}

// NewClient creates a new OCR client.
func NewClient(cfg ClientConfig, log *observability.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.WithComponent("ocr.client"),
	}
}

// Recognize submits one image and returns the structured OCR result. Non-2xx
// responses surface as an explicit "OCR API Error: <status> <statusText>".
func (c *Client) Recognize(ctx context.Context, image []byte, opts domain.OCROptions) (*domain.OCRResult, error) {
	body, contentType, err := buildMultipart(image, opts)
	if err != nil {
		return nil, domain.APIError("Failed to build OCR request", err)
	}

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.APIError(fmt.Sprintf("OCR API Error: %d %s",
			resp.StatusCode, http.StatusText(resp.StatusCode)), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.APIError("Failed to read OCR response", err)
	}

	result := &domain.OCRResult{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, domain.APIError("Failed to decode OCR response", err)
	}
	return result, nil
}

func buildMultipart(image []byte, opts domain.OCROptions) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	part, err := w.CreateFormFile("file", "page.jpg")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}

	mode := opts.Mode
	if mode == "" {
		mode = domain.ModeDocument
	}
	fields := map[string]string{
		"prompt_type": string(mode),
		"grounding":   strconv.FormatBool(opts.GroundingEnabled()),
	}
	if opts.CustomPrompt != "" {
		fields["custom_prompt"] = opts.CustomPrompt
	}
	if opts.FindTerm != "" {
		fields["find_term"] = opts.FindTerm
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// shouldRetry determines if a status code is retryable.
func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// calculateBackoff calculates exponential backoff duration.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(c.cfg.MaxBackoff) {
		backoff = float64(c.cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}

// retryWithBackoff wraps an HTTP request with retry logic for transient
// failures. Non-retryable responses return immediately; the queue manager
// itself never retries.
func (c *Client) retryWithBackoff(ctx context.Context, reqFunc func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := reqFunc()
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			if !shouldRetry(resp.StatusCode) {
				return resp, nil
			}
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			if resp.Body != nil {
				resp.Body.Close()
			}
		}

		if attempt == c.cfg.MaxRetries {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.log.Warn().Int("attempt", attempt+1).Dur("backoff", backoff).Err(lastErr).
			Msg("OCR request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	// A retryable status that exhausted its retries surfaces the same way a
	// non-retryable one does; only transport-level failures keep the retry
	// wording.
	if lastStatus != 0 {
		return nil, domain.APIError(fmt.Sprintf("OCR API Error: %d %s",
			lastStatus, http.StatusText(lastStatus)), lastErr)
	}
	return nil, domain.APIError(fmt.Sprintf("OCR request failed after %d retries", c.cfg.MaxRetries), lastErr)
}
