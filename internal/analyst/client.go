package analyst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/tiltguard/internal/retry"
)

// maxResponseBytes bounds how much of an external response is read.
const maxResponseBytes = 64 << 10

// Config holds the connection settings for the external analyzer.
type Config struct {
	URL     string        // full endpoint URL; empty disables the external path
	APIKey  string        // bearer token, optional
	Timeout time.Duration // per-attempt timeout
}

// Client is a pure HTTP client for the external analyzer.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client. A zero timeout defaults to 3s.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured reports whether an endpoint is set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.URL != ""
}

// apiError represents an error response from the analyzer.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Analyze posts the summary and decodes a validated report. Client errors
// (4xx) and malformed reports are permanent; transport errors and 5xx are
// retryable.
func (c *Client) Analyze(ctx context.Context, s Summary) (Report, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Report{}, retry.Permanent(fmt.Errorf("marshal summary: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return Report{}, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Report{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := string(body)
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		err := fmt.Errorf("analyst error (%d): %s", resp.StatusCode, msg)
		if resp.StatusCode < 500 {
			return Report{}, retry.Permanent(err)
		}
		return Report{}, err
	}

	var r Report
	if err := json.Unmarshal(body, &r); err != nil {
		return Report{}, retry.Permanent(fmt.Errorf("%w: %v", ErrMalformedReport, err))
	}
	if err := r.Validate(); err != nil {
		return Report{}, retry.Permanent(err)
	}
	return r, nil
}
