package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a tiltguard API.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	APIKey        string // Optional bearer token for a fronting gateway
	DefaultUserID string // Used when a tool call omits user_id
	DefaultPolicy string // Used when assess_trade omits policy_id
}

// Client is a pure HTTP client for the tiltguard v1 API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func (c *Client) user(userID string) string {
	if userID != "" {
		return userID
	}
	return c.cfg.DefaultUserID
}

// Assess submits signals and order context for a go/hold/block decision.
func (c *Client) Assess(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	if _, ok := body["userId"]; !ok || body["userId"] == "" {
		body["userId"] = c.cfg.DefaultUserID
	}
	if _, ok := body["policyId"]; !ok && c.cfg.DefaultPolicy != "" {
		body["policyId"] = c.cfg.DefaultPolicy
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/assessments", nil, body)
}

// GetAssessment returns one stored assessment.
func (c *Client) GetAssessment(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/assessments/"+url.PathEscape(id), nil, nil)
}

// History lists a user's assessments, newest first.
func (c *Client) History(ctx context.Context, userID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/users/" + url.PathEscape(c.user(userID)) + "/assessments"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// Override records an operator override of a hold or block.
func (c *Client) Override(ctx context.Context, id, by, reason string) (json.RawMessage, error) {
	body := map[string]string{"by": by, "reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/assessments/"+url.PathEscape(id)+"/override", nil, body)
}

// GetBaseline returns a user's personal baseline.
func (c *Client) GetBaseline(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(c.user(userID))+"/baseline", nil, nil)
}

// ListPolicies returns all trading policies.
func (c *Client) ListPolicies(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/policies", nil, nil)
}

// FaceMetrics returns the latest facial metrics of a live session.
func (c *Client) FaceMetrics(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(c.user(userID))+"/face/metrics", nil, nil)
}
