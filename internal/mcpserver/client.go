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

// Config holds the configuration for connecting to the Trustline API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret on every call
	APIKey      string // Optional operator key, sent as a bearer token
}

// Client is a pure HTTP client for the Trustline admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new admin API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
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

	req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
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

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

// GetTransaction returns a transaction and its derived deadlines.
func (c *Client) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/transactions/"+url.PathEscape(id), nil, nil)
}

// ListRepairs returns the deadline repair audit trail of a transaction.
func (c *Client) ListRepairs(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/transactions/"+url.PathEscape(id)+"/repairs", nil, nil)
}

// ListOpenDisputes returns unresolved disputes, oldest deadline first.
func (c *Client) ListOpenDisputes(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", limitQuery(limit), nil)
}

// GetDispute returns a single dispute.
func (c *Client) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes/"+url.PathEscape(id), nil, nil)
}

// ResolveDispute settles a dispute with the given refund percentage.
func (c *Client) ResolveDispute(ctx context.Context, id string, refundPercentage int, resolution string) (json.RawMessage, error) {
	body := map[string]any{
		"refundPercentage": refundPercentage,
	}
	if resolution != "" {
		body["resolution"] = resolution
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/disputes/"+url.PathEscape(id)+"/resolve", nil, body)
}

// PostDisputeMessage adds an operator message to a dispute thread.
func (c *Client) PostDisputeMessage(ctx context.Context, id, message string) (json.RawMessage, error) {
	body := map[string]string{"message": message}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/disputes/"+url.PathEscape(id)+"/messages", nil, body)
}

// ListDisputeMessages returns the full thread including admin messages.
func (c *Client) ListDisputeMessages(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes/"+url.PathEscape(id)+"/messages", nil, nil)
}

// RunSweep triggers one deadline sweep.
func (c *Client) RunSweep(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/sweep", nil, nil)
}

// RepairDeadlines runs the stale-deadline repair pass.
func (c *Client) RepairDeadlines(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/repair-deadlines", limitQuery(limit), nil)
}
