package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client reads the status API of a running sessionr supervisor.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9850",
		Timeout: 5 * time.Second,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the status API answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	var st SessionStatus
	if err := c.get(ctx, "/status", &st); err != nil {
		c.logger.Debug("Status API unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return true
}

// Status returns the supervisor snapshot.
func (c *Client) Status(ctx context.Context) (SessionStatus, error) {
	var st SessionStatus
	err := c.get(ctx, "/status", &st)
	return st, err
}

// Ledger returns the ledger contents with per-PID liveness.
func (c *Client) Ledger(ctx context.Context) (LedgerStatus, error) {
	var ls LedgerStatus
	err := c.get(ctx, "/ledger", &ls)
	return ls, err
}

// Children returns the latest resource samples keyed by child name.
func (c *Client) Children(ctx context.Context) (map[string]ChildSample, error) {
	out := map[string]ChildSample{}
	err := c.get(ctx, "/children", &out)
	return out, err
}

// Child returns the latest resource sample of one child.
func (c *Client) Child(ctx context.Context, name string) (ChildSample, error) {
	var s ChildSample
	err := c.get(ctx, "/children?name="+url.QueryEscape(name), &s)
	return s, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, er.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
