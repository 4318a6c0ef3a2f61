package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/amurg-ai/collab/hub/internal/api"
	"github.com/amurg-ai/collab/hub/internal/router"
)

// Client reads hub status over the HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client for the hub at baseURL. token is an admin
// bearer token; without one only the public health report is available.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Health fetches GET /api/health.
func (c *Client) Health(ctx context.Context) (api.HealthReport, error) {
	var report api.HealthReport
	err := c.get(ctx, "/api/health", &report)
	return report, err
}

// Connections fetches the admin connection listing. It returns nil, nil
// when the client has no token.
func (c *Client) Connections(ctx context.Context) ([]router.ConnInfo, error) {
	if c.token == "" {
		return nil, nil
	}
	var conns []router.ConnInfo
	err := c.get(ctx, "/api/admin/connections", &conns)
	return conns, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("GET %s: %s", path, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
