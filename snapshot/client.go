package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fleet-monitor/config"
	"fleet-monitor/models"
)

// Client fetches the roster from the admin backend over HTTP.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
}

// NewClient creates a roster client for baseURL+path. A nil httpClient uses
// http.DefaultClient; no per-request timeout is added on top of the
// transport's own.
func NewClient(httpClient *http.Client, baseURL, path, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		url:        strings.TrimRight(baseURL, "/") + path,
		token:      token,
	}
}

// NewClientFromConfig builds the roster client for the http source. Requests
// are bounded by ctx and the transport only.
func NewClientFromConfig(cfg config.SnapshotConfig) *Client {
	return NewClient(&http.Client{}, cfg.BaseURL, cfg.Path, cfg.Token)
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Success *bool                   `json:"success"`
	Message string                  `json:"message"`
	Data    []models.DriverSnapshot `json:"data"`
}

// Fetch requests the active roster.
func (c *Client) Fetch(ctx context.Context) ([]models.DriverSnapshot, error) {
	list, err := c.fetch(ctx)
	if err != nil {
		return nil, &FetchError{Source: c.url, Cause: err}
	}
	return list, nil
}

func (c *Client) fetch(ctx context.Context) ([]models.DriverSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return Decode(body)
}

// Decode parses a roster body: either a bare JSON array of drivers or the
// {"success","message","data"} envelope.
func Decode(body []byte) ([]models.DriverSnapshot, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	switch body[0] {
	case '[':
		var list []models.DriverSnapshot
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decoding roster: %w", err)
		}
		return list, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decoding roster: %w", err)
		}
		if env.Success != nil && !*env.Success {
			return nil, fmt.Errorf("backend refused roster request: %s", env.Message)
		}
		if env.Data == nil {
			return []models.DriverSnapshot{}, nil
		}
		return env.Data, nil
	}
	return nil, fmt.Errorf("unexpected roster payload starting with %q", body[0])
}
