// Package dhis talks to a remote DHIS2 instance: SQL view execution with
// pagination, analytics and metadata lookups, all through an authenticated
// instance handle.
package dhis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Instance is an authenticated handle to a remote DHIS2 server. The auth
// header is prebuilt so credentials never travel further than this struct.
type Instance struct {
	ID         string
	Name       string
	BaseURL    string
	AuthHeader string
}

// BasicAuth builds the Authorization header value for username:password.
func BasicAuth(username, password string) string {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token
}

// Config configures the HTTP client.
type Config struct {
	Timeout  time.Duration // HTTP timeout. Default: 30s.
	MaxBytes int64         // Max response body size. Default: 10MB.
	// UserAgent sent with requests.
	UserAgent string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "metadata-dictionary/1.0"
	}
}

// Client performs JSON requests against an instance.
type Client struct {
	http   *http.Client
	config Config
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

// GetJSON fetches url with the instance's auth header and decodes the JSON
// body. Non-2xx responses return an *UpstreamError carrying status and a
// body excerpt for diagnostics.
func (c *Client) GetJSON(ctx context.Context, inst *Instance, url string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dhis: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if inst != nil && inst.AuthHeader != "" {
		req.Header.Set("Authorization", inst.AuthHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dhis: http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("dhis: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: excerpt(body)}
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("dhis: json decode: %w", err)
	}
	return raw, nil
}

// excerpt bounds an error body so it stays loggable.
func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
