// Package client is a Go client for the read-only status API of a bootvisor daemon.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "http://127.0.0.1:7070"
	defaultTimeout = 10 * time.Second
)

// ErrUnknownWorker is returned by StatusOf when the daemon supervises a different worker.
var ErrUnknownWorker = errors.New("unknown worker")

// Client reads the status API of a running bootvisor daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	token   string
	// setupErr is a TLS configuration failure; every request reports it.
	setupErr error
}

// Config holds client configuration
type Config struct {
	BaseURL  string // scheme://host:port plus the daemon's base path, if any
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool   // Skip TLS verification
	Token    string // bearer token when the daemon has [daemon.auth]
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // e.g. tls_ca.crt generated by the daemon
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: defaultBaseURL, Timeout: defaultTimeout}
}

// DefaultTLSConfig trusts the CA written next to an auto-generated daemon certificate.
func DefaultTLSConfig(caCert string) Config {
	return Config{
		BaseURL: "https://127.0.0.1:7070",
		Timeout: defaultTimeout,
		TLS:     &TLSClientConfig{Enabled: true, CACert: caCert},
	}
}

// InsecureConfig returns insecure client configuration (skip TLS verification)
func InsecureConfig() Config {
	return Config{BaseURL: "https://127.0.0.1:7070", Timeout: defaultTimeout, Insecure: true}
}

// New creates a status client. A broken TLS configuration does not fail construction;
// it is returned by the first request instead of silently falling back to defaults.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		token:   config.Token,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			c.logger.Error("TLS setup failed", "error", err)
			c.setupErr = fmt.Errorf("tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}
	c.client = &http.Client{Timeout: config.Timeout, Transport: transport}
	return c
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.get(ctx, "/healthz")
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the worker status. A fatal worker is reported with HTTP 503 and is
// still returned as a Report, not as an error.
func (c *Client) Status(ctx context.Context) (*Report, error) {
	return c.status(ctx, "/status")
}

// StatusOf is Status that fails with ErrUnknownWorker unless the daemon supervises worker.
func (c *Client) StatusOf(ctx context.Context, worker string) (*Report, error) {
	return c.status(ctx, "/status?worker="+url.QueryEscape(worker))
}

func (c *Client) status(ctx context.Context, path string) (*Report, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable:
	case http.StatusNotFound:
		err := c.handleErrorResponse(resp)
		if strings.Contains(err.Error(), "unknown worker") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownWorker, err)
		}
		return nil, err
	default:
		return nil, c.handleErrorResponse(resp)
	}
	var rep Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if rep.Code == "" {
		return nil, fmt.Errorf("HTTP %d: response is not a status report", resp.StatusCode)
	}
	return &rep, nil
}

// Resources fetches the worker CPU/memory samples.
func (c *Client) Resources(ctx context.Context) (*Resources, error) {
	resp, err := c.get(ctx, "/status/resources")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}
	var out Resources
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return &out, nil
}

// setupClientTLS builds the client TLS config. The result is usable even with an error.
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify // #nosec G402 explicit opt-in
	tlsConfig.ServerName = config.TLS.ServerName

	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return tlsConfig, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return tlsConfig, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// get performs a GET request relative to the base URL; the caller closes the body.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	if c.setupErr != nil {
		return nil, c.setupErr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// handleErrorResponse turns a non-200 response into an error.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
