// Package cloud implements the vendor REST API client: status reads
// and command writes with bearer auth, a shared success predicate, and
// bounded retries on reads.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"devicebridge/internal/rules"
)

// StatusError reports a response outside the accepted status set.
// It is non-fatal: the caller leaves cached state stale so a future
// diff cycle retries.
type StatusError struct {
	HTTPStatus int
	BodyStatus int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cloud status not accepted: http=%d body=%d", e.HTTPStatus, e.BodyStatus)
}

// Accepted reports whether a status code counts as success. The vendor
// API uses both 200 and 100 as success codes, in the HTTP status line
// and in the response body envelope.
func Accepted(code int) bool {
	return code == http.StatusOK || code == http.StatusContinue
}

// envelope is the response body wrapper common to all endpoints.
type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Body       json.RawMessage `json:"body"`
}

// commandRequest is the JSON body for POST /devices/{id}/commands.
type commandRequest struct {
	Command     string `json:"command"`
	Parameter   string `json:"parameter"`
	CommandType string `json:"commandType"`
}

// Options tunes the client's retry behavior.
type Options struct {
	// MaxAttempts bounds status-read retries. Defaults to 3.
	MaxAttempts int
	// RetryDelay is the fixed delay between attempts. Defaults to 1s.
	RetryDelay time.Duration
	// Timeout bounds each request round-trip. Defaults to 10s.
	Timeout time.Duration
	// Disabled marks cloud access as turned off by account settings.
	Disabled bool
}

// Client talks to the vendor cloud API. The token and signing state are
// process-wide and read-only from a device's perspective.
type Client struct {
	baseURL     string
	token       string
	httpc       *http.Client
	logger      *zap.Logger
	maxAttempts int
	retryDelay  time.Duration
	disabled    bool
}

// NewClient creates a cloud API client.
func NewClient(baseURL, token string, opts Options, logger *zap.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		token:       token,
		httpc:       &http.Client{Timeout: opts.Timeout},
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		disabled:    opts.Disabled,
	}
}

// HasToken implements transport.CredentialSource.
func (c *Client) HasToken() bool {
	return c != nil && c.token != ""
}

// Enabled implements transport.CredentialSource.
func (c *Client) Enabled() bool {
	return c != nil && !c.disabled
}

// DeviceStatus performs GET /devices/{id}/status with bounded retries.
// Both network errors and non-accepted statuses are retried up to the
// attempt budget; the last error is returned.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (rules.Payload, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		payload, err := c.fetchStatus(ctx, deviceID)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		c.logger.Warn("Device status fetch failed",
			zap.String("device", deviceID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < c.maxAttempts {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("device %s status after %d attempts: %w", deviceID, c.maxAttempts, lastErr)
}

func (c *Client) fetchStatus(ctx context.Context, deviceID string) (rules.Payload, error) {
	url := fmt.Sprintf("%s/devices/%s/status", c.baseURL, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	if !Accepted(resp.StatusCode) || !Accepted(env.StatusCode) {
		return nil, &StatusError{HTTPStatus: resp.StatusCode, BodyStatus: env.StatusCode}
	}

	var payload rules.Payload
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, &payload); err != nil {
			return nil, fmt.Errorf("decode status body: %w", err)
		}
	}
	if payload == nil {
		payload = rules.Payload{}
	}
	return payload, nil
}

// SendCommand performs POST /devices/{id}/commands once. Retry policy
// for commands belongs to the dispatcher, which owns the per-device
// attempt budget.
func (c *Client) SendCommand(ctx context.Context, deviceID, command, parameter string) error {
	body, err := json.Marshal(commandRequest{
		Command:     command,
		Parameter:   parameter,
		CommandType: "command",
	})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	url := fmt.Sprintf("%s/devices/%s/commands", c.baseURL, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("command request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode command response: %w", err)
	}

	if !Accepted(resp.StatusCode) || !Accepted(env.StatusCode) {
		return &StatusError{HTTPStatus: resp.StatusCode, BodyStatus: env.StatusCode}
	}

	c.logger.Debug("Command accepted",
		zap.String("device", deviceID),
		zap.String("command", command),
		zap.String("parameter", parameter))
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}
