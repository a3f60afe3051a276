// Package clients provides HTTP clients for the downstream services
// (Project, Backlog, Sprint, Chronicle, Embedding) with per-service
// circuit breaking, bounded retries, and a shared error taxonomy.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned without network I/O while a service's
	// breaker is open.
	ErrCircuitOpen = errors.New("clients: circuit open")

	// ErrNotFound maps a 404 response.
	ErrNotFound = errors.New("clients: not found")

	// ErrConflict maps a 409 response (e.g. sprint already in progress).
	ErrConflict = errors.New("clients: conflict")

	// ErrInvalid maps a 422 response.
	ErrInvalid = errors.New("clients: invalid request")
)

// transientError marks failures worth retrying: transport errors and 5xx.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err is a retriable transport or 5xx failure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// BreakerConfig tunes the per-service circuit breaker.
type BreakerConfig struct {
	// ErrorRatio is the failure ratio that opens the breaker, evaluated
	// over calls within MonitorWindow. Strictly-exceeds semantics.
	ErrorRatio float64

	// MonitorWindow is the sliding window over which the ratio is computed.
	MonitorWindow time.Duration

	// BrokenTime is how long the breaker stays open before admitting a
	// single half-open probe.
	BrokenTime time.Duration
}

// DefaultBreakerConfig matches the platform defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ErrorRatio:    0.5,
		MonitorWindow: 60 * time.Second,
		BrokenTime:    30 * time.Second,
	}
}

const (
	maxAttempts      = 3
	backoffBase      = 1 * time.Second
	backoffCap       = 10 * time.Second
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 1024
)

// Client is the shared base for all service clients. Each call runs
// inside the service's circuit breaker; retries happen within a single
// breaker execution so only the final outcome counts toward the breaker.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient builds a base client for one downstream service.
func NewClient(name, baseURL string, timeout time.Duration, bc BreakerConfig, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // Single probe in half-open.
		Interval:    bc.MonitorWindow,
		Timeout:     bc.BrokenTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio > bc.ErrorRatio
		},
		// Fatal 4xx responses are the caller's problem, not the
		// service's health; only transport errors and 5xx count.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"service", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
	}
}

// BreakerState returns the breaker's current state string for health
// reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Name returns the service name.
func (c *Client) Name() string {
	return c.name
}

// DoJSON performs one JSON request through the breaker and retry policy,
// decoding a 2xx response body into out when out is non-nil.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doWithRetry(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("clients: %s: %w", c.name, ErrCircuitOpen)
	}
	return err
}

// doWithRetry attempts the request up to maxAttempts times with
// exponential backoff, retrying only transient failures.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	delay := backoffBase
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = c.doOnce(ctx, method, path, body, out)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		c.logger.Debug("retrying request",
			"service", c.name, "path", path, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("clients: %s: marshal request: %w", c.name, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("clients: %s: create request: %w", c.name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transientError{err: fmt.Errorf("clients: %s: send request: %w", c.name, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("clients: %s: decode response: %w", c.name, err)
		}
	}
	return nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("clients: %s: %w", c.name, ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("clients: %s: %s: %w", c.name, string(snippet), ErrConflict)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("clients: %s: %s: %w", c.name, string(snippet), ErrInvalid)
	case resp.StatusCode >= 500:
		return &transientError{err: fmt.Errorf("clients: %s: status %d: %s", c.name, resp.StatusCode, string(snippet))}
	default:
		return fmt.Errorf("clients: %s: status %d: %s", c.name, resp.StatusCode, string(snippet))
	}
}
