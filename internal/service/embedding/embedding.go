// Package embedding provides vector fingerprint generation for episode
// similarity search. The client calls the embedding service through the
// shared breaker/retry base; on timeout or open breaker the caller
// receives a distinct error and falls back to non-vector behavior.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/loopworks/cadence/internal/clients"
)

// ErrDimensionMismatch is returned when the service produces a vector of
// a different width than configured. Callers treat it as "embedding
// unavailable".
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

// ErrUnavailable is returned when the embedding service cannot be
// reached (timeout or open breaker). Callers must fall back to
// non-vector behavior.
var ErrUnavailable = errors.New("embedding: unavailable")

// Client generates fixed-width embedding vectors.
type Client struct {
	base       *clients.Client
	model      string
	dimensions int
}

// NewClient builds an embedding client. Dimensions must match the
// model's native output size (e.g. 1024 for mxbai-embed-large).
func NewClient(baseURL, model string, dimensions int, timeout time.Duration, bc clients.BreakerConfig, logger *slog.Logger) *Client {
	return &Client{
		base:       clients.NewClient("embedding", baseURL, timeout, bc, logger),
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the configured vector width.
func (c *Client) Dimensions() int {
	return c.dimensions
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a single embedding vector from text.
func (c *Client) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	var resp embedResponse
	err := c.base.DoJSON(ctx, http.MethodPost, "/api/embeddings", embedRequest{
		Model:  c.model,
		Prompt: text,
	}, &resp)
	if err != nil {
		if errors.Is(err, clients.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
			return pgvector.Vector{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return pgvector.Vector{}, err
	}

	if len(resp.Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("embedding: empty embedding returned")
	}
	if len(resp.Embedding) != c.dimensions {
		return pgvector.Vector{}, fmt.Errorf("%w: got %d, want %d",
			ErrDimensionMismatch, len(resp.Embedding), c.dimensions)
	}
	return pgvector.NewVector(resp.Embedding), nil
}

// EmbedBatch generates embeddings for multiple texts sequentially. The
// service has no native batch API; a failed item fails the batch.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding: batch item %d: %w", i, err)
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Health describes the embedding dependency's current status.
type Health struct {
	Status       string        `json:"status"` // ok or not_ready
	Latency      time.Duration `json:"latency"`
	BreakerState string        `json:"breaker_state"`
}

// HealthCheck probes the service with a trivial embed and reports
// status, latency, and breaker state. Any failure reports not_ready.
func (c *Client) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	_, err := c.Embed(ctx, "healthcheck")
	h := Health{
		Latency:      time.Since(start),
		BreakerState: c.base.BreakerState(),
	}
	if err != nil {
		h.Status = "not_ready"
	} else {
		h.Status = "ok"
	}
	return h
}
