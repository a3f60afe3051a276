// Package memory turns past episodes into decision-ready context: cached
// similarity retrieval, translation into structured decision context, and
// asynchronous episode logging.
package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/loopworks/cadence/internal/model"
)

// EpisodeSearcher is the slice of the episode store the retriever needs.
type EpisodeSearcher interface {
	SearchEpisodesByEmbedding(ctx context.Context, query pgvector.Vector, projectID string, limit int, minSimilarity float32) ([]model.ScoredEpisode, error)
}

// Embedder converts text into a fingerprint vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Query describes one similarity lookup.
type Query struct {
	Context       string // Textual decision context to embed.
	ProjectID     string
	Limit         int
	MinQuality    float32
	MinSimilarity float32
}

func (q Query) cacheKey() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%.3f|%.3f", q.Context, q.ProjectID, q.Limit, q.MinQuality, q.MinSimilarity)
	return h.Sum64()
}

// RetrieverConfig tunes caching and timeout isolation.
type RetrieverConfig struct {
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// DefaultRetrieverConfig matches the platform defaults.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		CacheSize: 100,
		CacheTTL:  300 * time.Second,
		Timeout:   3 * time.Second,
	}
}

// Retriever wraps the episode store with caching, timeout isolation, and
// quality filtering. Retrieval never returns an error: any failure or
// timeout degrades to an empty result so the engine can proceed
// rule-only.
type Retriever struct {
	store    EpisodeSearcher
	embedder Embedder
	cache    *episodeCache
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRetriever builds a retriever.
func NewRetriever(store EpisodeSearcher, embedder Embedder, cfg RetrieverConfig, logger *slog.Logger) *Retriever {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		cache:    newEpisodeCache(cfg.CacheSize, cfg.CacheTTL),
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Retrieve returns similar episodes ordered by similarity descending
// (ties by recency). A cache hit within TTL returns the prior result;
// a timeout or store failure returns an empty slice, never an error.
func (r *Retriever) Retrieve(ctx context.Context, q Query) []model.ScoredEpisode {
	if q.Limit <= 0 {
		q.Limit = 10
	}

	key := q.cacheKey()
	if hit, ok := r.cache.get(key); ok {
		return hit
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vec, err := r.embedder.Embed(ctx, q.Context)
	if err != nil {
		r.logger.Warn("memory: embedding unavailable, retrieval degraded", "error", err)
		return nil
	}

	episodes, err := r.store.SearchEpisodesByEmbedding(ctx, vec, q.ProjectID, q.Limit, q.MinSimilarity)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("memory: retrieval timed out", "project_id", q.ProjectID)
		} else {
			r.logger.Warn("memory: retrieval failed", "project_id", q.ProjectID, "error", err)
		}
		return nil
	}

	if q.MinQuality > 0 {
		filtered := episodes[:0]
		for _, e := range episodes {
			if e.Quality() >= q.MinQuality {
				filtered = append(filtered, e)
			}
		}
		episodes = filtered
	}

	r.cache.put(key, episodes)
	return episodes
}
