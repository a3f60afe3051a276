package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/loopworks/cadence/internal/model"
)

// EpisodeWriter is the slice of the episode store the logger needs.
type EpisodeWriter interface {
	CreateEpisode(ctx context.Context, e model.Episode) (uuid.UUID, error)
	UpdateEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector) error
}

// LoggerConfig tunes the episode logger.
type LoggerConfig struct {
	// QueueSize bounds the in-flight queue. When full, the oldest queued
	// episode is dropped to admit the newest.
	QueueSize int

	// PersistTimeout bounds each persist plus embed cycle.
	PersistTimeout time.Duration
}

// DefaultLoggerConfig matches the platform defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		QueueSize:      256,
		PersistTimeout: 15 * time.Second,
	}
}

// EpisodeLogger persists decision episodes off the request path. Enqueue
// never blocks the caller: the queue is bounded and drops the oldest
// entry under pressure. Each dequeued episode is stored first, then
// embedded; an embedding failure leaves the stored row intact and
// searchable by non-vector queries.
type EpisodeLogger struct {
	store    EpisodeWriter
	embedder Embedder
	cfg      LoggerConfig
	logger   *slog.Logger

	mu    sync.Mutex
	queue []model.Episode
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	dropped uint64
}

// NewEpisodeLogger builds the logger. Call Run to start the worker.
func NewEpisodeLogger(store EpisodeWriter, embedder Embedder, cfg LoggerConfig, logger *slog.Logger) *EpisodeLogger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 15 * time.Second
	}
	return &EpisodeLogger{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue adds an episode for asynchronous persistence. It never blocks
// and never fails; under pressure the oldest queued episode is dropped.
func (l *EpisodeLogger) Enqueue(e model.Episode) {
	l.mu.Lock()
	var dropped uint64
	if len(l.queue) >= l.cfg.QueueSize {
		l.queue = l.queue[1:]
		l.dropped++
		dropped = l.dropped
	}
	l.queue = append(l.queue, e)
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Warn("episode queue full, dropped oldest", "dropped_total", dropped)
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// QueueDepth reports the current queue length for health reporting.
func (l *EpisodeLogger) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run drains the queue until ctx is cancelled, then flushes what remains
// before returning.
func (l *EpisodeLogger) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			l.flush()
			return
		case <-l.wake:
			l.drain(ctx)
		}
	}
}

// Done is closed when Run has returned.
func (l *EpisodeLogger) Done() <-chan struct{} {
	return l.done
}

func (l *EpisodeLogger) drain(ctx context.Context) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		if err := l.persist(ctx, e); err != nil {
			l.logger.Error("episode persist failed",
				"project_id", e.ProjectID, "error", err)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// flush persists remaining episodes with a fresh deadline after the run
// context is cancelled, so shutdown does not lose accepted work.
func (l *EpisodeLogger) flush() {
	l.mu.Lock()
	remaining := l.queue
	l.queue = nil
	l.mu.Unlock()

	if len(remaining) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.PersistTimeout)
	defer cancel()

	for _, e := range remaining {
		if err := l.persist(ctx, e); err != nil {
			l.logger.Error("episode flush failed",
				"project_id", e.ProjectID, "error", err)
		}
	}
}

// persist stores the episode, then computes and attaches its embedding.
// The row is committed before embedding starts so an embedding outage
// cannot lose the episode.
func (l *EpisodeLogger) persist(ctx context.Context, e model.Episode) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.PersistTimeout)
	defer cancel()

	id, err := l.store.CreateEpisode(ctx, e)
	if err != nil {
		return fmt.Errorf("memory: create episode: %w", err)
	}

	vec, err := l.embedder.Embed(ctx, EpisodeText(e))
	if err != nil {
		l.logger.Warn("episode stored without embedding",
			"episode_id", id, "project_id", e.ProjectID, "error", err)
		return nil
	}

	if err := l.store.UpdateEmbedding(ctx, id, vec); err != nil {
		l.logger.Warn("episode embedding not attached",
			"episode_id", id, "project_id", e.ProjectID, "error", err)
	}
	return nil
}

// EpisodeText renders an episode into the text that gets embedded. The
// same rendering is used when embedding a live snapshot for retrieval,
// so stored and query vectors live in the same space.
func EpisodeText(e model.Episode) string {
	sprint := ""
	if e.SprintID != nil {
		sprint = *e.SprintID
	}
	return fmt.Sprintf(
		"project=%s sprint=%s perception=%v reasoning=%v action=%v",
		e.ProjectID, sprint, e.Perception, e.Reasoning, e.Action)
}
