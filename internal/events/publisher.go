// Package events carries orchestration events over Redis Streams. Every
// stream entry holds a single "data" field whose value is the JSON event
// envelope; consumers use consumer groups with explicit acknowledgement.
package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/loopworks/cadence/internal/model"
)

// maxStreamLen caps stream growth, trimmed approximately on append.
const maxStreamLen = 10000

// Publisher appends events to named streams.
type Publisher struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewPublisher builds a publisher.
func NewPublisher(rdb redis.UniversalClient, logger *slog.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger}
}

// Publish appends one event. The entry id is assigned by the server.
func (p *Publisher) Publish(ctx context.Context, stream string, e model.Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return fmt.Errorf("events: publish to %s: %w", stream, err)
	}

	p.logger.Debug("event published",
		"stream", stream, "event_type", e.EventType, "entry_id", id)
	return nil
}

// PublishAsync publishes without blocking the caller; failures only log.
// Used for fire-and-forget orchestration events on the decision path.
func (p *Publisher) PublishAsync(ctx context.Context, stream string, e model.Event) {
	go func() {
		if err := p.Publish(context.WithoutCancel(ctx), stream, e); err != nil {
			p.logger.Error("event publish failed",
				"stream", stream, "event_type", e.EventType, "error", err)
		}
	}()
}
