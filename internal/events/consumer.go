package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopworks/cadence/internal/model"
)

// Handler processes one decoded event. A nil return acknowledges the
// entry; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, e model.Event) error

const (
	readBlock     = 1000 * time.Millisecond
	readCount     = 16
	claimMinIdle  = 60 * time.Second
	claimInterval = 30 * time.Second
)

// Consumer reads a set of streams in one consumer group, dispatching by
// event type. Unknown event types are acknowledged and logged, never
// retried. Entries left pending by a crashed consumer are reclaimed once
// idle past the claim threshold.
type Consumer struct {
	rdb      redis.UniversalClient
	group    string
	consumer string
	streams  []string
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewConsumer builds a consumer. The consumer name should be stable per
// process so restarts reclaim their own pending entries.
func NewConsumer(rdb redis.UniversalClient, group, consumer string, streams []string, logger *slog.Logger) *Consumer {
	return &Consumer{
		rdb:      rdb,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// On registers the handler for one event type. Not safe to call after
// Run has started.
func (c *Consumer) On(eventType string, h Handler) {
	c.handlers[eventType] = h
}

// Run ensures the groups exist, then loops reading new entries until ctx
// is cancelled. Pending entries from dead consumers are reclaimed
// periodically.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroups(ctx); err != nil {
		return err
	}

	claimTicker := time.NewTicker(claimInterval)
	defer claimTicker.Stop()
	c.reclaim(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-claimTicker.C:
			c.reclaim(ctx)
		default:
		}

		if err := c.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("stream read failed", "group", c.group, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.rdb.XGroupCreateMkStream(ctx, stream, c.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("events: create group %s on %s: %w", c.group, stream, err)
		}
	}
	return nil
}

// readOnce blocks up to readBlock for new entries across all streams.
func (c *Consumer) readOnce(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	results, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  args,
		Count:    readCount,
		Block:    readBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, res := range results {
		for _, msg := range res.Messages {
			c.dispatch(ctx, res.Stream, msg)
		}
	}
	return nil
}

// dispatch decodes and handles one entry. Malformed entries and unknown
// types are acked so they cannot wedge the group; handler errors leave
// the entry pending for redelivery, so handlers must be idempotent.
func (c *Consumer) dispatch(ctx context.Context, stream string, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		c.logger.Warn("stream entry missing data field",
			"stream", stream, "entry_id", msg.ID)
		c.ack(ctx, stream, msg.ID)
		return
	}

	e, err := model.ParseEvent(data)
	if err != nil {
		c.logger.Warn("malformed event skipped",
			"stream", stream, "entry_id", msg.ID, "error", err)
		c.ack(ctx, stream, msg.ID)
		return
	}

	h, ok := c.handlers[e.EventType]
	if !ok {
		c.logger.Debug("unhandled event type",
			"stream", stream, "event_type", e.EventType, "entry_id", msg.ID)
		c.ack(ctx, stream, msg.ID)
		return
	}

	if err := h(ctx, e); err != nil {
		c.logger.Error("event handler failed, entry left pending",
			"stream", stream, "event_type", e.EventType, "entry_id", msg.ID, "error", err)
		return
	}
	c.ack(ctx, stream, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.rdb.XAck(ctx, stream, c.group, id).Err(); err != nil {
		c.logger.Error("ack failed", "stream", stream, "entry_id", id, "error", err)
	}
}

// reclaim takes over entries pending longer than claimMinIdle, typically
// left by a crashed consumer, and re-dispatches them.
func (c *Consumer) reclaim(ctx context.Context) {
	for _, stream := range c.streams {
		start := "0-0"
		for {
			msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  claimMinIdle,
				Start:    start,
				Count:    readCount,
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("pending reclaim failed", "stream", stream, "error", err)
				}
				break
			}
			for _, msg := range msgs {
				c.dispatch(ctx, stream, msg)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}
