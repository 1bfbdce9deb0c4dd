package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/service-dispatch/internal/logger"
)

const redisPrefix = "rt:"

// RedisBus fans events out across server instances through Redis
// pub/sub.  Each instance runs Listen and hands what it receives to its
// local connection hub.
type RedisBus struct {
	rdb *redis.Client
	log *logger.Logger
}

// NewRedisBus wraps a connected client.
func NewRedisBus(rdb *redis.Client, log *logger.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log}
}

// Publish sends the event to every instance subscribed to channel.
func (b *RedisBus) Publish(ctx context.Context, channel, event string, data any) error {
	env, err := NewEnvelope(channel, event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, redisPrefix+channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Deliverer receives encoded envelopes for a channel.
type Deliverer interface {
	Deliver(channel string, payload []byte) int
}

// Listen pattern-subscribes to every event channel and forwards payloads
// to d until ctx is cancelled.
func (b *RedisBus) Listen(ctx context.Context, d Deliverer) error {
	sub := b.rdb.PSubscribe(ctx, redisPrefix+"*")
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	b.log.Info("event bus listening", "pattern", redisPrefix+"*")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			channel := strings.TrimPrefix(m.Channel, redisPrefix)
			d.Deliver(channel, []byte(m.Payload))
		}
	}
}
