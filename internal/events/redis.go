package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/digitalmandi/mandi-engine/internal/metrics"
)

// DefaultChannel is the Pub/Sub channel events are published on.
const DefaultChannel = "mandi:events"

// RedisPublisher publishes events as JSON on a Redis Pub/Sub channel so
// other processes can follow marketplace activity. Emit enqueues; Run
// drains the queue.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	queue   chan Event
}

// NewRedisPublisher creates a publisher for channel (DefaultChannel if
// empty) buffering up to 1024 events.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		queue:   make(chan Event, 1024),
	}
}

// Emit queues an event. Drops if the queue is full.
func (p *RedisPublisher) Emit(e Event) {
	select {
	case p.queue <- e:
	default:
		metrics.EventsDropped.WithLabelValues("redis").Inc()
		log.Warn().Str("type", string(e.Kind)).Msg("redis publish queue full, event dropped")
	}
}

// Run publishes queued events until ctx is done. Publish failures are
// logged and the event is discarded.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.queue:
			if err := p.publish(ctx, e); err != nil {
				log.Warn().Err(err).Str("type", string(e.Kind)).Msg("event publish failed")
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Kind, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", p.channel, err)
	}
	return nil
}
