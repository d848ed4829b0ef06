// Package publisher writes normalized events to Redis: latest-value hashes
// per symbol, capped trade streams, and a single pub/sub channel carrying
// typed envelopes. Publish failures are counted and never block the pipeline.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"quantpipe-md-risk/internal/market"
	"quantpipe-md-risk/internal/metrics"
)

const (
	// DefaultChannel is the pub/sub channel every envelope is published on.
	DefaultChannel = "market_data"
	// DefaultStreamMaxLen caps each per-(exchange, symbol) trade stream.
	DefaultStreamMaxLen = 10_000
)

// Options configures a RedisPublisher.
type Options struct {
	Addr         string
	Channel      string
	StreamMaxLen int64
	TrimExact    bool // exact XADD trimming instead of approximate
}

// RedisPublisher is the durable cache and fan-out layer.
type RedisPublisher struct {
	client       *redis.Client
	channel      string
	streamMaxLen int64
	trimApprox   bool
}

// envelope is the wire format on the pub/sub channel.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(opts Options) (*RedisPublisher, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = DefaultStreamMaxLen
	}

	client := redis.NewClient(&redis.Options{Addr: opts.Addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{
		client:       client,
		channel:      opts.Channel,
		streamMaxLen: opts.StreamMaxLen,
		trimApprox:   !opts.TrimExact,
	}, nil
}

// Client returns the underlying Redis client.
func (p *RedisPublisher) Client() *redis.Client { return p.client }

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// Channel returns the pub/sub channel name.
func (p *RedisPublisher) Channel() string { return p.channel }

// Publish persists ev under the latest-value key layout and emits a typed
// envelope on the channel. Errors are logged and counted; the caller keeps
// dispatching regardless.
func (p *RedisPublisher) Publish(ctx context.Context, ev *market.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.RecordPublishError(string(ev.Type))
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to marshal event")
		return
	}

	timer := metrics.NewTimer()
	if err := p.store(ctx, ev, data); err != nil {
		metrics.RecordPublishError(string(ev.Type))
		log.Error().Err(err).
			Str("type", string(ev.Type)).
			Str("exchange", ev.Exchange).
			Str("symbol", ev.Symbol).
			Msg("Failed to store event")
	}

	env, _ := json.Marshal(envelope{
		Type:      string(ev.Type),
		Data:      data,
		Timestamp: ev.UnifiedTS,
	})
	if err := p.client.Publish(ctx, p.channel, env).Err(); err != nil {
		metrics.RecordPublishError(string(ev.Type))
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish event")
		return
	}
	timer.ObserveDuration(metrics.PublishDuration, string(ev.Type))
}

// store writes the latest-value hash, or appends to the trade stream for
// trade events.
func (p *RedisPublisher) store(ctx context.Context, ev *market.Event, data []byte) error {
	field := fmt.Sprintf("%s:%s", ev.Exchange, ev.Symbol)

	switch ev.Type {
	case market.DataTypeTicker:
		return p.client.HSet(ctx, "market:ticker:"+ev.Symbol, field, data).Err()
	case market.DataTypeDepth:
		return p.client.HSet(ctx, "market:depth:"+ev.Symbol, field, data).Err()
	case market.DataTypeFunding:
		return p.client.HSet(ctx, "market:funding:"+ev.Symbol, field, data).Err()
	case market.DataTypeKline:
		return p.client.HSet(ctx, "market:kline:"+ev.Symbol, field, data).Err()
	case market.DataTypeTrade:
		streamKey := fmt.Sprintf("market:trades:%s:%s", ev.Exchange, ev.Symbol)
		return p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey,
			MaxLen: p.streamMaxLen,
			Approx: p.trimApprox,
			Values: map[string]interface{}{
				"data": string(data),
			},
		}).Err()
	}
	return nil
}

// PublishAggregate emits an aggregator-produced payload (best price, spread,
// arbitrage opportunity) on the shared channel under its own type tag.
func (p *RedisPublisher) PublishAggregate(ctx context.Context, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.RecordPublishError(eventType)
		return
	}
	env, _ := json.Marshal(envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err := p.client.Publish(ctx, p.channel, env).Err(); err != nil {
		metrics.RecordPublishError(eventType)
		log.Error().Err(err).Str("type", eventType).Msg("Failed to publish aggregate event")
	}
}
