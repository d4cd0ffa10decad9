// Package notify delivers pipeline progress events to listeners.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/observability"
)

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "pbj:events"

const publishTimeout = 2 * time.Second

// ChannelSink forwards events to a buffered channel. When the buffer is full
// the event is dropped so a slow reader never stalls a run.
type ChannelSink struct {
	ch     chan domain.StreamEvent
	logger *observability.Logger

	mu     sync.RWMutex
	closed bool
}

var _ domain.EventSink = (*ChannelSink)(nil)

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int, logger *observability.Logger) *ChannelSink {
	if logger == nil {
		logger = observability.Nop()
	}
	return &ChannelSink{ch: make(chan domain.StreamEvent, buffer), logger: logger}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan domain.StreamEvent {
	return s.ch
}

// Emit safely emits an event to the channel
func (s *ChannelSink) Emit(event domain.StreamEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.logger.Warn().Str("type", string(event.Type)).Msg("Event channel full, dropping event")
	}
}

// Close closes the channel. Later events are discarded.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Publisher is the part of the Redis client the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  Publisher
	closer  func() error
	channel string
	logger  *observability.Logger
}

var _ domain.EventSink = (*RedisPublisher)(nil)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is host:port or a redis:// URL.
	Addr    string
	Channel string
}

// NewRedisPublisher connects to Redis and checks the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *observability.Logger) (*RedisPublisher, error) {
	opts := &redis.Options{Addr: cfg.Addr}
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, domain.ConfigError("invalid redis url", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	p := NewPublisher(client, cfg.Channel, logger)
	p.closer = client.Close
	return p, nil
}

// NewPublisher wraps an existing client.
func NewPublisher(client Publisher, channel string, logger *observability.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// Emit publishes the event. Failures are logged and otherwise ignored.
func (p *RedisPublisher) Emit(event domain.StreamEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to encode event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn().
			Err(err).
			Str("channel", p.channel).
			Str("type", string(event.Type)).
			Msg("Failed to publish event")
	}
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// Multi fans one event out to several sinks.
type Multi []domain.EventSink

func (m Multi) Emit(event domain.StreamEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event)
		}
	}
}
