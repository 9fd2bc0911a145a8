// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis implements the remote bus on Redis pub/sub. MQTT filters are
// translated to PSUBSCRIBE patterns and re-checked with MQTT matching, since
// a glob '*' also spans '/'.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mqttbridge/bridge"
	"github.com/absmach/mqttbridge/config"
	"github.com/absmach/mqttbridge/topics"
	"github.com/redis/go-redis/v9"
)

const opTimeout = 5 * time.Second

var _ bridge.RemoteBus = (*Bus)(nil)

// Bus is a Redis pub/sub remote bus.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New connects to Redis and pings it before returning.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := NewWithClient(rdb, logger)
	b.logger.Info("connected to redis", slog.String("addr", cfg.Addr))
	return b, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{rdb: rdb, logger: logger, ctx: ctx, cancel: cancel}
}

// Publish sends payload to the channel named topic.
func (b *Bus) Publish(topic string, payload []byte) error {
	if err := topics.ValidateTopicName(topic); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(b.ctx, opTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to the channels matching filter. The subscription is
// confirmed by Redis before Subscribe returns.
func (b *Bus) Subscribe(filter string, fn func(topic string, payload []byte)) (bridge.Subscription, error) {
	if err := topics.ValidateTopicFilter(filter); err != nil {
		return nil, err
	}
	if _, f, ok := topics.ParseShared(filter); ok {
		filter = f
	}

	pattern, wildcard := topics.MQTTFilterToRedisPattern(filter)
	var ps *redis.PubSub
	if wildcard {
		ps = b.rdb.PSubscribe(b.ctx, pattern)
	} else {
		ps = b.rdb.Subscribe(b.ctx, filter)
	}

	ctx, cancel := context.WithTimeout(b.ctx, opTimeout)
	defer cancel()
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", filter, err)
	}

	s := &subscription{ps: ps, done: make(chan struct{})}
	go s.run(filter, wildcard, fn, b.logger)
	b.logger.Info("subscribed to redis channel",
		slog.String("filter", filter),
		slog.String("pattern", pattern))
	return s, nil
}

// IsConnected pings Redis.
func (b *Bus) IsConnected() bool {
	ctx, cancel := context.WithTimeout(b.ctx, time.Second)
	defer cancel()
	return b.rdb.Ping(ctx).Err() == nil
}

// Close stops pending operations and closes the client.
func (b *Bus) Close() error {
	b.cancel()
	return b.rdb.Close()
}

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *subscription) run(filter string, wildcard bool, fn func(topic string, payload []byte), logger *slog.Logger) {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		if wildcard && !topics.TopicMatch(filter, msg.Channel) {
			continue
		}
		deliver(fn, msg.Channel, []byte(msg.Payload), logger)
	}
}

func deliver(fn func(topic string, payload []byte), topic string, payload []byte, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("remote subscriber panicked",
				slog.String("topic", topic),
				slog.Any("panic", r))
		}
	}()
	fn(topic, payload)
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
