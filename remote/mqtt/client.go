// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the remote bus on top of an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mqttbridge/bridge"
	"github.com/absmach/mqttbridge/config"
	"github.com/absmach/mqttbridge/topics"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sony/gobreaker"
)

// Client errors.
var (
	ErrNotConnected = errors.New("mqtt client not connected")
	ErrTimeout      = errors.New("mqtt operation timed out")
)

const disconnectQuiesce = 250 // milliseconds

var _ bridge.RemoteBus = (*Client)(nil)

type handlerFunc func(topic string, payload []byte)

// Client adapts a paho client to the remote bus. Several bridges may
// subscribe the same filter; the broker subscription is shared.
type Client struct {
	cfg     config.MQTTConfig
	client  paho.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	// subMu serializes broker subscribe/unsubscribe round trips. mu guards
	// the handler map and is never held while waiting on the broker.
	subMu  sync.Mutex
	mu     sync.RWMutex
	subs   map[string]map[uint64]handlerFunc
	nextID uint64
}

// New builds a client for cfg. It does not connect until Connect is called.
func New(cfg config.MQTTConfig, logger *slog.Logger) (*Client, error) {
	c := newClient(cfg, logger)
	opts, err := NewOptions(cfg, c.onConnect, c.onConnectionLost)
	if err != nil {
		return nil, err
	}
	c.client = paho.NewClient(opts)
	return c, nil
}

// NewWithClient wraps an existing paho client. Connection callbacks are the
// caller's responsibility; Resubscribe restores subscriptions.
func NewWithClient(client paho.Client, cfg config.MQTTConfig, logger *slog.Logger) *Client {
	c := newClient(cfg, logger)
	c.client = client
	return c
}

func newClient(cfg config.MQTTConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]map[uint64]handlerFunc),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("mqtt circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return c
}

// Connect connects to the broker and waits for the result, bounded by ctx.
// Paho keeps reconnecting in the background after a later connection loss.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to mqtt broker", slog.String("broker", c.cfg.BrokerURL))
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL, err)
	}
	return nil
}

// IsConnected reports whether the connection to the broker is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish sends payload to topic without waiting for delivery. Failures to
// hand the message to paho count towards the circuit breaker; while it is
// open publishes fail fast.
func (c *Client) Publish(topic string, payload []byte) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		if !c.client.IsConnectionOpen() {
			return nil, ErrNotConnected
		}
		token := c.client.Publish(topic, c.cfg.QoS, c.cfg.Retain, payload)
		go c.watch(topic, token)
		return nil, nil
	})
	return err
}

// Subscribe registers fn for filter, subscribing on the broker for the first
// handler of a filter.
func (c *Client) Subscribe(filter string, fn func(topic string, payload []byte)) (bridge.Subscription, error) {
	if err := topics.ValidateTopicFilter(filter); err != nil {
		return nil, err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	handlers, existing := c.subs[filter]
	if !existing {
		handlers = make(map[uint64]handlerFunc)
		c.subs[filter] = handlers
	}
	handlers[id] = fn
	c.mu.Unlock()

	if !existing {
		token := c.client.Subscribe(filter, c.cfg.QoS, c.dispatch(filter))
		if err := waitTimeout(token, c.cfg.ConnectTimeout); err != nil {
			c.mu.Lock()
			delete(c.subs, filter)
			c.mu.Unlock()
			return nil, fmt.Errorf("subscribe %q: %w", filter, err)
		}
		c.logger.Info("subscribed to mqtt topic", slog.String("filter", filter))
	}

	return &subscription{client: c, filter: filter, id: id}, nil
}

// Resubscribe subscribes every active filter again. It runs on every
// (re)connect since a clean session drops subscriptions on the broker.
func (c *Client) Resubscribe() {
	c.mu.RLock()
	filters := make([]string, 0, len(c.subs))
	for f := range c.subs {
		filters = append(filters, f)
	}
	c.mu.RUnlock()

	for _, f := range filters {
		token := c.client.Subscribe(f, c.cfg.QoS, c.dispatch(f))
		go func(filter string) {
			if err := waitTimeout(token, c.cfg.ConnectTimeout); err != nil {
				c.logger.Error("failed to resubscribe to mqtt topic",
					slog.String("filter", filter),
					slog.String("error", err.Error()))
				return
			}
			c.logger.Debug("resubscribed to mqtt topic", slog.String("filter", filter))
		}(f)
	}
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.client.Disconnect(disconnectQuiesce)
	c.logger.Info("mqtt client disconnected", slog.String("broker", c.cfg.BrokerURL))
	return nil
}

func (c *Client) unsubscribe(filter string, id uint64) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	handlers, ok := c.subs[filter]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(c.subs, filter)
	}
	c.mu.Unlock()

	if !last || !c.client.IsConnectionOpen() {
		return nil
	}
	if err := waitTimeout(c.client.Unsubscribe(filter), c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", filter, err)
	}
	return nil
}

func (c *Client) dispatch(filter string) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		c.mu.RLock()
		handlers := make([]handlerFunc, 0, len(c.subs[filter]))
		for _, h := range c.subs[filter] {
			handlers = append(handlers, h)
		}
		c.mu.RUnlock()

		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		for _, h := range handlers {
			h(msg.Topic(), payload)
		}
	}
}

func (c *Client) watch(topic string, token paho.Token) {
	<-token.Done()
	if err := token.Error(); err != nil {
		c.logger.Warn("mqtt publish failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
	}
}

func (c *Client) onConnect(paho.Client) {
	c.logger.Info("connected to mqtt broker", slog.String("broker", c.cfg.BrokerURL))
	c.Resubscribe()
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.logger.Error("lost mqtt connection",
		slog.String("broker", c.cfg.BrokerURL),
		slog.String("error", err.Error()))
}

type subscription struct {
	client *Client
	filter string
	id     uint64
	once   sync.Once
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.client.unsubscribe(s.filter, s.id)
	})
	return err
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitTimeout(token paho.Token, timeout time.Duration) error {
	if timeout <= 0 {
		token.Wait()
		return token.Error()
	}
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}
