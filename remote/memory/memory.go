// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process remote bus with MQTT topic matching. It
// serves tests and loopback deployments.
package memory

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/mqttbridge/bridge"
	"github.com/absmach/mqttbridge/topics"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory remote closed")

var _ bridge.RemoteBus = (*Bus)(nil)

// Message is a published payload as recorded by the bus.
type Message struct {
	Topic   string
	Payload []byte
}

type handler struct {
	filter string
	fn     func(topic string, payload []byte)
}

// Bus delivers payloads synchronously to matching subscribers.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[uint64]handler
	nextID    uint64
	published []Message
	record    bool
	closed    bool
	logger    *slog.Logger
}

// New returns an empty bus. When record is true every publish is kept and
// can be read back with Published.
func New(record bool, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[uint64]handler),
		record:   record,
		logger:   logger,
	}
}

// Subscribe registers fn for every topic matching filter.
func (b *Bus) Subscribe(filter string, fn func(topic string, payload []byte)) (bridge.Subscription, error) {
	if err := topics.ValidateTopicFilter(filter); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler{filter: filter, fn: fn}
	return &subscription{bus: b, id: id}, nil
}

// Publish copies payload and hands it to every matching subscriber.
func (b *Bus) Publish(topic string, payload []byte) error {
	if err := topics.ValidateTopicName(topic); err != nil {
		return err
	}

	data := append([]byte(nil), payload...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.record {
		b.published = append(b.published, Message{Topic: topic, Payload: data})
	}
	var matched []handler
	for _, h := range b.handlers {
		if topics.TopicMatch(h.filter, topic) {
			matched = append(matched, h)
		}
	}
	b.mu.Unlock()

	for _, h := range matched {
		b.deliver(h, topic, data)
	}
	return nil
}

// Published returns the recorded publishes in order.
func (b *Bus) Published() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.published...)
}

// Subscriptions returns the number of active subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// IsConnected reports whether the bus is open.
func (b *Bus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close drops every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[uint64]handler)
	return nil
}

func (b *Bus) deliver(h handler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("remote subscriber panicked",
				slog.String("filter", h.filter),
				slog.String("topic", topic),
				slog.Any("panic", r))
		}
	}()
	h.fn(topic, payload)
}

type subscription struct {
	bus *Bus
	id  uint64
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.handlers, s.id)
	s.bus.mu.Unlock()
	return nil
}
