// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package localbus is an in-process typed publish/subscribe bus. Topics are
// matched exactly and messages are delivered as Go values.
package localbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/mqttbridge/bridge"
)

// Bus errors.
var (
	ErrClosed     = errors.New("local bus closed")
	ErrEmptyTopic = errors.New("empty topic")
	ErrQueueSize  = errors.New("queue size must be greater than 0")
)

var (
	_ bridge.LocalBus       = (*Bus)(nil)
	_ bridge.LocalPublisher = (*Publisher)(nil)
)

// Bus routes typed messages between publishers and subscribers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[uint64]func(msg any)
	nextID     uint64
	publishers map[*Publisher]struct{}
	closed     bool
	logger     *slog.Logger
}

// New returns an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[string]map[uint64]func(msg any)),
		publishers: make(map[*Publisher]struct{}),
		logger:     logger,
	}
}

// Subscribe registers handler for topic. Handlers run on the publishing
// goroutine and must not block for long.
func (b *Bus) Subscribe(topic string, handler func(msg any)) (bridge.Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]func(msg any))
	}
	b.subs[topic][id] = handler

	return &subscription{bus: b, topic: topic, id: id}, nil
}

// Advertise returns a publisher for topic backed by a queue of queueSize
// messages. When the queue is full the oldest message is dropped.
func (b *Bus) Advertise(topic string, queueSize int) (bridge.LocalPublisher, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if queueSize <= 0 {
		return nil, ErrQueueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	p := newPublisher(b, topic, queueSize)
	b.publishers[p] = struct{}{}
	return p, nil
}

// Publish delivers msg to every subscriber of topic on the calling goroutine.
// It returns the number of handlers invoked.
func (b *Bus) Publish(topic string, msg any) (int, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrClosed
	}
	handlers := make([]func(msg any), 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(topic, h, msg)
	}
	return len(handlers), nil
}

// Subscribers returns the number of subscribers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops every publisher and drops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pubs := make([]*Publisher, 0, len(b.publishers))
	for p := range b.publishers {
		pubs = append(pubs, p)
	}
	b.subs = make(map[string]map[uint64]func(msg any))
	b.mu.Unlock()

	for _, p := range pubs {
		p.stop()
	}
	b.logger.Info("local bus closed", slog.Int("publishers", len(pubs)))
	return nil
}

func (b *Bus) deliver(topic string, h func(msg any), msg any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("local subscriber panicked",
				slog.String("topic", topic),
				slog.Any("panic", r))
		}
	}()
	h(msg)
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
}

func (b *Bus) release(p *Publisher) {
	b.mu.Lock()
	delete(b.publishers, p)
	b.mu.Unlock()
}

type subscription struct {
	bus   *Bus
	topic string
	id    uint64
	once  sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s.topic, s.id)
	})
	return nil
}
