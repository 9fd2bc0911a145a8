// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package localbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher queues messages for one topic and delivers them from its own
// goroutine, in order.
type Publisher struct {
	bus     *Bus
	topic   string
	queue   chan any
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func newPublisher(b *Bus, topic string, size int) *Publisher {
	p := &Publisher{
		bus:   b,
		topic: topic,
		queue: make(chan any, size),
		done:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Topic returns the advertised topic.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish enqueues msg. If the queue is full the oldest queued message is
// dropped to make room.
func (p *Publisher) Publish(msg any) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- msg:
		return nil
	default:
	}

	// Queue full, drop oldest and add newest.
	select {
	case <-p.queue:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.bus.logger.Warn("local publisher queue full, message dropped",
			slog.String("topic", p.topic))
	}
	return nil
}

// Dropped returns the number of messages discarded because the queue was
// full.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close delivers the messages still queued and stops the publisher.
func (p *Publisher) Close() error {
	p.stop()
	p.bus.release(p)
	return nil
}

func (p *Publisher) stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.send(msg)
		case <-p.done:
			for {
				select {
				case msg := <-p.queue:
					p.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(msg any) {
	if _, err := p.bus.Publish(p.topic, msg); err != nil {
		p.bus.logger.Debug("local publish skipped",
			slog.String("topic", p.topic),
			slog.String("error", err.Error()))
	}
}
