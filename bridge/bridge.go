// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bridge forwards messages between a typed local bus and a
// byte-oriented remote bus. Each Bridge is one directional, rate-limited,
// codec-mediated forwarder with its own subscription.
package bridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mqttbridge/message"
)

// Direction tells which way a bridge forwards.
type Direction string

// Bridge directions.
const (
	LocalToRemoteDir Direction = "local_to_remote"
	RemoteToLocalDir Direction = "remote_to_local"
)

// DefaultQueueSize is the outbound local publisher capacity used when a spec
// does not set one.
const DefaultQueueSize = 10

// Subscription is an active subscription on either bus.
type Subscription interface {
	Unsubscribe() error
}

// LocalSubscriber subscribes to typed local-bus topics.
type LocalSubscriber interface {
	Subscribe(topic string, handler func(msg any)) (Subscription, error)
}

// LocalPublisher publishes typed messages on one local-bus topic.
type LocalPublisher interface {
	Publish(msg any) error
	Close() error
}

// LocalAdvertiser creates local-bus publishers with a bounded outbound queue.
type LocalAdvertiser interface {
	Advertise(topic string, queueSize int) (LocalPublisher, error)
}

// LocalBus is the full local-bus capability set.
type LocalBus interface {
	LocalSubscriber
	LocalAdvertiser
}

// RemoteSubscriber subscribes to remote topics and delivers raw payloads.
type RemoteSubscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) (Subscription, error)
}

// RemotePublisher publishes raw payloads. Publishing is fire-and-forget.
type RemotePublisher interface {
	Publish(topic string, payload []byte) error
}

// RemoteBus is the full remote-bus capability set.
type RemoteBus interface {
	RemoteSubscriber
	RemotePublisher
}

// Encoder serializes structured messages.
type Encoder interface {
	Encode(msg message.Structured) ([]byte, error)
}

// Decoder parses raw payloads.
type Decoder interface {
	Decode(payload []byte) (message.Structured, error)
}

// Codec is the encode/decode pair shared by all bridges.
type Codec interface {
	Encoder
	Decoder
}

// PathResolver maps nominal topics into the private namespace.
type PathResolver interface {
	ResolvePrivate(topic string) string
}

// Clock returns the current time. Tests inject deterministic clocks.
type Clock func() time.Time

// Info describes a live bridge.
type Info struct {
	Name        string        `json:"name"`
	Factory     string        `json:"factory"`
	MsgType     string        `json:"msg_type"`
	Direction   Direction     `json:"direction"`
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	Interval    time.Duration `json:"interval"`
	QueueSize   int           `json:"queue_size,omitempty"`
}

// Bridge is a live, subscribed forwarder. It stays subscribed until Close.
type Bridge interface {
	Info() Info
	Close() error
}

// Spec describes one bridge to build.
type Spec struct {
	Name      string
	Factory   string
	MsgType   string
	TopicFrom string
	TopicTo   string
	Frequency *float64 // nil means unlimited
	QueueSize *int     // nil means DefaultQueueSize
}

// Label returns a name for logs and errors.
func (s Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s:%s->%s", s.Factory, s.TopicFrom, s.TopicTo)
}

// Validate checks the spec fields that do not depend on registries.
func (s Spec) Validate() error {
	switch {
	case s.TopicFrom == "":
		return newConfigError(s.Label(), ErrInvalidSpec, fmt.Errorf("topic_from is required"))
	case s.TopicTo == "":
		return newConfigError(s.Label(), ErrInvalidSpec, fmt.Errorf("topic_to is required"))
	case s.Frequency != nil && !(*s.Frequency > 0):
		return newConfigError(s.Label(), ErrInvalidSpec, fmt.Errorf("frequency must be greater than 0, got %v", *s.Frequency))
	case s.QueueSize != nil && *s.QueueSize <= 0:
		return newConfigError(s.Label(), ErrInvalidSpec, fmt.Errorf("queue_size must be greater than 0, got %d", *s.QueueSize))
	}
	return nil
}

// Option configures optional collaborators of a bridge.
type Option func(*options)

type options struct {
	reporter    Reporter
	instruments Instruments
	logger      *slog.Logger
	clock       Clock
	budget      func(time.Time) bool
}

func newOptions(opts []Option) options {
	o := options{
		instruments: NopInstruments{},
		logger:      slog.Default(),
		clock:       time.Now,
		budget:      func(time.Time) bool { return true },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.reporter == nil {
		o.reporter = NewLogReporter(o.logger)
	}
	return o
}

// WithReporter sets the error-reporting collaborator.
func WithReporter(r Reporter) Option {
	return func(o *options) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithInstruments sets per-message observers.
func WithInstruments(i Instruments) Option {
	return func(o *options) {
		if i != nil {
			o.instruments = i
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the time source used for rate limiting.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPublishBudget adds a check consulted after the bridge's own interval,
// typically a process-wide remote publish budget.
func WithPublishBudget(allow func(time.Time) bool) Option {
	return func(o *options) {
		if allow != nil {
			o.budget = allow
		}
	}
}
