// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/mqttbridge/message"
	"github.com/absmach/mqttbridge/ratelimit"
	"github.com/absmach/mqttbridge/topics"
)

// RemoteToLocalConfig configures a RemoteToLocal bridge.
type RemoteToLocalConfig struct {
	Name       string
	MsgType    string
	TopicFrom  string // remote topic or filter, already resolved
	TopicTo    string // local topic, used as given
	Frequency  float64
	Limiter    *ratelimit.Interval // replaces the limiter built from Frequency
	QueueSize  int
	NewMessage message.Constructor
}

// RemoteToLocal republishes remote payloads as typed local-bus messages.
type RemoteToLocal struct {
	cfg     RemoteToLocalConfig
	dec     Decoder
	pub     LocalPublisher
	limiter *ratelimit.Interval
	opts    options
	sub     Subscription
	closeMu sync.Mutex
	closed  bool
}

var _ Bridge = (*RemoteToLocal)(nil)

// NewRemoteToLocal advertises cfg.TopicTo on the local bus, then subscribes to
// cfg.TopicFrom on the remote bus. If subscribing fails the publisher is
// closed again.
func NewRemoteToLocal(cfg RemoteToLocalConfig, sub RemoteSubscriber, adv LocalAdvertiser, dec Decoder, opts ...Option) (*RemoteToLocal, error) {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("%s->%s", cfg.TopicFrom, cfg.TopicTo)
		cfg.Name = name
	}
	if sub == nil || adv == nil || dec == nil {
		return nil, newConfigError(name, ErrInvalidSpec, fmt.Errorf("remote subscriber, local advertiser and decoder are required"))
	}
	if cfg.NewMessage == nil {
		return nil, newConfigError(name, ErrUnknownMessageType, fmt.Errorf("no constructor for %q", cfg.MsgType))
	}
	if cfg.TopicTo == "" {
		return nil, newConfigError(name, ErrInvalidSpec, fmt.Errorf("local topic is required"))
	}
	if err := topics.ValidateTopicFilter(cfg.TopicFrom); err != nil {
		return nil, newConfigError(name, ErrInvalidSpec, err)
	}
	if proto := cfg.NewMessage(); !message.Compatible(proto) {
		return nil, newConfigError(name, ErrTypeMismatch, fmt.Errorf("%s constructs %s", cfg.MsgType, message.TypeName(proto)))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	pub, err := adv.Advertise(cfg.TopicTo, cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: advertise local %q: %w", name, cfg.TopicTo, err)
	}

	b := &RemoteToLocal{
		cfg:     cfg,
		dec:     dec,
		pub:     pub,
		limiter: limiterFor(cfg.Limiter, cfg.Frequency),
		opts:    newOptions(opts),
	}

	s, err := sub.Subscribe(cfg.TopicFrom, b.handle)
	if err != nil {
		if cerr := pub.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, fmt.Errorf("bridge %s: subscribe remote %q: %w", name, cfg.TopicFrom, err)
	}
	b.sub = s

	b.opts.logger.Info("bridge started",
		slog.String("bridge", name),
		slog.String("direction", string(RemoteToLocalDir)),
		slog.String("from", cfg.TopicFrom),
		slog.String("to", cfg.TopicTo),
		slog.Duration("interval", b.limiter.Interval()),
		slog.Int("queue_size", cfg.QueueSize))
	return b, nil
}

// Info describes the bridge.
func (b *RemoteToLocal) Info() Info {
	return Info{
		Name:        b.cfg.Name,
		Factory:     RemoteToLocalVariant,
		MsgType:     b.cfg.MsgType,
		Direction:   RemoteToLocalDir,
		Source:      b.cfg.TopicFrom,
		Destination: b.cfg.TopicTo,
		Interval:    b.limiter.Interval(),
		QueueSize:   b.cfg.QueueSize,
	}
}

// Close unsubscribes from the remote bus and closes the local publisher.
// It is safe to call more than once.
func (b *RemoteToLocal) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.sub.Unsubscribe(); err != nil {
		errs = append(errs, fmt.Errorf("bridge %s: unsubscribe remote %q: %w", b.cfg.Name, b.cfg.TopicFrom, err))
	}
	if err := b.pub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bridge %s: close local %q: %w", b.cfg.Name, b.cfg.TopicTo, err))
	}
	return errors.Join(errs...)
}

func (b *RemoteToLocal) handle(topic string, payload []byte) {
	name := b.cfg.Name
	stage := ErrDecode
	release := func() {}
	defer func() {
		if r := recover(); r != nil {
			release()
			err := fmt.Errorf("panic: %v", r)
			if stage == ErrPublish {
				b.fail(&PublishError{Bridge: name, Topic: b.cfg.TopicTo, Err: err})
				return
			}
			b.fail(&TranslationError{Bridge: name, Topic: topic, Kind: stage, Err: err})
		}
	}()

	start := b.opts.clock()
	b.opts.instruments.MessageReceived(name, RemoteToLocalDir)
	b.opts.logger.Debug("remote message received", slog.String("bridge", name), slog.String("topic", topic))

	s, err := b.dec.Decode(payload)
	if err != nil {
		b.fail(&TranslationError{Bridge: name, Topic: topic, Kind: ErrDecode, Err: err})
		return
	}

	stage = ErrReconstruct
	msg := b.cfg.NewMessage()
	if err := message.Populate(s, msg); err != nil {
		b.fail(&TranslationError{Bridge: name, Topic: topic, Kind: ErrReconstruct, Err: err})
		return
	}

	rel, ok := b.limiter.Reserve(start)
	if !ok {
		b.opts.instruments.MessageRateLimited(name, RemoteToLocalDir)
		return
	}
	release = rel

	stage = ErrPublish
	if err := b.pub.Publish(msg); err != nil {
		release()
		b.fail(&PublishError{Bridge: name, Topic: b.cfg.TopicTo, Err: err})
		return
	}
	b.opts.instruments.MessageForwarded(name, RemoteToLocalDir, len(payload), b.opts.clock().Sub(start))
}

func (b *RemoteToLocal) fail(err error) {
	b.opts.instruments.MessageFailed(b.cfg.Name, RemoteToLocalDir, failureKind(err))
	b.opts.reporter.Report(SeverityError, err)
}
