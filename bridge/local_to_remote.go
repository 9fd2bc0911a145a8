// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/absmach/mqttbridge/message"
	"github.com/absmach/mqttbridge/ratelimit"
	"github.com/absmach/mqttbridge/topics"
)

// LocalToRemoteConfig configures a LocalToRemote bridge.
type LocalToRemoteConfig struct {
	Name      string
	MsgType   string
	TopicFrom string // local topic, used as given
	TopicTo   string // remote topic, already resolved
	Frequency float64
	// Limiter, when set, replaces the limiter built from Frequency.
	Limiter *ratelimit.Interval
	// NewMessage, when set, restricts accepted local messages to the type it
	// constructs.
	NewMessage message.Constructor
}

// LocalToRemote forwards typed local-bus messages to a remote topic.
type LocalToRemote struct {
	cfg     LocalToRemoteConfig
	msgType reflect.Type
	enc     Encoder
	pub     RemotePublisher
	limiter *ratelimit.Interval
	opts    options
	sub     Subscription
	closeMu sync.Mutex
	closed  bool
}

var _ Bridge = (*LocalToRemote)(nil)

// NewLocalToRemote subscribes to cfg.TopicFrom on the local bus and starts
// forwarding. The subscription is created last so a failed construction
// leaves nothing behind.
func NewLocalToRemote(cfg LocalToRemoteConfig, sub LocalSubscriber, pub RemotePublisher, enc Encoder, opts ...Option) (*LocalToRemote, error) {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("%s->%s", cfg.TopicFrom, cfg.TopicTo)
		cfg.Name = name
	}
	if sub == nil || pub == nil || enc == nil {
		return nil, newConfigError(name, ErrInvalidSpec, fmt.Errorf("local subscriber, remote publisher and encoder are required"))
	}
	if cfg.TopicFrom == "" {
		return nil, newConfigError(name, ErrInvalidSpec, fmt.Errorf("local topic is required"))
	}
	if err := topics.ValidateTopicName(cfg.TopicTo); err != nil {
		return nil, newConfigError(name, ErrInvalidSpec, err)
	}

	b := &LocalToRemote{
		cfg:     cfg,
		enc:     enc,
		pub:     pub,
		limiter: limiterFor(cfg.Limiter, cfg.Frequency),
		opts:    newOptions(opts),
	}
	if cfg.NewMessage != nil {
		proto := cfg.NewMessage()
		if !message.Compatible(proto) {
			return nil, newConfigError(name, ErrTypeMismatch, fmt.Errorf("%s constructs %s", cfg.MsgType, message.TypeName(proto)))
		}
		b.msgType = reflect.TypeOf(proto)
	}

	s, err := sub.Subscribe(cfg.TopicFrom, b.handle)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: subscribe local %q: %w", name, cfg.TopicFrom, err)
	}
	b.sub = s

	b.opts.logger.Info("bridge started",
		slog.String("bridge", name),
		slog.String("direction", string(LocalToRemoteDir)),
		slog.String("from", cfg.TopicFrom),
		slog.String("to", cfg.TopicTo),
		slog.Duration("interval", b.limiter.Interval()))
	return b, nil
}

// Info describes the bridge.
func (b *LocalToRemote) Info() Info {
	return Info{
		Name:        b.cfg.Name,
		Factory:     LocalToRemoteVariant,
		MsgType:     b.cfg.MsgType,
		Direction:   LocalToRemoteDir,
		Source:      b.cfg.TopicFrom,
		Destination: b.cfg.TopicTo,
		Interval:    b.limiter.Interval(),
	}
}

// Close unsubscribes from the local bus. It is safe to call more than once.
func (b *LocalToRemote) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("bridge %s: unsubscribe local %q: %w", b.cfg.Name, b.cfg.TopicFrom, err)
	}
	return nil
}

func (b *LocalToRemote) handle(msg any) {
	name := b.cfg.Name
	stage := ErrEncode
	release := func() {}
	defer func() {
		if r := recover(); r != nil {
			release()
			err := fmt.Errorf("panic: %v", r)
			if stage == ErrPublish {
				b.fail(&PublishError{Bridge: name, Topic: b.cfg.TopicTo, Err: err})
				return
			}
			b.fail(&TranslationError{Bridge: name, Topic: b.cfg.TopicFrom, Kind: stage, Err: err})
		}
	}()

	start := b.opts.clock()
	b.opts.instruments.MessageReceived(name, LocalToRemoteDir)
	b.opts.logger.Debug("local message received", slog.String("bridge", name), slog.String("topic", b.cfg.TopicFrom))

	if b.msgType != nil && !b.accepts(msg) {
		b.fail(&TranslationError{Bridge: name, Topic: b.cfg.TopicFrom, Kind: ErrEncode,
			Err: fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, message.TypeName(msg), b.msgType)})
		return
	}

	// The window only moves for messages that reach the remote bus.
	rel, ok := b.limiter.Reserve(start)
	if !ok {
		b.opts.instruments.MessageRateLimited(name, LocalToRemoteDir)
		return
	}
	release = rel
	if !b.opts.budget(start) {
		release()
		b.opts.instruments.MessageRateLimited(name, LocalToRemoteDir)
		return
	}

	s, err := message.Flatten(msg)
	if err != nil {
		release()
		b.fail(&TranslationError{Bridge: name, Topic: b.cfg.TopicFrom, Kind: ErrEncode, Err: err})
		return
	}
	payload, err := b.enc.Encode(s)
	if err != nil {
		release()
		b.fail(&TranslationError{Bridge: name, Topic: b.cfg.TopicFrom, Kind: ErrEncode, Err: err})
		return
	}

	stage = ErrPublish
	if err := b.pub.Publish(b.cfg.TopicTo, payload); err != nil {
		release()
		b.fail(&PublishError{Bridge: name, Topic: b.cfg.TopicTo, Err: err})
		return
	}
	b.opts.instruments.MessageForwarded(name, LocalToRemoteDir, len(payload), b.opts.clock().Sub(start))
}

// accepts reports whether msg is the configured type or its pointer/value
// counterpart.
func (b *LocalToRemote) accepts(msg any) bool {
	t := reflect.TypeOf(msg)
	if t == nil {
		return false
	}
	if t == b.msgType {
		return true
	}
	if b.msgType.Kind() == reflect.Pointer && t == b.msgType.Elem() {
		return true
	}
	return t.Kind() == reflect.Pointer && t.Elem() == b.msgType
}

func (b *LocalToRemote) fail(err error) {
	b.opts.instruments.MessageFailed(b.cfg.Name, LocalToRemoteDir, failureKind(err))
	b.opts.reporter.Report(SeverityError, err)
}

func limiterFor(l *ratelimit.Interval, frequency float64) *ratelimit.Interval {
	if l != nil {
		return l
	}
	return ratelimit.NewFrequency(frequency)
}
