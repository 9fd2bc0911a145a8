// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring assembles a running bridge process from configuration.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/mqttbridge/bridge"
	"github.com/absmach/mqttbridge/codec"
	"github.com/absmach/mqttbridge/config"
	"github.com/absmach/mqttbridge/localbus"
	"github.com/absmach/mqttbridge/message"
	"github.com/absmach/mqttbridge/message/std"
	"github.com/absmach/mqttbridge/ratelimit"
	"github.com/absmach/mqttbridge/remote/memory"
	"github.com/absmach/mqttbridge/remote/mqtt"
	"github.com/absmach/mqttbridge/remote/redis"
	"github.com/absmach/mqttbridge/topics"
)

var (
	ErrUnknownRemote = errors.New("unknown remote type")
	ErrNoBridges     = errors.New("no bridges built")
)

// Remote is a remote bus with a connection lifecycle.
type Remote interface {
	bridge.RemoteBus
	IsConnected() bool
	Close() error
}

// NewRemote builds and connects the remote bus selected by cfg.Type.
func NewRemote(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (Remote, error) {
	switch cfg.Type {
	case config.RemoteMQTT:
		c, err := mqtt.New(cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case config.RemoteRedis:
		b, err := redis.New(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.RemoteMemory:
		return memory.New(false, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRemote, cfg.Type)
	}
}

// Specs converts configured bridges into factory specs.
func Specs(bridges []config.BridgeConfig) []bridge.Spec {
	specs := make([]bridge.Spec, 0, len(bridges))
	for _, b := range bridges {
		specs = append(specs, bridge.Spec{
			Name:      b.Name,
			Factory:   b.Factory,
			MsgType:   b.MsgType,
			TopicFrom: b.TopicFrom,
			TopicTo:   b.TopicTo,
			Frequency: b.Frequency,
			QueueSize: b.QueueSize,
		})
	}
	return specs
}

// Option customizes Build.
type Option func(*options)

type options struct {
	remote      Remote
	local       *localbus.Bus
	instruments bridge.Instruments
	variants    *bridge.Variants
	types       []func(*message.Registry) error
}

// WithRemote uses r instead of building one from configuration. r is closed
// with the App, or by Build if it fails.
func WithRemote(r Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithLocalBus attaches bridges to an existing local bus. The caller keeps
// ownership of it.
func WithLocalBus(b *localbus.Bus) Option {
	return func(o *options) { o.local = b }
}

// WithInstruments records bridge events on in.
func WithInstruments(in bridge.Instruments) Option {
	return func(o *options) { o.instruments = in }
}

// WithVariants replaces the built-in bridge variants.
func WithVariants(v *bridge.Variants) Option {
	return func(o *options) { o.variants = v }
}

// WithMessageTypes registers additional message types next to the std ones.
func WithMessageTypes(register func(*message.Registry) error) Option {
	return func(o *options) { o.types = append(o.types, register) }
}

// App is a running set of bridges with the buses they use.
type App struct {
	Local   *localbus.Bus
	Remote  Remote
	Bridges *bridge.Set
	Limits  *ratelimit.Manager

	ownsLocal bool
	logger    *slog.Logger
}

// Build creates every configured bridge. Specs that fail are logged and
// skipped; Build fails only when none could be built.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{instruments: bridge.NopInstruments{}}
	for _, opt := range opts {
		opt(&o)
	}

	fail := func(err error) (*App, error) {
		if o.remote != nil {
			err = errors.Join(err, o.remote.Close())
		}
		return nil, err
	}

	c, err := codec.New(cfg.Codec.Name, cfg.Codec.Compression)
	if err != nil {
		return fail(err)
	}

	types := message.NewRegistry()
	if err := std.Register(types); err != nil {
		return fail(err)
	}
	for _, register := range o.types {
		if err := register(types); err != nil {
			return fail(fmt.Errorf("failed to register message types: %w", err))
		}
	}

	remote := o.remote
	if remote == nil {
		remote, err = NewRemote(ctx, cfg.Remote, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote bus: %w", err)
		}
	}

	app := &App{
		Local:     o.local,
		Remote:    remote,
		Limits:    ratelimit.NewManager(cfg.RateLimit),
		ownsLocal: o.local == nil,
		logger:    logger,
	}
	if app.Local == nil {
		app.Local = localbus.New(logger)
	}

	factory := bridge.NewFactory(o.variants, types, bridge.Deps{
		Local:       app.Local,
		Remote:      remote,
		Codec:       c,
		Resolver:    topics.NewPrivatePathResolver(cfg.Remote.PrivatePath),
		Limits:      app.Limits,
		Reporter:    bridge.NewLogReporter(logger),
		Instruments: o.instruments,
		Logger:      logger,
	})

	set, err := factory.CreateEach(Specs(cfg.Bridges))
	app.Bridges = set
	if err != nil {
		logger.Error("Some bridges could not be built", slog.Any("error", err))
	}
	if set.Len() == 0 {
		return nil, errors.Join(ErrNoBridges, err, app.Close())
	}

	logger.Info("Bridges built",
		slog.Int("bridges", set.Len()),
		slog.Int("configured", len(cfg.Bridges)),
		slog.String("codec", c.Name()),
		slog.String("remote", cfg.Remote.Type))
	return app, nil
}

// Close closes the bridges, then the remote bus, then an owned local bus.
func (a *App) Close() error {
	var errs []error
	if a.Bridges != nil {
		if err := a.Bridges.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Remote != nil {
		if err := a.Remote.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.ownsLocal && a.Local != nil {
		if err := a.Local.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
