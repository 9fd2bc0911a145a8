// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/mqttbridge/message"
	"github.com/absmach/mqttbridge/ratelimit"
)

// Built-in variant names, as written in bridge specs.
const (
	LocalToRemoteVariant = "local_to_remote"
	RemoteToLocalVariant = "remote_to_local"
)

// Deps carries every collaborator a variant constructor may need. Each
// constructor takes only what it uses.
type Deps struct {
	Local       LocalBus
	Remote      RemoteBus
	Codec       Codec
	Resolver    PathResolver
	Limits      *ratelimit.Manager
	Reporter    Reporter
	Instruments Instruments
	Logger      *slog.Logger
	Clock       Clock
}

func (d Deps) options() []Option {
	return []Option{
		WithReporter(d.Reporter),
		WithInstruments(d.Instruments),
		WithLogger(d.Logger),
		WithClock(d.Clock),
	}
}

func (d Deps) resolve(topic string) string {
	if d.Resolver == nil {
		return topic
	}
	return d.Resolver.ResolvePrivate(topic)
}

// Resolved is a validated spec with its message type looked up.
type Resolved struct {
	Spec
	NewMessage message.Constructor
}

// Constructor builds one bridge variant. A constructor that fails must not
// leave a subscription behind.
type Constructor func(r Resolved, deps Deps) (Bridge, error)

// Variants maps variant names to constructors.
type Variants struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewVariants returns an empty variant registry.
func NewVariants() *Variants {
	return &Variants{constructors: make(map[string]Constructor)}
}

// DefaultVariants returns a registry holding the two built-in variants.
func DefaultVariants() *Variants {
	v := NewVariants()
	v.constructors[LocalToRemoteVariant] = newLocalToRemote
	v.constructors[RemoteToLocalVariant] = newRemoteToLocal
	return v
}

// Register adds a variant. Names are unique.
func (v *Variants) Register(name string, c Constructor) error {
	if name == "" || c == nil {
		return fmt.Errorf("register variant %q: name and constructor are required", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.constructors[name]; ok {
		return fmt.Errorf("register variant %q: already registered", name)
	}
	v.constructors[name] = c
	return nil
}

// Lookup returns the constructor for name.
func (v *Variants) Lookup(name string) (Constructor, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.constructors[name]
	return c, ok
}

// Names lists registered variants in order.
func (v *Variants) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.constructors))
	for name := range v.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory builds bridges from specs.
type Factory struct {
	variants *Variants
	types    *message.Registry
	deps     Deps
}

// NewFactory returns a factory resolving variants and message types from the
// given registries.
func NewFactory(variants *Variants, types *message.Registry, deps Deps) *Factory {
	if variants == nil {
		variants = DefaultVariants()
	}
	if types == nil {
		types = message.NewRegistry()
	}
	return &Factory{variants: variants, types: types, deps: deps}
}

// Create resolves spec.Factory and spec.MsgType and builds a live bridge.
// On any error nothing is subscribed.
func (f *Factory) Create(spec Spec) (Bridge, error) {
	label := spec.Label()

	construct, ok := f.variants.Lookup(spec.Factory)
	if !ok {
		return nil, newConfigError(label, ErrUnknownVariant, fmt.Errorf("%q", spec.Factory))
	}
	newMsg, err := f.types.Lookup(spec.MsgType)
	if err != nil {
		return nil, newConfigError(label, ErrUnknownMessageType, err)
	}
	if proto := newMsg(); !message.Compatible(proto) {
		return nil, newConfigError(label, ErrTypeMismatch, fmt.Errorf("%s constructs %s", spec.MsgType, message.TypeName(proto)))
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	b, err := construct(Resolved{Spec: spec, NewMessage: newMsg}, f.deps)
	if err != nil {
		if b != nil {
			_ = b.Close()
		}
		return nil, err
	}
	if b == nil {
		return nil, newConfigError(label, ErrUnknownVariant, fmt.Errorf("%q built no bridge", spec.Factory))
	}
	return b, nil
}

// CreateAll builds every spec. If one fails, the bridges already built are
// closed and the error is returned.
func (f *Factory) CreateAll(specs []Spec) (*Set, error) {
	set := &Set{}
	for _, spec := range specs {
		b, err := f.Create(spec)
		if err != nil {
			if cerr := set.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return nil, err
		}
		set.add(b)
	}
	return set, nil
}

// CreateEach builds every spec it can. Failed specs are skipped and their
// errors joined; the returned set holds the bridges that were built.
func (f *Factory) CreateEach(specs []Spec) (*Set, error) {
	set := &Set{}
	var errs []error
	for _, spec := range specs {
		b, err := f.Create(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		set.add(b)
	}
	return set, errors.Join(errs...)
}

func newLocalToRemote(r Resolved, deps Deps) (Bridge, error) {
	if deps.Local == nil || deps.Remote == nil || deps.Codec == nil {
		return nil, newConfigError(r.Label(), ErrInvalidSpec, fmt.Errorf("local bus, remote bus and codec are required"))
	}
	cfg := LocalToRemoteConfig{
		Name:       r.Label(),
		MsgType:    r.MsgType,
		TopicFrom:  r.TopicFrom,
		TopicTo:    deps.resolve(r.TopicTo),
		Frequency:  frequency(r.Frequency),
		Limiter:    deps.Limits.ForFrequency(frequency(r.Frequency)),
		NewMessage: r.NewMessage,
	}
	opts := append(deps.options(), WithPublishBudget(deps.Limits.AllowPublish))
	b, err := NewLocalToRemote(cfg, deps.Local, deps.Remote, deps.Codec, opts...)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newRemoteToLocal(r Resolved, deps Deps) (Bridge, error) {
	if deps.Local == nil || deps.Remote == nil || deps.Codec == nil {
		return nil, newConfigError(r.Label(), ErrInvalidSpec, fmt.Errorf("local bus, remote bus and codec are required"))
	}
	queue := DefaultQueueSize
	if r.QueueSize != nil {
		queue = *r.QueueSize
	}
	cfg := RemoteToLocalConfig{
		Name:       r.Label(),
		MsgType:    r.MsgType,
		TopicFrom:  deps.resolve(r.TopicFrom),
		TopicTo:    r.TopicTo,
		Frequency:  frequency(r.Frequency),
		Limiter:    deps.Limits.ForFrequency(frequency(r.Frequency)),
		QueueSize:  queue,
		NewMessage: r.NewMessage,
	}
	b, err := NewRemoteToLocal(cfg, deps.Remote, deps.Local, deps.Codec, deps.options()...)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func frequency(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// Set holds the bridges of one process.
type Set struct {
	mu      sync.Mutex
	bridges []Bridge
}

func (s *Set) add(b Bridge) {
	s.mu.Lock()
	s.bridges = append(s.bridges, b)
	s.mu.Unlock()
}

// Len returns the number of bridges.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

// Infos describes every bridge.
func (s *Set) Infos() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]Info, 0, len(s.bridges))
	for _, b := range s.bridges {
		infos = append(infos, b.Info())
	}
	return infos
}

// Close closes every bridge in reverse creation order.
func (s *Set) Close() error {
	s.mu.Lock()
	bridges := s.bridges
	s.bridges = nil
	s.mu.Unlock()

	var errs []error
	for i := len(bridges) - 1; i >= 0; i-- {
		if err := bridges[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
