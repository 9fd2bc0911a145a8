// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqttbridge/bridge"
	"github.com/absmach/mqttbridge/codec"
	"github.com/absmach/mqttbridge/localbus"
	"github.com/absmach/mqttbridge/message"
	"github.com/absmach/mqttbridge/message/std"
	"github.com/absmach/mqttbridge/ratelimit"
	"github.com/absmach/mqttbridge/remote/memory"
	"github.com/absmach/mqttbridge/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(seconds float64) {
	c.mu.Lock()
	c.now = epoch.Add(time.Duration(seconds * float64(time.Second)))
	c.mu.Unlock()
}

type reportRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *reportRecorder) Report(_ bridge.Severity, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *reportRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Labeled has a constructor-provided default that payloads without a label
// must leave alone.
type Labeled struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label"`
}

type harness struct {
	local   *localbus.Bus
	remote  *memory.Bus
	types   *message.Registry
	factory *bridge.Factory
	reports *reportRecorder
	clock   *fakeClock
}

func newHarness(t *testing.T, prefix string) *harness {
	t.Helper()

	types := message.NewRegistry()
	require.NoError(t, std.Register(types))
	require.NoError(t, types.Register("test/Labeled", func() any { return &Labeled{Label: "unset"} }))

	h := &harness{
		local:   localbus.New(nil),
		remote:  memory.New(true, nil),
		types:   types,
		reports: &reportRecorder{},
		clock:   &fakeClock{now: epoch},
	}
	t.Cleanup(func() {
		_ = h.local.Close()
		_ = h.remote.Close()
	})

	h.factory = bridge.NewFactory(bridge.DefaultVariants(), types, bridge.Deps{
		Local:    h.local,
		Remote:   h.remote,
		Codec:    codec.NewJSON(),
		Resolver: topics.NewPrivatePathResolver(prefix),
		Limits:   ratelimit.NewManager(ratelimit.DefaultConfig()),
		Reporter: h.reports,
		Clock:    h.clock.Now,
	})
	return h
}

func (h *harness) subscribeLocal(t *testing.T, topic string) <-chan any {
	t.Helper()
	ch := make(chan any, 100)
	_, err := h.local.Subscribe(topic, func(msg any) { ch <- msg })
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for local message")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan any) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected local message %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func ptr[T any](v T) *T { return &v }

func decodeAll(t *testing.T, msgs []memory.Message) []message.Structured {
	t.Helper()
	out := make([]message.Structured, 0, len(msgs))
	for _, m := range msgs {
		s, err := codec.NewJSON().Decode(m.Payload)
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func TestLocalToRemoteRateLimit(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.factory.Create(bridge.Spec{
		Factory:   bridge.LocalToRemoteVariant,
		MsgType:   "std_msgs/Float64",
		TopicFrom: "/clock",
		TopicTo:   "clock",
		Frequency: ptr(2.0),
	})
	require.NoError(t, err)

	for _, ts := range []float64{0.0, 0.2, 0.6, 0.9} {
		h.clock.Set(ts)
		_, err := h.local.Publish("/clock", &std.Float64{Data: ts})
		require.NoError(t, err)
	}

	pubs := h.remote.Published()
	require.Len(t, pubs, 2)
	for _, p := range pubs {
		assert.Equal(t, "clock", p.Topic)
	}
	assert.Equal(t, []message.Structured{{"data": 0.0}, {"data": 0.6}}, decodeAll(t, pubs))
	assert.Empty(t, h.reports.all())
}

func TestLocalToRemoteUnlimited(t *testing.T) {
	h := newHarness(t, "/device42")
	_, err := h.factory.Create(bridge.Spec{
		Factory:   bridge.LocalToRemoteVariant,
		MsgType:   "std_msgs/String",
		TopicFrom: "/chatter",
		TopicTo:   "chatter",
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := h.local.Publish("/chatter", std.String{Data: "hi"})
		require.NoError(t, err)
	}

	pubs := h.remote.Published()
	require.Len(t, pubs, 5)
	assert.Equal(t, "/device42/chatter", pubs[0].Topic)
	assert.JSONEq(t, `{"data":"hi"}`, string(pubs[0].Payload))
}

func TestRemoteToLocalPrivatePath(t *testing.T) {
	h := newHarness(t, "/device42")
	b, err := h.factory.Create(bridge.Spec{
		Factory:   bridge.RemoteToLocalVariant,
		MsgType:   "test/Labeled",
		TopicFrom: "status",
		TopicTo:   "/status",
	})
	require.NoError(t, err)

	info := b.Info()
	assert.Equal(t, "/device42/status", info.Source)
	assert.Equal(t, "/status", info.Destination)
	assert.Equal(t, bridge.RemoteToLocalDir, info.Direction)
	assert.Equal(t, bridge.DefaultQueueSize, info.QueueSize)
	assert.Equal(t, ratelimit.Unlimited, info.Interval)

	got := h.subscribeLocal(t, "/status")
	require.NoError(t, h.remote.Publish("/device42/status", []byte(`{"x":1,"y":2}`)))

	assert.Equal(t, &Labeled{X: 1, Y: 2, Label: "unset"}, receive(t, got))
	assert.Empty(t, h.reports.all())
}

func TestExplicitPrivateMarker(t *testing.T) {
	h := newHarness(t, "/device42")
	b, err := h.factory.Create(bridge.Spec{
		Factory:   bridge.LocalToRemoteVariant,
		MsgType:   "std_msgs/Bool",
		TopicFrom: "/ping",
		TopicTo:   "~/ping",
	})
	require.NoError(t, err)
	assert.Equal(t, "/device42/ping", b.Info().Destination)
}

func TestNoCrossDelivery(t *testing.T) {
	h := newHarness(t, "")
	set, err := h.factory.CreateAll([]bridge.Spec{
		{Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/String", TopicFrom: "/a", TopicTo: "remote/a"},
		{Factory: bridge.RemoteToLocalVariant, MsgType: "std_msgs/String", TopicFrom: "remote/b", TopicTo: "/b"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	defer set.Close()

	gotB := h.subscribeLocal(t, "/b")

	_, err = h.local.Publish("/a", &std.String{Data: "from a"})
	require.NoError(t, err)

	pubs := h.remote.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "remote/a", pubs[0].Topic)
	assertSilent(t, gotB)

	require.NoError(t, h.remote.Publish("remote/b", []byte(`{"data":"from b"}`)))
	assert.Equal(t, &std.String{Data: "from b"}, receive(t, gotB))
	assert.Len(t, h.remote.Published(), 2, "only the direct remote publish was added")
}

func TestMalformedPayloadIsReportedAndBridgeContinues(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.factory.Create(bridge.Spec{
		Factory:   bridge.RemoteToLocalVariant,
		MsgType:   "geometry_msgs/Vector3",
		TopicFrom: "vec",
		TopicTo:   "/vec",
	})
	require.NoError(t, err)
	got := h.subscribeLocal(t, "/vec")

	require.NoError(t, h.remote.Publish("vec", []byte("{not json")))
	require.NoError(t, h.remote.Publish("vec", []byte(`{"x":"abc"}`)))
	require.NoError(t, h.remote.Publish("vec", []byte(`{"x":3}`)))

	assert.Equal(t, &std.Vector3{X: 3}, receive(t, got))
	assertSilent(t, got)

	reports := h.reports.all()
	require.Len(t, reports, 2)

	var te *bridge.TranslationError
	require.ErrorAs(t, reports[0], &te)
	assert.ErrorIs(t, reports[0], bridge.ErrDecode)
	assert.Equal(t, "vec", te.Topic)

	assert.ErrorIs(t, reports[1], bridge.ErrReconstruct)
	assert.ErrorIs(t, reports[1], message.ErrFieldType)
}

func TestRemoteToLocalRateLimitAfterDecode(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.factory.Create(bridge.Spec{
		Factory:   bridge.RemoteToLocalVariant,
		MsgType:   "std_msgs/Int32",
		TopicFrom: "n",
		TopicTo:   "/n",
		Frequency: ptr(2.0),
	})
	require.NoError(t, err)
	got := h.subscribeLocal(t, "/n")

	for i, ts := range []float64{0.0, 0.2, 0.6, 0.9} {
		h.clock.Set(ts)
		require.NoError(t, h.remote.Publish("n", []byte(`{"data":`+string(rune('0'+i))+`}`)))
	}
	// Decode errors are reported even when the limiter would drop the message.
	h.clock.Set(0.95)
	require.NoError(t, h.remote.Publish("n", []byte("garbage")))

	assert.Equal(t, &std.Int32{Data: 0}, receive(t, got))
	assert.Equal(t, &std.Int32{Data: 2}, receive(t, got))
	assertSilent(t, got)

	reports := h.reports.all()
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0], bridge.ErrDecode)
}

func TestUnknownVariant(t *testing.T) {
	h := newHarness(t, "")

	b, err := h.factory.Create(bridge.Spec{
		Factory:   "sideways",
		MsgType:   "std_msgs/String",
		TopicFrom: "/a",
		TopicTo:   "b",
	})
	assert.Nil(t, b)

	var ce *bridge.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, bridge.ErrUnknownVariant)
	assert.Zero(t, h.local.Subscribers("/a"))
	assert.Zero(t, h.remote.Subscriptions())
}

func TestCreateConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		spec bridge.Spec
		err  error
	}{
		{
			name: "unknown message type",
			spec: bridge.Spec{Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/Nope", TopicFrom: "/a", TopicTo: "b"},
			err:  bridge.ErrUnknownMessageType,
		},
		{
			name: "missing topic",
			spec: bridge.Spec{Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/String", TopicFrom: "/a"},
			err:  bridge.ErrInvalidSpec,
		},
		{
			name: "non-positive frequency",
			spec: bridge.Spec{Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/String", TopicFrom: "/a", TopicTo: "b", Frequency: ptr(0.0)},
			err:  bridge.ErrInvalidSpec,
		},
		{
			name: "zero queue size",
			spec: bridge.Spec{Factory: bridge.RemoteToLocalVariant, MsgType: "std_msgs/String", TopicFrom: "a", TopicTo: "/b", QueueSize: ptr(0)},
			err:  bridge.ErrInvalidSpec,
		},
		{
			name: "wildcard publish topic",
			spec: bridge.Spec{Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/String", TopicFrom: "/a", TopicTo: "b/+"},
			err:  bridge.ErrInvalidSpec,
		},
		{
			name: "invalid remote filter",
			spec: bridge.Spec{Factory: bridge.RemoteToLocalVariant, MsgType: "std_msgs/String", TopicFrom: "a/#/b", TopicTo: "/b"},
			err:  bridge.ErrInvalidSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "")

			b, err := h.factory.Create(tt.spec)
			assert.Nil(t, b)
			var ce *bridge.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.ErrorIs(t, err, tt.err)
			assert.Zero(t, h.remote.Subscriptions())
			assert.Zero(t, h.local.Subscribers(tt.spec.TopicFrom))
		})
	}
}

func TestTypeMismatch(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.types.Register("test/Scalar", func() any { return new(int) }))

	_, err := h.factory.Create(bridge.Spec{Factory: bridge.LocalToRemoteVariant, MsgType: "test/Scalar", TopicFrom: "/a", TopicTo: "b"})
	assert.ErrorIs(t, err, bridge.ErrTypeMismatch)
}

func TestCreateAllRollsBack(t *testing.T) {
	h := newHarness(t, "")

	set, err := h.factory.CreateAll([]bridge.Spec{
		{Factory: bridge.RemoteToLocalVariant, MsgType: "std_msgs/String", TopicFrom: "a", TopicTo: "/a"},
		{Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/String", TopicFrom: "/b", TopicTo: "b"},
		{Factory: "sideways", MsgType: "std_msgs/String", TopicFrom: "/c", TopicTo: "c"},
	})
	assert.Nil(t, set)
	assert.ErrorIs(t, err, bridge.ErrUnknownVariant)
	assert.Zero(t, h.remote.Subscriptions())
	assert.Zero(t, h.local.Subscribers("/b"))
}

func TestCreateEachSkipsFailedSpecs(t *testing.T) {
	h := newHarness(t, "")

	set, err := h.factory.CreateEach([]bridge.Spec{
		{Factory: bridge.RemoteToLocalVariant, MsgType: "std_msgs/String", TopicFrom: "a", TopicTo: "/a"},
		{Factory: "sideways", MsgType: "std_msgs/String", TopicFrom: "/c", TopicTo: "c"},
		{Factory: bridge.LocalToRemoteVariant, MsgType: "nope/Missing", TopicFrom: "/d", TopicTo: "d"},
		{Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/String", TopicFrom: "/b", TopicTo: "b"},
	})
	require.NotNil(t, set)
	defer set.Close()

	assert.ErrorIs(t, err, bridge.ErrUnknownVariant)
	assert.ErrorIs(t, err, bridge.ErrUnknownMessageType)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, 1, h.remote.Subscriptions())
	assert.Equal(t, 1, h.local.Subscribers("/b"))
	assert.Zero(t, h.local.Subscribers("/d"))
}

func TestCreateEachAllFail(t *testing.T) {
	h := newHarness(t, "")

	set, err := h.factory.CreateEach([]bridge.Spec{
		{Factory: "sideways", MsgType: "std_msgs/String", TopicFrom: "/c", TopicTo: "c"},
	})
	require.NotNil(t, set)
	assert.Zero(t, set.Len())
	assert.ErrorIs(t, err, bridge.ErrUnknownVariant)
	assert.Zero(t, h.remote.Subscriptions())
}

func TestSetClose(t *testing.T) {
	h := newHarness(t, "")

	set, err := h.factory.CreateAll([]bridge.Spec{
		{Name: "up", Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/String", TopicFrom: "/up", TopicTo: "up"},
		{Name: "down", Factory: bridge.RemoteToLocalVariant, MsgType: "std_msgs/String", TopicFrom: "down", TopicTo: "/down"},
	})
	require.NoError(t, err)

	infos := set.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "up", infos[0].Name)
	assert.Equal(t, bridge.LocalToRemoteDir, infos[0].Direction)
	assert.Equal(t, "down", infos[1].Name)

	assert.Equal(t, 1, h.local.Subscribers("/up"))
	assert.Equal(t, 1, h.remote.Subscriptions())

	require.NoError(t, set.Close())
	require.NoError(t, set.Close())
	assert.Zero(t, h.local.Subscribers("/up"))
	assert.Zero(t, h.remote.Subscriptions())
	assert.Zero(t, set.Len())
}

func TestCustomVariant(t *testing.T) {
	h := newHarness(t, "")

	variants := bridge.DefaultVariants()
	built := 0
	require.NoError(t, variants.Register("counting", func(r bridge.Resolved, deps bridge.Deps) (bridge.Bridge, error) {
		built++
		return bridge.NewLocalToRemote(bridge.LocalToRemoteConfig{
			Name:      r.Label(),
			MsgType:   r.MsgType,
			TopicFrom: r.TopicFrom,
			TopicTo:   r.TopicTo,
		}, deps.Local, deps.Remote, deps.Codec)
	}))
	assert.Error(t, variants.Register("counting", nil))
	assert.Error(t, variants.Register(bridge.LocalToRemoteVariant, func(bridge.Resolved, bridge.Deps) (bridge.Bridge, error) { return nil, nil }))
	assert.Equal(t, []string{"counting", bridge.LocalToRemoteVariant, bridge.RemoteToLocalVariant}, variants.Names())

	f := bridge.NewFactory(variants, h.types, bridge.Deps{Local: h.local, Remote: h.remote, Codec: codec.NewJSON()})
	b, err := f.Create(bridge.Spec{Factory: "counting", MsgType: "std_msgs/Bool", TopicFrom: "/x", TopicTo: "x"})
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 1, built)
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(string, []byte) error { return p.err }

func TestPublishFailureIsReported(t *testing.T) {
	local := localbus.New(nil)
	defer local.Close()
	reports := &reportRecorder{}

	brokerDown := errors.New("broker down")
	b, err := bridge.NewLocalToRemote(bridge.LocalToRemoteConfig{
		TopicFrom: "/a",
		TopicTo:   "a",
	}, local, failingPublisher{err: brokerDown}, codec.NewJSON(), bridge.WithReporter(reports))
	require.NoError(t, err)
	defer b.Close()

	_, err = local.Publish("/a", &std.Bool{Data: true})
	require.NoError(t, err)

	errs := reports.all()
	require.Len(t, errs, 1)
	var pe *bridge.PublishError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, "a", pe.Topic)
	assert.ErrorIs(t, errs[0], bridge.ErrPublish)
	assert.ErrorIs(t, errs[0], brokerDown)
}

func TestUnexpectedLocalType(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.factory.Create(bridge.Spec{Factory: bridge.LocalToRemoteVariant, MsgType: "std_msgs/String", TopicFrom: "/a", TopicTo: "a"})
	require.NoError(t, err)

	_, err = h.local.Publish("/a", &std.Bool{Data: true})
	require.NoError(t, err)

	assert.Empty(t, h.remote.Published())
	errs := h.reports.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], bridge.ErrEncode)
	assert.ErrorIs(t, errs[0], bridge.ErrUnexpectedType)
}

type panickingEncoder struct{}

func (panickingEncoder) Encode(message.Structured) ([]byte, error) { panic("encoder bug") }

func TestPanicIsContained(t *testing.T) {
	local := localbus.New(nil)
	defer local.Close()
	remote := memory.New(true, nil)
	reports := &reportRecorder{}

	_, err := bridge.NewLocalToRemote(bridge.LocalToRemoteConfig{TopicFrom: "/a", TopicTo: "a"},
		local, remote, panickingEncoder{}, bridge.WithReporter(reports))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, _ = local.Publish("/a", &std.Bool{})
	})
	errs := reports.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], bridge.ErrEncode)
	assert.Empty(t, remote.Published())
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(string, func(string, []byte)) (bridge.Subscription, error) {
	return nil, errors.New("not authorized")
}

type trackingAdvertiser struct {
	local  *localbus.Bus
	closed int
}

type trackedPublisher struct {
	bridge.LocalPublisher
	adv *trackingAdvertiser
}

func (p trackedPublisher) Close() error {
	p.adv.closed++
	return p.LocalPublisher.Close()
}

func (a *trackingAdvertiser) Advertise(topic string, size int) (bridge.LocalPublisher, error) {
	p, err := a.local.Advertise(topic, size)
	if err != nil {
		return nil, err
	}
	return trackedPublisher{LocalPublisher: p, adv: a}, nil
}

func TestRemoteSubscribeFailureReleasesPublisher(t *testing.T) {
	local := localbus.New(nil)
	defer local.Close()
	adv := &trackingAdvertiser{local: local}

	b, err := bridge.NewRemoteToLocal(bridge.RemoteToLocalConfig{
		MsgType:    "std_msgs/String",
		TopicFrom:  "a",
		TopicTo:    "/a",
		NewMessage: func() any { return &std.String{} },
	}, failingSubscriber{}, adv, codec.NewJSON())
	assert.Nil(t, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
	assert.Equal(t, 1, adv.closed)
}

type countingInstruments struct {
	mu                                   sync.Mutex
	received, forwarded, limited, failed int
	kinds                                []string
}

func (c *countingInstruments) MessageReceived(string, bridge.Direction) {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (c *countingInstruments) MessageForwarded(string, bridge.Direction, int, time.Duration) {
	c.mu.Lock()
	c.forwarded++
	c.mu.Unlock()
}

func (c *countingInstruments) MessageRateLimited(string, bridge.Direction) {
	c.mu.Lock()
	c.limited++
	c.mu.Unlock()
}

func (c *countingInstruments) MessageFailed(_ string, _ bridge.Direction, kind string) {
	c.mu.Lock()
	c.failed++
	c.kinds = append(c.kinds, kind)
	c.mu.Unlock()
}

func TestInstrumentsAndPublishBudget(t *testing.T) {
	local := localbus.New(nil)
	defer local.Close()
	remote := memory.New(true, nil)
	inst := &countingInstruments{}
	clock := &fakeClock{now: epoch}

	budget := ratelimit.NewManager(ratelimit.Config{Publish: ratelimit.PublishConfig{Enabled: true, Rate: 1, Burst: 2}})
	_, err := bridge.NewLocalToRemote(bridge.LocalToRemoteConfig{
		TopicFrom:  "/a",
		TopicTo:    "a",
		NewMessage: func() any { return &std.Int32{} },
	}, local, remote, codec.NewJSON(),
		bridge.WithInstruments(inst),
		bridge.WithClock(clock.Now),
		bridge.WithPublishBudget(budget.AllowPublish),
		bridge.WithReporter(&reportRecorder{}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := local.Publish("/a", &std.Int32{Data: int32(i)})
		require.NoError(t, err)
	}
	_, err = local.Publish("/a", &std.String{})
	require.NoError(t, err)

	assert.Len(t, remote.Published(), 2)
	assert.Equal(t, 4, inst.received)
	assert.Equal(t, 2, inst.forwarded)
	assert.Equal(t, 1, inst.limited)
	assert.Equal(t, []string{"encode"}, inst.kinds)
}

func TestSpecLabel(t *testing.T) {
	assert.Equal(t, "named", bridge.Spec{Name: "named"}.Label())
	assert.Equal(t, "local_to_remote:/a->b", bridge.Spec{Factory: "local_to_remote", TopicFrom: "/a", TopicTo: "b"}.Label())
}

func TestFailedEncodeKeepsRateWindow(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.factory.Create(bridge.Spec{
		Factory:   bridge.LocalToRemoteVariant,
		MsgType:   "std_msgs/Float64",
		TopicFrom: "/clock",
		TopicTo:   "clock",
		Frequency: ptr(2.0),
	})
	require.NoError(t, err)

	h.clock.Set(0)
	_, err = h.local.Publish("/clock", &std.Float64{Data: math.NaN()})
	require.NoError(t, err)
	require.Len(t, h.reports.all(), 1)
	assert.ErrorIs(t, h.reports.all()[0], bridge.ErrEncode)

	h.clock.Set(0.2)
	_, err = h.local.Publish("/clock", &std.Float64{Data: 0.2})
	require.NoError(t, err)

	h.clock.Set(0.4)
	_, err = h.local.Publish("/clock", &std.Float64{Data: 0.4})
	require.NoError(t, err)

	assert.Equal(t, []message.Structured{{"data": 0.2}}, decodeAll(t, h.remote.Published()))
}

// flakyRemote fails the first n publishes, then records the rest.
type flakyRemote struct {
	mu        sync.Mutex
	failures  int
	published []string
}

func (r *flakyRemote) Publish(_ string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("broker down")
	}
	r.published = append(r.published, string(payload))
	return nil
}

func TestFailedPublishKeepsRateWindow(t *testing.T) {
	local := localbus.New(nil)
	defer local.Close()
	remote := &flakyRemote{failures: 1}
	clock := &fakeClock{now: epoch}
	reports := &reportRecorder{}

	b, err := bridge.NewLocalToRemote(bridge.LocalToRemoteConfig{
		TopicFrom: "/a",
		TopicTo:   "a",
		Frequency: 2,
	}, local, remote, codec.NewJSON(), bridge.WithClock(clock.Now), bridge.WithReporter(reports))
	require.NoError(t, err)
	defer b.Close()

	for _, ts := range []float64{0, 0.2, 0.4} {
		clock.Set(ts)
		_, err := local.Publish("/a", &std.Float64{Data: ts})
		require.NoError(t, err)
	}

	require.Len(t, reports.all(), 1)
	assert.ErrorIs(t, reports.all()[0], bridge.ErrPublish)
	assert.Equal(t, []string{`{"data":0.2}`}, remote.published)
}

func TestBudgetRejectionKeepsRateWindow(t *testing.T) {
	local := localbus.New(nil)
	defer local.Close()
	remote := memory.New(true, nil)
	clock := &fakeClock{now: epoch}
	inst := &countingInstruments{}

	calls := 0
	budget := func(time.Time) bool {
		calls++
		return calls > 1
	}
	b, err := bridge.NewLocalToRemote(bridge.LocalToRemoteConfig{
		TopicFrom: "/a",
		TopicTo:   "a",
		Frequency: 2,
	}, local, remote, codec.NewJSON(),
		bridge.WithClock(clock.Now),
		bridge.WithPublishBudget(budget),
		bridge.WithInstruments(inst))
	require.NoError(t, err)
	defer b.Close()

	for _, ts := range []float64{0, 0.2} {
		clock.Set(ts)
		_, err := local.Publish("/a", &std.Float64{Data: ts})
		require.NoError(t, err)
	}

	assert.Equal(t, []message.Structured{{"data": 0.2}}, decodeAll(t, remote.Published()))
	assert.Equal(t, 1, inst.limited)
}

// flakyLocal hands out publishers that fail the first publish.
type flakyLocal struct {
	mu        sync.Mutex
	failures  int
	published []any
}

func (l *flakyLocal) Advertise(string, int) (bridge.LocalPublisher, error) {
	return l, nil
}

func (l *flakyLocal) Publish(msg any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return errors.New("queue closed")
	}
	l.published = append(l.published, msg)
	return nil
}

func (l *flakyLocal) Close() error { return nil }

func TestRemoteToLocalFailedPublishKeepsRateWindow(t *testing.T) {
	remote := memory.New(false, nil)
	defer remote.Close()
	local := &flakyLocal{failures: 1}
	clock := &fakeClock{now: epoch}
	reports := &reportRecorder{}

	b, err := bridge.NewRemoteToLocal(bridge.RemoteToLocalConfig{
		TopicFrom:  "status",
		TopicTo:    "/status",
		Frequency:  2,
		NewMessage: func() any { return &std.String{} },
	}, remote, local, codec.NewJSON(), bridge.WithClock(clock.Now), bridge.WithReporter(reports))
	require.NoError(t, err)
	defer b.Close()

	for _, ts := range []float64{0, 0.2, 0.4} {
		clock.Set(ts)
		require.NoError(t, remote.Publish("status", []byte(`{"data":"ok"}`)))
	}

	require.Len(t, reports.all(), 1)
	assert.ErrorIs(t, reports.all()[0], bridge.ErrPublish)
	assert.Equal(t, []any{&std.String{Data: "ok"}}, local.published)
}

func TestFactoryLimitersComeFromManager(t *testing.T) {
	h := newHarness(t, "")
	b, err := h.factory.Create(bridge.Spec{
		Factory:   bridge.LocalToRemoteVariant,
		MsgType:   "std_msgs/Float64",
		TopicFrom: "/slow",
		TopicTo:   "slow",
		Frequency: ptr(1e-12),
	})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, time.Duration(math.MaxInt64), b.Info().Interval)

	for _, ts := range []float64{0, 3600} {
		h.clock.Set(ts)
		_, err := h.local.Publish("/slow", &std.Float64{Data: ts})
		require.NoError(t, err)
	}
	assert.Len(t, h.remote.Published(), 1)
}
