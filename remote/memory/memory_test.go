// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/absmach/mqttbridge/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishMatchesFilters(t *testing.T) {
	b := New(true, nil)
	defer b.Close()

	got := map[string][]string{}
	for _, filter := range []string{"/device42/status", "/device42/+", "/device42/#", "/other/#"} {
		f := filter
		_, err := b.Subscribe(f, func(topic string, _ []byte) {
			got[f] = append(got[f], topic)
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish("/device42/status", []byte("a")))
	require.NoError(t, b.Publish("/device42/joy/raw", []byte("b")))

	assert.Equal(t, []string{"/device42/status"}, got["/device42/status"])
	assert.Equal(t, []string{"/device42/status"}, got["/device42/+"])
	assert.Equal(t, []string{"/device42/status", "/device42/joy/raw"}, got["/device42/#"])
	assert.Empty(t, got["/other/#"])

	assert.Equal(t, []Message{
		{Topic: "/device42/status", Payload: []byte("a")},
		{Topic: "/device42/joy/raw", Payload: []byte("b")},
	}, b.Published())
}

func TestPublishCopiesPayload(t *testing.T) {
	b := New(true, nil)

	payload := []byte("abc")
	require.NoError(t, b.Publish("t", payload))
	payload[0] = 'x'

	assert.Equal(t, []byte("abc"), b.Published()[0].Payload)
}

func TestValidation(t *testing.T) {
	b := New(false, nil)

	_, err := b.Subscribe("a/#/b", func(string, []byte) {})
	assert.ErrorIs(t, err, topics.ErrInvalidTopicFilter)
	assert.ErrorIs(t, b.Publish("a/+", nil), topics.ErrInvalidTopicName)
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New(false, nil)

	calls := 0
	sub, err := b.Subscribe("t", func(string, []byte) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscriptions())

	require.NoError(t, sub.Unsubscribe())
	assert.Zero(t, b.Subscriptions())
	require.NoError(t, b.Publish("t", nil))
	assert.Zero(t, calls)

	assert.True(t, b.IsConnected())
	require.NoError(t, b.Close())
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish("t", nil), ErrClosed)
	_, err = b.Subscribe("t", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscriberPanicIsContained(t *testing.T) {
	b := New(false, nil)

	_, err := b.Subscribe("t", func(string, []byte) { panic("boom") })
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		assert.NoError(t, b.Publish("t", nil))
	})
}
