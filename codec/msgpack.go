// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"

	"github.com/absmach/mqttbridge/internal/bufpool"
	"github.com/absmach/mqttbridge/message"
	"github.com/vmihailenco/msgpack/v5"
)

var _ Codec = (*msgpackCodec)(nil)

type msgpackCodec struct{}

// NewMsgPack returns a MessagePack binary map codec.
func NewMsgPack() Codec {
	return msgpackCodec{}
}

func (msgpackCodec) Name() string { return MsgPack }

func (msgpackCodec) Encode(msg message.Structured) ([]byte, error) {
	if msg == nil {
		msg = message.Structured{}
	}

	buf := bufpool.Get()
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(map[string]any(msg)); err != nil {
		bufpool.Put(buf)
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return bufpool.Detach(buf), nil
}

func (msgpackCodec) Decode(payload []byte) (message.Structured, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var v any
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	return decodedMap(v)
}
