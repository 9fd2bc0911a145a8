// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/absmach/mqttbridge/internal/bufpool"
	"github.com/absmach/mqttbridge/message"
)

var _ Codec = (*jsonCodec)(nil)

type jsonCodec struct{}

// NewJSON returns a UTF-8 JSON text codec.
func NewJSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string { return JSON }

func (jsonCodec) Encode(msg message.Structured) ([]byte, error) {
	if msg == nil {
		msg = message.Structured{}
	}

	buf := bufpool.Get()
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(msg)); err != nil {
		bufpool.Put(buf)
		return nil, fmt.Errorf("json encode: %w", err)
	}

	// Encoder terminates every value with a newline.
	buf.Truncate(buf.Len() - 1)
	return bufpool.Detach(buf), nil
}

func (jsonCodec) Decode(payload []byte) (message.Structured, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return decodedMap(v)
}
