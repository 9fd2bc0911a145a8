// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec converts structured messages to and from remote payloads.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/absmach/mqttbridge/message"
)

// Codec errors.
var (
	ErrUnknownCodec       = errors.New("unknown codec")
	ErrUnknownCompression = errors.New("unknown compression")
	ErrNotAMap            = errors.New("payload is not a map")
	ErrEmptyPayload       = errors.New("empty payload")
)

// Codec is a pair of pure functions selected once at configuration time and
// shared by every bridge.
type Codec interface {
	// Name identifies the wire format, e.g. "json" or "msgpack+zstd".
	Name() string

	// Encode serializes a structured message.
	Encode(msg message.Structured) ([]byte, error)

	// Decode parses a payload into a structured message.
	Decode(payload []byte) (message.Structured, error)
}

// Codec names.
const (
	JSON     = "json"
	MsgPack  = "msgpack"
	Protobuf = "protobuf"
)

var builtins = map[string]func() Codec{
	JSON:     func() Codec { return NewJSON() },
	MsgPack:  func() Codec { return NewMsgPack() },
	Protobuf: func() Codec { return NewProtobuf() },
}

// Names lists the built-in codec names.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the codec registered under name, optionally wrapped with the
// given compression ("", "none", "s2" or "zstd").
func New(name, compression string) (Codec, error) {
	mk, ok := builtins[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	c := mk()

	switch Compression(strings.ToLower(compression)) {
	case "", CompressionNone:
		return c, nil
	case CompressionS2, CompressionZstd:
		return NewCompressed(c, Compression(strings.ToLower(compression)))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, compression)
	}
}

func decodedMap(v any) (message.Structured, error) {
	switch m := v.(type) {
	case map[string]any:
		return message.NormalizeMap(m)
	case map[any]any:
		n, err := message.Normalize(m)
		if err != nil {
			return nil, err
		}
		return message.Structured(n.(map[string]any)), nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrNotAMap, v)
	}
}
