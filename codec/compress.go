// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"

	"github.com/absmach/mqttbridge/message"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the payload compression applied on top of a codec.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

var _ Codec = (*compressed)(nil)

type compressed struct {
	inner Codec
	algo  Compression
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCompressed wraps inner so that every payload is compressed with algo.
// Encoders and decoders are created once and are safe for concurrent use.
func NewCompressed(inner Codec, algo Compression) (Codec, error) {
	c := &compressed{inner: inner, algo: algo}

	switch algo {
	case CompressionS2:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		c.enc = enc
		c.dec = dec
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, algo)
	}

	return c, nil
}

func (c *compressed) Name() string {
	return c.inner.Name() + "+" + string(c.algo)
}

func (c *compressed) Encode(msg message.Structured) ([]byte, error) {
	data, err := c.inner.Encode(msg)
	if err != nil {
		return nil, err
	}

	if c.algo == CompressionS2 {
		return s2.Encode(nil, data), nil
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *compressed) Decode(payload []byte) (message.Structured, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var (
		data []byte
		err  error
	)
	if c.algo == CompressionS2 {
		data, err = s2.Decode(nil, payload)
	} else {
		data, err = c.dec.DecodeAll(payload, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c.algo, err)
	}
	return c.inner.Decode(data)
}
