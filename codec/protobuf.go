// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"

	"github.com/absmach/mqttbridge/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ Codec = (*protobufCodec)(nil)

// protobufCodec carries messages as google.protobuf.Struct, which any
// protobuf runtime can read without sharing generated schemas.
type protobufCodec struct {
	opts proto.MarshalOptions
}

// NewProtobuf returns a codec using the google.protobuf.Struct wire format.
func NewProtobuf() Codec {
	return protobufCodec{opts: proto.MarshalOptions{Deterministic: true}}
}

func (protobufCodec) Name() string { return Protobuf }

func (c protobufCodec) Encode(msg message.Structured) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any(msg))
	if err != nil {
		return nil, fmt.Errorf("protobuf encode: %w", err)
	}
	data, err := c.opts.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("protobuf encode: %w", err)
	}
	return data, nil
}

func (protobufCodec) Decode(payload []byte) (message.Structured, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("protobuf decode: %w", err)
	}
	return decodedMap(s.AsMap())
}
