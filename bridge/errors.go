// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
)

// Configuration error kinds, matched with errors.Is.
var (
	ErrUnknownVariant     = errors.New("unknown bridge variant")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrTypeMismatch       = errors.New("message type does not satisfy the bridge contract")
	ErrInvalidSpec        = errors.New("invalid bridge spec")
)

// Translation error kinds, matched with errors.Is.
var (
	ErrDecode      = errors.New("decode failure")
	ErrReconstruct = errors.New("reconstruct failure")
	ErrEncode      = errors.New("encode failure")
)

// Runtime errors.
var (
	ErrPublish        = errors.New("publish failure")
	ErrUnexpectedType = errors.New("unexpected message type")
)

// ConfigError is returned when a bridge cannot be built. No subscription
// exists when it is returned.
type ConfigError struct {
	Bridge string
	Kind   error
	Err    error
}

func newConfigError(bridge string, kind, err error) *ConfigError {
	return &ConfigError{Bridge: bridge, Kind: kind, Err: err}
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("bridge %s: %v", e.Bridge, e.Kind)
	}
	return fmt.Sprintf("bridge %s: %v: %v", e.Bridge, e.Kind, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return nonNil(e.Kind, e.Err)
}

// TranslationError is reported when a single message cannot be converted.
// The bridge keeps running.
type TranslationError struct {
	Bridge string
	Topic  string
	Kind   error
	Err    error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("bridge %s: topic %q: %v: %v", e.Bridge, e.Topic, e.Kind, e.Err)
}

func (e *TranslationError) Unwrap() []error {
	return nonNil(e.Kind, e.Err)
}

// PublishError is reported when the destination bus rejects a publish.
type PublishError struct {
	Bridge string
	Topic  string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("bridge %s: publish to %q: %v", e.Bridge, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return nonNil(ErrPublish, e.Err)
}

func nonNil(errs ...error) []error {
	out := errs[:0:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
