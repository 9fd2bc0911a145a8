// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the intermediate field-map representation used to
// move data between typed local-bus messages and opaque remote payloads.
package message

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

// Structured is a flattened message: field name to value.
//
// Values are restricted to nil, bool, float64, string, []any and
// map[string]any. All numbers are float64, which matches what a JSON
// decoder produces and keeps every codec round-trip exact.
type Structured map[string]any

// Errors returned while converting between typed and structured messages.
var (
	ErrNotStruct     = errors.New("message must be a struct or pointer to struct")
	ErrNotPointer    = errors.New("populate target must be a non-nil pointer to struct")
	ErrFieldType     = errors.New("incompatible field value")
	ErrUnsupported   = errors.New("unsupported value type")
	ErrUnknownType   = errors.New("unknown message type")
	ErrDuplicateType = errors.New("message type already registered")
)

// Normalize converts a decoded value tree into the value model.
// Integer and float32 values become float64, []byte stays opaque as a
// sequence of numbers, and map[any]any keys are stringified.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case []byte:
		out := make([]any, len(t))
		for i, b := range t {
			out[i] = float64(b)
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case Structured:
		return Normalize(map[string]any(t))
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", k, err)
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// NormalizeMap normalizes a decoded top-level map.
func NormalizeMap(m map[string]any) (Structured, error) {
	n, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	return Structured(n.(map[string]any)), nil
}

// Equal reports whether two structured messages hold the same values.
// NaN compares equal to NaN so that round-trip checks stay meaningful.
func Equal(a, b Structured) bool {
	return valueEqual(map[string]any(a), map[string]any(b))
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
		return x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !valueEqual(v, w) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
