// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Flattener is implemented by messages that flatten themselves.
type Flattener interface {
	Flatten() (Structured, error)
}

// Populater is implemented by messages that populate themselves.
type Populater interface {
	Populate(Structured) error
}

var timeType = reflect.TypeOf(time.Time{})

// Flatten converts a typed message into its structured form.
func Flatten(msg any) (Structured, error) {
	if f, ok := msg.(Flattener); ok {
		return f.Flatten()
	}

	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, ErrNotStruct
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || v.Type() == timeType {
		return nil, fmt.Errorf("%w: %T", ErrNotStruct, msg)
	}

	out, err := flattenStruct(v)
	if err != nil {
		return nil, err
	}
	return Structured(out), nil
}

func flattenStruct(v reflect.Value) (map[string]any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, ok := fieldName(sf)
		if !ok {
			continue
		}
		fv, err := flattenValue(v.Field(i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = fv
	}
	return out, nil
}

func flattenValue(v reflect.Value) (any, error) {
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		if v.Kind() == reflect.Interface {
			return Normalize(v.Interface())
		}
		return flattenValue(v.Elem())
	case reflect.Slice:
		if v.IsNil() {
			return []any{}, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			e, err := flattenValue(v.Index(i))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = e
		}
		return out, nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s", ErrUnsupported, v.Type().Key())
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			e, err := flattenValue(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = e
		}
		return out, nil
	case reflect.Struct:
		if v.Type() == timeType {
			return v.Interface().(time.Time).UTC().Format(time.RFC3339Nano), nil
		}
		if f, ok := v.Interface().(Flattener); ok {
			s, err := f.Flatten()
			return map[string]any(s), err
		}
		return flattenStruct(v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, v.Type())
	}
}

// Populate assigns structured fields onto dst, which must be a pointer to a
// struct. Keys without a matching field are ignored and fields without a
// matching key keep their current value.
func Populate(s Structured, dst any) error {
	if p, ok := dst.(Populater); ok {
		return p.Populate(s)
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: %T", ErrNotPointer, dst)
	}
	return populateStruct(map[string]any(s), v.Elem())
}

func populateStruct(m map[string]any, v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, ok := fieldName(sf)
		if !ok {
			continue
		}
		raw, ok := m[name]
		if !ok {
			continue
		}
		if err := populateValue(raw, v.Field(i)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func populateValue(raw any, v reflect.Value) error {
	if raw == nil {
		v.Set(reflect.Zero(v.Type()))
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return mismatch(raw, v)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := raw.(float64)
		if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
			return mismatch(raw, v)
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return fmt.Errorf("%w: %v overflows %s", ErrFieldType, raw, v.Type())
		}
		n := int64(f)
		if v.OverflowInt(n) {
			return fmt.Errorf("%w: %v overflows %s", ErrFieldType, raw, v.Type())
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		f, ok := raw.(float64)
		if !ok || f < 0 || f != math.Trunc(f) || math.IsInf(f, 0) {
			return mismatch(raw, v)
		}
		if f >= math.MaxUint64 {
			return fmt.Errorf("%w: %v overflows %s", ErrFieldType, raw, v.Type())
		}
		n := uint64(f)
		if v.OverflowUint(n) {
			return fmt.Errorf("%w: %v overflows %s", ErrFieldType, raw, v.Type())
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, ok := raw.(float64)
		if !ok {
			return mismatch(raw, v)
		}
		if v.OverflowFloat(f) {
			return fmt.Errorf("%w: %v overflows %s", ErrFieldType, raw, v.Type())
		}
		v.SetFloat(f)
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return mismatch(raw, v)
		}
		v.SetString(s)
	case reflect.Pointer:
		elem := reflect.New(v.Type().Elem())
		if err := populateValue(raw, elem.Elem()); err != nil {
			return err
		}
		v.Set(elem)
	case reflect.Interface:
		rv := reflect.ValueOf(raw)
		if !rv.Type().AssignableTo(v.Type()) {
			return mismatch(raw, v)
		}
		v.Set(rv)
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok {
			return mismatch(raw, v)
		}
		out := reflect.MakeSlice(v.Type(), len(items), len(items))
		for i, item := range items {
			if err := populateValue(item, out.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		v.Set(out)
	case reflect.Array:
		items, ok := raw.([]any)
		if !ok || len(items) > v.Len() {
			return mismatch(raw, v)
		}
		for i, item := range items {
			if err := populateValue(item, v.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case reflect.Map:
		m, ok := raw.(map[string]any)
		if !ok || v.Type().Key().Kind() != reflect.String {
			return mismatch(raw, v)
		}
		out := reflect.MakeMapWithSize(v.Type(), len(m))
		for k, item := range m {
			e := reflect.New(v.Type().Elem()).Elem()
			if err := populateValue(item, e); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(v.Type().Key()), e)
		}
		v.Set(out)
	case reflect.Struct:
		if v.Type() == timeType {
			s, ok := raw.(string)
			if !ok {
				return mismatch(raw, v)
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrFieldType, err)
			}
			v.Set(reflect.ValueOf(ts))
			return nil
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return mismatch(raw, v)
		}
		if v.CanAddr() {
			if p, ok := v.Addr().Interface().(Populater); ok {
				return p.Populate(Structured(m))
			}
		}
		return populateStruct(m, v)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, v.Type())
	}
	return nil
}

func mismatch(raw any, v reflect.Value) error {
	return fmt.Errorf("%w: cannot assign %T to %s", ErrFieldType, raw, v.Type())
}

// fieldName returns the structured key for a struct field and whether the
// field takes part in flattening at all.
func fieldName(sf reflect.StructField) (string, bool) {
	if !sf.IsExported() {
		return "", false
	}
	tag := sf.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name, true
	}
	return sf.Name, true
}
