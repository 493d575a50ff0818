// Package codec serializes values to and from the textual wire format
// exchanged with the host.
//
// The format is JSON with two adjustments: non-finite numbers encode as
// null instead of failing, and cyclic graphs fail fast with
// proto.ErrCyclicStructure. Decode reads exactly one value; bytes after a
// complete top-level value are ignored, but malformed content inside an
// array or object is a syntax error.
package codec

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"

	"github.com/mbocsi/hostlink/proto"
)

// Encode returns the textual form of v.
func Encode(v any) (string, error) {
	normalized, err := normalize(reflect.ValueOf(v), map[visit]struct{}{})
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) && strings.Contains(unsupported.Str, "cycle") {
			return "", proto.NewError(proto.ErrCodeCyclicStructure, "cannot encode cyclic structure", err)
		}
		return "", fmt.Errorf("encode: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// MustEncode is Encode for values known to be encodable.
func MustEncode(v any) string {
	s, err := Encode(v)
	if err != nil {
		panic("codec: " + err.Error())
	}
	return s
}

// Decode parses text into a generic value: nil, bool, float64, string,
// []any or map[string]any.
func Decode(text string) (any, error) {
	var v any
	if err := DecodeInto(text, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeInto parses text into v, which must be a pointer.
func DecodeInto(text string, v any) error {
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(v); err != nil {
		return syntaxError(err)
	}
	return nil
}

func syntaxError(err error) error {
	var syntax *json.SyntaxError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return proto.NewError(proto.ErrCodeSyntax, "unexpected end of input", err)
	case errors.As(err, &syntax):
		return proto.NewError(proto.ErrCodeSyntax, fmt.Sprintf("syntax error at offset %d", syntax.Offset), err)
	default:
		return proto.NewError(proto.ErrCodeSyntax, "cannot decode value", err)
	}
}

// normalize walks containers and structs, replacing non-finite floats with
// nil and rejecting any map, slice or pointer already on the current path.
// Values that marshal themselves are left to encoding/json.
func normalize(v reflect.Value, path map[visit]struct{}) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if t := v.Type(); t.Implements(marshalerType) || t.Implements(textMarshalerType) {
		return v.Interface(), nil
	}
	if v.CanAddr() {
		if pt := reflect.PointerTo(v.Type()); pt.Implements(marshalerType) || pt.Implements(textMarshalerType) {
			return v.Addr().Interface(), nil
		}
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return normalize(v.Elem(), path)

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		return v.Interface(), nil

	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		leave, err := enter(v, path)
		if err != nil {
			return nil, err
		}
		defer leave()
		return normalize(v.Elem(), path)

	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return v.Interface(), nil
		}
		leave, err := enter(v, path)
		if err != nil {
			return nil, err
		}
		defer leave()
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			item, err := normalize(iter.Value(), path)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = item
		}
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), nil
		}
		leave, err := enter(v, path)
		if err != nil {
			return nil, err
		}
		defer leave()
		return normalizeList(v, path)

	case reflect.Array:
		return normalizeList(v, path)

	case reflect.Struct:
		return normalizeStruct(v, path)

	default:
		return v.Interface(), nil
	}
}

func normalizeList(v reflect.Value, path map[visit]struct{}) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		item, err := normalize(v.Index(i), path)
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

// visit identifies a container on the current path. Slices sharing a
// backing array are only the same container if they share a length.
type visit struct {
	ptr uintptr
	len int
}

func enter(v reflect.Value, path map[visit]struct{}) (func(), error) {
	key := visit{ptr: v.Pointer()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, seen := path[key]; seen {
		return nil, proto.NewError(proto.ErrCodeCyclicStructure,
			fmt.Sprintf("cannot encode cyclic structure via %s", v.Type()), nil)
	}
	path[key] = struct{}{}
	return func() { delete(path, key) }, nil
}

var (
	marshalerType     = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)
