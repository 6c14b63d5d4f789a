package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// FromJSON converts an upstream JSON document into a Value.
//
// Integral numbers become Int, or Uint when they exceed int64. Identifiers
// the upstream sends as strings stay Str; callers that need them as Uint
// convert explicitly.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingBytes
	}
	return FromNative(raw)
}

// FromNative converts common Go values into a Value. Unsigned 64-bit Go
// integers (uint, uint64, Snowflake) map to Uint; everything integral and
// smaller maps to Int.
func FromNative(x any) (Value, error) {
	switch x := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return Str(x), nil
	case []byte:
		return Bytes(x), nil
	case json.Number:
		return fromNumber(x)
	case int:
		return Int(x), nil
	case int8:
		return Int(x), nil
	case int16:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(x), nil
	case uint16:
		return Int(x), nil
	case uint32:
		return Int(x), nil
	case uint:
		return Uint(x), nil
	case uint64:
		return Uint(x), nil
	case Snowflake:
		return Uint(x), nil
	case float32:
		return Float(x), nil
	case float64:
		return Float(x), nil
	case []any:
		arr := make(Array, len(x))
		for i, item := range x {
			v, err := FromNative(item)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil
	case map[string]any:
		m := make(Map, len(x))
		for k, item := range x {
			v, err := FromNative(item)
			if err != nil {
				return nil, fmt.Errorf("map key %q: %w", k, err)
			}
			m[k] = v
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, x)
	}
}

func fromNumber(n json.Number) (Value, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Uint(u), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: number %s", ErrUnsupported, s)
	}
	// An integral literal too large for uint64 would be rounded.
	if f == math.Trunc(f) && !bytes.ContainsAny([]byte(s), ".eE") {
		return nil, fmt.Errorf("%w: integer %s overflows 64 bits", ErrUnsupported, s)
	}
	return Float(f), nil
}

// ToNative converts a Value into plain Go values suitable for encoding/json.
// Uint becomes its decimal string so identifiers survive JSON consumers.
func ToNative(v Value) any {
	switch v := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(v)
	case Int:
		return int64(v)
	case Uint:
		return strconv.FormatUint(uint64(v), 10)
	case Float:
		return float64(v)
	case Str:
		return string(v)
	case Bytes:
		return []byte(v)
	case Array:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ToNative(item)
		}
		return out
	case Map:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ToNative(item)
		}
		return out
	}
	return nil
}
