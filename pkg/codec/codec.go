package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// ExtUint64 is the msgpack extension type carrying a decimal-encoded uint64.
const ExtUint64 int8 = 1

// maxDepth bounds nesting so hostile payloads cannot exhaust the stack.
const maxDepth = 256

var (
	// ErrUnsupported is returned for values outside the encodable grammar.
	ErrUnsupported = errors.New("codec: value not representable")

	// ErrUnknownExtension is returned when decoding an extension type other than ExtUint64.
	ErrUnknownExtension = errors.New("codec: unknown extension type")

	// ErrInvalidExtension is returned when an ExtUint64 body is not a canonical uint64.
	ErrInvalidExtension = errors.New("codec: invalid uint64 extension body")

	// ErrTrailingBytes is returned when input continues after the first value.
	ErrTrailingBytes = errors.New("codec: trailing bytes after value")

	// ErrTooDeep is returned when a payload nests deeper than the decoder allows.
	ErrTooDeep = errors.New("codec: value nested too deeply")
)

// Codec is the encode/decode pair for one payload or entity type.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// Encode serialises v. A nil interface is encoded as Null.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeValue(enc, v, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses exactly one value from data.
func Decode(data []byte) (Value, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return v, nil
}

func encodeValue(enc *msgpack.Encoder, v Value, depth int) error {
	if depth > maxDepth {
		return ErrTooDeep
	}

	switch v := v.(type) {
	case nil, Null:
		return enc.EncodeNil()
	case Bool:
		return enc.EncodeBool(bool(v))
	case Int:
		return enc.EncodeInt(int64(v))
	case Uint:
		return encodeUintExt(enc, uint64(v))
	case Float:
		return enc.EncodeFloat64(float64(v))
	case Str:
		return enc.EncodeString(string(v))
	case Bytes:
		// EncodeBytes(nil) would write nil; an empty byte string stays a byte string.
		if v == nil {
			return enc.EncodeBytesLen(0)
		}
		return enc.EncodeBytes(v)
	case Array:
		if err := enc.EncodeArrayLen(len(v)); err != nil {
			return err
		}
		for i, item := range v {
			if err := encodeValue(enc, item, depth+1); err != nil {
				return fmt.Errorf("array index %d: %w", i, err)
			}
		}
		return nil
	case Map:
		if err := enc.EncodeMapLen(len(v)); err != nil {
			return err
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeValue(enc, v[k], depth+1); err != nil {
				return fmt.Errorf("map key %q: %w", k, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func encodeUintExt(enc *msgpack.Encoder, n uint64) error {
	body := strconv.AppendUint(nil, n, 10)
	if err := enc.EncodeExtHeader(ExtUint64, len(body)); err != nil {
		return err
	}
	_, err := enc.Writer().Write(body)
	return err
}

func decodeValue(dec *msgpack.Decoder, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}

	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	switch {
	case c == msgpcode.Nil:
		return Null{}, dec.DecodeNil()

	case c == msgpcode.True || c == msgpcode.False:
		b, err := dec.DecodeBool()
		return Bool(b), err

	case msgpcode.IsFixedNum(c),
		c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		n, err := dec.DecodeInt64()
		return Int(n), err

	case c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		n, err := dec.DecodeUint64()
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt64 {
			return Uint(n), nil
		}
		return Int(int64(n)), nil

	case c == msgpcode.Float || c == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		return Float(f), err

	case msgpcode.IsString(c):
		s, err := dec.DecodeString()
		return Str(s), err

	case msgpcode.IsBin(c):
		b, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		if b == nil {
			b = []byte{}
		}
		return Bytes(b), nil

	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		arr := make(Array, 0, n)
		for i := 0; i < n; i++ {
			item, err := decodeValue(dec, depth+1)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			arr = append(arr, item)
		}
		return arr, nil

	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		m := make(Map, n)
		for i := 0; i < n; i++ {
			kc, err := dec.PeekCode()
			if err != nil {
				return nil, err
			}
			if !msgpcode.IsString(kc) {
				return nil, fmt.Errorf("%w: map key with code 0x%x is not a string", ErrUnsupported, kc)
			}
			k, err := dec.DecodeString()
			if err != nil {
				return nil, err
			}
			item, err := decodeValue(dec, depth+1)
			if err != nil {
				return nil, fmt.Errorf("map key %q: %w", k, err)
			}
			m[k] = item
		}
		return m, nil

	case msgpcode.IsExt(c):
		n, err := decodeUintExt(dec)
		return Uint(n), err

	default:
		return nil, fmt.Errorf("%w: msgpack code 0x%x", ErrUnsupported, c)
	}
}

func decodeUintExt(dec *msgpack.Decoder) (uint64, error) {
	extID, extLen, err := dec.DecodeExtHeader()
	if err != nil {
		return 0, err
	}
	if extID != ExtUint64 {
		return 0, fmt.Errorf("%w: %d", ErrUnknownExtension, extID)
	}
	// len("18446744073709551615") == 20
	if extLen < 1 || extLen > 20 {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidExtension, extLen)
	}

	body := make([]byte, extLen)
	if err := dec.ReadFull(body); err != nil {
		return 0, err
	}
	return parseCanonicalUint(string(body))
}

// parseCanonicalUint accepts only the form strconv.FormatUint produces.
func parseCanonicalUint(s string) (uint64, error) {
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("%w: leading zero in %q", ErrInvalidExtension, s)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExtension, s)
	}
	return n, nil
}

type valueCodec struct{}

// ValueCodec returns the Codec for dynamically-shaped Value payloads.
func ValueCodec() Codec[Value] {
	return valueCodec{}
}

func (valueCodec) Encode(v Value) ([]byte, error) { return Encode(v) }
func (valueCodec) Decode(data []byte) (Value, error) { return Decode(data) }

type msgpackCodec[T any] struct{}

// Msgpack returns a Codec that marshals T with msgpack struct tags.
// Identifier fields should be declared as Snowflake.
func Msgpack[T any]() Codec[T] {
	return msgpackCodec[T]{}
}

func (msgpackCodec[T]) Encode(v T) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}

func (msgpackCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return v, nil
}
