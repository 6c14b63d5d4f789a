// Package codec implements the binary encoding shared by broker payloads and
// cache values.
//
// # Value Model
//
// Payloads are represented by the closed Value sum type: Null, Bool, Int,
// Uint, Float, Str, Bytes, Array and Map. The wire format is MessagePack.
//
// Uint is reserved for 64-bit unsigned identifiers (snowflakes). It is never
// written as a plain msgpack integer; instead it is encoded as extension type
// ExtUint64 whose body is the decimal string form of the number. Consumers in
// languages without native 64-bit integers can therefore decode identifiers
// without precision loss. Whether a number is an identifier is decided by
// whoever builds the Value, never inferred at encode time.
//
// # Typed Codecs
//
// Codec[T] is the encode/decode pair used by cache entities. Msgpack[T]
// handles plain structs; fields of type Snowflake reuse the ExtUint64
// extension so struct values and Value trees agree on the identifier shape.
package codec

// Kind identifies the concrete variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindArray
	KindMap
)

var kindNames = [...]string{"null", "bool", "int", "uint", "float", "string", "bytes", "array", "map"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is one node of an encodable payload. The set of implementations is
// closed; use the variant types defined in this package.
type Value interface {
	Kind() Kind
	isValue()
}

// Null is the absent value.
type Null struct{}

// Bool is a boolean.
type Bool bool

// Int is a signed 64-bit integer.
type Int int64

// Uint is an unsigned 64-bit identifier, encoded with the ExtUint64 extension.
type Uint uint64

// Float is a 64-bit float.
type Float float64

// Str is a UTF-8 string.
type Str string

// Bytes is an opaque byte string.
type Bytes []byte

// Array is an ordered list of values.
type Array []Value

// Map is a string-keyed map of values.
type Map map[string]Value

func (Null) Kind() Kind  { return KindNull }
func (Bool) Kind() Kind  { return KindBool }
func (Int) Kind() Kind   { return KindInt }
func (Uint) Kind() Kind  { return KindUint }
func (Float) Kind() Kind { return KindFloat }
func (Str) Kind() Kind   { return KindString }
func (Bytes) Kind() Kind { return KindBytes }
func (Array) Kind() Kind { return KindArray }
func (Map) Kind() Kind   { return KindMap }

func (Null) isValue()  {}
func (Bool) isValue()  {}
func (Int) isValue()   {}
func (Uint) isValue()  {}
func (Float) isValue() {}
func (Str) isValue()   {}
func (Bytes) isValue() {}
func (Array) isValue() {}
func (Map) isValue()   {}

// Get returns the value stored under key, or Null when the key is absent.
func (m Map) Get(key string) Value {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return Null{}
}

// String returns the string stored under key and whether it was a Str.
func (m Map) String(key string) (string, bool) {
	s, ok := m[key].(Str)
	return string(s), ok
}

// ID returns the identifier stored under key. Both Uint values and decimal
// strings (the upstream JSON convention) are accepted.
func (m Map) ID(key string) (Snowflake, bool) {
	switch v := m[key].(type) {
	case Uint:
		return Snowflake(v), true
	case Int:
		if v < 0 {
			return 0, false
		}
		return Snowflake(v), true
	case Str:
		id, err := ParseSnowflake(string(v))
		return id, err == nil
	}
	return 0, false
}
