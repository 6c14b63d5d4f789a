package codec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Snowflake is an upstream platform object identifier.
//
// In msgpack it uses the ExtUint64 extension; in JSON it is a decimal string,
// matching how the upstream REST and gateway APIs transmit identifiers.
type Snowflake uint64

var (
	_ msgpack.CustomEncoder = Snowflake(0)
	_ msgpack.CustomDecoder = (*Snowflake)(nil)
	_ json.Marshaler        = Snowflake(0)
	_ json.Unmarshaler      = (*Snowflake)(nil)
)

// ParseSnowflake parses the decimal form of an identifier.
func ParseSnowflake(s string) (Snowflake, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	return Snowflake(n), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Value returns the identifier as a Uint node.
func (s Snowflake) Value() Value {
	return Uint(s)
}

func (s Snowflake) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encodeUintExt(enc, uint64(s))
}

// DecodeMsgpack accepts the extension form as well as plain integers and
// decimal strings written by other producers.
func (s *Snowflake) DecodeMsgpack(dec *msgpack.Decoder) error {
	c, err := dec.PeekCode()
	if err != nil {
		return err
	}

	switch {
	case msgpcode.IsExt(c):
		n, err := decodeUintExt(dec)
		if err != nil {
			return err
		}
		*s = Snowflake(n)
	case msgpcode.IsString(c):
		str, err := dec.DecodeString()
		if err != nil {
			return err
		}
		id, err := ParseSnowflake(str)
		if err != nil {
			return err
		}
		*s = id
	case c >= msgpcode.NegFixedNumLow,
		c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		n, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("invalid snowflake: negative integer %d", n)
		}
		*s = Snowflake(n)
	default:
		n, err := dec.DecodeUint64()
		if err != nil {
			return err
		}
		*s = Snowflake(n)
	}
	return nil
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		// Fall back to a bare JSON number.
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid snowflake: %s", data)
		}
		str = n.String()
	}
	id, err := ParseSnowflake(str)
	if err != nil {
		return err
	}
	*s = id
	return nil
}
