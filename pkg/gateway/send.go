// Package gateway is the consumer side of the broker: it subscribes services
// to dispatch events and lets them push commands back to the upstream
// connection.
package gateway

import (
	"errors"
	"fmt"
	"math"

	"github.com/dyluth/conduit/pkg/codec"
)

// SendTopic is the reserved topic carrying outbound commands.
const SendTopic = "send"

// ErrInvalidSend is returned for send messages that do not match the wire
// shape.
var ErrInvalidSend = errors.New("invalid send command")

// SendCommand asks the broker to write Payload to the upstream connection.
// Payload is a complete upstream command frame and is not interpreted.
type SendCommand struct {
	// ShardID targets one shard. Nil broadcasts to every shard.
	ShardID *uint32
	Payload []byte
}

// ToShard returns a command targeting one shard.
func ToShard(id uint32, payload []byte) SendCommand {
	return SendCommand{ShardID: &id, Payload: payload}
}

// ToAll returns a broadcast command.
func ToAll(payload []byte) SendCommand {
	return SendCommand{Payload: payload}
}

// EncodeSend encodes cmd as a codec map {"payload": bytes, "shard_id": uint}.
func EncodeSend(cmd SendCommand) ([]byte, error) {
	m := codec.Map{"payload": codec.Bytes(cmd.Payload)}
	if cmd.ShardID != nil {
		m["shard_id"] = codec.Uint(*cmd.ShardID)
	}
	return codec.Encode(m)
}

// DecodeSend parses a send message. A missing or null shard_id means
// broadcast.
func DecodeSend(data []byte) (SendCommand, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return SendCommand{}, fmt.Errorf("failed to decode send command: %w", err)
	}
	m, ok := v.(codec.Map)
	if !ok {
		return SendCommand{}, fmt.Errorf("%w: expected map, got %s", ErrInvalidSend, v.Kind())
	}

	var cmd SendCommand
	switch p := m.Get("payload").(type) {
	case codec.Bytes:
		cmd.Payload = []byte(p)
	case codec.Str:
		cmd.Payload = []byte(p)
	default:
		return SendCommand{}, fmt.Errorf("%w: payload is %s", ErrInvalidSend, p.Kind())
	}

	var id uint64
	switch s := m.Get("shard_id").(type) {
	case codec.Null:
		return cmd, nil
	case codec.Int:
		if s < 0 {
			return SendCommand{}, fmt.Errorf("%w: negative shard_id %d", ErrInvalidSend, s)
		}
		id = uint64(s)
	case codec.Uint:
		id = uint64(s)
	default:
		return SendCommand{}, fmt.Errorf("%w: shard_id is %s", ErrInvalidSend, s.Kind())
	}
	if id > math.MaxUint32 {
		return SendCommand{}, fmt.Errorf("%w: shard_id %d out of range", ErrInvalidSend, id)
	}
	shard := uint32(id)
	cmd.ShardID = &shard
	return cmd, nil
}
