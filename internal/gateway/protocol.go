// Package gateway maintains the sharded websocket connections to the upstream
// platform's real-time event feed.
//
// Each Shard runs its own read and heartbeat loops, reconnects with
// exponential backoff, and resumes its session when the upstream allows it.
// Events from every shard are merged onto Manager.Events; per-shard queues
// decouple the socket from slow consumers by dropping the oldest entry when
// full.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Opcode identifies a gateway frame.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpPresenceUpdate:
		return "presence_update"
	case OpVoiceStateUpdate:
		return "voice_state_update"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpRequestGuildMembers:
		return "request_guild_members"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Frame is one gateway message.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Shard      [2]int             `json:"shard"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// heartbeatFrame carries the last sequence number, or null before any
// dispatch has been seen.
type heartbeatFrame struct {
	Op Opcode `json:"op"`
	D  *int64 `json:"d"`
}

// State is a shard's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateReady
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateResuming:
		return "resuming"
	}
	return "unknown"
}

// EventKind classifies an Event.
type EventKind string

const (
	EventDispatch  EventKind = "dispatch"
	EventHello     EventKind = "hello"
	EventReady     EventKind = "ready"
	EventResumed   EventKind = "resumed"
	EventClosed    EventKind = "closed"
	EventHeartbeat EventKind = "heartbeat"
	EventError     EventKind = "error"
)

// Event is a dispatch or lifecycle signal from one shard.
type Event struct {
	Kind    EventKind
	ShardID int

	// Type and Data are set for dispatches.
	Type string
	Data json.RawMessage
	Seq  int64

	Err error
}

var (
	// ErrNotConnected is returned when sending to a shard that has no ready
	// session. The payload is dropped.
	ErrNotConnected = errors.New("shard not connected")

	// ErrUnknownShard is returned for shard ids this process does not own.
	ErrUnknownShard = errors.New("unknown shard")

	errReconnect = errors.New("upstream requested reconnect")
	errZombie    = errors.New("heartbeat not acknowledged")
)

// fatalCloseCodes end a shard for good; retrying cannot succeed.
var fatalCloseCodes = map[int]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid API version",
	4013: "invalid intents",
	4014: "disallowed intents",
}
