package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(component string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewWithOutput(component, log.New(&buf, "", 0)), &buf
}

func TestPrintf(t *testing.T) {
	l, buf := newTestLogger("broker")
	l.Printf("Relayed %d payloads", 3)
	assert.Equal(t, "[Broker] Relayed 3 payloads\n", buf.String())
}

func TestEvent(t *testing.T) {
	l, buf := newTestLogger("gateway")
	l.With("shard_id", 2).Event("shard_ready", map[string]interface{}{"session": "abc"})

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))

	assert.Equal(t, "info", record["level"])
	assert.Equal(t, "gateway", record["component"])
	assert.Equal(t, "shard_ready", record["event_type"])
	assert.Equal(t, "abc", record["session"])
	assert.EqualValues(t, 2, record["shard_id"])
	assert.NotEmpty(t, record["timestamp"])
}

func TestError(t *testing.T) {
	l, buf := newTestLogger("pubsub")
	l.Error("read_failed", errors.New("connection reset"), nil)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "error", record["level"])
	assert.Equal(t, "connection reset", record["error"])
}

func TestWithDoesNotLeak(t *testing.T) {
	base, buf := newTestLogger("proxy")
	_ = base.With("a", 1)
	base.Warn("plain", nil)

	assert.False(t, strings.Contains(buf.String(), `"a"`))
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestUnmarshalableFieldFallsBack(t *testing.T) {
	l, buf := newTestLogger("proxy")
	l.Event("bad", map[string]interface{}{"ch": make(chan int)})
	assert.Contains(t, buf.String(), "[Proxy] Failed to marshal log event")
}
