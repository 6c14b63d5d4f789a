package printer

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withoutColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{
			"First option",
			"Second option",
		})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})
}

func TestErrorWithContext(t *testing.T) {
	context := map[string]string{"Redis": "redis://localhost:6379"}
	err := ErrorWithContext("Test Error", "Explanation", context, []string{"Fix it"})
	require.Error(t, err)
	require.Equal(t, "Test Error", err.Error())
}

func TestWriteError(t *testing.T) {
	withoutColor(t)

	var buf bytes.Buffer
	writeError(&buf, "Redis connection failed", "Could not connect",
		map[string]string{"b": "2", "a": "1"},
		[]string{"Start Redis", "Set REDIS_URL"})

	assert.Equal(t, `Redis connection failed

Could not connect

  a: 1
  b: 2

Either:
  1. Start Redis
  2. Set REDIS_URL
`, buf.String())
}

func TestFields(t *testing.T) {
	withoutColor(t)

	var buf bytes.Buffer
	Fields(&buf, map[string]string{"key": "guild:1", "ttl": "15m0s"})
	assert.Equal(t, "key  guild:1\nttl  15m0s\n", buf.String())
}
