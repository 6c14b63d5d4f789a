package codec

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type member struct {
	GuildID Snowflake   `msgpack:"guild_id" json:"guild_id"`
	UserID  Snowflake   `msgpack:"user_id" json:"user_id"`
	Roles   []Snowflake `msgpack:"roles" json:"roles"`
	Nick    string      `msgpack:"nick" json:"nick"`
}

func TestSnowflakeStructRoundTrip(t *testing.T) {
	c := Msgpack[member]()
	in := member{
		GuildID: Snowflake(math.MaxUint64),
		UserID:  Snowflake(1 << 63),
		Roles:   []Snowflake{1, 222078108977594368},
		Nick:    "mod",
	}

	data, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSnowflakeSharesWireShapeWithUint(t *testing.T) {
	typed, err := msgpack.Marshal(Snowflake(1 << 63))
	require.NoError(t, err)

	dynamic, err := Encode(Uint(1 << 63))
	require.NoError(t, err)

	assert.Equal(t, dynamic, typed)

	v, err := Decode(typed)
	require.NoError(t, err)
	assert.Equal(t, Uint(1<<63), v)
}

func TestSnowflakeDecodesLegacyForms(t *testing.T) {
	t.Run("plain integer", func(t *testing.T) {
		data, err := msgpack.Marshal(uint64(12345))
		require.NoError(t, err)

		var s Snowflake
		require.NoError(t, msgpack.Unmarshal(data, &s))
		assert.Equal(t, Snowflake(12345), s)
	})

	t.Run("decimal string", func(t *testing.T) {
		data, err := msgpack.Marshal("18446744073709551615")
		require.NoError(t, err)

		var s Snowflake
		require.NoError(t, msgpack.Unmarshal(data, &s))
		assert.Equal(t, Snowflake(math.MaxUint64), s)
	})

	t.Run("positive signed integer", func(t *testing.T) {
		data, err := msgpack.Marshal(int64(80351110224678912))
		require.NoError(t, err)

		var s Snowflake
		require.NoError(t, msgpack.Unmarshal(data, &s))
		assert.Equal(t, Snowflake(80351110224678912), s)
	})
}

func TestSnowflakeRejectsNegativeIntegers(t *testing.T) {
	for _, n := range []int64{-1, -200, -5000000000} {
		data, err := msgpack.Marshal(n)
		require.NoError(t, err)

		var s Snowflake
		err = msgpack.Unmarshal(data, &s)
		require.Error(t, err, "decoding %d", n)
		assert.Contains(t, err.Error(), "negative")
		assert.Zero(t, s)
	}
}

func TestSnowflakeJSON(t *testing.T) {
	in := member{GuildID: 80351110224678912, UserID: 1 << 63, Roles: []Snowflake{}}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"guild_id":"80351110224678912"`)
	assert.Contains(t, string(data), `"user_id":"9223372036854775808"`)

	var out member
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	var bare Snowflake
	require.NoError(t, json.Unmarshal([]byte(`42`), &bare))
	assert.Equal(t, Snowflake(42), bare)

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &bare))
}

func TestParseSnowflake(t *testing.T) {
	s, err := ParseSnowflake("18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, "18446744073709551615", s.String())

	_, err = ParseSnowflake("-1")
	assert.Error(t, err)
	_, err = ParseSnowflake("")
	assert.Error(t, err)
}
