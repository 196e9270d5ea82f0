package protocol

import (
	"testing"

	"github.com/frontbase/frontbase/internal/codec"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameArgs(t *testing.T) {
	f := Frame{Event: "getObjects", Args: []any{"tasks", map[string]any{"done": false}, 42}}

	s, err := f.StringArg(0)
	require.NoError(t, err)
	assert.Equal(t, "tasks", s)

	m, err := f.MapArg(1)
	require.NoError(t, err)
	assert.Equal(t, false, m["done"])

	_, err = f.StringArg(2)
	assert.ErrorIs(t, err, constants.ErrMalformedInput)
	_, err = f.MapArg(2)
	assert.ErrorIs(t, err, constants.ErrMalformedInput)

	empty, err := f.MapArg(5)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Nil(t, f.Arg(-1))
}

func TestParseCredentials(t *testing.T) {
	c, raw, err := ParseCredentials(map[string]any{"username": "alice", "password": "pw", "email": "a@x"})
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "alice", Password: "pw"}, c)
	assert.Equal(t, "a@x", raw["email"])

	_, _, err = ParseCredentials(map[string]any{"username": "alice"})
	assert.ErrorIs(t, err, constants.ErrMalformedInput)
	_, _, err = ParseCredentials("alice")
	assert.ErrorIs(t, err, constants.ErrMalformedInput)
}

// Frames must decode to the same shapes whichever codec carried them.
func TestFrameCodecs(t *testing.T) {
	for _, c := range []codec.Codec{codec.NewJSON(), codec.NewCBOR()} {
		t.Run(c.Name(), func(t *testing.T) {
			out := Frame{
				Event: "getObjects",
				Ack:   7,
				Args:  []any{"task", map[string]any{"owner": map[string]any{"name": "alice"}}},
			}
			data, err := c.Marshal(out)
			require.NoError(t, err)

			var in Frame
			require.NoError(t, c.Unmarshal(data, &in))
			assert.Equal(t, "getObjects", in.Event)
			assert.Equal(t, uint64(7), in.Ack)

			kind, err := in.StringArg(0)
			require.NoError(t, err)
			assert.Equal(t, "task", kind)

			filter, err := in.MapArg(1)
			require.NoError(t, err)
			owner, ok := filter["owner"].(map[string]any)
			require.True(t, ok, "nested map decoded as %T", filter["owner"])
			assert.Equal(t, "alice", owner["name"])
		})
	}

	assert.Equal(t, codec.CBORName, codec.ForSubprotocol("cbor").Name())
	assert.Equal(t, codec.JSONName, codec.ForSubprotocol("").Name())
	assert.True(t, codec.ForSubprotocol("cbor").Binary())
}
