package wire

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	msg, err := Decode(JSON, []byte(`{"type":"join_lobby","lobby_id":"ABC123","player_info":{"username":"ann"},"n":7}`))
	require.NoError(t, err)

	assert.Equal(t, "join_lobby", msg.Type())
	assert.Equal(t, "ABC123", msg.String("lobby_id"))
	assert.Equal(t, "ann", msg.Map("player_info")["username"])
	n, ok := msg.Uint("n")
	assert.True(t, ok)
	assert.EqualValues(t, 7, n)
}

func TestDecodeCBORNestedMapsAreStringKeyed(t *testing.T) {
	raw, err := cbor.Marshal(map[string]interface{}{
		"type":             "relay_message",
		"target_player_id": uint64(12),
		"data":             map[string]interface{}{"x": 1},
	})
	require.NoError(t, err)

	msg, err := Decode(CBOR, raw)
	require.NoError(t, err)
	assert.Equal(t, "relay_message", msg.Type())
	target, ok := msg.Uint("target_player_id")
	assert.True(t, ok)
	assert.EqualValues(t, 12, target)
	assert.NotNil(t, msg.Map("data"))
}

func TestDecodeRejectsMissingType(t *testing.T) {
	for name, frame := range map[string]string{
		"not json":    `{{{`,
		"no type":     `{"lobby_id":"X"}`,
		"array":       `[1,2]`,
		"type number": `{"type":3}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(JSON, []byte(frame))
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestEncodeMirrorsEncoding(t *testing.T) {
	msg := New("heartbeat_ack").With("timestamp", int64(42))

	js, err := Encode(JSON, msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat_ack","timestamp":42}`, string(js))

	cb, err := Encode(CBOR, msg)
	require.NoError(t, err)
	back, err := Decode(CBOR, cb)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat_ack", back.Type())
}

func TestToUint(t *testing.T) {
	cases := []struct {
		in   interface{}
		want uint64
		ok   bool
	}{
		{float64(3), 3, true},
		{float64(3.5), 0, false},
		{float64(-1), 0, false},
		{uint64(9), 9, true},
		{int64(-2), 0, false},
		{"17", 17, true},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := ToUint(c.in)
		assert.Equal(t, c.ok, ok, "%v", c.in)
		assert.Equal(t, c.want, got, "%v", c.in)
	}
}

func TestSize(t *testing.T) {
	n, err := Size(map[string]interface{}{"a": "bc"})
	require.NoError(t, err)
	assert.Equal(t, len(`{"a":"bc"}`), n)
}
