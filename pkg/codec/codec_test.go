package codec

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONBytesExtensions(t *testing.T) {
	raw, err := Bytes{Data: []byte("hello"), Friendly: true}.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), "__bytes__")

	var b Bytes
	require.NoError(t, b.UnmarshalJSON(raw))
	require.Equal(t, "hello", string(b.Data))

	raw2, err := Bytes{Data: []byte{0xff, 0x00, 0x10}}.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw2), "__base64__")

	var b2 Bytes
	require.NoError(t, b2.UnmarshalJSON(raw2))
	require.Equal(t, []byte{0xff, 0x00, 0x10}, b2.Data)
}

func TestMsgPackRoundTripScalarsAndCollections(t *testing.T) {
	in := map[string]any{
		"name":  "kitten",
		"age":   int64(3),
		"ratio": 1.5,
		"tags":  []any{"a", "b"},
	}
	raw, err := EncodeMsgPack(in)
	require.NoError(t, err)

	out, err := DecodeMsgPack(raw)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "kitten", m["name"])
	require.Equal(t, int64(3), m["age"])
}

func TestMsgPackBigIntExtension(t *testing.T) {
	huge := new(big.Int)
	_, ok := huge.SetString("123456789012345678901234567890", 10)
	require.True(t, ok)

	raw, err := EncodeMsgPack(huge)
	require.NoError(t, err)

	out, err := DecodeMsgPack(raw)
	require.NoError(t, err)
	got, ok := out.(*big.Int)
	require.True(t, ok)
	require.Equal(t, 0, huge.Cmp(got))
}

func TestDecodeFormPositionalAndNamed(t *testing.T) {
	named, positional, err := DecodeForm([]byte("foo=bar&_args=1,2,3"))
	require.NoError(t, err)
	require.Equal(t, "bar", named["foo"])
	require.Equal(t, []string{"1", "2", "3"}, positional)
}

func TestSSEEncodeDecodeRoundTrip(t *testing.T) {
	var buf strings.Builder
	require.NoError(t, EncodeSSE(&buf, SSEEvent{ID: "1", Event: "tick", Data: "line1\nline2"}))

	lines := strings.Split(buf.String(), "\n")
	lines = lines[:len(lines)-1] // drop the trailing empty element left by the final "\n"

	var dec SSEDecoder
	var got SSEEvent
	var done bool
	for _, line := range lines {
		if got, done = dec.Feed(line); done {
			break
		}
	}
	require.True(t, done)
	require.Equal(t, "1", got.ID)
	require.Equal(t, "tick", got.Event)
	require.Equal(t, "line1\nline2", got.Data)
}

func TestParseInt64OrBig(t *testing.T) {
	v, err := ParseInt64OrBig("42")
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	v2, err := ParseInt64OrBig("123456789012345678901234567890")
	require.NoError(t, err)
	_, ok := v2.(*big.Int)
	require.True(t, ok)
}
