// Package codec implements the three request/response body serializations
// the core supports: JSON (with a small set of extensions for raw bytes),
// a msgpack variant that tunnels arbitrary-precision integers through an
// extension type, and application/x-www-form-urlencoded. It also frames
// Server-Sent Events for streaming handlers whose clients want SSE instead
// of chunked binary.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/tinylib/msgp/msgp"

	"github.com/wrpc/wrpc/pkg/errors"
)

// bigIntExtType is the msgpack extension type used to tunnel integers that
// don't fit in an int64, encoded as the ASCII hex text of the integer
// (mirrors to_msgpack/from_msgpack in the reference worker implementation).
const bigIntExtType = 1

// Bytes wraps a raw byte slice so JSON encoding can pick between the two
// wire extensions: Friendly controls whether it is rendered as
// {"__bytes__": "..."} (UTF-8, human readable) or {"__base64__": "..."}
// (opaque binary).
type Bytes struct {
	Data     []byte
	Friendly bool
}

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b.Friendly {
		return json.Marshal(map[string]string{"__bytes__": string(b.Data)})
	}
	return json.Marshal(map[string]string{"__base64__": base64.StdEncoding.EncodeToString(b.Data)})
}

// UnmarshalJSON implements json.Unmarshaler, accepting either extension.
func (b *Bytes) UnmarshalJSON(raw []byte) error {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if v, ok := m["__base64__"]; ok {
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return err
		}
		b.Data = data
		return nil
	}
	if v, ok := m["__bytes__"]; ok {
		b.Data = []byte(v)
		b.Friendly = true
		return nil
	}
	return fmt.Errorf("codec: not a bytes extension object")
}

// EncodeJSON serializes data as application/json, terminated with a
// trailing newline (matches the reference worker's to_json).
func EncodeJSON(data any) ([]byte, error) {
	out, err := json.Marshal(data)
	if err != nil {
		return nil, errors.NewValidationError("json encode: " + err.Error())
	}
	return append(out, '\n'), nil
}

// DecodeJSON deserializes an application/json body.
func DecodeJSON(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.NewValidationError("json decode: " + err.Error())
	}
	return nil
}

// EncodeMsgPack serializes data to msgpack. Values that don't fit in an
// int64 (the Go equivalent of a Python arbitrary-precision int) are packed
// as ext type 1 carrying the ASCII hex of the integer.
func EncodeMsgPack(data any) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := encodeValue(w, data); err != nil {
		return nil, errors.NewValidationError("msgpack encode: " + err.Error())
	}
	if err := w.Flush(); err != nil {
		return nil, errors.NewValidationError("msgpack encode: " + err.Error())
	}
	return buf.Bytes(), nil
}

func encodeValue(w *msgp.Writer, v any) error {
	switch t := v.(type) {
	case nil:
		return w.WriteNil()
	case bool:
		return w.WriteBool(t)
	case string:
		return w.WriteString(t)
	case []byte:
		return w.WriteBytes(t)
	case int:
		return w.WriteInt64(int64(t))
	case int64:
		return w.WriteInt64(t)
	case float64:
		return w.WriteFloat64(t)
	case *big.Int:
		return w.WriteExtension(&msgp.RawExtension{Type: bigIntExtType, Data: []byte(fmt.Sprintf("%x", t))})
	case map[string]any:
		if err := w.WriteMapHeader(uint32(len(t))); err != nil {
			return err
		}
		for k, val := range t {
			if err := w.WriteString(k); err != nil {
				return err
			}
			if err := encodeValue(w, val); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if err := w.WriteArrayHeader(uint32(len(t))); err != nil {
			return err
		}
		for _, item := range t {
			if err := encodeValue(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unhandled data type: %T", v)
	}
}

// DecodeMsgPack deserializes a msgpack body into a generic any tree
// (map[string]any / []any / string / int64 / float64 / bool / nil /
// *big.Int for ext type 1 values).
func DecodeMsgPack(raw []byte) (any, error) {
	r := msgp.NewReader(bytes.NewReader(raw))
	v, err := decodeValue(r)
	if err != nil {
		return nil, errors.NewValidationError("msgpack decode: " + err.Error())
	}
	return v, nil
}

func decodeValue(r *msgp.Reader) (any, error) {
	typ, err := r.NextType()
	if err != nil {
		return nil, err
	}
	switch typ {
	case msgp.NilType:
		return nil, r.ReadNil()
	case msgp.BoolType:
		return r.ReadBool()
	case msgp.StrType:
		return r.ReadString()
	case msgp.BinType:
		return r.ReadBytes(nil)
	case msgp.IntType, msgp.UintType:
		return r.ReadInt64()
	case msgp.Float32Type, msgp.Float64Type:
		return r.ReadFloat64()
	case msgp.ExtensionType:
		ext := &msgp.RawExtension{}
		if err := r.ReadExtension(ext); err != nil {
			return nil, err
		}
		if ext.Type == bigIntExtType {
			n := new(big.Int)
			if _, ok := n.SetString(string(ext.Data), 16); !ok {
				return nil, fmt.Errorf("invalid bigint ext payload %q", ext.Data)
			}
			return n, nil
		}
		return ext.Data, nil
	case msgp.MapType:
		n, err := r.ReadMapHeader()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case msgp.ArrayType:
		n, err := r.ReadArrayHeader()
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := uint32(0); i < n; i++ {
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unhandled msgpack type: %s", typ)
	}
}

// DecodeForm parses an application/x-www-form-urlencoded POST body into a
// named-argument map, collapsing repeated keys to their last value, and
// lifting a special "_args" key into positional arguments.
func DecodeForm(raw []byte) (named map[string]string, positional []string, err error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, nil, errors.NewValidationError("form decode: " + err.Error())
	}
	named = make(map[string]string)
	for k, v := range values {
		if len(v) == 0 {
			continue
		}
		if k == "_args" {
			positional = strings.Split(v[len(v)-1], ",")
			continue
		}
		named[k] = v[len(v)-1]
	}
	return named, positional, nil
}

// SSEEvent is a single Server-Sent Event.
type SSEEvent struct {
	ID    string
	Event string
	Retry string
	Data  string
}

// EncodeSSE writes one event in the id:/event:/retry:/data: line format,
// splitting multi-line data across repeated "data:" lines.
func EncodeSSE(w io.Writer, ev SSEEvent) error {
	var b strings.Builder
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	if ev.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Event)
	}
	if ev.Retry != "" {
		fmt.Fprintf(&b, "retry: %s\n", ev.Retry)
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// SSEDecoder assembles a single event (terminated by a blank line) from
// lines the caller feeds it one at a time via Feed, since SSE has no fixed
// length prefix.
type SSEDecoder struct {
	ev SSEEvent
}

// Feed consumes one line (without its trailing newline). It returns the
// completed event and true once a blank line ends it.
func (d *SSEDecoder) Feed(line string) (SSEEvent, bool) {
	if line == "" {
		ev := d.ev
		d.ev = SSEEvent{}
		return ev, true
	}
	switch {
	case strings.HasPrefix(line, "id:"):
		d.ev.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
	case strings.HasPrefix(line, "event:"):
		d.ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	case strings.HasPrefix(line, "retry:"):
		d.ev.Retry = strings.TrimSpace(strings.TrimPrefix(line, "retry:"))
	case strings.HasPrefix(line, "data:"):
		chunk := strings.TrimPrefix(line, "data:")
		chunk = strings.TrimPrefix(chunk, " ")
		if d.ev.Data != "" {
			d.ev.Data += "\n"
		}
		d.ev.Data += chunk
	}
	return SSEEvent{}, false
}

// ParseInt64OrBig parses a decimal integer, returning an int64 when it
// fits, else a *big.Int (used by argument coercion for numeric params that
// may exceed 64 bits).
func ParseInt64OrBig(s string) (any, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n := new(big.Int)
	if _, ok := n.SetString(s, 10); !ok {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	return n, nil
}
