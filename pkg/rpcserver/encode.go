package rpcserver

import (
	"bytes"
	"strings"

	"github.com/wrpc/wrpc/pkg/codec"
	"github.com/wrpc/wrpc/pkg/errors"
	"github.com/wrpc/wrpc/pkg/handler"
)

func decodeJSONArgs(body []byte) (*handler.Args, error) {
	var raw map[string]any
	if err := codec.DecodeJSON(body, &raw); err != nil {
		return nil, err
	}
	return splitArgs(raw), nil
}

func decodeMsgpackArgs(body []byte) (*handler.Args, error) {
	v, err := codec.DecodeMsgPack(body)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.NewValidationError("msgpack body is not a map")
	}
	return splitArgs(m), nil
}

func decodeFormArgs(body []byte) (*handler.Args, error) {
	named, positional, err := codec.DecodeForm(body)
	if err != nil {
		return nil, err
	}
	args := &handler.Args{Named: map[string]any{}}
	for k, v := range named {
		args.Named[k] = v
	}
	for _, p := range positional {
		args.Positional = append(args.Positional, p)
	}
	return args, nil
}

// splitArgs lifts the "_args" key into positional arguments, as every
// codec's body object does.
func splitArgs(raw map[string]any) *handler.Args {
	args := &handler.Args{Named: map[string]any{}}
	for k, v := range raw {
		if k == "_args" {
			if list, ok := v.([]any); ok {
				args.Positional = list
			}
			continue
		}
		args.Named[k] = v
	}
	return args
}

// encodeItem encodes one streamed item. A stream whose first item set
// text/event-stream switches in the SSE formatter for every item instead of
// the plain per-item encoder (spec §4.7); anything else is unaffected.
func encodeItem(mime string, data any) ([]byte, error) {
	if mime != "text/event-stream" {
		return encodeResult(mime, data)
	}
	ev, ok := data.(codec.SSEEvent)
	if !ok {
		text, isString := data.(string)
		if !isString {
			raw, err := codec.EncodeJSON(data)
			if err != nil {
				return nil, err
			}
			text = strings.TrimSuffix(string(raw), "\n")
		}
		ev = codec.SSEEvent{Data: text}
	}
	var buf bytes.Buffer
	if err := codec.EncodeSSE(&buf, ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeResult(mime string, data any) ([]byte, error) {
	if strings.Contains(mime, "msgpack") {
		return codec.EncodeMsgPack(data)
	}
	if s, ok := data.(string); ok && !strings.Contains(mime, "json") {
		return []byte(s), nil
	}
	if b, ok := data.([]byte); ok && !strings.Contains(mime, "json") {
		return b, nil
	}
	return codec.EncodeJSON(data)
}

// fdResultPlaceholders walks a []any of open descriptors (int fds), minting
// a magic placeholder string for each and returning the raw fd list in the
// same order for the ancillary-data send.
func fdResultPlaceholders(data any) ([]int, []string) {
	list, ok := data.([]any)
	if !ok {
		return nil, nil
	}
	fds := make([]int, 0, len(list))
	placeholders := make([]string, 0, len(list))
	for _, item := range list {
		fd, ok := item.(int)
		if !ok {
			continue
		}
		fds = append(fds, fd)
		placeholders = append(placeholders, handler.FileMagic("rb"))
	}
	return fds, placeholders
}
