// Package dispatch resolves a request's base name to a registered handler
// (trying raw_, api_, public_raw_, public_api_ prefixes in that order),
// decodes and coerces its arguments, substitutes FD placeholders, and
// drives unary or streaming execution.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wrpc/wrpc/pkg/codec"
	"github.com/wrpc/wrpc/pkg/errors"
	"github.com/wrpc/wrpc/pkg/handler"
)

// Shape tags which of Unary/Stream/Raw an Entry carries.
type Shape int

const (
	ShapeUnary Shape = iota
	ShapeStream
	ShapeRaw
)

// Entry is one registered handler.
type Entry struct {
	Shape  Shape
	Unary  handler.Unary
	Stream handler.Stream
	Raw    handler.Raw
	Schema handler.Schema
	Doc    string
}

// Registry maps dispatch names to entries, split by public/private
// reachability.
type Registry struct {
	private map[string]Entry
	public  map[string]Entry
	// Fallback supplies a (entry, ok) pair for names that match neither
	// map, mirroring the reference implementation's get_default_methods
	// extension point.
	Fallback func(name string) (Entry, bool)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{private: map[string]Entry{}, public: map[string]Entry{}}
}

// Register adds an entry under name. A private registration additionally
// shadows any public entry of the same name for authed callers; it never
// removes the public entry, which stays reachable to unauthed callers.
func (r *Registry) Register(name string, public bool, e Entry) {
	if public {
		r.public[name] = e
		return
	}
	r.private[name] = e
}

// Resolve applies the fixed raw_/api_/public_raw_/public_api_ precedence:
// private entries are only eligible when authed.
func (r *Registry) Resolve(name string, authed bool) (Entry, bool) {
	if authed {
		if e, ok := r.private[name]; ok {
			return e, true
		}
	}
	if e, ok := r.public[name]; ok {
		return e, true
	}
	if r.Fallback != nil {
		return r.Fallback(name)
	}
	return Entry{}, false
}

// List returns every registered name along with its Entry and whether it
// is publicly reachable, for the ping/help method inventory (§4.8).
// Private names registered alongside a same-named public entry appear once,
// with Public reported as false (authed callers see the richer entry).
func (r *Registry) List() []struct {
	Name   string
	Public bool
	Entry  Entry
} {
	out := make([]struct {
		Name   string
		Public bool
		Entry  Entry
	}, 0, len(r.private)+len(r.public))
	seen := map[string]bool{}
	for name, e := range r.private {
		out = append(out, struct {
			Name   string
			Public bool
			Entry  Entry
		}{name, false, e})
		seen[name] = true
	}
	for name, e := range r.public {
		if seen[name] {
			continue
		}
		out = append(out, struct {
			Name   string
			Public bool
			Entry  Entry
		}{name, true, e})
	}
	return out
}

// BaseName derives the dispatch name from a request path: the first
// non-empty segment, or "web_root" for an empty path.
func BaseName(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "web_root"
	}
	return strings.SplitN(trimmed, "/", 2)[0]
}

// trueSet is the fixed case-insensitive boolean-true vocabulary (§4.6 step 7).
var trueSet = map[string]bool{"1": true, "t": true, "true": true, "y": true, "yes": true}

// CoerceArg applies the parameter-tag coercion rules to one decoded value.
func CoerceArg(tag string, v any) (any, error) {
	s, isString := v.(string)
	switch tag {
	case "", "any":
		return v, nil
	case "bool":
		if !isString {
			return v, nil
		}
		return trueSet[strings.ToLower(s)], nil
	case "int":
		if !isString {
			return v, nil
		}
		return parseIntTagged(s)
	case "float":
		if !isString {
			return v, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.NewValidationError("not a float: " + s)
		}
		return f, nil
	default:
		return v, nil
	}
}

// parseIntTagged parses "0xF", "0b10", "0o17", or a plain decimal/negative
// integer, falling back to big-int when it overflows int64.
func parseIntTagged(s string) (any, error) {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"):
		n, err := strconv.ParseInt(s[2:], 16, 64)
		if err != nil {
			return nil, errors.NewValidationError("not a hex integer: " + s)
		}
		return n, nil
	case strings.HasPrefix(lower, "0b"):
		n, err := strconv.ParseInt(s[2:], 2, 64)
		if err != nil {
			return nil, errors.NewValidationError("not a binary integer: " + s)
		}
		return n, nil
	case strings.HasPrefix(lower, "0o"):
		n, err := strconv.ParseInt(s[2:], 8, 64)
		if err != nil {
			return nil, errors.NewValidationError("not an octal integer: " + s)
		}
		return n, nil
	default:
		v, err := codec.ParseInt64OrBig(s)
		if err != nil {
			return nil, errors.NewValidationError("not an integer: " + s)
		}
		return v, nil
	}
}

// ApplySchema coerces every named and positional argument whose parameter
// has a coercion tag in schema. Positional args are matched by schema
// order; unmatched extras pass through untouched.
func ApplySchema(schema handler.Schema, args *handler.Args) error {
	for _, p := range schema {
		if v, ok := args.Get(p.Name); ok {
			cv, err := CoerceArg(p.Tag, v)
			if err != nil {
				return fmt.Errorf("argument %s: %w", p.Name, err)
			}
			args.Named[p.Name] = cv
		}
	}
	for i := range args.Positional {
		if i >= len(schema) {
			break
		}
		cv, err := CoerceArg(schema[i].Tag, args.Positional[i])
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		args.Positional[i] = cv
	}
	return nil
}

// SubstituteFDPlaceholders walks the positional argument list in order,
// replacing every magic placeholder string with the next descriptor from
// fds (consumed head-first, per spec §6).
func SubstituteFDPlaceholders(positional []any, fds []int) ([]any, []int, error) {
	out := make([]any, len(positional))
	idx := 0
	for i, v := range positional {
		s, ok := v.(string)
		if !ok {
			out[i] = v
			continue
		}
		if _, isPlaceholder := handler.ParsePlaceholder(s); !isPlaceholder {
			out[i] = v
			continue
		}
		if idx >= len(fds) {
			return nil, nil, errors.NewProtocolError("fd placeholder with no matching descriptor", nil)
		}
		out[i] = fds[idx]
		idx++
	}
	return out, fds[idx:], nil
}

// ReplyRedirect is the parsed form of a reply-to-descriptor request: the
// caller wants the response written to FD instead of the connection the
// request arrived on. BytesAlreadySent seeds the chunked-framing byte
// counter so a hop partway down a chain of redirects can continue an
// already-open stream without re-emitting headers (spec §4.6).
type ReplyRedirect struct {
	FD               int
	BytesAlreadySent int64
}

// DetectReplyRedirect inspects a decoded, FD-substituted request for the
// reply_to_first_fd convention: a named "reply_to_first_fd" argument paired
// with a descriptor as the first positional argument. When present, both
// are stripped from args so the handler itself only sees its own
// parameters — the descriptor is consumed by the dispatcher, not passed
// through.
func DetectReplyRedirect(args *handler.Args) (ReplyRedirect, bool) {
	raw, ok := args.Get("reply_to_first_fd")
	if !ok || len(args.Positional) == 0 {
		return ReplyRedirect{}, false
	}
	fd, ok := args.Positional[0].(int)
	if !ok {
		return ReplyRedirect{}, false
	}
	n, err := coerceReplyOffset(raw)
	if err != nil {
		return ReplyRedirect{}, false
	}
	delete(args.Named, "reply_to_first_fd")
	args.Positional = args.Positional[1:]
	return ReplyRedirect{FD: fd, BytesAlreadySent: n}, true
}

func coerceReplyOffset(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		n, err := parseIntTagged(t)
		if err != nil {
			return 0, err
		}
		i, ok := n.(int64)
		if !ok {
			return 0, errors.NewValidationError("reply_to_first_fd overflows int64")
		}
		return i, nil
	default:
		return 0, errors.NewValidationError("reply_to_first_fd is not an integer")
	}
}

// DriveStream runs it to completion, invoking emit for each item. The
// caller is responsible for first-item mime handling and for not calling
// DriveStream again after an error (the stream is then incomplete).
func DriveStream(ctx context.Context, it handler.Iterator, emit func(handler.Item) error) error {
	for {
		item, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := emit(item); err != nil {
			return err
		}
	}
}
