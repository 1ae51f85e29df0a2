// Package handler defines the shapes a dispatcher entry can take (unary,
// streaming, raw) and the value types they exchange with pkg/dispatch:
// coercion schemas, FD-magic placeholders, and structured results.
package handler

import (
	"context"
	"fmt"
)

// Args is the decoded argument set for one request: named keys plus an
// ordered positional list (the body's "_args").
type Args struct {
	Named      map[string]any
	Positional []any
}

// Get returns a named argument, or the zero value and false.
func (a *Args) Get(name string) (any, bool) {
	if a.Named == nil {
		return nil, false
	}
	v, ok := a.Named[name]
	return v, ok
}

// Result is the value returned by a unary handler. A handler may return a
// plain value (Data with Mimetype left empty lets the encoder decide) or an
// explicit HTTP-shaped result.
type Result struct {
	Mimetype   string
	Data       any
	HTTPCode   int    // 0 means "200, or whatever the framework default is"
	RedirectTo string // set together with Mimetype == "" to request a 302
}

// Item is one element of a streaming handler's sequence.
type Item struct {
	// Mimetype is set on the first item and fixes the stream's encoding.
	// A later item may leave it empty or repeat it; a different value
	// makes pkg/rpcserver end the stream without its terminating chunk.
	Mimetype string
	Data     any
}

// Iterator models a finite, lazily-produced sequence yielded by a streaming
// handler — the Go expression of a cooperative generator.
type Iterator interface {
	// Next returns the next item. ok is false exactly once, at the end of
	// a successful sequence; err is non-nil if production failed.
	Next(ctx context.Context) (item Item, ok bool, err error)
}

// SliceIterator adapts a pre-built slice to Iterator, useful for handlers
// that compute their whole sequence up front.
type SliceIterator struct {
	items []Item
	pos   int
}

// NewSliceIterator wraps items for streaming.
func NewSliceIterator(items []Item) *SliceIterator {
	return &SliceIterator{items: items}
}

// Next implements Iterator.
func (s *SliceIterator) Next(ctx context.Context) (Item, bool, error) {
	if s.pos >= len(s.items) {
		return Item{}, false, nil
	}
	it := s.items[s.pos]
	s.pos++
	return it, true, nil
}

// Writer is the minimal surface pkg/rpcserver.Request exposes to a raw
// handler: it owns the connection's response writer directly.
type Writer interface {
	WriteHead(status int, mime string, extra ...string) error
	Write(p []byte) (int, error)
}

// Unary is a handler that computes one Result.
type Unary func(ctx context.Context, args *Args) (Result, error)

// Stream is a handler that yields a finite ordered sequence of items.
type Stream func(ctx context.Context, args *Args) (Iterator, error)

// Raw is a handler given total control of the response writer — used by
// handlers that need to manage framing themselves (e.g. a handler that
// streams a file directly without going through the value encoder).
type Raw func(ctx context.Context, args *Args, w Writer) error

// Param describes one argument a handler accepts, for both coercion
// (§4.6 step 7) and the ping method inventory (§4.8).
type Param struct {
	Name    string
	Tag     string // "int", "bool", "float", "str", "any", ...
	Default any
}

// Schema is a handler's ordered parameter list.
type Schema []Param

// Description is one entry of the ping/help method inventory: name, args,
// option names, return-type tag, is-generator, and an optional docstring.
// The built-in ping handler includes docstrings for authed and unauthed
// callers alike.
type Description struct {
	Name       string
	Args       Schema
	Options    []string
	ReturnType string
	IsStream   bool
	Doc        string
}

// Placeholder is the decoded form of a magic argument placeholder found in
// a positional argument list (spec §6).
type Placeholder struct {
	IsFile bool
	Mode   string // file placeholder
	Family int    // socket placeholder
	Type   int
	Proto  int
}

const (
	fdMagicPrefix   = "_FD_BRE_MAGIC_-"
	sockMagicPrefix = "_SO_BRE_MAGIC_-"
)

// FileMagic renders a file descriptor placeholder for the given open mode.
func FileMagic(mode string) string { return fdMagicPrefix + mode }

// SocketMagic renders a socket descriptor placeholder.
func SocketMagic(family, typ, proto int) string {
	return fmt.Sprintf("%s%d-%d-%d", sockMagicPrefix, family, typ, proto)
}

// ParsePlaceholder recognizes a magic placeholder string, returning ok=false
// for anything else (an ordinary argument value).
func ParsePlaceholder(s string) (Placeholder, bool) {
	if rest, ok := cutPrefix(s, fdMagicPrefix); ok {
		return Placeholder{IsFile: true, Mode: rest}, true
	}
	if rest, ok := cutPrefix(s, sockMagicPrefix); ok {
		var family, typ, proto int
		if _, err := fmt.Sscanf(rest, "%d-%d-%d", &family, &typ, &proto); err != nil {
			return Placeholder{}, false
		}
		return Placeholder{Family: family, Type: typ, Proto: proto}, true
	}
	return Placeholder{}, false
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

// FDResultMimetype marks a unary Result whose Data is a list of open
// descriptors to be handed off as ancillary data (local-domain only).
const FDResultMimetype = "application/x-fd-magic"
