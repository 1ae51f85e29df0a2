// Package rpcclient is the caller side of the core's RPC wire protocol: it
// dials a worker's TCP or local-domain socket, sends one request per
// connection, decodes the reply, and retries transient connect failures a
// bounded number of times.
package rpcclient

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wrpc/wrpc/pkg/codec"
	"github.com/wrpc/wrpc/pkg/constants"
	"github.com/wrpc/wrpc/pkg/errors"
	"github.com/wrpc/wrpc/pkg/fdconn"
	"github.com/wrpc/wrpc/pkg/frame"
	"github.com/wrpc/wrpc/pkg/handler"
)

// Config describes how to reach one worker.
type Config struct {
	Host          string
	Port          int
	SockPath      string
	PreferUnix    bool // try SockPath before Host:Port
	URLPrefix     string
	Secret        string
	MaxTries      int
	ConnTimeout   time.Duration
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	PreferMsgPack bool
}

// Client calls one worker's RPC surface.
type Client struct {
	cfg Config
	// lastUnix records whether the most recent successful connect used the
	// local socket, so the next call tries that path first (spec's
	// "prefer local next time" connect heuristic).
	lastUnix bool
}

// New builds a Client for cfg.
func New(cfg Config) *Client {
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = constants.DefaultMaxTries
	}
	return &Client{cfg: cfg, lastUnix: cfg.PreferUnix}
}

// Result is a decoded RPC reply.
type Result struct {
	StatusCode int
	Mimetype   string
	Data       any
	FDs        []int
}

// CallOption adjusts one call's behavior.
type CallOption func(*callOpts)

type callOpts struct {
	maxTries int
	named    map[string]any
	replyTo  *replyToOpt
}

type replyToOpt struct {
	fd               int
	bytesAlreadySent int64
}

// WithMaxTries overrides Config.MaxTries for one call.
func WithMaxTries(n int) CallOption {
	return func(o *callOpts) { o.maxTries = n }
}

// WithNamed attaches named arguments alongside the positional list.
func WithNamed(named map[string]any) CallOption {
	return func(o *callOpts) { o.named = named }
}

// WithReplyTo asks the callee to write its reply directly onto fd instead
// of this connection, continuing an already-open chunked stream that has
// sent bytesAlreadySent bytes (0 for a fresh descriptor). The call itself
// then completes as soon as the 202 handoff acknowledgement arrives; the
// real reply is delivered on fd by the remote worker (spec §4.6/§4.8).
func WithReplyTo(fd int, bytesAlreadySent int64) CallOption {
	return func(o *callOpts) { o.replyTo = &replyToOpt{fd: fd, bytesAlreadySent: bytesAlreadySent} }
}

// FD marks a positional call() argument as an open plain file descriptor:
// the client mints a magic placeholder in its place and sends the real
// descriptor as SCM_RIGHTS ancillary data alongside the request (spec
// §4.8 step 2) instead of encoding it as a value.
type FD int

// SocketFD marks a positional call() argument as an open socket
// descriptor, carrying its family/type/protocol so the callee's magic
// placeholder records enough to describe the socket it is receiving.
type SocketFD struct {
	Value               int
	Family, Type, Proto int
}

// massageArgs replaces every FD- or SocketFD-typed positional argument
// with a magic placeholder, collecting the real descriptors in the same
// order for the ancillary-data send.
func massageArgs(positional []any) ([]any, []int) {
	out := make([]any, len(positional))
	var fds []int
	for i, v := range positional {
		switch t := v.(type) {
		case FD:
			out[i] = handler.FileMagic("rb")
			fds = append(fds, int(t))
		case SocketFD:
			out[i] = handler.SocketMagic(t.Family, t.Type, t.Proto)
			fds = append(fds, t.Value)
		default:
			out[i] = v
		}
	}
	return out, fds
}

// Caller is the surface both the wire Client and worker.Loopback satisfy,
// so business code can call a peer without caring whether the call
// actually crosses a socket (spec §4.9).
type Caller interface {
	Call(ctx context.Context, name string, positional []any, opts ...CallOption) (Result, error)
	Ping(ctx context.Context) ([]handler.Description, error)
}

// Call invokes name with positional args, making up to MaxTries attempts,
// each on a fresh connection, while the connect or the write of the request
// fails with a connection error. A failure after the request was written
// (reading or decoding the reply) is not retried (the request may have had
// a side effect).
func (c *Client) Call(ctx context.Context, name string, positional []any, opts ...CallOption) (Result, error) {
	o := callOpts{maxTries: c.cfg.MaxTries}
	for _, fn := range opts {
		fn(&o)
	}
	if o.maxTries <= 0 {
		o.maxTries = 1
	}

	var lastErr error
	for attempt := 0; attempt < o.maxTries; attempt++ {
		conn, isUnix, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		c.lastUnix = isUnix

		res, err := c.doRequest(ctx, conn, isUnix, name, positional, o)
		conn.Close()
		if err != nil {
			if errors.IsConnectionError(err) {
				lastErr = err
				continue
			}
			return Result{}, err
		}
		return res, nil
	}
	return Result{}, lastErr
}

// Ping asks the worker for its method inventory: each method's name,
// return-type tag, stream flag and docstring. The built-in ping handler
// sends the same inventory, docstrings included, whether or not the call
// was authed.
func (c *Client) Ping(ctx context.Context) ([]handler.Description, error) {
	res, err := c.Call(ctx, "ping", nil, WithMaxTries(1))
	if err != nil {
		return nil, err
	}
	return ParsePingResult(res.Data)
}

// ParsePingResult decodes a ping reply's generic []any/map[string]any tree
// into a typed method inventory. Shared by Client.Ping and any other
// rpcclient.Caller (worker.Loopback included) so both read the same shape
// the same way.
func ParsePingResult(data any) ([]handler.Description, error) {
	// The built-in ping handler replies with an object whose "methods"
	// entry holds the list; a bare list is accepted as well.
	if m, ok := data.(map[string]any); ok {
		data = m["methods"]
	}
	list, ok := data.([]any)
	if !ok {
		return nil, errors.NewProtocolError("ping reply is not a list", nil)
	}
	out := make([]handler.Description, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		d := handler.Description{}
		if v, ok := m["name"].(string); ok {
			d.Name = v
		}
		if v, ok := m["return_type"].(string); ok {
			d.ReturnType = v
		}
		if v, ok := m["is_stream"].(bool); ok {
			d.IsStream = v
		}
		if v, ok := m["doc"].(string); ok {
			d.Doc = v
		}
		out = append(out, d)
	}
	return out, nil
}

// ResolvedCallOptions exposes the result of applying CallOptions to a
// caller that cannot reach rpcclient's private callOpts type directly —
// worker.Loopback dispatches in-process and has no connection to retry or
// descriptor to send, but still needs the named arguments a caller passed.
type ResolvedCallOptions struct {
	MaxTries int
	Named    map[string]any
}

// ResolveCallOptions applies opts over defaultMaxTries and returns the
// result.
func ResolveCallOptions(defaultMaxTries int, opts ...CallOption) ResolvedCallOptions {
	o := callOpts{maxTries: defaultMaxTries}
	for _, fn := range opts {
		fn(&o)
	}
	return ResolvedCallOptions{MaxTries: o.maxTries, Named: o.named}
}

func (c *Client) dial(ctx context.Context) (net.Conn, bool, error) {
	timeout := c.cfg.ConnTimeout
	if timeout == 0 {
		timeout = constants.DefaultConnectTimeout
	}
	dialer := net.Dialer{Timeout: timeout}

	tryUnix := func() (net.Conn, error) {
		if c.cfg.SockPath == "" {
			return nil, errors.NewConnectionError(c.cfg.SockPath, nil)
		}
		return dialer.DialContext(ctx, "unix", c.cfg.SockPath)
	}
	tryTCP := func() (net.Conn, error) {
		addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
		return dialer.DialContext(ctx, "tcp", addr)
	}

	first, second := tryTCP, tryUnix
	firstIsUnix := false
	if c.lastUnix {
		first, second = tryUnix, tryTCP
		firstIsUnix = true
	}

	if conn, err := first(); err == nil {
		return conn, firstIsUnix, nil
	}
	conn, err := second()
	if err != nil {
		return nil, false, errors.NewConnectionError(c.cfg.Host, err)
	}
	return conn, !firstIsUnix, nil
}

func (c *Client) doRequest(ctx context.Context, conn net.Conn, isUnix bool, name string, positional []any, o callOpts) (Result, error) {
	writeTimeout := c.cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = constants.DefaultHeaderTimeout
	}
	readTimeout := c.cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = constants.DefaultRequestTimeout
	}

	named := o.named
	if o.replyTo != nil {
		positional = append([]any{FD(o.replyTo.fd)}, positional...)
		merged := make(map[string]any, len(named)+1)
		for k, v := range named {
			merged[k] = v
		}
		merged["reply_to_first_fd"] = o.replyTo.bytesAlreadySent
		named = merged
	}
	massaged, fds := massageArgs(positional)

	mime := "application/json"
	payload := map[string]any{"_args": massaged}
	for k, v := range named {
		payload[k] = v
	}
	var body []byte
	var err error
	if c.cfg.PreferMsgPack {
		mime = "application/x-msgpack"
		body, err = codec.EncodeMsgPack(payload)
	} else {
		body, err = codec.EncodeJSON(payload)
	}
	if err != nil {
		return Result{}, err
	}

	path := "/" + c.cfg.URLPrefix + c.cfg.Secret + "/" + name

	var req strings.Builder
	req.WriteString("POST " + path + " HTTP/1.1\r\n")
	req.WriteString("Host: wrpc\r\n")
	req.WriteString("Content-Type: " + mime + "\r\n")
	req.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	req.WriteString("Connection: close\r\n\r\n")

	full := append([]byte(req.String()), body...)

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if len(fds) > 0 {
		// Descriptor transport only works over the local-domain socket,
		// where SCM_RIGHTS ancillary data can ride alongside the request;
		// a TCP connection has no such mechanism, so fail loudly rather
		// than silently dropping the descriptors (spec §8 "Descriptor
		// transport only on local").
		if !isUnix {
			return Result{}, errors.NewTransportError("cannot send descriptors over TCP")
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			return Result{}, errors.NewTransportError("not a unix connection")
		}
		// The worker reads the head with plain reads, which discard any
		// descriptors attached to those bytes, and picks descriptors up
		// only while reading the body. So the head goes out as a plain
		// write and the descriptors ride on the body.
		if _, err := uc.Write([]byte(req.String())); err != nil {
			return Result{}, errors.NewConnectionError(c.cfg.Host, err)
		}
		if _, err := fdconn.Send(uc, body, fds); err != nil {
			return Result{}, errors.NewConnectionError(c.cfg.Host, err)
		}
	} else if _, err := conn.Write(full); err != nil {
		return Result{}, errors.NewConnectionError(c.cfg.Host, err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	res, err := c.readResult(conn, isUnix)
	if err != nil {
		return res, err
	}
	if res.StatusCode >= 300 {
		errBody, _ := res.Data.(map[string]any)
		return res, errors.FromStatus(res.StatusCode, errBody)
	}
	return res, nil
}

func (c *Client) readResult(conn net.Conn, isUnix bool) (Result, error) {
	r := bufio.NewReader(conn)
	head, err := frame.ReadResponseHead(r, constants.DefaultMaxRequestSize)
	if err != nil {
		return Result{}, err
	}
	defer head.Raw.Close()

	mime := strings.ToLower(head.Header("Content-Type"))
	cl := head.Header("Content-Length")
	te := head.Header("Transfer-Encoding")

	if strings.Contains(strings.ToLower(te), "chunked") {
		cr := frame.NewChunkReader(r)
		items, err := decodeStream(mime, cr)
		if err != nil {
			return Result{StatusCode: head.StatusCode, Mimetype: mime, Data: items}, err
		}
		return Result{StatusCode: head.StatusCode, Mimetype: mime, Data: items}, nil
	}

	var n int64
	if cl != "" {
		n, err = strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil {
			return Result{}, errors.NewProtocolError("invalid content-length", err)
		}
	}

	var body []byte
	var fds []int
	if isUnix && n > 0 && mime == handler.FDResultMimetype {
		if uc, ok := conn.(*net.UnixConn); ok {
			body, fds, err = fdconn.Recv(uc, int(n), constants.DefaultFDRecvDeadline)
		} else {
			body = make([]byte, n)
			_, err = readFull(r, body)
		}
	} else if n > 0 {
		body = make([]byte, n)
		_, err = readFull(r, body)
	}
	if err != nil {
		return Result{}, errors.NewIOError("reading response body", err)
	}

	data, err := decodeBody(mime, body)
	if err != nil {
		return Result{}, err
	}
	return Result{StatusCode: head.StatusCode, Mimetype: mime, Data: data, FDs: fds}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func decodeBody(mime string, body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	switch {
	case strings.Contains(mime, "msgpack"):
		return codec.DecodeMsgPack(body)
	case strings.Contains(mime, "json") || mime == handler.FDResultMimetype:
		var v any
		if err := codec.DecodeJSON(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return string(body), nil
	}
}

// decodeStream reads each chunk as one independently-decoded item (every
// chunk pkg/rpcserver writes is exactly one encoded Item.Data, per C4's
// runStream). A premature EOF surfaces as an IncompleteStream error
// alongside whatever items were decoded before it. text/event-stream
// chunks are each one complete SSE event block and are fed through
// codec.SSEDecoder instead of the plain per-item decoder (spec §4.7).
func decodeStream(mime string, cr *frame.ChunkReader) ([]any, error) {
	var items []any
	buf := make([]byte, 64*1024)
	sse := strings.Contains(mime, "event-stream")
	for {
		n, err := cr.Read(buf)
		if n > 0 {
			if sse {
				items = append(items, decodeSSEChunk(buf[:n]))
			} else if v, derr := decodeBody(mime, buf[:n]); derr == nil {
				items = append(items, v)
			}
		}
		if err != nil {
			if err == io.EOF {
				return items, nil
			}
			return items, err
		}
	}
}

// decodeSSEChunk parses one SSE event block (id:/event:/retry:/data: lines
// terminated by a blank line), returning its data field alone when no other
// field was set, else the full codec.SSEEvent.
func decodeSSEChunk(chunk []byte) any {
	var dec codec.SSEDecoder
	var ev codec.SSEEvent
	for _, line := range strings.Split(string(chunk), "\n") {
		// EncodeSSE terminates every event with a blank line, which a plain
		// "\n"-split also turns into one or more trailing empty strings;
		// only the first blank line actually closes the event, so stop
		// there instead of letting a later one hand back an empty event.
		if e, done := dec.Feed(line); done {
			ev = e
			break
		}
	}
	if ev.ID == "" && ev.Event == "" && ev.Retry == "" {
		return ev.Data
	}
	return ev
}
