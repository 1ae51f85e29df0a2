// Package rpcserver is the listener and per-connection session: it binds
// the TCP and/or local-domain socket, accepts connections, parses one
// request per connection, dispatches it, logs an access line, and closes.
package rpcserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wrpc/wrpc/pkg/auth"
	"github.com/wrpc/wrpc/pkg/constants"
	"github.com/wrpc/wrpc/pkg/dispatch"
	"github.com/wrpc/wrpc/pkg/errors"
	"github.com/wrpc/wrpc/pkg/fdconn"
	"github.com/wrpc/wrpc/pkg/frame"
	"github.com/wrpc/wrpc/pkg/handler"
	"github.com/wrpc/wrpc/pkg/timing"
	"github.com/wrpc/wrpc/pkg/wlog"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"
)

// Config configures the listener and per-request limits.
type Config struct {
	ListenHost     string
	ListenPort     int
	ListenQueue    int
	UseTCP         bool
	UseUnixDomain  bool
	SockPath       string
	URLPrefix      string
	MaxRequestSize int64
	T1, T2         time.Duration
}

// Server binds listeners and dispatches accepted connections to a
// Registry.
type Server struct {
	cfg      Config
	secret   auth.Secret
	registry *dispatch.Registry
	log      *wlog.Logger
}

// New builds a Server. log may be nil, in which case wlog.NewNop() is used.
func New(cfg Config, secret auth.Secret, registry *dispatch.Registry, log *wlog.Logger) *Server {
	if log == nil {
		log = wlog.NewNop()
	}
	return &Server{cfg: cfg, secret: secret, registry: registry, log: log}
}

// ListenTCP binds the TCP listener per Config, returning the bound address
// (host:port, with the kernel-chosen port filled in if ListenPort was 0).
func (s *Server) ListenTCP() (net.Listener, string, error) {
	addr := net.JoinHostPort(s.cfg.ListenHost, strconv.Itoa(s.cfg.ListenPort))
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, "", errors.NewConnectionError(addr, err)
	}
	return ln, ln.Addr().String(), nil
}

// ListenUnix binds the local-domain listener at cfg.SockPath.
func (s *Server) ListenUnix() (*net.UnixListener, error) {
	_ = syscallUnlink(s.cfg.SockPath)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SockPath, Net: "unix"})
	if err != nil {
		return nil, errors.NewConnectionError(s.cfg.SockPath, err)
	}
	return ln, nil
}

// Serve runs accept loops for both listeners (whichever are non-nil) until
// ctx is canceled or a listener returns a non-transient error.
func (s *Server) Serve(ctx context.Context, tcpLn net.Listener, unixLn *net.UnixListener) error {
	errCh := make(chan error, 2)
	n := 0

	if tcpLn != nil {
		if s.cfg.ListenQueue > 0 {
			// Bounds concurrent in-flight connections the way the
			// reference worker's listen-queue setting does; a local-domain
			// listener is never wrapped here because the wrapper's Conn
			// isn't a *net.UnixConn, which readBody needs for SCM_RIGHTS.
			tcpLn = netutil.LimitListener(tcpLn, s.cfg.ListenQueue)
		}
		n++
		go func() { errCh <- s.acceptLoop(ctx, tcpLn, false) }()
	}
	if unixLn != nil {
		n++
		go func() { errCh <- s.acceptLoop(ctx, unixLn, true) }()
	}
	if n == 0 {
		return errors.NewValidationError("no listener enabled")
	}

	select {
	case <-ctx.Done():
		if tcpLn != nil {
			tcpLn.Close()
		}
		if unixLn != nil {
			unixLn.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, isUnix bool) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return errors.NewIOError("accept", err)
		}
		go s.handleConn(ctx, conn, isUnix)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, isUnix bool) {
	defer conn.Close()
	timer := timing.NewTimer()
	connID := uuid.NewString()

	t1 := s.cfg.T1
	if t1 == 0 {
		t1 = constants.DefaultHeaderTimeout
	}
	t2 := s.cfg.T2
	if t2 == 0 {
		t2 = constants.DefaultRequestTimeout
	}
	maxSize := s.cfg.MaxRequestSize
	if maxSize == 0 {
		maxSize = constants.DefaultMaxRequestSize
	}

	conn.SetReadDeadline(time.Now().Add(t1))
	head, err := frame.ReadRequestHead(conn, maxSize)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	defer head.Raw.Close()
	conn.SetReadDeadline(time.Now().Add(t2))

	authed := s.secret.Check(rawHeadString(head))
	path := head.Path
	if rest, ok := s.secret.StripPrefix(path, s.cfg.URLPrefix); ok {
		path = rest
	}

	body, fds, bodyErr := s.readBody(conn, head, isUnix)
	if bodyErr != nil {
		s.writeError(conn, bodyErr)
		return
	}
	defer fdconn.CloseAll(fds)

	name := dispatch.BaseName(path)
	entry, ok := s.registry.Resolve(name, authed)
	if !ok {
		if authed {
			s.writeError(conn, errors.NewNotFoundError(name))
			s.logAccess(connID, head.Method, path, 404, 0, timer, conn)
		} else {
			s.writeError(conn, errors.NewAuthError("not authed"))
			s.logAccess(connID, head.Method, path, 403, 0, timer, conn)
		}
		return
	}

	args, err := decodeArgs(head, body)
	if err != nil {
		s.writeError(conn, err)
		s.logAccess(connID, head.Method, path, 400, 0, timer, conn)
		return
	}
	positional, _, err := dispatch.SubstituteFDPlaceholders(args.Positional, fds)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	args.Positional = positional

	redirect, redirected := dispatch.DetectReplyRedirect(args)

	if err := dispatch.ApplySchema(entry.Schema, args); err != nil {
		s.writeError(conn, err)
		s.logAccess(connID, head.Method, path, 400, 0, timer, conn)
		return
	}

	var status int
	var sent int64
	if redirected {
		status, sent = s.runRedirected(ctx, conn, entry, args, redirect)
	} else {
		status, sent = s.run(ctx, connTarget(conn, isUnix), entry, args)
	}
	s.logAccess(connID, head.Method, path, status, sent, timer, conn)
}

func rawHeadString(head *frame.RequestHead) string {
	r, err := head.Raw.Reader()
	if err != nil {
		return ""
	}
	defer r.Close()
	b, _ := io.ReadAll(r)
	return string(b)
}

func (s *Server) readBody(conn net.Conn, head *frame.RequestHead, isUnix bool) ([]byte, []int, error) {
	te := head.Header("Transfer-Encoding")
	cl := head.Header("Content-Length")

	if strings.Contains(strings.ToLower(te), "chunked") {
		cr := frame.NewChunkReader(bufio.NewReader(conn))
		data, err := io.ReadAll(cr)
		if err != nil {
			return nil, nil, err
		}
		return data, nil, nil
	}

	if cl == "" {
		return nil, nil, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return nil, nil, errors.NewProtocolError("invalid content-length", err)
	}

	if isUnix && n > 0 {
		if uc, ok := conn.(*net.UnixConn); ok {
			data, fds, err := fdconn.Recv(uc, int(n), constants.DefaultFDRecvDeadline)
			if err != nil {
				return nil, nil, err
			}
			return data, fds, nil
		}
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, nil, errors.NewIOError("reading request body", err)
	}
	return buf, nil, nil
}

func decodeArgs(head *frame.RequestHead, body []byte) (*handler.Args, error) {
	ct := strings.ToLower(head.Header("Content-Type"))
	args := &handler.Args{Named: map[string]any{}}

	if len(body) == 0 {
		return args, nil
	}

	switch {
	case strings.Contains(ct, "msgpack"):
		return decodeMsgpackArgs(body)
	case strings.Contains(ct, "form-urlencoded"):
		return decodeFormArgs(body)
	default:
		return decodeJSONArgs(body)
	}
}

// target is where a response is actually written: either the connection a
// request arrived on, or — after a reply-redirect handoff (spec §4.6) — a
// descriptor the caller supplied. uc is non-nil only when the destination
// can also carry SCM_RIGHTS-borne descriptors, so an FD-result handler
// keeps working after a redirect onto a local-domain descriptor. seed
// continues an already-open chunked stream without re-emitting headers,
// for a hop partway down a chain of redirects.
type target struct {
	w      io.Writer
	uc     *net.UnixConn
	isUnix bool
	seed   int64
}

// connTarget is the ordinary (non-redirected) destination: the connection
// the request arrived on.
func connTarget(conn net.Conn, isUnix bool) target {
	t := target{w: conn, isUnix: isUnix}
	if isUnix {
		if uc, ok := conn.(*net.UnixConn); ok {
			t.uc = uc
		}
	}
	return t
}

// redirectTarget wraps a caller-supplied descriptor (already substituted
// from its magic placeholder) as the real response destination. If it is
// itself a local-domain socket, it is upgraded to a *net.UnixConn so an
// FD-result handler can still hand back descriptors after the handoff.
func redirectTarget(fd int, seed int64) (target, io.Closer, error) {
	f := os.NewFile(uintptr(fd), "reply-redirect")
	if f == nil {
		return target{}, nil, errors.NewIOError("invalid reply-to descriptor", nil)
	}
	if fc, err := net.FileConn(f); err == nil {
		f.Close()
		if uc, ok := fc.(*net.UnixConn); ok {
			return target{w: uc, uc: uc, isUnix: true, seed: seed}, uc, nil
		}
		return target{w: fc, seed: seed}, fc, nil
	}
	return target{w: f, seed: seed}, f, nil
}

// run invokes the resolved handler, writes the response, and returns the
// HTTP status and bytes-sent for the access log.
func (s *Server) run(ctx context.Context, t target, entry dispatch.Entry, args *handler.Args) (int, int64) {
	switch entry.Shape {
	case dispatch.ShapeRaw:
		w := &connWriter{w: t.w}
		if err := entry.Raw(ctx, args, w); err != nil {
			code, body := errors.ToStatus(err)
			writeJSONError(t.w, code, body)
			return code, 0
		}
		return w.status, w.sent
	case dispatch.ShapeStream:
		return s.runStream(ctx, t, entry, args)
	default:
		return s.runUnary(ctx, t, entry, args)
	}
}

// runRedirected acks the connection the request arrived on with a 202 and
// continues the real response on the caller-supplied descriptor. The
// original connection is released after a short grace period so the ack
// has a chance to flush before its descriptor is closed out from under it.
func (s *Server) runRedirected(ctx context.Context, conn net.Conn, entry dispatch.Entry, args *handler.Args, redirect dispatch.ReplyRedirect) (int, int64) {
	t, closer, err := redirectTarget(redirect.FD, redirect.BytesAlreadySent)
	if err != nil {
		code, body := errors.ToStatus(err)
		writeJSONError(conn, code, body)
		return code, 0
	}
	defer closer.Close()

	ackBody, _ := encodeResult("application/json", map[string]any{"replied_to_first_fd": true})
	frame.WriteFixedResponse(conn, 202, "application/json", ackBody)
	go func() {
		time.Sleep(constants.ReplyHandoffGrace)
		conn.Close()
	}()

	s.run(ctx, t, entry, args)
	return 202, int64(len(ackBody))
}

func (s *Server) runUnary(ctx context.Context, t target, entry dispatch.Entry, args *handler.Args) (int, int64) {
	res, err := entry.Unary(ctx, args)
	if err != nil {
		code, body := errors.ToStatus(err)
		writeJSONError(t.w, code, body)
		return code, 0
	}

	if res.Mimetype == handler.FDResultMimetype {
		return s.writeFDResult(t, res)
	}

	status := res.HTTPCode
	if status == 0 {
		status = 200
	}
	if res.RedirectTo != "" {
		status = 302
		if t.seed == 0 {
			frame.WriteResponseHead(t.w, status, "", "Location", res.RedirectTo)
		}
		return status, 0
	}

	mime := res.Mimetype
	if mime == "" {
		mime = "application/json"
	}
	payload, err := encodeResult(mime, res.Data)
	if err != nil {
		code, body := errors.ToStatus(err)
		writeJSONError(t.w, code, body)
		return code, 0
	}
	if t.seed == 0 {
		frame.WriteFixedResponse(t.w, status, mime, payload)
	} else {
		t.w.Write(payload)
	}
	return status, int64(len(payload))
}

func (s *Server) writeFDResult(t target, res handler.Result) (int, int64) {
	if t.uc == nil {
		reason := "cannot pass descriptors over TCP"
		if t.isUnix {
			reason = "not a unix connection"
		}
		code, body := errors.ToStatus(errors.NewTransportError(reason))
		writeJSONError(t.w, code, body)
		return code, 0
	}

	fds, placeholders := fdResultPlaceholders(res.Data)
	payload, err := encodeResult("application/json", placeholders)
	if err != nil {
		code, body := errors.ToStatus(err)
		writeJSONError(t.w, code, body)
		return code, 0
	}

	full := payload
	if t.seed == 0 {
		var head strings.Builder
		head.WriteString("HTTP/1.1 200 OK\r\n")
		head.WriteString("Content-Type: application/x-fd-magic\r\n")
		head.WriteString("Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n")
		full = append([]byte(head.String()), payload...)
	}

	if _, err := fdconn.Send(t.uc, full, fds); err != nil {
		return 500, 0
	}
	return 200, int64(len(payload))
}

// openChunkWriter starts a fresh chunked response, or continues one whose
// head an earlier redirect hop already wrote (t.seed > 0).
func (s *Server) openChunkWriter(t target, status int, mime string) (*frame.ChunkWriter, error) {
	if t.seed > 0 {
		return frame.NewChunkWriterContinuation(t.w, t.seed), nil
	}
	return frame.NewChunkWriter(t.w, status, mime)
}

func (s *Server) runStream(ctx context.Context, t target, entry dispatch.Entry, args *handler.Args) (int, int64) {
	it, err := entry.Stream(ctx, args)
	if err != nil {
		code, body := errors.ToStatus(err)
		writeJSONError(t.w, code, body)
		return code, 0
	}

	first, ok, err := it.Next(ctx)
	if err != nil {
		code, body := errors.ToStatus(err)
		writeJSONError(t.w, code, body)
		return code, 0
	}
	if !ok {
		cw, err := s.openChunkWriter(t, 200, "application/json")
		if err != nil {
			return 500, 0
		}
		cw.Close()
		return 200, 0
	}

	mime := first.Mimetype
	if mime == "" {
		mime = "application/json"
	}
	cw, err := s.openChunkWriter(t, 200, mime)
	if err != nil {
		return 500, 0
	}

	var sent int64
	afterFirst := false
	emit := func(item handler.Item) error {
		// Only the first item's mimetype may set the stream's encoding; a
		// later item trying to switch it is a bug in the handler, not a
		// wire-level condition — the response head (and possibly some
		// chunks) are already on the wire, so the stream is simply cut
		// short rather than re-answered with a fresh status.
		if afterFirst && item.Mimetype != "" && item.Mimetype != mime {
			return errors.NewValidationError("streaming handler changed mimetype after first item")
		}
		afterFirst = true
		payload, err := encodeItem(mime, item.Data)
		if err != nil {
			return err
		}
		sent += int64(len(payload))
		return cw.WriteChunk(payload)
	}
	if err := emit(first); err != nil {
		return 200, sent // incomplete stream: no terminator
	}

	if err := dispatch.DriveStream(ctx, it, emit); err != nil {
		return 200, sent // incomplete stream: deliberately no terminator
	}
	cw.Close()
	return 200, sent
}

type connWriter struct {
	w      io.Writer
	status int
	sent   int64
}

func (w *connWriter) WriteHead(status int, mime string, extra ...string) error {
	w.status = status
	return frame.WriteResponseHead(w.w, status, mime, extra...)
}

func (w *connWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.sent += int64(n)
	return n, err
}

func writeJSONError(w io.Writer, code int, body map[string]any) {
	payload, _ := encodeResult("application/json", body)
	frame.WriteFixedResponse(w, code, "application/json", payload)
}

func (s *Server) writeError(w io.Writer, err error) {
	code, body := errors.ToStatus(err)
	writeJSONError(w, code, body)
}

func (s *Server) logAccess(connID, method, path string, status int, sent int64, timer *timing.Timer, conn net.Conn) {
	s.log.LogAccess(wlog.AccessLogEntry{
		ConnID:    connID,
		Method:    method,
		Path:      path,
		Status:    status,
		BytesSent: sent,
		Elapsed:   timer.Elapsed(),
		Peer:      conn.RemoteAddr().String(),
	})
}
