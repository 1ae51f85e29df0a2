// Package frame implements HTTP/1.1 request and response framing: request
// line parsing, header reading, fixed-length and chunked body reads, and
// chunked response writing. It is shared by pkg/rpcserver (reads requests,
// writes responses) and pkg/rpcclient (writes requests, reads responses).
package frame

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/wrpc/wrpc/pkg/buffer"
	"github.com/wrpc/wrpc/pkg/errors"
)

const maxHeaderBytes = 64 * 1024

// RequestHead is the parsed request line plus headers of an HTTP/1.1
// request, before the body is consumed.
type RequestHead struct {
	Method      string
	Path        string
	HTTPVersion string
	Headers     map[string][]string
	// Raw accumulates the exact bytes of the request line and headers, for
	// callers (pkg/auth) that need to scan the literal head for a secret
	// token embedded anywhere in it.
	Raw *buffer.Buffer
}

// Header returns the first value of the canonical header key, or "".
func (h *RequestHead) Header(key string) string {
	if h.Headers == nil {
		return ""
	}
	if v, ok := h.Headers[textproto.CanonicalMIMEHeaderKey(key)]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

// readLine reads a single line, detecting whether it was terminated by
// CRLF or a bare LF, and returns it with the terminator stripped.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

// ReadRequest parses the request line and headers, then returns a body
// reader: a ChunkReader for a chunked body, or one limited to the
// Content-Length, which is rejected when it exceeds maxSize. The head is
// bounded separately by maxHeaderBytes, and a chunked body is not bounded.
// t1 and t2 are not applied here; the caller enforces them with read
// deadlines on the connection. The caller is responsible for consuming (or
// discarding) the returned body reader.
//
// This variant buffers through a *bufio.Reader, which is fine for plain
// TCP traffic and for tests, but must never be used on a connection that
// may carry ancillary file descriptors: bufio may read ahead past the
// header's blank line, silently pulling body bytes (and any SCM_RIGHTS
// control message attached to them) out of the kernel socket buffer via a
// plain Read instead of a ReadMsgUnix, which drops the descriptors. Use
// ReadRequestHead instead on any connection where that matters (see
// pkg/rpcserver).
func ReadRequest(r *bufio.Reader, maxSize int64, t1, t2 time.Duration) (*RequestHead, io.Reader, error) {
	_ = t1 // enforced by the caller via conn.SetReadDeadline before calling us
	_ = t2

	head, err := readHead(r, maxSize)
	if err != nil {
		return nil, nil, err
	}

	cl := head.Header("Content-Length")
	te := head.Header("Transfer-Encoding")

	var body io.Reader
	switch {
	case strings.Contains(strings.ToLower(te), "chunked"):
		body = NewChunkReader(r)
	case cl != "":
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return nil, nil, errors.NewProtocolError("invalid content-length", err)
		}
		if n > maxSize {
			return nil, nil, errors.NewProtocolError("request body exceeds maximum size", nil)
		}
		body = io.LimitReader(r, n)
	default:
		body = emptyBody
	}

	return head, body, nil
}

var emptyBody = strings.NewReader("")

func readHead(r *bufio.Reader, maxSize int64) (*RequestHead, error) {
	raw := buffer.New(64 * 1024)

	reqLine, err := readLine(r)
	if err != nil {
		return nil, errors.NewProtocolError("reading request line", err)
	}
	raw.Write([]byte(reqLine + "\r\n"))

	parts := strings.SplitN(reqLine, " ", 3)
	if len(parts) < 2 {
		return nil, errors.NewProtocolError("malformed request line", nil)
	}
	head := &RequestHead{Method: parts[0], Path: parts[1], Raw: raw}
	if len(parts) == 3 {
		head.HTTPVersion = parts[2]
	}

	headers, err := readHeaders(r, raw)
	if err != nil {
		return nil, err
	}
	head.Headers = headers
	return head, nil
}

// ReadRequestHead parses the request line and headers from r one byte at a
// time, guaranteeing no byte of the body is consumed. Use this on any
// connection (in particular a unix-domain one) before deciding, from the
// parsed headers, how to read the body: io.ReadFull(r, buf) for a
// Content-Length body, fdconn.Recv(conn, ...) for one that may carry
// descriptors, or bufio.NewReader(r) + NewChunkReader for a chunked one
// (chunked bodies never carry descriptors, so buffering them is safe).
func ReadRequestHead(r io.Reader, maxSize int64) (*RequestHead, error) {
	return readHead(bufioFromOneByte(r), maxSize)
}

func bufioFromOneByte(r io.Reader) *bufio.Reader {
	// readHead only calls ReadString on its argument; wrapping the
	// one-byte reader in bufio.NewReaderSize(..., 1) would still let
	// bufio batch reads internally, so we hand it a reader whose Read
	// always returns at most one byte, forcing bufio's fill to do the
	// same and making ReadString's per-call behavior identical to
	// oneByteReader's.
	return bufio.NewReaderSize(singleByteLimiter{r}, 1)
}

// singleByteLimiter caps every underlying Read to at most one byte, so a
// *bufio.Reader built on top of it never reads past a single byte per
// syscall either.
type singleByteLimiter struct{ r io.Reader }

func (s singleByteLimiter) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return s.r.Read(p[:1])
}

func readHeaders(r *bufio.Reader, raw *buffer.Buffer) (map[string][]string, error) {
	headers := make(map[string][]string)
	total := 0
	var lastKey string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.NewProtocolError("reading headers", err)
		}

		total += len(line)
		if total > maxHeaderBytes {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}
		raw.Write([]byte(line))

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + strings.TrimSpace(trimmed)
			continue
		}

		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = append(headers[key], value)
		lastKey = key
	}

	return headers, nil
}

// ResponseHead is the parsed status line plus headers of an HTTP/1.1
// response, before the body is consumed. Used by pkg/rpcclient.
type ResponseHead struct {
	StatusCode  int
	Reason      string
	HTTPVersion string
	Headers     map[string][]string
	Raw         *buffer.Buffer
}

// Header returns the first value of the canonical header key, or "".
func (h *ResponseHead) Header(key string) string {
	if h.Headers == nil {
		return ""
	}
	if v, ok := h.Headers[textproto.CanonicalMIMEHeaderKey(key)]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

// ReadResponseHead parses a status line and headers from r, mirroring
// readHead's request-line parsing on the other side of the wire.
func ReadResponseHead(r *bufio.Reader, maxSize int64) (*ResponseHead, error) {
	raw := buffer.New(64 * 1024)

	statusLine, err := readLine(r)
	if err != nil {
		return nil, errors.NewProtocolError("reading status line", err)
	}
	raw.Write([]byte(statusLine + "\r\n"))

	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, errors.NewProtocolError("malformed status line", nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, errors.NewProtocolError("invalid status code", err)
	}
	head := &ResponseHead{StatusCode: code, HTTPVersion: parts[0], Raw: raw}
	if len(parts) == 3 {
		head.Reason = parts[2]
	}

	headers, err := readHeaders(r, raw)
	if err != nil {
		return nil, err
	}
	head.Headers = headers
	return head, nil
}

// WriteResponseHead writes an HTTP/1.1 status line plus headers, followed by
// the blank line that ends the head. extra is a flat list of alternating
// header name/value pairs.
func WriteResponseHead(w io.Writer, status int, mime string, extra ...string) error {
	reason := statusReason(status)
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, reason); err != nil {
		return err
	}
	if mime != "" {
		if _, err := fmt.Fprintf(w, "Content-Type: %s\r\n", mime); err != nil {
			return err
		}
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", extra[i], extra[i+1]); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteFixedResponse writes a response head plus a Content-Length body in
// one shot (used for unary, non-streaming replies).
func WriteFixedResponse(w io.Writer, status int, mime string, body []byte, extra ...string) error {
	all := append([]string{"Content-Length", strconv.Itoa(len(body))}, extra...)
	if err := WriteResponseHead(w, status, mime, all...); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func statusReason(code int) string {
	switch code {
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 302:
		return "Found"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 423:
		return "Locked"
	case 500:
		return "Internal Server Error"
	default:
		return "Status"
	}
}

// ChunkWriter wraps an io.Writer with HTTP/1.1 chunked transfer encoding.
// The zero-length terminal chunk is written only by Close; an aborted
// stream must not call Close, so the peer sees an IncompleteStream.
type ChunkWriter struct {
	w       io.Writer
	written int64
}

// NewChunkWriter wraps w, emitting the Transfer-Encoding: chunked head
// first.
func NewChunkWriter(w io.Writer, status int, mime string, extra ...string) (*ChunkWriter, error) {
	all := append([]string{"Transfer-Encoding", "chunked"}, extra...)
	if err := WriteResponseHead(w, status, mime, all...); err != nil {
		return nil, err
	}
	return &ChunkWriter{w: w}, nil
}

// NewChunkWriterContinuation wraps w to continue a chunked stream whose
// head an earlier hop already wrote, seeding the bytes-written counter
// from alreadyWritten instead of emitting a fresh head. Used by a
// reply-redirect handoff (spec §4.6) partway down a chain of redirects.
func NewChunkWriterContinuation(w io.Writer, alreadyWritten int64) *ChunkWriter {
	return &ChunkWriter{w: w, written: alreadyWritten}
}

// WriteChunk emits one chunk. A zero-length slice is a no-op; use Close to
// emit the terminal chunk.
func (c *ChunkWriter) WriteChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return err
	}
	if _, err := c.w.Write(p); err != nil {
		return err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return err
	}
	c.written += int64(len(p))
	return nil
}

// BytesWritten returns the total chunk-payload bytes written so far, used to
// seed the bytes-sent counter after a reply-redirect handoff.
func (c *ChunkWriter) BytesWritten() int64 { return c.written }

// Close writes the terminal zero-length chunk, marking a successful
// end-of-stream.
func (c *ChunkWriter) Close() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}

// ChunkReader decodes an HTTP/1.1 chunked body. It implements io.Reader; if
// the underlying stream ends before the terminal zero-length chunk, Read
// returns an IncompleteStream error instead of io.EOF.
type ChunkReader struct {
	tp   *textproto.Reader
	left int64
	done bool
	err  error
}

// NewChunkReader wraps r, ready to decode a chunked body starting at the
// first chunk-size line.
func NewChunkReader(r *bufio.Reader) *ChunkReader {
	return &ChunkReader{tp: textproto.NewReader(r)}
}

func (c *ChunkReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}
	if c.left == 0 {
		line, err := c.tp.ReadLine()
		if err != nil {
			c.err = errors.NewIncompleteStreamError()
			return 0, c.err
		}
		size, err := strconv.ParseInt(strings.TrimSpace(strings.Split(line, ";")[0]), 16, 64)
		if err != nil {
			c.err = errors.NewProtocolError("invalid chunk size", err)
			return 0, c.err
		}
		if size == 0 {
			// Consume the trailer block (possibly just the blank line).
			for {
				tl, err := c.tp.ReadLine()
				if err != nil {
					c.err = errors.NewIncompleteStreamError()
					return 0, c.err
				}
				if tl == "" {
					break
				}
			}
			c.done = true
			return 0, io.EOF
		}
		c.left = size
	}

	toRead := int64(len(p))
	if toRead > c.left {
		toRead = c.left
	}
	n, err := io.ReadFull(c.tp.R, p[:toRead])
	c.left -= int64(n)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			c.err = errors.NewIncompleteStreamError()
		} else {
			c.err = errors.NewIOError("reading chunk body", err)
		}
		return n, c.err
	}
	if c.left == 0 {
		// Per spec: the chunk body is followed by a trailing CRLF that is
		// part of the chunk framing, not application data. Cut at ln+2,
		// i.e. consume those two bytes here rather than folding them into
		// the size comparison.
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(c.tp.R, crlf); err != nil {
			c.err = errors.NewIncompleteStreamError()
			return n, c.err
		}
	}
	return n, nil
}
