package rpcserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wrpc/wrpc/pkg/auth"
	"github.com/wrpc/wrpc/pkg/dispatch"
	"github.com/wrpc/wrpc/pkg/handler"
)

func startTestServer(t *testing.T, reg *dispatch.Registry, secret auth.Secret) (addr string, stop func()) {
	t.Helper()
	cfg := Config{ListenHost: "127.0.0.1", T1: time.Second, T2: 5 * time.Second, MaxRequestSize: 1 << 20}
	srv := New(cfg, secret, reg, nil)

	ln, a, err := srv.ListenTCP()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln, nil)

	return a, func() { cancel(); ln.Close() }
}

func TestMeowUnaryHandler(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("meow", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "text/plain", Data: "Meow world, meow!\n"}, nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, stop := startTestServer(t, reg, secret)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /%s/meow HTTP/1.1\r\nHost: x\r\n\r\n", secret)

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")

	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "Meow world, meow!\n", string(body))
}

func TestAuthedUnknownNameIs404(t *testing.T) {
	reg := dispatch.NewRegistry()
	secret := auth.FixedSecret("sekrit")
	addr, stop := startTestServer(t, reg, secret)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /%s/nosuchname HTTP/1.1\r\nHost: x\r\n\r\n", secret)

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "404")
}

func TestUnauthedPrivateHandlerRejected(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("secretonly", false, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "text/plain", Data: "nope"}, nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, stop := startTestServer(t, reg, secret)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /secretonly HTTP/1.1\r\nHost: x\r\n\r\n")

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "403")
}

func TestStreamingHandlerChunked(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("purr", true, dispatch.Entry{
		Shape: dispatch.ShapeStream,
		Stream: func(ctx context.Context, args *handler.Args) (handler.Iterator, error) {
			items := []handler.Item{
				{Mimetype: "application/json", Data: map[string]any{"purr": "p"}},
				{Data: map[string]any{"purr": "pp"}},
				{Data: map[string]any{"purr": "ppp"}},
			}
			return handler.NewSliceIterator(items), nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, stop := startTestServer(t, reg, secret)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /%s/purr HTTP/1.1\r\nHost: x\r\n\r\n", secret)

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")

	var te string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(strings.ToLower(line), "transfer-encoding") {
			te = line
		}
		if line == "\r\n" {
			break
		}
	}
	require.Contains(t, strings.ToLower(te), "chunked")

	chunkCount := 0
	for {
		sizeLine, err := r.ReadString('\n')
		require.NoError(t, err)
		sizeLine = strings.TrimSpace(sizeLine)
		if sizeLine == "0" {
			break
		}
		var n int
		fmt.Sscanf(sizeLine, "%x", &n)
		buf := make([]byte, n+2)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		chunkCount++
	}
	require.Equal(t, 3, chunkCount)
}

func TestStreamingHandlerSSEFormatsEveryChunk(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("ticks", true, dispatch.Entry{
		Shape: dispatch.ShapeStream,
		Stream: func(ctx context.Context, args *handler.Args) (handler.Iterator, error) {
			items := []handler.Item{
				{Mimetype: "text/event-stream", Data: "tick-1"},
				{Data: "tick-2"},
			}
			return handler.NewSliceIterator(items), nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, stop := startTestServer(t, reg, secret)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /%s/ticks HTTP/1.1\r\nHost: x\r\n\r\n", secret)

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	var chunks []string
	for {
		sizeLine, err := r.ReadString('\n')
		require.NoError(t, err)
		sizeLine = strings.TrimSpace(sizeLine)
		if sizeLine == "0" {
			break
		}
		var n int
		fmt.Sscanf(sizeLine, "%x", &n)
		buf := make([]byte, n+2)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		chunks = append(chunks, string(buf[:n]))
	}
	require.Len(t, chunks, 2)
	require.Equal(t, "data: tick-1\n\n", chunks[0])
	require.Equal(t, "data: tick-2\n\n", chunks[1])
}

func TestStreamingHandlerMimetypeChangeTruncatesStream(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("flaky", true, dispatch.Entry{
		Shape: dispatch.ShapeStream,
		Stream: func(ctx context.Context, args *handler.Args) (handler.Iterator, error) {
			items := []handler.Item{
				{Mimetype: "application/json", Data: map[string]any{"n": 1}},
				{Mimetype: "text/plain", Data: "surprise"},
				{Data: map[string]any{"n": 3}},
			}
			return handler.NewSliceIterator(items), nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, stop := startTestServer(t, reg, secret)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /%s/flaky HTTP/1.1\r\nHost: x\r\n\r\n", secret)

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	// The handler changed mimetype mid-stream, which the dispatcher treats
	// as a bug: exactly one chunk (the first item) is emitted and the
	// stream is cut short without a terminating zero-length chunk.
	sizeLine, err := r.ReadString('\n')
	require.NoError(t, err)
	var n int
	fmt.Sscanf(strings.TrimSpace(sizeLine), "%x", &n)
	buf := make([]byte, n+2)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)

	_, err = r.ReadString('\n')
	require.Error(t, err, "connection should close without a terminating 0-length chunk")
}

func TestRunRedirectedAcksThenWritesOnRedirectedDescriptor(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	target := os.NewFile(uintptr(fds[0]), "target-read-side")
	defer target.Close()

	reg := dispatch.NewRegistry()
	entry := dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "text/plain", Data: "meow, redirected\n"}, nil
		},
	}
	reg.Register("meow", true, entry)

	srv := New(Config{}, auth.FixedSecret("sekrit"), reg, nil)

	original, otherSide := net.Pipe()
	defer otherSide.Close()

	args := &handler.Args{Named: map[string]any{}}
	redirect := dispatch.ReplyRedirect{FD: fds[1], BytesAlreadySent: 0}

	done := make(chan struct{})
	go func() {
		status, _ := srv.runRedirected(context.Background(), original, entry, args, redirect)
		require.Equal(t, 202, status)
		close(done)
	}()

	// The ack arrives in several writes and the original connection is
	// closed after the hand-off grace period, so read it through to EOF.
	otherSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := io.ReadAll(otherSide)
	require.NoError(t, err)
	require.Contains(t, string(ack), "202")
	require.Contains(t, string(ack), "replied_to_first_fd")

	<-done

	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(target)
	require.NoError(t, err)
	require.Contains(t, string(body), "meow, redirected")
}
