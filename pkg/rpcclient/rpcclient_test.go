package rpcclient

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wrpc/wrpc/pkg/auth"
	"github.com/wrpc/wrpc/pkg/dispatch"
	"github.com/wrpc/wrpc/pkg/handler"
	"github.com/wrpc/wrpc/pkg/rpcserver"
)

func startServer(t *testing.T, reg *dispatch.Registry, secret auth.Secret) string {
	t.Helper()
	cfg := rpcserver.Config{ListenHost: "127.0.0.1", T1: time.Second, T2: 5 * time.Second, MaxRequestSize: 1 << 20}
	srv := rpcserver.New(cfg, secret, reg, nil)

	ln, addr, err := srv.ListenTCP()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln, nil)
	t.Cleanup(func() { cancel(); ln.Close() })

	return addr
}

func TestCallUnaryMeow(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("meow", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "application/json", Data: map[string]any{"says": "meow"}}, nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, port := splitHostPort(t, startServer(t, reg, secret))

	c := New(Config{Host: addr, Port: port, Secret: string(secret)})
	res, err := c.Call(context.Background(), "meow", nil)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)

	m, ok := res.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "meow", m["says"])
}

func TestCallStreamPurr(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("purr", true, dispatch.Entry{
		Shape: dispatch.ShapeStream,
		Stream: func(ctx context.Context, args *handler.Args) (handler.Iterator, error) {
			items := []handler.Item{
				{Mimetype: "application/json", Data: "p"},
				{Data: "pp"},
				{Data: "ppp"},
			}
			return handler.NewSliceIterator(items), nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, port := splitHostPort(t, startServer(t, reg, secret))

	c := New(Config{Host: addr, Port: port, Secret: string(secret)})
	res, err := c.Call(context.Background(), "purr", nil)
	require.NoError(t, err)

	items, ok := res.Data.([]any)
	require.True(t, ok)
	require.Equal(t, []any{"p", "pp", "ppp"}, items)
}

func TestCallNotFound(t *testing.T) {
	reg := dispatch.NewRegistry()
	secret := auth.FixedSecret("sekrit")
	addr, port := splitHostPort(t, startServer(t, reg, secret))

	c := New(Config{Host: addr, Port: port, Secret: string(secret)})
	_, err := c.Call(context.Background(), "nosuchthing", nil)
	require.Error(t, err)
}

func TestMassageArgsMintsPlaceholdersAndCollectsFDs(t *testing.T) {
	out, fds := massageArgs([]any{FD(7), "literal", SocketFD{Value: 9, Family: 2, Type: 1, Proto: 0}})
	require.Equal(t, []int{7, 9}, fds)

	fdPlaceholder, ok := handler.ParsePlaceholder(out[0].(string))
	require.True(t, ok)
	require.Equal(t, "literal", out[1])
	sockPlaceholder, ok := handler.ParsePlaceholder(out[2].(string))
	require.True(t, ok)
	require.NotEqual(t, fdPlaceholder, sockPlaceholder)
}

func TestMassageArgsPassesThroughPlainValuesUntouched(t *testing.T) {
	out, fds := massageArgs([]any{1, "two", 3.0})
	require.Empty(t, fds)
	require.Equal(t, []any{1, "two", 3.0}, out)
}

func TestCallWithFDOverTCPFailsLoudly(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("takesfile", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Data: "unreachable"}, nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, port := splitHostPort(t, startServer(t, reg, secret))

	c := New(Config{Host: addr, Port: port, Secret: string(secret)})
	_, err := c.Call(context.Background(), "takesfile", []any{FD(3)})
	require.Error(t, err)
}

func TestWithReplyToCarriesTheDescriptorAsAnArgument(t *testing.T) {
	// WithReplyTo prepends the descriptor as a positional FD, which forces
	// the same TCP-cannot-carry-descriptors guard any other FD argument
	// hits — it is never encoded as a plain value.
	reg := dispatch.NewRegistry()
	reg.Register("longjob", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Data: "ok"}, nil
		},
	})
	secret := auth.FixedSecret("sekrit")
	addr, port := splitHostPort(t, startServer(t, reg, secret))

	c := New(Config{Host: addr, Port: port, Secret: string(secret)})
	_, err := c.Call(context.Background(), "longjob", nil, WithReplyTo(0, 128))
	require.Error(t, err, "a TCP connection cannot carry the reply-to descriptor")
}

func TestWithReplyToHandsOffTheRealReplyToTheDescriptor(t *testing.T) {
	sockPair, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	readSide := os.NewFile(uintptr(sockPair[0]), "reply-read-side")
	defer readSide.Close()

	reg := dispatch.NewRegistry()
	reg.Register("longjob", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "text/plain", Data: "done later\n"}, nil
		},
	})
	secret := auth.FixedSecret("sekrit")

	dir := t.TempDir()
	sockPath := dir + "/worker.sock"
	srvCfg := rpcserver.Config{SockPath: sockPath, T1: time.Second, T2: 5 * time.Second, MaxRequestSize: 1 << 20}
	srv := rpcserver.New(srvCfg, secret, reg, nil)
	unixLn, err := srv.ListenUnix()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, nil, unixLn)
	t.Cleanup(func() { cancel(); unixLn.Close() })

	c := New(Config{SockPath: sockPath, PreferUnix: true, Secret: string(secret)})
	_, err = c.Call(context.Background(), "longjob", nil, WithReplyTo(sockPair[1], 0))
	require.NoError(t, err)
	// The worker now holds its own copy of the write side; close ours so
	// the read side sees EOF once the worker closes its copy.
	syscall.Close(sockPair[1])

	readSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(readSide)
	require.NoError(t, err)
	require.Contains(t, string(body), "done later")
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
