package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wrpc/wrpc/pkg/auth"
	"github.com/wrpc/wrpc/pkg/dispatch"
	"github.com/wrpc/wrpc/pkg/handler"
	"github.com/wrpc/wrpc/pkg/rpcclient"
)

func TestParseURLTCP(t *testing.T) {
	cfg, err := parseURL("http://127.0.0.1:9001/ab12cd34")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 9001, cfg.Port)
	require.Equal(t, "ab12cd34", cfg.Secret)
	require.False(t, cfg.PreferUnix)
}

func TestParseURLTCPWithPrefix(t *testing.T) {
	cfg, err := parseURL("http://127.0.0.1:9001/api/ab12cd34")
	require.NoError(t, err)
	require.Equal(t, "api/", cfg.URLPrefix)
	require.Equal(t, "ab12cd34", cfg.Secret)
}

func TestParseURLUnix(t *testing.T) {
	cfg, err := parseURL("http://unix:0/ab12cd34")
	require.NoError(t, err)
	require.True(t, cfg.PreferUnix)
	require.Equal(t, "ab12cd34", cfg.Secret)
}

func TestBuildURL(t *testing.T) {
	u := buildURL("127.0.0.1:9001", false, "", auth.FixedSecret("sekrit"))
	require.Equal(t, "http://127.0.0.1:9001/sekrit", u)
}

func TestBuildURLUnixOnly(t *testing.T) {
	u := buildURL("", true, "api", auth.FixedSecret("sekrit"))
	require.Equal(t, "http://unix:0/api/sekrit", u)
}

func TestLoopbackSatisfiesCaller(t *testing.T) {
	var _ rpcclient.Caller = Loopback{}
}

func TestLoopbackCallUnary(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("meow", false, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "application/json", Data: map[string]any{"says": "meow"}}, nil
		},
	})
	l := Loopback{Registry: reg}

	res, err := l.Call(context.Background(), "meow", nil)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, map[string]any{"says": "meow"}, res.Data)
}

func TestLoopbackCallStream(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("purr", false, dispatch.Entry{
		Shape: dispatch.ShapeStream,
		Stream: func(ctx context.Context, args *handler.Args) (handler.Iterator, error) {
			return handler.NewSliceIterator([]handler.Item{{Data: "p"}, {Data: "pp"}}), nil
		},
	})
	l := Loopback{Registry: reg}

	res, err := l.Call(context.Background(), "purr", nil)
	require.NoError(t, err)
	require.Equal(t, []any{"p", "pp"}, res.Data)
}

func TestLoopbackCallRawIsRejected(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("rawthing", false, dispatch.Entry{
		Shape: dispatch.ShapeRaw,
		Raw: func(ctx context.Context, args *handler.Args, w handler.Writer) error {
			return nil
		},
	})
	l := Loopback{Registry: reg}

	_, err := l.Call(context.Background(), "rawthing", nil)
	require.Error(t, err)
}

func TestLoopbackCallNotFound(t *testing.T) {
	l := Loopback{Registry: dispatch.NewRegistry()}
	_, err := l.Call(context.Background(), "nosuchname", nil)
	require.Error(t, err)
}

func TestLoopbackPing(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("ping", false, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Data: []any{
				map[string]any{"name": "meow", "return_type": "json", "is_stream": false, "doc": "says meow"},
			}}, nil
		},
	})
	l := Loopback{Registry: reg}

	descs, err := l.Ping(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, "meow", descs[0].Name)
	require.Equal(t, "says meow", descs[0].Doc)
}

func TestLoopbackCallPassesNamedOptions(t *testing.T) {
	var gotNamed map[string]any
	reg := dispatch.NewRegistry()
	reg.Register("withopts", false, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			gotNamed = args.Named
			return handler.Result{Data: "ok"}, nil
		},
	})
	l := Loopback{Registry: reg}

	_, err := l.Call(context.Background(), "withopts", nil, rpcclient.WithNamed(map[string]any{"verbose": true}))
	require.NoError(t, err)
	require.Equal(t, true, gotNamed["verbose"])
}
