// Command wrpcd is a demo worker process: it exercises the core framework's
// unary, streaming, and file-descriptor-passing surfaces with handlers a
// reader can follow (meow, purr, scratch, catfood, hairball), the way the
// reference implementation's own __main__.py demo kitten exercises its
// streaming call path.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wrpc/wrpc/pkg/config"
	"github.com/wrpc/wrpc/pkg/dispatch"
	"github.com/wrpc/wrpc/pkg/errors"
	"github.com/wrpc/wrpc/pkg/handler"
	"github.com/wrpc/wrpc/pkg/worker"
)

func main() {
	opt, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "wrpcd:", err)
		os.Exit(1)
	}

	reg := dispatch.NewRegistry()
	registerDemoHandlers(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := worker.Identity{AppStateDir: opt.AppStateDir, WorkerName: opt.WorkerName}
	wc := worker.Config{Identity: id, Options: *opt, Registry: reg}

	if err := worker.Serve(ctx, wc); err != nil {
		fmt.Fprintln(os.Stderr, "wrpcd:", err)
		os.Exit(1)
	}
}

// registerDemoHandlers wires up the demo handlers: a trivial greeting, a
// streaming purr, argument coercion, a unary handler that hands a
// descriptor back as an FD result, and a stream that fails partway.
func registerDemoHandlers(reg *dispatch.Registry) {
	reg.Register("meow", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Doc:   "Says meow.",
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "application/json", Data: map[string]any{"says": "meow"}}, nil
		},
	})

	reg.Register("purr", true, dispatch.Entry{
		Shape: dispatch.ShapeStream,
		Doc:   "Streams an escalating purr.",
		Stream: func(ctx context.Context, args *handler.Args) (handler.Iterator, error) {
			items := []handler.Item{
				{Mimetype: "application/json", Data: "p"},
				{Data: "pp"},
				{Data: "ppp"},
				{Data: "pppp"},
			}
			return handler.NewSliceIterator(items), nil
		},
	})

	reg.Register("scratch", false, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Doc:   "Echoes its 'count' argument coerced to an integer.",
		Schema: handler.Schema{
			{Name: "count", Tag: "int", Default: 0},
		},
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			count, _ := args.Get("count")
			return handler.Result{Mimetype: "application/json", Data: map[string]any{"scratches": count}}, nil
		},
	})

	reg.Register("catfood", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Doc:   "Opens /dev/null and hands its descriptor back (local-domain only).",
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			f, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
			if err != nil {
				return handler.Result{}, errors.NewIOError("opening devnull", err)
			}
			fd := int(f.Fd())
			return handler.Result{
				Mimetype: handler.FDResultMimetype,
				Data:     []any{fd},
			}, nil
		},
	})

	reg.Register("hairball", true, dispatch.Entry{
		Shape: dispatch.ShapeStream,
		Doc:   "Streams two items then fails, to demonstrate an incomplete stream.",
		Stream: func(ctx context.Context, args *handler.Args) (handler.Iterator, error) {
			return &hairballIterator{}, nil
		},
	})
}

// hairballIterator yields two items and then fails, so callers can observe
// an incomplete stream (no terminator chunk) instead of a clean finish.
type hairballIterator struct{ pos int }

func (h *hairballIterator) Next(ctx context.Context) (handler.Item, bool, error) {
	h.pos++
	switch h.pos {
	case 1:
		return handler.Item{Mimetype: "application/json", Data: "hair"}, true, nil
	case 2:
		return handler.Item{Data: "ball"}, true, nil
	default:
		return handler.Item{}, false, errors.NewIOError("hairball stuck", nil)
	}
}
