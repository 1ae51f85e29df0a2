// Package corehandlers registers the method-inventory and lifecycle
// handlers every worker carries regardless of its own business logic:
// ping, config, help, and quitquitquit.
package corehandlers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wrpc/wrpc/pkg/config"
	"github.com/wrpc/wrpc/pkg/dispatch"
	"github.com/wrpc/wrpc/pkg/handler"
)

// Register adds the four built-in methods to reg. quit is started on its
// own goroutine when quitquitquit runs, before that call's reply is
// written, so it should only signal a shutdown, not block waiting for one.
func Register(reg *dispatch.Registry, opt config.Options, quit func()) {
	reg.Register("ping", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Doc:   "Pong! See JSON for the full method list.",
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "application/json", Data: pingBody(reg)}, nil
		},
	})

	reg.Register("config", false, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Doc:   "Returns the current configuration.",
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "application/json", Data: map[string]any{
				"config": configAsMap(opt),
			}}, nil
		},
	})

	reg.Register("quitquitquit", false, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Doc:   "Shuts down the worker.",
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			if quit != nil {
				go quit()
			}
			return handler.Result{Mimetype: "application/json", Data: "Goodbye forever"}, nil
		},
	})

	reg.Register("help", true, dispatch.Entry{
		Shape: dispatch.ShapeUnary,
		Doc:   "Returns docstring-based help for the method named by the 'command' argument, or the full command list.",
		Unary: func(ctx context.Context, args *handler.Args) (handler.Result, error) {
			return handler.Result{Mimetype: "application/json", Data: helpText(reg, args)}, nil
		},
	})
}

func pingBody(reg *dispatch.Registry) map[string]any {
	names := make([]string, 0)
	for _, e := range reg.List() {
		names = append(names, e.Name)
	}
	sort.Strings(names)

	list := make([]any, 0, len(names))
	for _, entry := range reg.List() {
		list = append(list, map[string]any{
			"name":        entry.Name,
			"is_stream":   entry.Entry.Shape == dispatch.ShapeStream,
			"doc":         entry.Entry.Doc,
			"return_type": returnTypeTag(entry.Entry),
		})
	}
	return map[string]any{"methods": list, "names": names}
}

func returnTypeTag(e dispatch.Entry) string {
	switch e.Shape {
	case dispatch.ShapeStream:
		return "stream"
	case dispatch.ShapeRaw:
		return "raw"
	default:
		return "any"
	}
}

func configAsMap(opt config.Options) map[string]any {
	return map[string]any{
		"app_name":                     opt.AppName,
		"app_data_dir":                 opt.AppDataDir,
		"app_state_dir":                opt.AppStateDir,
		"worker_name":                  opt.WorkerName,
		"worker_listen_host":           opt.WorkerListenHost,
		"worker_listen_port":           opt.WorkerListenPort,
		"worker_listen_queue":          opt.WorkerListenQueue,
		"worker_use_tcp":               opt.WorkerUseTCP,
		"worker_use_unixdomain":        opt.WorkerUseUnixDomain,
		"worker_url_path":              opt.WorkerURLPath,
		"worker_http_request_timeout1": opt.WorkerHTTPRequestTimeout1,
		"worker_http_request_timeout2": opt.WorkerHTTPRequestTimeout2,
		"worker_http_request_max_size": opt.WorkerHTTPRequestMaxSize,
		"prefer_binary_pack":           opt.PreferBinaryPack,
		"log_level":                    opt.LogLevel,
	}
}

// helpText mirrors the reference implementation's command-list rendering:
// with no "command" argument it lists every method name wrapped to a
// readable width; with one it returns that method's doc string.
func helpText(reg *dispatch.Registry, args *handler.Args) string {
	cmd, _ := args.Get("command")
	if cmd == nil && len(args.Positional) > 0 {
		cmd = args.Positional[0]
	}

	if cmdName, ok := cmd.(string); ok && cmdName != "" {
		for _, e := range reg.List() {
			if e.Name == cmdName {
				if e.Entry.Doc != "" {
					return e.Entry.Doc
				}
				return "No Help Available"
			}
		}
		return "No Help Available"
	}

	var names []string
	for _, e := range reg.List() {
		switch e.Name {
		case "ping", "help", "config", "quitquitquit":
			continue
		default:
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("API Commands: ")
	line := 0
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
			line += 2
		}
		if line+len(n) > 75 {
			b.WriteString("\n   ")
			line = 0
		}
		b.WriteString(n)
		line += len(n)
	}
	return fmt.Sprintf("%s\n", b.String())
}
