// Package worker is a cooperating process's lifecycle: bring the listeners
// up, publish the connect URL and socket path for callers to find, toggle
// log verbosity on SIGUSR2, and shut down cleanly; on the caller side,
// read the published URL, ping it, and auto-start the process if it isn't
// answering yet.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wrpc/wrpc/pkg/auth"
	"github.com/wrpc/wrpc/pkg/config"
	"github.com/wrpc/wrpc/pkg/constants"
	"github.com/wrpc/wrpc/pkg/corehandlers"
	"github.com/wrpc/wrpc/pkg/dispatch"
	"github.com/wrpc/wrpc/pkg/errors"
	"github.com/wrpc/wrpc/pkg/handler"
	"github.com/wrpc/wrpc/pkg/rpcclient"
	"github.com/wrpc/wrpc/pkg/rpcserver"
	"github.com/wrpc/wrpc/pkg/wlog"
)

// Loopback implements rpcclient.Caller by invoking a dispatch.Registry
// in-process: no subprocess is spawned and no socket is touched. It is
// the other end of "loopback mode" (spec §4.9) — for any handler that
// doesn't depend on the wire (no descriptor passing, no SSE), calling it
// through Loopback and through a real Client yields the same result.
type Loopback struct {
	Registry *dispatch.Registry
}

var _ rpcclient.Caller = Loopback{}

// Call resolves name as an authed request (loopback is the trusted,
// same-process path) and drives it to completion in-process. Raw handlers
// have no connection to hand over and are not callable this way.
func (l Loopback) Call(ctx context.Context, name string, positional []any, opts ...rpcclient.CallOption) (rpcclient.Result, error) {
	entry, ok := l.Registry.Resolve(name, true)
	if !ok {
		return rpcclient.Result{}, errors.NewNotFoundError(name)
	}

	resolved := rpcclient.ResolveCallOptions(1, opts...)
	named := resolved.Named
	if named == nil {
		named = map[string]any{}
	}
	args := &handler.Args{Named: named, Positional: positional}
	if err := dispatch.ApplySchema(entry.Schema, args); err != nil {
		return rpcclient.Result{}, err
	}

	switch entry.Shape {
	case dispatch.ShapeRaw:
		return rpcclient.Result{}, errors.NewValidationError("loopback cannot call a raw handler")
	case dispatch.ShapeStream:
		it, err := entry.Stream(ctx, args)
		if err != nil {
			return rpcclient.Result{}, err
		}
		var items []any
		if err := dispatch.DriveStream(ctx, it, func(item handler.Item) error {
			items = append(items, item.Data)
			return nil
		}); err != nil {
			return rpcclient.Result{}, err
		}
		return rpcclient.Result{StatusCode: 200, Data: items}, nil
	default:
		res, err := entry.Unary(ctx, args)
		if err != nil {
			return rpcclient.Result{}, err
		}
		status := res.HTTPCode
		if status == 0 {
			status = 200
		}
		return rpcclient.Result{StatusCode: status, Mimetype: res.Mimetype, Data: res.Data}, nil
	}
}

// Ping resolves the same "ping" method inventory a wire Ping would.
func (l Loopback) Ping(ctx context.Context) ([]handler.Description, error) {
	res, err := l.Call(ctx, "ping", nil)
	if err != nil {
		return nil, err
	}
	return rpcclient.ParsePingResult(res.Data)
}

// Identity names one worker's files on disk: the url-file callers read to
// find it, and (if local-domain is enabled) the sock-file itself.
type Identity struct {
	AppStateDir string
	WorkerName  string
}

func (id Identity) urlFile() string {
	return filepath.Join(id.AppStateDir, id.WorkerName+".url")
}

func (id Identity) sockFile() string {
	return filepath.Join(id.AppStateDir, id.WorkerName+".sock")
}

// Connect reads the url-file, pings the worker there, and returns a ready
// Client. If the ping fails and autoStart is set, it launches exe (the
// worker's own binary, re-invoked to serve) once and retries with the
// AutoStartBackoffBase/Step schedule from constants.
func Connect(ctx context.Context, id Identity, exe []string, autoStart bool, retries int) (*rpcclient.Client, error) {
	var lastErr error
	started := false

	for attempt := 0; attempt <= retries; attempt++ {
		if cfg, err := readURLFile(id); err == nil {
			c := rpcclient.New(cfg)
			if _, pingErr := c.Ping(ctx); pingErr == nil {
				return c, nil
			} else {
				lastErr = pingErr
			}
		} else {
			lastErr = err
		}

		if autoStart && !started && len(exe) > 0 {
			started = true
			if err := spawnDetached(exe); err != nil {
				lastErr = err
			}
		}

		if attempt < retries {
			time.Sleep(constants.AutoStartBackoffBase + time.Duration(attempt)*constants.AutoStartBackoffStep)
		}
	}
	return nil, errors.NewConnectionError(id.urlFile(), lastErr)
}

func readURLFile(id Identity) (rpcclient.Config, error) {
	raw, err := os.ReadFile(id.urlFile())
	if err != nil {
		return rpcclient.Config{}, err
	}
	cfg, err := parseURL(strings.TrimSpace(string(raw)))
	if err != nil {
		return rpcclient.Config{}, err
	}
	if cfg.PreferUnix {
		cfg.SockPath = id.sockFile()
	}
	return cfg, nil
}

// parseURL decodes "http://host:port/[prefix/]secret" (TCP) or
// "http://unix:0/[prefix/]secret" (local-domain — the real socket path is
// filled in by the caller from Identity.sockFile) into a dial config.
func parseURL(u string) (rpcclient.Config, error) {
	rest := strings.TrimPrefix(u, "http://")
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return rpcclient.Config{}, errors.NewProtocolError("malformed worker url", nil)
	}
	hostport, tail := rest[:slash], rest[slash+1:]

	var prefix, secret string
	if i := strings.LastIndexByte(tail, '/'); i >= 0 {
		prefix, secret = tail[:i+1], tail[i+1:]
	} else {
		secret = tail
	}

	cfg := rpcclient.Config{URLPrefix: prefix, Secret: secret}
	if strings.HasPrefix(hostport, "unix:") {
		cfg.PreferUnix = true
		return cfg, nil
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return rpcclient.Config{}, err
	}
	cfg.Host, cfg.Port = host, port
	return cfg, nil
}

func splitHostPort(hostport string) (string, int, error) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return "", 0, errors.NewProtocolError("malformed host:port", nil)
	}
	var port int
	if _, err := fmt.Sscanf(hostport[i+1:], "%d", &port); err != nil {
		return "", 0, errors.NewProtocolError("malformed port", err)
	}
	return hostport[:i], port, nil
}

func spawnDetached(exe []string) error {
	cmd := exec.Command(exe[0], exe[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

// Config bundles what Serve needs to bring one worker process up.
type Config struct {
	Identity
	Options  config.Options
	Registry *dispatch.Registry
}

// Serve brings up the listeners described by wc.Options, publishes the
// url-file (and sock-file, if local-domain is enabled) with mode 0600,
// installs the SIGUSR2 log-level toggle, and blocks until ctx is canceled
// or a fatal listener error occurs. It cleans up its published files on
// the way out.
func Serve(ctx context.Context, wc Config) error {
	opt := wc.Options
	if opt.WorkerNice != 0 {
		_ = unix.Setpriority(unix.PRIO_PROCESS, 0, opt.WorkerNice)
	}
	if opt.WorkerUmask != 0 {
		unix.Umask(opt.WorkerUmask)
	}

	secret := auth.FixedSecret(opt.WorkerSecret)
	if secret == "" {
		s, err := auth.NewSecret()
		if err != nil {
			return err
		}
		secret = s
	}

	log, err := wlog.New(wlog.Options{Stdout: true, Level: opt.LogLevel})
	if err != nil {
		return err
	}
	defer log.Sync()
	installSIGUSR2(log)

	srvCfg := rpcserver.Config{
		ListenHost:     opt.WorkerListenHost,
		ListenPort:     opt.WorkerListenPort,
		ListenQueue:    opt.WorkerListenQueue,
		URLPrefix:      opt.WorkerURLPath,
		MaxRequestSize: opt.WorkerHTTPRequestMaxSize,
		T1:             secondsToDuration(opt.WorkerHTTPRequestTimeout1),
		T2:             secondsToDuration(opt.WorkerHTTPRequestTimeout2),
		SockPath:       wc.Identity.sockFile(),
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	corehandlers.Register(wc.Registry, opt, cancel)

	srv := rpcserver.New(srvCfg, secret, wc.Registry, log)

	var tcpLn net.Listener
	var hostPort string
	if opt.WorkerUseTCP {
		tcpLn, hostPort, err = srv.ListenTCP()
		if err != nil {
			return err
		}
		defer tcpLn.Close()
	}

	var unixLn *net.UnixListener
	if opt.WorkerUseUnixDomain {
		unixLn, err = srv.ListenUnix()
		if err != nil {
			return err
		}
		defer unixLn.Close()
		defer os.Remove(wc.Identity.sockFile())
		if err := os.Chmod(wc.Identity.sockFile(), 0o600); err != nil {
			return err
		}
	}

	urlStr := buildURL(hostPort, opt.WorkerUseUnixDomain, opt.WorkerURLPath, secret)
	if err := publish(wc.Identity.urlFile(), urlStr); err != nil {
		return err
	}
	defer os.Remove(wc.Identity.urlFile())

	log.Infow("worker started", "url", urlStr, "pid", os.Getpid())
	return srv.Serve(ctx, tcpLn, unixLn)
}

func secondsToDuration(s float64) time.Duration {
	if s == 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func buildURL(hostPort string, useUnix bool, urlPath string, secret auth.Secret) string {
	desc := hostPort
	if desc == "" && useUnix {
		desc = "unix:0"
	}
	path := ""
	if urlPath != "" {
		path = strings.Trim(urlPath, "/") + "/"
	}
	return fmt.Sprintf("http://%s/%s%s", desc, path, secret)
}

func publish(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func installSIGUSR2(log *wlog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR2)
	go func() {
		for range ch {
			lvl := log.ToggleLevel()
			log.Infow("log level toggled", "level", lvl.String())
		}
	}()
}
