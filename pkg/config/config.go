// Package config loads the core's whitelisted option set from in-code
// defaults, a properties-style file, and a command-line overlay, in that
// order, rejecting any unrecognized flag in strict mode.
package config

import (
	"os"
	"strings"

	"github.com/magiconair/properties"
	"github.com/spf13/pflag"

	"github.com/wrpc/wrpc/pkg/constants"
	"github.com/wrpc/wrpc/pkg/errors"
)

// Options is the flat, whitelisted option set relevant to the core (spec
// §4.10), plus the expansion's LogLevel field consumed by pkg/wlog.
type Options struct {
	AppName      string
	AppDataDir   string
	AppStateDir  string
	WorkerName   string
	WorkerConfig string

	WorkerNice  int
	WorkerUmask int
	// WorkerSecret is a fixed access secret; empty means auto-generate one
	// at startup.
	WorkerSecret string

	WorkerListenHost         string
	WorkerListenPort         int
	WorkerListenQueue        int
	WorkerAcceptTimeoutSec   float64
	WorkerUseTCP             bool
	WorkerUseUnixDomain      bool
	WorkerURLPath            string
	WorkerHTTPRequestTimeout1 float64
	WorkerHTTPRequestTimeout2 float64
	WorkerHTTPRequestMaxSize  int64
	PreferBinaryPack         bool

	// LogLevel is the expansion's addition: the spec's whitelist names
	// "log level" but leaves its consumer unspecified; here it drives
	// pkg/wlog's starting zap level.
	LogLevel string
}

// Defaults returns the in-code default Options, matching the reference
// worker's Configuration class defaults.
func Defaults() Options {
	return Options{
		AppName:                  "wrpc",
		WorkerName:                "worker",
		WorkerUmask:               0o022,
		WorkerListenHost:          constants.DefaultListenHost,
		WorkerListenQueue:         constants.DefaultListenQueue,
		WorkerAcceptTimeoutSec:    constants.DefaultAcceptTimeout.Seconds(),
		WorkerUseTCP:              true,
		WorkerUseUnixDomain:       true,
		WorkerHTTPRequestTimeout1: constants.DefaultHeaderTimeout.Seconds(),
		WorkerHTTPRequestTimeout2: constants.DefaultRequestTimeout.Seconds(),
		WorkerHTTPRequestMaxSize:  constants.DefaultMaxRequestSize,
		LogLevel:                  "info",
	}
}

// Load overlays Defaults() with a properties-format file (if cliArgs names
// one via --worker-config=path) and then the pflag-parsed cliArgs
// themselves. Unknown flags are a fatal error (strict
// mode, matching the reference implementation's configure(strict=True)).
func Load(cliArgs []string) (*Options, error) {
	opt := Defaults()

	fs := pflag.NewFlagSet("wrpc", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = false

	appName := fs.String("app-name", opt.AppName, "")
	appDataDir := fs.String("app-data-dir", opt.AppDataDir, "")
	appStateDir := fs.String("app-state-dir", opt.AppStateDir, "")
	workerName := fs.String("worker-name", opt.WorkerName, "")
	workerConfig := fs.String("worker-config", opt.WorkerConfig, "")
	workerNice := fs.Int("worker-nice", opt.WorkerNice, "")
	workerUmask := fs.Int("worker-umask", opt.WorkerUmask, "")
	workerSecret := fs.String("worker-secret", opt.WorkerSecret, "")
	listenHost := fs.String("worker-listen-host", opt.WorkerListenHost, "")
	listenPort := fs.Int("worker-listen-port", opt.WorkerListenPort, "")
	listenQueue := fs.Int("worker-listen-queue", opt.WorkerListenQueue, "")
	acceptTimeout := fs.Float64("worker-accept-timeout", opt.WorkerAcceptTimeoutSec, "")
	useTCP := fs.Bool("worker-use-tcp", opt.WorkerUseTCP, "")
	useUnix := fs.Bool("worker-use-unixdomain", opt.WorkerUseUnixDomain, "")
	urlPath := fs.String("worker-url-path", opt.WorkerURLPath, "")
	t1 := fs.Float64("worker-http-request-timeout1", opt.WorkerHTTPRequestTimeout1, "")
	t2 := fs.Float64("worker-http-request-timeout2", opt.WorkerHTTPRequestTimeout2, "")
	maxSize := fs.Int64("worker-http-request-max-size", opt.WorkerHTTPRequestMaxSize, "")
	preferBinary := fs.Bool("prefer-binary-pack", opt.PreferBinaryPack, "")
	logLevel := fs.String("log-level", opt.LogLevel, "")

	// First pass: discover --worker-config without requiring every other
	// flag to already be registered, since the file itself may set them.
	preScan := pflag.NewFlagSet("wrpc-prescan", pflag.ContinueOnError)
	preScan.ParseErrorsWhitelist.UnknownFlags = true
	preWorkerConfig := preScan.String("worker-config", "", "")
	_ = preScan.Parse(cliArgs)

	if *preWorkerConfig != "" {
		fileArgs, err := loadPropertiesFile(*preWorkerConfig)
		if err != nil {
			return nil, err
		}
		if err := fs.Parse(fileArgs); err != nil {
			return nil, errors.NewValidationError("parsing worker-config file: " + err.Error())
		}
	}

	if err := fs.Parse(cliArgs); err != nil {
		return nil, errors.NewValidationError("parsing command-line flags: " + err.Error())
	}

	opt.AppName = *appName
	opt.AppDataDir = *appDataDir
	opt.AppStateDir = *appStateDir
	opt.WorkerName = *workerName
	opt.WorkerConfig = *workerConfig
	opt.WorkerNice = *workerNice
	opt.WorkerUmask = *workerUmask
	opt.WorkerSecret = *workerSecret
	opt.WorkerListenHost = *listenHost
	opt.WorkerListenPort = *listenPort
	opt.WorkerListenQueue = *listenQueue
	opt.WorkerAcceptTimeoutSec = *acceptTimeout
	opt.WorkerUseTCP = *useTCP
	opt.WorkerUseUnixDomain = *useUnix
	opt.WorkerURLPath = *urlPath
	opt.WorkerHTTPRequestTimeout1 = *t1
	opt.WorkerHTTPRequestTimeout2 = *t2
	opt.WorkerHTTPRequestMaxSize = *maxSize
	opt.PreferBinaryPack = *preferBinary
	opt.LogLevel = *logLevel

	if opt.AppStateDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		}
		opt.AppStateDir = dir + "/" + opt.AppName
	}
	if opt.AppDataDir == "" {
		opt.AppDataDir = opt.AppStateDir
	}

	return &opt, nil
}

// loadPropertiesFile reads a "key = value" file with "#" comments (via
// magiconair/properties) and renders it as "--key=value" pflag-style
// arguments, matching the reference implementation's file-to-CLI
// translation exactly.
func loadPropertiesFile(path string) ([]string, error) {
	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, errors.NewIOError("reading config file "+path, err)
	}
	var args []string
	for _, key := range props.Keys() {
		val, _ := props.Get(key)
		args = append(args, "--"+strings.ReplaceAll(key, "_", "-")+"="+val)
	}
	return args, nil
}
