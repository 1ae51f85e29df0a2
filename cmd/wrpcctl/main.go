// Command wrpcctl is the CLI side of the RPC core: start/stop/restart a
// worker, ping it, dump its configuration, fetch help, or invoke any other
// registered method by name, the way the reference implementation's
// rpckitten.Main() dispatches a plain-argv command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wrpc/wrpc/pkg/errors"
	"github.com/wrpc/wrpc/pkg/rpcclient"
	"github.com/wrpc/wrpc/pkg/worker"
)

// exit codes mirror the reference CLI's ValueError/IOError/PermissionError/
// RuntimeError ladder, adapted to the error taxonomy pkg/errors already
// carries off the wire.
const (
	exitOK = iota
	exitNotRunning
	exitNotFound
	exitValidation
	exitIO
	exitAuth
	exitOther
)

var (
	appStateDir string
	workerName  string
	useTCPOnly  bool
	useJSON     bool
	printRaw    bool
	exePath     string
)

func main() {
	root := &cobra.Command{
		Use:           "wrpcctl",
		Short:         "control and call a wrpc worker",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&appStateDir, "app-state-dir", "", "worker state directory (url-file, sock-file)")
	root.PersistentFlags().StringVar(&workerName, "worker-name", "worker", "worker name, used to find its url-file")
	root.PersistentFlags().BoolVar(&useTCPOnly, "tcp", false, "accepted but has no effect; the transport follows the worker's url-file")
	root.PersistentFlags().BoolVar(&useJSON, "json", false, "print the raw JSON result")
	root.PersistentFlags().BoolVar(&printRaw, "raw", false, "print the result with Go's default formatting")
	root.PersistentFlags().StringVar(&exePath, "exe", "", "path to the worker binary, for auto-start")

	root.AddCommand(
		startCmd(),
		stopCmd(),
		restartCmd(),
		pingCmd(),
		configCmd(),
		helpCmd(),
		callCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func identity() worker.Identity {
	return worker.Identity{AppStateDir: appStateDir, WorkerName: workerName}
}

func autoStartExe() []string {
	if exePath == "" {
		return nil
	}
	return []string{exePath}
}

func connect(ctx context.Context, autoStart bool) (*rpcclient.Client, error) {
	c, err := worker.Connect(ctx, identity(), autoStartExe(), autoStart, 3)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the worker if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if _, err := connect(ctx, true); err != nil {
				return err
			}
			fmt.Printf("%s: running\n", workerName)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "stop the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			c, err := connect(ctx, false)
			if err != nil {
				fmt.Printf("%s: not running\n", workerName)
				return nil
			}
			_, _ = c.Call(ctx, "quitquitquit", nil, rpcclient.WithMaxTries(1))
			fmt.Printf("%s: stopped\n", workerName)
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "stop then start the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopCmd().RunE(cmd, nil); err != nil {
				return err
			}
			return startCmd().RunE(cmd, nil)
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "check whether the worker is running and list its methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			c, err := connect(ctx, false)
			if err != nil {
				return err
			}
			descs, err := c.Ping(ctx)
			if err != nil {
				return err
			}
			return printResult(descs)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "display the worker's current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, "config", nil)
		},
	}
}

func helpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "get help about a worker method",
		RunE: func(cmd *cobra.Command, args []string) error {
			var positional []any
			if len(args) > 0 {
				positional = append(positional, args[0])
			}
			return callAndPrint(cmd, "help", positional)
		},
	}
}

// callCmd handles any other method name dynamically, the way the reference
// CLI falls through to self.call(command, *args, **kwargs) for anything
// that isn't one of its five built-in verbs.
func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "call <method> [args...]",
		Short:              "invoke any registered method by name",
		DisableFlagParsing: true,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			positional, named := splitArgs(args[1:])
			return callNamedAndPrint(cmd, name, positional, named)
		},
	}
	return cmd
}

// splitArgs separates "--key=value" options from plain positional
// arguments, mirroring extract_kwargs's convention.
func splitArgs(args []string) ([]any, map[string]any) {
	var positional []any
	named := map[string]any{}
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			if k, v, ok := strings.Cut(a[2:], "="); ok {
				named[strings.ReplaceAll(k, "-", "_")] = v
				continue
			}
		}
		positional = append(positional, a)
	}
	return positional, named
}

func callAndPrint(cmd *cobra.Command, name string, positional []any) error {
	return callNamedAndPrint(cmd, name, positional, nil)
}

func callNamedAndPrint(cmd *cobra.Command, name string, positional []any, named map[string]any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	c, err := connect(ctx, false)
	if err != nil {
		return err
	}

	var opts []rpcclient.CallOption
	if len(named) > 0 {
		opts = append(opts, rpcclient.WithNamed(named))
	}
	res, err := c.Call(ctx, name, positional, opts...)
	if err != nil {
		return err
	}
	return printResult(res.Data)
}

func printResult(v any) error {
	if printRaw {
		fmt.Printf("%v\n", v)
		return nil
	}
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

func exitCodeFor(err error) int {
	fmt.Fprintln(os.Stderr, "wrpcctl:", err)
	switch errors.GetErrorType(err) {
	case errors.ErrorTypeConnection:
		return exitNotRunning
	case errors.ErrorTypeNotFound:
		return exitNotFound
	case errors.ErrorTypeValidation:
		return exitValidation
	case errors.ErrorTypeIO:
		return exitIO
	case errors.ErrorTypeAuth:
		return exitAuth
	default:
		return exitOther
	}
}
