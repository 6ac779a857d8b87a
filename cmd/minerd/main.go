// minerd is the GPU miner: it supervises one worker process per device,
// each polling the dispatcher and serving jobs on a local backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version metadata injected via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// errExit signals a non-zero exit after the command already reported.
var errExit = errors.New("exit")

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "minerd: %v\n", err)
		}
		return 1
	}
	return 0
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "minerd",
		Short:         "GPU miner for the distributed inference network",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultConfigPath(), "Config file (.toml, .yaml or .json)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	root.AddCommand(
		newMineCmd(g, stderr),
		newWorkerCmd(g, stderr),
		newIdentityCmd(g, stdin, stdout, stderr),
		newModelsCmd(g, stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

func defaultConfigPath() string {
	if v := os.Getenv("MINERD_CONFIG"); v != "" {
		return v
	}
	return "config.toml"
}
