package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// usageError marks errors caused by how the command was invoked. They exit
// with status 2.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func Main(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cc := newCommandContext(stdout, stderr)
	defer cc.close()

	root := newRootCommand(cc)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "ingestq: %v\n", err)
	if isUsageError(err) {
		return 2
	}
	return 1
}

func isUsageError(err error) bool {
	var ue usageError
	if errors.As(err, &ue) {
		return true
	}
	return strings.HasPrefix(err.Error(), "unknown command")
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func newRootCommand(cc *commandContext) *cobra.Command {
	root := &cobra.Command{
		Use:           "ingestq",
		Short:         "Deduplicating ingestion into durable FIFO queues",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&cc.configPath, "config", "c", "./ingestq.toml", "configuration file path")
	pf.StringVar(&cc.dotenvPath, "dotenv", "", "load environment variables from file before reading the config")
	pf.StringVar(&cc.logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")
	pf.StringVar(&cc.backend, "backend", "", "override store.backend (memory|sqlite|postgres|pebble)")

	root.AddCommand(newServeCommand(cc))
	root.AddCommand(newIngestCommand(cc))
	root.AddCommand(newDrainCommand(cc))
	root.AddCommand(newQueueCommand(cc))
	root.AddCommand(newCheckpointCommand(cc))
	root.AddCommand(newItemCommand(cc))
	root.AddCommand(newVersionCommand())
	return root
}
