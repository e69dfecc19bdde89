// Package cli implements the keyalloc command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ineyio/keyalloc"
	"github.com/ineyio/keyalloc/internal/bootstrap"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitUsage         = 1
	ExitPoolExhausted = 2
	ExitConfiguration = 3
	ExitStore         = 4
)

type rootFlags struct {
	configPath string
	envFile    string
}

type runner struct {
	flags rootFlags
	opts  bootstrap.Options
}

// NewRootCommand builds the command tree. opts is merged with the
// --config and --env-file flags when a command loads the App.
func NewRootCommand(opts bootstrap.Options) *cobra.Command {
	r := &runner{opts: opts}

	root := &cobra.Command{
		Use:   "keyalloc",
		Short: "Allocate API keys from shared per-service quota pools",
		Long: `keyalloc hands out API credentials from per-service pools that share
daily request and token ceilings. Each invocation is one short-lived
process; the database is the only coordination point.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{msg: err.Error()}
	})
	root.PersistentFlags().StringVarP(&r.flags.configPath, "config", "c", "", "config file (default ./keyalloc.yaml, or $KEYALLOC_CONFIG)")
	root.PersistentFlags().StringVar(&r.flags.envFile, "env-file", "", "env file loaded before the config (default ./.env)")

	root.AddCommand(
		r.acquireCmd(),
		r.commitCmd(),
		r.resetCmd(),
		r.sweepCmd(),
		r.provisionCmd(),
		r.retireCmd(),
		r.statusCmd(),
		r.migrateCmd(),
		r.pruneCmd(),
		r.usageCmd(),
	)
	return root
}

func (r *runner) load(ctx context.Context) (*bootstrap.App, error) {
	opts := r.opts
	if r.flags.configPath != "" {
		opts.ConfigPath = r.flags.configPath
	} else if opts.ConfigPath == "" {
		opts.ConfigPath = os.Getenv("KEYALLOC_CONFIG")
	}
	if r.flags.envFile != "" {
		opts.EnvFile = r.flags.envFile
	}
	return bootstrap.Load(ctx, opts)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand(bootstrap.Options{})
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyalloc: %v\n", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, keyalloc.ErrPoolExhausted):
		return ExitPoolExhausted
	case errors.Is(err, keyalloc.ErrConfiguration):
		return ExitConfiguration
	case errors.Is(err, keyalloc.ErrInvalidRequest), isUsageError(err):
		return ExitUsage
	default:
		return ExitStore
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue)
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
