package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/refimport/internal/controller"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Force bool
	All   bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [type...]",
		Short: "Run importers whose sources changed",
		Long: `Run the given importers, or every importer with --all, in dependency order.

An importer runs only when its source or one of its upstream importers
changed since its last successful run. --force runs it anyway, unless an
upstream importer never completed.

Example:
  refimport run --all
  refimport run idcc.raw idcc --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.All == (len(args) > 0) {
				return NewExitError(ExitCommandError, "pass importer types or --all, not both")
			}
			return runImporters(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "run importers whose sources did not change")
	cmd.Flags().BoolVar(&opts.All, "all", false, "run every registered importer")

	return cmd
}

// commandContext is cancelled on SIGINT or SIGTERM
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runImporters(cmd *cobra.Command, opts *RunOptions, types []string) error {
	a, err := newApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	jobs := a.registry.Jobs()
	if !opts.All {
		if jobs, err = a.registry.Select(types...); err != nil {
			return WrapExitError(ExitCommandError, "invalid importer", err)
		}
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	reports, runErr := a.controller.RunAll(ctx, jobs, controller.Options{Force: opts.Force})

	if err := printReports(newPrinter(opts.RootOptions, cmd.OutOrStdout()), reports); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "import failed", runErr)
	}
	return nil
}
