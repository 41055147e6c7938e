package cli

import (
	"time"

	"github.com/spf13/cobra"
)

type recoveredView struct {
	runView
	Deleted  int64  `json:"deleted"`
	Restored int64  `json:"restored"`
	Raw      int64  `json:"raw"`
	Problem  string `json:"problem,omitempty"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail and roll back runs orphaned by a crashed process",
		Long: `Mark runs still pending after --older-than as failed and undo their writes.

A zero --older-than uses [controller] orphan_after.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := commandContext(cmd)
			defer stop()

			recovered, recoverErr := a.controller.RecoverOrphans(ctx, a.registry.Jobs(), olderThan)

			views := make([]recoveredView, len(recovered))
			failed := false
			for i, r := range recovered {
				views[i] = recoveredView{
					runView:  newRunView(r.Run),
					Deleted:  r.Compensation.Deleted,
					Restored: r.Compensation.Restored,
					Raw:      r.Compensation.Raw,
				}
				if r.Err != nil {
					views[i].Problem = r.Err.Error()
					failed = true
				}
			}

			p := newPrinter(rootOpts, cmd.OutOrStdout())
			if p.json() {
				if err := p.encode(views); err != nil {
					return err
				}
			} else {
				rows := make([][]string, len(views))
				for i, v := range views {
					rows[i] = []string{v.ID, v.Type, v.Marker, itoa(v.Deleted), itoa(v.Restored), itoa(v.Raw), v.Problem}
				}
				if err := p.table([]string{"ID", "TYPE", "MARKER", "DELETED", "RESTORED", "RAW", "PROBLEM"}, rows); err != nil {
					return err
				}
			}

			if recoverErr != nil {
				return WrapExitError(ExitFailure, "recovery failed", recoverErr)
			}
			if failed {
				return NewExitError(ExitFailure, "some orphaned runs could not be rolled back")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of a pending run")

	return cmd
}
