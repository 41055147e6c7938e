package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/refimport/internal/db"
)

// RunsOptions holds flags for the runs list command.
type RunsOptions struct {
	*RootOptions
	Type  string
	Limit int
}

// NewRunsCommand creates the runs command and its subcommands.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the import run ledger",
	}
	cmd.AddCommand(newRunsListCommand(rootOpts))
	cmd.AddCommand(newRunsShowCommand(rootOpts))
	return cmd
}

func newRunsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List import runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}

			a, err := newApp(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.store.ListImportRuns(cmd.Context(), opts.Type, opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list runs", err)
			}

			views := make([]runView, len(runs))
			for i, run := range runs {
				views[i] = newRunView(run)
			}

			p := newPrinter(opts.RootOptions, cmd.OutOrStdout())
			if p.json() {
				return p.encode(views)
			}
			return p.table(runHeader, runRows(views))
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "only list runs of this importer")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of runs")

	return cmd
}

func newRunsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one import run with its snapshot and stage metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.store.GetImportRun(cmd.Context(), args[0])
			if errors.Is(err, db.ErrNotFound) {
				return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load run", err)
			}

			stageStats, err := a.store.GetImportRunStats(cmd.Context(), run.ID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load run stats", err)
			}
			stages := make([]stageView, len(stageStats))
			for i, s := range stageStats {
				stages[i] = stageView{
					Stage:          s.Stage,
					Processed:      s.Processed,
					MaxInboxDepth:  s.MaxInboxDepth,
					AvgLatencyUsec: s.AvgLatencyUsec,
				}
			}

			view := newRunView(*run)
			p := newPrinter(rootOpts, cmd.OutOrStdout())
			if p.json() {
				return p.encode(struct {
					runView
					Stages []stageView `json:"stages"`
				}{view, stages})
			}
			return printRun(p, cmd.OutOrStdout(), view, stages)
		},
	}
}

func printRun(p *printer, w io.Writer, run runView, stages []stageView) error {
	rows := [][]string{
		{"id", run.ID},
		{"type", run.Type},
		{"status", run.Status},
		{"marker", run.Marker},
		{"started", run.StartedAt.Format("2006-01-02T15:04:05.000Z07:00")},
		{"success", itoa(run.Success)},
		{"skipped", itoa(run.Skipped)},
	}
	if run.FinishedAt != nil {
		rows = append(rows, []string{"finished", run.FinishedAt.Format("2006-01-02T15:04:05.000Z07:00")})
	}
	if run.Error != "" {
		rows = append(rows, []string{"error", run.Error})
	}
	if run.Resource != nil {
		rows = append(rows, []string{"resource", run.Resource.Title + " " + run.Resource.Version})
	}

	keys := make([]string, 0, len(run.Snapshot))
	for k := range run.Snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{"snapshot." + k, run.Snapshot[k]})
	}

	if err := p.table([]string{"FIELD", "VALUE"}, rows); err != nil {
		return err
	}
	if len(stages) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	stageRows := make([][]string, len(stages))
	for i, s := range stages {
		depth, latency := "-", "-"
		if s.MaxInboxDepth != nil {
			depth = strconv.Itoa(*s.MaxInboxDepth)
		}
		if s.AvgLatencyUsec != nil {
			latency = strconv.FormatFloat(*s.AvgLatencyUsec, 'f', 1, 64)
		}
		stageRows[i] = []string{s.Stage, itoa(s.Processed), depth, latency}
	}
	return p.table([]string{"STAGE", "PROCESSED", "MAX DEPTH", "AVG LATENCY (us)"}, stageRows)
}
