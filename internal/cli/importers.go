package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type importerView struct {
	Type         string   `json:"type"`
	Dependencies []string `json:"dependencies"`
	Level        int      `json:"level"`
}

// NewImportersCommand creates the importers command.
func NewImportersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "importers",
		Short: "List registered importers in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			reg, err := newRegistry(cfg, newLogger(cfg.Logging, cmd.ErrOrStderr()))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid importers", err)
			}

			levels, err := reg.Order()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid importers", err)
			}

			var views []importerView
			for i, level := range levels {
				for _, job := range level {
					deps := job.Dependencies()
					if deps == nil {
						deps = []string{}
					}
					views = append(views, importerView{Type: job.Type(), Dependencies: deps, Level: i})
				}
			}

			p := newPrinter(rootOpts, cmd.OutOrStdout())
			if p.json() {
				return p.encode(views)
			}
			rows := make([][]string, len(views))
			for i, v := range views {
				rows[i] = []string{strconv.Itoa(v.Level), v.Type, strings.Join(v.Dependencies, ",")}
			}
			return p.table([]string{"LEVEL", "TYPE", "DEPENDS ON"}, rows)
		},
	}
}
