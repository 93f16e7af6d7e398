package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/minidani/internal/gitops"
	"github.com/signalnine/minidani/internal/report"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [session-dir]",
		Short: "Show stored session results",
		Long:  "Render result.json of a session directory, or summarize every session under a results directory. Defaults to the latest session.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			dir := resultsDir(cfg.Results.Dir, ".")
			if len(args) > 0 {
				dir = args[0]
			} else {
				dir = filepath.Join(dir, "latest")
			}
			return report.Generate(dir, flagFormat, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}

// resultsDir resolves a relative results directory against the top of the
// repository containing cwd, matching where sessions store their results.
func resultsDir(dir, cwd string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	if top, err := gitops.New(cwd).TopLevel(); err == nil {
		return filepath.Join(top, dir)
	}
	return dir
}
