package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/minidani/internal/config"
)

var (
	cfgFile   string
	flagDebug bool

	flagTaskFile     string
	flagNoPR         bool
	flagBranchName   string
	flagBranchPrefix string
	flagCompetitors  int
	flagMaxRounds    int
	flagThreshold    int
	flagTimeout      time.Duration
	flagStatusAddr   string
)

func NewRootCmd() *cobra.Command {
	v := config.NewViper()
	root := &cobra.Command{
		Use:   "minidani [flags] [task...]",
		Short: "Competitive multi-agent coding: several agents race, a judge picks the winner",
		Example: `  minidani "Create a REST API"                 # inline task
  minidani -f prompt.md                        # task from a file
  cat prompt.md | minidani                     # task from stdin
  minidani -b my-branch "Add feature"          # custom branch name
  minidani --branch-prefix feat/ "Add auth"    # with prefix
  minidani -n "Refactor utils"                 # commit locally, no PR`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, args, v)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "minidani.yaml", "config file path")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	f := root.Flags()
	f.StringVarP(&flagTaskFile, "file", "f", "", "read the task from a file")
	f.BoolVarP(&flagNoPR, config.KeyNoPR, "n", false, "commit locally instead of creating a PR")
	f.StringVarP(&flagBranchName, config.KeyBranchName, "b", "", "use this branch name instead of generating one")
	f.StringVar(&flagBranchPrefix, config.KeyBranchPrefix, "", "branch prefix, e.g. feat/")
	f.IntVar(&flagCompetitors, config.KeyCompetitors, 0, "number of competing agents")
	f.IntVar(&flagMaxRounds, config.KeyMaxRounds, 0, "maximum number of rounds")
	f.IntVar(&flagThreshold, "threshold", 0, "quality threshold (0-100) for accepting a round")
	f.DurationVar(&flagTimeout, "timeout", 0, "per-competitor timeout, e.g. 90m")
	f.StringVar(&flagStatusAddr, config.KeyStatusAddr, "", "serve live session status on this address, e.g. 127.0.0.1:7777")

	bind := map[string]string{
		config.KeyNoPR:              config.KeyNoPR,
		config.KeyBranchName:        config.KeyBranchName,
		config.KeyBranchPrefix:      config.KeyBranchPrefix,
		config.KeyCompetitors:       config.KeyCompetitors,
		config.KeyMaxRounds:         config.KeyMaxRounds,
		config.KeyQualityThreshold:  "threshold",
		config.KeyCompetitorTimeout: "timeout",
		config.KeyStatusAddr:        config.KeyStatusAddr,
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}

	root.AddCommand(newReportCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newCleanupCmd())
	return root
}

// loadConfig reads the config file and applies environment and flag
// overrides on top of it.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := cfg.Overlay(v); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
