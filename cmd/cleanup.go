package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/signalnine/minidani/internal/gitops"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/workspace"
)

var (
	flagDryRun bool
	flagDocker bool
)

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup [repo]",
		Short: "Remove workspaces left behind by interrupted sessions",
		Long:  "Find competitor worktrees and branches of the repository that an earlier session failed to remove, and delete them. With --docker, also prune containers started by the docker agent backend.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			log := logging.New(cmd.ErrOrStderr(), flagDebug)
			return cleanup(dir, flagDryRun, log)
		},
	}
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "list what would be removed without removing it")
	cmd.Flags().BoolVar(&flagDocker, "docker", false, "also prune minidani-labeled docker containers")
	return cmd
}

func cleanup(dir string, dryRun bool, log *logging.Logger) error {
	repo, err := gitops.New(dir).TopLevel()
	if err != nil {
		return fmt.Errorf("%s is not inside a git repository: %w", dir, err)
	}
	m := workspace.NewManager(repo, nil, nil, log)
	if err := m.Prune(); err != nil {
		log.Warnf("git worktree prune: %v", err)
	}
	stale, err := m.Stale()
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}
	if len(stale) == 0 {
		log.Infof("No stale workspaces in %s", repo)
	}
	var errs []error
	for _, ws := range stale {
		if dryRun {
			log.Printf("Would remove %s (%s)", ws.Path, ws.Branch)
			continue
		}
		if err := m.Destroy(ws); err != nil {
			log.Errorf("%v", err)
			errs = append(errs, err)
			continue
		}
		log.Successf("Removed %s (%s)", ws.Path, ws.Branch)
	}
	if flagDocker && !dryRun {
		cleanupDocker(log)
	}
	return errors.Join(errs...)
}

// cleanupDocker is best effort; a missing docker CLI only warns.
func cleanupDocker(log *logging.Logger) {
	log.Infof("Pruning minidani containers...")
	c := exec.Command("docker", "container", "prune", "-f", "--filter", "label=minidani=true")
	c.Stdout = os.Stderr
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		log.Warnf("docker container prune: %v", err)
	}
}
