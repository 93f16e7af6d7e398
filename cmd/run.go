package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/orchestrator"
	"github.com/signalnine/minidani/internal/report"
)

var errNoTask = errors.New("no task given: pass it as arguments, with -f, or on stdin")

func runSession(cmd *cobra.Command, args []string, v *viper.Viper) error {
	stdinTTY := term.IsTerminal(int(os.Stdin.Fd()))
	task, err := readTask(args, flagTaskFile, cmd.InOrStdin(), stdinTTY)
	if errors.Is(err, errNoTask) && len(args) == 0 && stdinTTY {
		return cmd.Help()
	}
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}
	log := logging.New(cmd.ErrOrStderr(), flagDebug)
	if n, err := cfg.LoadSecrets(); err != nil {
		log.Warnf("%v", err)
	} else if n > 0 {
		log.Debugf("Loaded %d secret(s) from %s", n, cfg.Secrets.EnvFile)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	tty := term.IsTerminal(int(os.Stderr.Fd()))
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := orchestrator.Run(ctx, orchestrator.Options{
		Config: cfg,
		Repo:   cwd,
		Task:   task,
		Log:    log,
		TTY:    tty,
	})
	if res != nil && tty && len(res.Competitors) > 0 {
		fmt.Fprintln(cmd.ErrOrStderr())
		_ = report.Session(res, "table", cmd.ErrOrStderr())
	}
	if res != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "\n"+strings.Repeat("=", 70))
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintf(out, "RESULT: %s\n", data)
	}
	if runErr != nil {
		if orchestrator.Aborted(runErr) {
			log.Warnf("Interrupted; workspaces cleaned up")
		}
		return runErr
	}
	return nil
}

// readTask takes the task from a file, the arguments or a piped stdin, in
// that order of preference.
func readTask(args []string, file string, stdin io.Reader, stdinTTY bool) (string, error) {
	var task string
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading task file: %w", err)
		}
		task = string(data)
	case len(args) > 0:
		task = strings.Join(args, " ")
	case !stdinTTY:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading task from stdin: %w", err)
		}
		task = string(data)
	default:
		return "", errNoTask
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return "", fmt.Errorf("task is empty")
	}
	return task, nil
}
