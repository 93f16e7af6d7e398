package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/signalnine/minidani/internal/agent"
	"github.com/signalnine/minidani/internal/config"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that the agent and tools a session needs are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, config.NewViper())
			if err != nil {
				return err
			}
			return check(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

type checkRow struct {
	name, path, detail string
	ok                 bool
}

func check(ctx context.Context, cfg *config.Config, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var rows []checkRow
	failed := false
	add := func(r checkRow) {
		rows = append(rows, r)
		if !r.ok {
			failed = true
		}
	}

	switch cfg.Agent.Backend {
	case "docker":
		add(tool(ctx, "docker", "docker"))
		add(checkRow{name: "agent image", path: cfg.Agent.Image, detail: "runs " + cfg.Agent.Command, ok: cfg.Agent.Image != ""})
	default:
		r := checkRow{name: "agent"}
		if p, err := agent.Lookup(cfg.Agent.Command); err != nil {
			r.path, r.detail = cfg.Agent.Command, err.Error()
		} else if v, err := agent.Version(ctx, p); err != nil {
			r.path, r.detail = p, err.Error()
		} else {
			r.path, r.detail, r.ok = p, v, true
		}
		add(r)
	}
	add(tool(ctx, "git", "git"))
	if !cfg.Finalize.NoPR {
		add(tool(ctx, "gh", "gh"))
	}
	add(secretRow("judge", cfg.Judge.Backend == "http", cfg.Judge.APIKeyEnv))
	add(secretRow("namer", false, cfg.Namer.APIKeyEnv))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Check", "Path", "Detail", "OK"})
	for _, r := range rows {
		mark := "yes"
		if !r.ok {
			mark = "NO"
		}
		t.AppendRow(table.Row{r.name, r.path, r.detail, mark})
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	if failed {
		if cfg.Agent.Backend != "docker" && !rows[0].ok {
			fmt.Fprintln(w)
			fmt.Fprintln(w, agent.InstallHint)
		}
		return fmt.Errorf("some checks failed")
	}
	return nil
}

func tool(ctx context.Context, name, command string) checkRow {
	p, err := exec.LookPath(command)
	if err != nil {
		return checkRow{name: name, path: command, detail: "not found on PATH"}
	}
	v, err := agent.Version(ctx, p)
	if err != nil {
		return checkRow{name: name, path: p, detail: err.Error()}
	}
	return checkRow{name: name, path: p, detail: v, ok: true}
}

// secretRow reports whether an API key is present. A key is only required
// for the http judge; the namer falls back to a slug without one.
func secretRow(name string, required bool, env string) checkRow {
	if env == "" {
		return checkRow{name: name, detail: "no api key configured", ok: !required}
	}
	if os.Getenv(env) == "" {
		detail := "unset, falls back"
		if required {
			detail = "unset"
		}
		return checkRow{name: name, path: "$" + env, detail: detail, ok: !required}
	}
	return checkRow{name: name, path: "$" + env, detail: "set", ok: true}
}
