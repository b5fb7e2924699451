package main

import (
	"context"
	"os"
	"os/exec"

	"github.com/kpekel/swarmctl/pkg/tmux"
)

// AttachCmd attaches the caller's terminal to the session's tmux
// multiplexer (§6 attach), replacing swarmctl's own process the way a
// shell exec would, so the user gets a real interactive tmux client.
type AttachCmd struct {
	Session string `arg:"" optional:"" help:"Session id (defaults to the most recent session)."`
}

func (c *AttachCmd) Run(cli *CLI) error {
	env, err := newEnvironment(cli)
	if err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	}
	defer env.Close()

	ctx := context.Background()
	id, err := resolveSessionID(ctx, env.audit, c.Session)
	if err != nil {
		return err
	}

	name := tmux.SessionName(id)
	cmd := exec.Command("tmux", "attach-session", "-t", name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: attach to %s: %s", name, err)
	}
	return nil
}
